package observ

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry keeps raw values for introspection and mirrors every update into
// a Prometheus registry for the scrape endpoint. Label keys for a metric are
// fixed by its first use; later calls are filled against that key set.
type registry struct {
	mu sync.Mutex

	counters map[string]map[string]float64
	gauges   map[string]map[string]float64

	prom      *prometheus.Registry
	promCtr   map[string]*prometheus.CounterVec
	promGauge map[string]*prometheus.GaugeVec
	promHist  map[string]*prometheus.HistogramVec
	labelKeys map[string][]string
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters:  map[string]map[string]float64{},
		gauges:    map[string]map[string]float64{},
		prom:      prometheus.NewRegistry(),
		promCtr:   map[string]*prometheus.CounterVec{},
		promGauge: map[string]*prometheus.GaugeVec{},
		promHist:  map[string]*prometheus.HistogramVec{},
		labelKeys: map[string][]string{},
	}
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += k + "=" + lbl[k]
	}
	return s
}

func (r *registry) keysFor(name string, labels map[string]string) []string {
	if keys, ok := r.labelKeys[name]; ok {
		return keys
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r.labelKeys[name] = keys
	return keys
}

func fill(keys []string, labels map[string]string) prometheus.Labels {
	out := prometheus.Labels{}
	for _, k := range keys {
		out[k] = labels[k]
	}
	return out
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]float64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += value

	keys := reg.keysFor(name, labels)
	vec, ok := reg.promCtr[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		if err := reg.prom.Register(vec); err != nil {
			return
		}
		reg.promCtr[name] = vec
	}
	vec.With(fill(keys, labels)).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value

	keys := reg.keysFor(name, labels)
	vec, ok := reg.promGauge[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		if err := reg.prom.Register(vec); err != nil {
			return
		}
		reg.promGauge[name] = vec
	}
	vec.With(fill(keys, labels)).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := reg.keysFor(name, labels)
	vec, ok := reg.promHist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		if err := reg.prom.Register(vec); err != nil {
			return
		}
		reg.promHist[name] = vec
	}
	vec.With(fill(keys, labels)).Observe(value)
}

// RecordDuration records a duration observation in seconds under
// name+"_seconds".
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_seconds", duration.Seconds(), labels)
}

// CounterValue returns the raw value of a counter series, 0 when unknown.
// Used by stats introspection and tests.
func CounterValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counters[name][canonLabels(labels)]
}

// GaugeValue returns the raw value of a gauge series, 0 when unknown.
func GaugeValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.gauges[name][canonLabels(labels)]
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// ResetForTest replaces the global registry. Test helper only.
func ResetForTest() {
	reg = newRegistry()
}
