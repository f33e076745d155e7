package cost

import (
	"context"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// Store is the aggregation backend behind the ledger. Implementations must
// make Add atomic per bucket so concurrent tracks never lose updates.
type Store interface {
	// Add increments the daily, per-service (lifetime and per-day),
	// per-model and grand-total buckets by cost.
	Add(service, model string, cost float64, day time.Time) error
	DailyCost(day time.Time) (float64, error)
	ServiceCost(service string) (float64, error)
	ServiceCostForDay(service string, day time.Time) (float64, error)
	ModelCost(model string) (float64, error)
	TotalCost() (float64, error)
	// Breakdown returns lifetime cost per service.
	Breakdown() (map[string]float64, error)
	// PushAlert appends a serialized alert, keeping the most recent maxAlerts.
	PushAlert(payload string) error
	ResetDaily(day time.Time) error
	ClearAll() error
}

const maxAlerts = 100

// memStore keeps all buckets in process memory. It is the test backend and
// the degradation target when no KV is configured; counters reset on restart.
type memStore struct {
	mu         sync.Mutex
	daily      map[string]float64
	service    map[string]float64
	serviceDay map[string]float64
	model      map[string]float64
	total      float64
	alerts     []string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		daily:      map[string]float64{},
		service:    map[string]float64{},
		serviceDay: map[string]float64{},
		model:      map[string]float64{},
	}
}

func dayKey(t time.Time) string { return t.UTC().Format("20060102") }

func (s *memStore) Add(service, model string, cost float64, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := dayKey(day)
	s.daily[d] += cost
	s.service[service] += cost
	s.serviceDay[service+":"+d] += cost
	s.model[model] += cost
	s.total += cost
	return nil
}

func (s *memStore) DailyCost(day time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[dayKey(day)], nil
}

func (s *memStore) ServiceCost(service string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service[service], nil
}

func (s *memStore) ServiceCostForDay(service string, day time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceDay[service+":"+dayKey(day)], nil
}

func (s *memStore) ModelCost(model string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model[model], nil
}

func (s *memStore) TotalCost() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, nil
}

func (s *memStore) Breakdown() (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.service))
	for k, v := range s.service {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) PushAlert(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append([]string{payload}, s.alerts...)
	if len(s.alerts) > maxAlerts {
		s.alerts = s.alerts[:maxAlerts]
	}
	return nil
}

func (s *memStore) ResetDaily(day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := dayKey(day)
	removed := s.daily[d]
	delete(s.daily, d)
	for k := range s.serviceDay {
		if len(k) > len(d) && k[len(k)-len(d):] == d {
			delete(s.serviceDay, k)
		}
	}
	s.total -= removed
	if s.total < 0 {
		s.total = 0
	}
	return nil
}

func (s *memStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = map[string]float64{}
	s.service = map[string]float64{}
	s.serviceDay = map[string]float64{}
	s.model = map[string]float64{}
	s.total = 0
	s.alerts = nil
	return nil
}

// kvStore persists buckets to the KV with atomic increments, shadowing every
// write in memory. A persist failure logs a warning and is counted, but the
// shadow still reflects the increment so nothing is silently dropped; reads
// prefer the KV and fall back to the shadow.
type kvStore struct {
	kvc    kv.Client
	shadow *memStore
	ctx    context.Context
}

// NewKVStore wraps a KV client into a Store.
func NewKVStore(kvc kv.Client) Store {
	return &kvStore{kvc: kvc, shadow: newMemStore(), ctx: context.Background()}
}

func (s *kvStore) persistWarn(op string, err error) {
	observ.Warn("cost_persist_failed", map[string]any{"op": op, "error": err.Error()})
	observ.IncCounter("mia_cost_persist_errors_total", map[string]string{"op": op})
}

func (s *kvStore) Add(service, model string, cost float64, day time.Time) error {
	_ = s.shadow.Add(service, model, cost, day)
	for _, key := range []string{
		kv.DailyKey(day),
		kv.ServiceKey(service),
		kv.ServiceDayKey(service, day),
		kv.ModelKey(model),
		kv.KeyCostTotal,
	} {
		if _, err := s.kvc.IncrByFloat(s.ctx, key, cost); err != nil {
			s.persistWarn("incr "+key, err)
		}
	}
	return nil
}

// read prefers the durable value; on KV error it degrades to the shadow.
func (s *kvStore) read(key string, shadowVal float64) (float64, error) {
	v, err := kv.GetFloat(s.ctx, s.kvc, key)
	if err != nil {
		s.persistWarn("get "+key, err)
		return shadowVal, nil
	}
	return v, nil
}

func (s *kvStore) DailyCost(day time.Time) (float64, error) {
	sv, _ := s.shadow.DailyCost(day)
	return s.read(kv.DailyKey(day), sv)
}

func (s *kvStore) ServiceCost(service string) (float64, error) {
	sv, _ := s.shadow.ServiceCost(service)
	return s.read(kv.ServiceKey(service), sv)
}

func (s *kvStore) ServiceCostForDay(service string, day time.Time) (float64, error) {
	sv, _ := s.shadow.ServiceCostForDay(service, day)
	return s.read(kv.ServiceDayKey(service, day), sv)
}

func (s *kvStore) ModelCost(model string) (float64, error) {
	sv, _ := s.shadow.ModelCost(model)
	return s.read(kv.ModelKey(model), sv)
}

func (s *kvStore) TotalCost() (float64, error) {
	sv, _ := s.shadow.TotalCost()
	return s.read(kv.KeyCostTotal, sv)
}

// Breakdown enumerates services seen by this process; the KV holds the
// authoritative per-service totals for each of them.
func (s *kvStore) Breakdown() (map[string]float64, error) {
	names, _ := s.shadow.Breakdown()
	out := make(map[string]float64, len(names))
	for name := range names {
		v, err := s.ServiceCost(name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (s *kvStore) PushAlert(payload string) error {
	_ = s.shadow.PushAlert(payload)
	if err := s.kvc.LPush(s.ctx, kv.KeyCostAlerts, payload); err != nil {
		s.persistWarn("lpush alerts", err)
		return nil
	}
	if err := s.kvc.LTrim(s.ctx, kv.KeyCostAlerts, 0, maxAlerts-1); err != nil {
		s.persistWarn("ltrim alerts", err)
	}
	return nil
}

func (s *kvStore) ResetDaily(day time.Time) error {
	removed, _ := s.DailyCost(day)
	_ = s.shadow.ResetDaily(day)
	if err := s.kvc.Del(s.ctx, kv.DailyKey(day)); err != nil {
		s.persistWarn("del daily", err)
	}
	if removed != 0 {
		if _, err := s.kvc.IncrByFloat(s.ctx, kv.KeyCostTotal, -removed); err != nil {
			s.persistWarn("decr total", err)
		}
	}
	return nil
}

func (s *kvStore) ClearAll() error {
	keys := []string{kv.KeyCostTotal, kv.KeyCostAlerts}
	s.shadow.mu.Lock()
	for name := range s.shadow.service {
		keys = append(keys, kv.ServiceKey(name))
	}
	for name := range s.shadow.model {
		keys = append(keys, kv.ModelKey(name))
	}
	for day := range s.shadow.daily {
		keys = append(keys, kv.KeyCostDailyPrefix+day)
	}
	for sd := range s.shadow.serviceDay {
		keys = append(keys, kv.KeyCostServicePrefix+sd)
	}
	s.shadow.mu.Unlock()
	_ = s.shadow.ClearAll()
	if err := s.kvc.Del(s.ctx, keys...); err != nil {
		s.persistWarn("del all", err)
	}
	return nil
}
