package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// Monitor sweeps the probes on a fixed cadence and keeps consecutive-failure
// counts for the redis and gpu components, mirrored into the KV where the
// doomsday interlock reads them. A second, slower loop snapshots fund state.
type Monitor struct {
	mu     sync.Mutex
	probes []Probe
	kvc    kv.Client

	interval     time.Duration
	fundInterval time.Duration
	joinTimeout  time.Duration

	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	last          Result
	onResult      func(Result)
	onFund        func()
	redisFailures int64
	gpuFailures   int64
}

// NewMonitor builds a monitor over the given probes. interval drives the
// probe sweep, fundInterval the fund snapshot loop.
func NewMonitor(kvc kv.Client, probes []Probe, interval, fundInterval, joinTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if fundInterval <= 0 {
		fundInterval = 60 * time.Second
	}
	if joinTimeout <= 0 {
		joinTimeout = 5 * time.Second
	}
	return &Monitor{
		kvc:          kvc,
		probes:       probes,
		interval:     interval,
		fundInterval: fundInterval,
		joinTimeout:  joinTimeout,
	}
}

// SetOnResult registers the sweep callback. The callback runs on the monitor
// goroutine between ticks, so a slow callback delays the next sweep rather
// than overlapping it.
func (m *Monitor) SetOnResult(fn func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = fn
}

// SetOnFund registers a callback invoked after every fund snapshot, on the
// fund loop goroutine. The periodic risk evaluation hangs off this hook.
func (m *Monitor) SetOnFund(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFund = fn
}

// Start launches both loops. A second Start while running is rejected.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("health: monitor already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.wg.Add(2)
	go m.sweepLoop()
	go m.fundLoop()
	observ.Log("health_monitor_started", map[string]any{
		"interval_s":      m.interval.Seconds(),
		"fund_interval_s": m.fundInterval.Seconds(),
	})
	return nil
}

// Stop signals both loops and waits for them, bounded by the join timeout.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.joinTimeout):
		observ.Warn("health_monitor_join_timeout", nil)
	}
	observ.Log("health_monitor_stopped", nil)
}

func (m *Monitor) sweepLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	m.runSweep()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.runSweep()
		}
	}
}

func (m *Monitor) fundLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.fundInterval)
	defer t.Stop()
	m.fundTick()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.fundTick()
		}
	}
}

func (m *Monitor) fundTick() {
	m.fundCheck()
	m.mu.Lock()
	fn := m.onFund
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// runSweep executes every probe once, derives the overall status, updates
// failure counters and hands the result to the callback.
func (m *Monitor) runSweep() {
	ctx := context.Background()
	components := make(map[string]Sample, len(m.probes))
	for _, p := range m.probes {
		components[p.Name()] = p.Check(ctx)
	}
	res := Result{
		Overall:    overall(components),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}

	for name, s := range components {
		v := 0.0
		switch s.Status {
		case StatusHealthy:
			v = 1.0
		case StatusDegraded:
			v = 0.5
		}
		observ.SetGauge("mia_component_health", v, map[string]string{"component": name})
	}
	ov := 0.0
	switch res.Overall {
	case StatusDegraded:
		ov = 1.0
	case StatusUnhealthy:
		ov = 2.0
	case StatusCritical:
		ov = 3.0
	}
	observ.SetGauge("mia_health_overall", ov, nil)
	observ.IncCounter("mia_health_sweeps_total", map[string]string{"overall": string(res.Overall)})

	m.updateFailureCounters(ctx, components)

	m.mu.Lock()
	m.last = res
	fn := m.onResult
	m.mu.Unlock()

	if res.Overall != StatusHealthy {
		observ.Warn("health_sweep_not_healthy", map[string]any{"overall": string(res.Overall)})
	}
	if fn != nil {
		fn(res)
	}
}

// updateFailureCounters tracks consecutive redis/gpu failures. The counts
// are mirrored into the KV best effort; while redis itself is down the
// in-process count is authoritative and the mirror catches up on recovery.
func (m *Monitor) updateFailureCounters(ctx context.Context, components map[string]Sample) {
	m.mu.Lock()
	if s, ok := components["redis"]; ok {
		if s.Status == StatusUnhealthy {
			m.redisFailures++
		} else {
			m.redisFailures = 0
		}
	}
	if s, ok := components["gpu"]; ok {
		if s.Status == StatusUnhealthy {
			m.gpuFailures++
		} else {
			m.gpuFailures = 0
		}
	}
	redis, gpu := m.redisFailures, m.gpuFailures
	m.mu.Unlock()

	observ.SetGauge("mia_consecutive_failures", float64(redis), map[string]string{"component": "redis"})
	observ.SetGauge("mia_consecutive_failures", float64(gpu), map[string]string{"component": "gpu"})

	if m.kvc == nil {
		return
	}
	mirror := func(key string, n int64) {
		var err error
		if n == 0 {
			err = m.kvc.Del(ctx, key)
		} else {
			err = m.kvc.Set(ctx, key, fmt.Sprintf("%d", n))
		}
		if err != nil {
			observ.Warn("health_failure_mirror_error", map[string]any{"key": key, "error": err.Error()})
		}
	}
	mirror(kv.KeyRedisFailures, redis)
	mirror(kv.KeyGPUFailures, gpu)
}

// fundCheck snapshots portfolio state from the KV into gauges.
func (m *Monitor) fundCheck() {
	if m.kvc == nil {
		return
	}
	ctx := context.Background()
	for key, gauge := range map[string]string{
		kv.KeyDailyPnL:       "mia_fund_daily_pnl",
		kv.KeyTotalPnL:       "mia_fund_total_pnl",
		kv.KeyTotalValue:     "mia_fund_total_value",
		kv.KeyAvailableCash:  "mia_fund_available_cash",
		kv.KeyInitialCapital: "mia_fund_initial_capital",
	} {
		v, err := kv.GetFloat(ctx, m.kvc, key)
		if err != nil {
			observ.Warn("fund_check_read_error", map[string]any{"key": key, "error": err.Error()})
			continue
		}
		observ.SetGauge(gauge, v, nil)
	}
}

// RunOnce performs a single synchronous sweep. Test and operator use.
func (m *Monitor) RunOnce() Result {
	m.runSweep()
	return m.LastResult()
}

// LastResult returns the most recent sweep.
func (m *Monitor) LastResult() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Failures returns the consecutive failure counts for redis and gpu.
func (m *Monitor) Failures() (redis, gpu int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.redisFailures, m.gpuFailures
}

// ResetFailures zeroes both counters and clears the KV mirrors.
func (m *Monitor) ResetFailures() {
	m.mu.Lock()
	m.redisFailures = 0
	m.gpuFailures = 0
	m.mu.Unlock()
	if m.kvc != nil {
		ctx := context.Background()
		if err := m.kvc.Del(ctx, kv.KeyRedisFailures, kv.KeyGPUFailures); err != nil {
			observ.Warn("health_failure_reset_error", map[string]any{"error": err.Error()})
		}
	}
	observ.SetGauge("mia_consecutive_failures", 0, map[string]string{"component": "redis"})
	observ.SetGauge("mia_consecutive_failures", 0, map[string]string{"component": "gpu"})
}

// GetStatus exposes monitor state for the HTTP surface.
func (m *Monitor) GetStatus() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"running":        m.running,
		"overall":        string(m.last.Overall),
		"last_sweep":     m.last.Timestamp,
		"redis_failures": m.redisFailures,
		"gpu_failures":   m.gpuFailures,
	}
}
