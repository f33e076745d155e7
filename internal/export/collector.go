package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// portfolioGauges maps KV keys to the gauges they feed.
var portfolioGauges = map[string]string{
	kv.KeyDailyPnL:       "mia_portfolio_daily_pnl",
	kv.KeyTotalPnL:       "mia_portfolio_total_pnl",
	kv.KeyTotalValue:     "mia_portfolio_total_value",
	kv.KeyAvailableCash:  "mia_portfolio_available_cash",
	kv.KeyPositionsCount: "mia_portfolio_positions",
	kv.KeyInitialCapital: "mia_portfolio_initial_capital",
}

// Collector periodically snapshots portfolio state and the trading mode from
// the KV into the metrics surface.
type Collector struct {
	kvc      kv.Client
	interval time.Duration

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	done        chan struct{}
	collections int64
	errors      int64
}

// NewCollector builds a collector; interval defaults to 10s.
func NewCollector(kvc kv.Client, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{kvc: kvc, interval: interval}
}

// Start launches the collection loop. A second Start while running is
// rejected.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("export: collector already running")
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop()
	observ.Log("export_collector_started", map[string]any{"interval_s": c.interval.Seconds()})
	return nil
}

// Stop ends the loop and waits for it, bounded.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		observ.Warn("export_collector_join_timeout", nil)
	}
}

func (c *Collector) loop() {
	defer close(c.done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	c.CollectOnce()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.CollectOnce()
		}
	}
}

// CollectOnce runs one snapshot. Each read failure is counted but does not
// stop the rest of the snapshot.
func (c *Collector) CollectOnce() {
	ctx := context.Background()
	failed := false

	for key, gauge := range portfolioGauges {
		v, err := kv.GetFloat(ctx, c.kvc, key)
		if err != nil {
			failed = true
			observ.Warn("export_read_error", map[string]any{"key": key, "error": err.Error()})
			continue
		}
		observ.SetGauge(gauge, v, nil)
	}

	mode, err := c.kvc.Get(ctx, kv.KeySoldierMode)
	switch {
	case err == nil:
		v := 0.0
		if mode == "cloud" {
			v = 1.0
		}
		observ.SetGauge("mia_soldier_cloud_mode", v, nil)
	case errors.Is(err, kv.ErrNotFound):
		observ.SetGauge("mia_soldier_cloud_mode", 0, nil)
	default:
		failed = true
		observ.Warn("export_read_error", map[string]any{"key": kv.KeySoldierMode, "error": err.Error()})
	}

	c.mu.Lock()
	c.collections++
	if failed {
		c.errors++
	}
	c.mu.Unlock()
	observ.IncCounter("mia_export_collections_total", nil)
	if failed {
		observ.IncCounter("mia_export_errors_total", nil)
	}
}

// Stats exposes loop counters for introspection.
func (c *Collector) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"running":     c.running,
		"collections": c.collections,
		"errors":      c.errors,
	}
}
