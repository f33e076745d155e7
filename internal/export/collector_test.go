package export

import (
	"context"
	"testing"
	"time"

	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

func TestCollectOnce(t *testing.T) {
	observ.ResetForTest()
	mem := kv.NewMemory()
	ctx := context.Background()
	_ = mem.Set(ctx, kv.KeyDailyPnL, "1234.5")
	_ = mem.Set(ctx, kv.KeyTotalValue, "100000")
	_ = mem.Set(ctx, kv.KeySoldierMode, "cloud")

	c := NewCollector(mem, time.Second)
	c.CollectOnce()

	if got := observ.GaugeValue("mia_portfolio_daily_pnl", nil); got != 1234.5 {
		t.Errorf("daily pnl gauge = %v, want 1234.5", got)
	}
	if got := observ.GaugeValue("mia_portfolio_total_value", nil); got != 100000 {
		t.Errorf("total value gauge = %v, want 100000", got)
	}
	if got := observ.GaugeValue("mia_soldier_cloud_mode", nil); got != 1 {
		t.Errorf("cloud mode gauge = %v, want 1", got)
	}
	// Absent keys read as zero, not as errors.
	if got := observ.GaugeValue("mia_portfolio_positions", nil); got != 0 {
		t.Errorf("positions gauge = %v, want 0", got)
	}

	stats := c.Stats()
	if stats["collections"].(int64) != 1 {
		t.Errorf("collections = %v, want 1", stats["collections"])
	}
	if stats["errors"].(int64) != 0 {
		t.Errorf("errors = %v, want 0", stats["errors"])
	}
}

func TestCollectorModeFlag(t *testing.T) {
	observ.ResetForTest()
	mem := kv.NewMemory()
	_ = mem.Set(context.Background(), kv.KeySoldierMode, "local")

	c := NewCollector(mem, time.Second)
	c.CollectOnce()
	if got := observ.GaugeValue("mia_soldier_cloud_mode", nil); got != 0 {
		t.Errorf("cloud mode gauge = %v, want 0 for local mode", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(kv.NewMemory(), time.Hour)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(); err == nil {
		t.Error("second Start() = nil, want error")
	}
	c.Stop()
	c.Stop() // idempotent
}
