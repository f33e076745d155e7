package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()

	if c.Cost.DailyBudgetUSD != 100 || c.Cost.MonthlyBudgetUSD != 1000 || c.Cost.PerCallLimitUSD != 10 {
		t.Errorf("cost defaults = %+v", c.Cost)
	}
	if c.Health.IntervalSeconds != 30 || c.Health.FundIntervalSeconds != 60 {
		t.Errorf("health defaults = %+v", c.Health)
	}
	if c.Metrics.Port != 9090 || c.Metrics.CollectIntervalSeconds != 10 {
		t.Errorf("metrics defaults = %+v", c.Metrics)
	}
	if c.Doomsday.FailureThreshold != 3 || c.Doomsday.MemoryThreshold != 0.95 || c.Doomsday.LossThreshold != -0.10 {
		t.Errorf("doomsday defaults = %+v", c.Doomsday)
	}
	if c.Risk.VolatilityThreshold != 0.02 || c.Risk.SystemHealthFloor != 0.60 {
		t.Errorf("risk defaults = %+v", c.Risk)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: "localhost:6379"
cost:
  daily_budget_usd: 50
  model_prices_per_1m:
    deepseek-chat: 0.42
metrics:
  port: 9191
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q", c.Redis.Addr)
	}
	if c.Cost.DailyBudgetUSD != 50 {
		t.Errorf("daily budget = %v, want 50", c.Cost.DailyBudgetUSD)
	}
	if c.Cost.MonthlyBudgetUSD != 1000 {
		t.Errorf("monthly budget default = %v, want 1000", c.Cost.MonthlyBudgetUSD)
	}
	if c.Cost.ModelPricesPer1M["deepseek-chat"] != 0.42 {
		t.Errorf("model price = %v", c.Cost.ModelPricesPer1M["deepseek-chat"])
	}
	if c.Metrics.Port != 9191 {
		t.Errorf("metrics port = %d, want 9191", c.Metrics.Port)
	}
}

func TestValidateRejections(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Root)
	}{
		{"port_too_large", func(c *Root) { c.Metrics.Port = 70000 }},
		{"negative_budget", func(c *Root) { c.Cost.DailyBudgetUSD = -1 }},
		{"zero_interval", func(c *Root) { c.Health.IntervalSeconds = -5 }},
		{"bad_tcp_port", func(c *Root) { c.Health.TCPPorts = []int{0} }},
		{"positive_loss_threshold", func(c *Root) { c.Doomsday.LossThreshold = 0.1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load(absent) = nil error, want error")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "cost: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("Load(malformed) = nil error, want error")
	}
}
