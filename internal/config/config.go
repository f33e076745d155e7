package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Redis struct {
	Addr          string `yaml:"addr"` // empty => in-memory KV
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	OpTimeoutMs   int    `yaml:"op_timeout_ms"`
	PingTimeoutMs int    `yaml:"ping_timeout_ms"`
}

type Cost struct {
	DailyBudgetUSD   float64            `yaml:"daily_budget_usd"`
	MonthlyBudgetUSD float64            `yaml:"monthly_budget_usd"`
	PerCallLimitUSD  float64            `yaml:"per_call_limit_usd"`
	WindowDays       int                `yaml:"prediction_window_days"`
	ModelPricesPer1M map[string]float64 `yaml:"model_prices_per_1m"`
}

type Risk struct {
	VolatilityThreshold  float64 `yaml:"volatility_threshold"`
	MaxDailyLossRatio    float64 `yaml:"max_daily_loss_ratio"`
	SystemHealthFloor    float64 `yaml:"system_health_floor"`
	MaxBidAskSpread      float64 `yaml:"max_bid_ask_spread"`
	MinVolumeRatio       float64 `yaml:"min_volume_ratio"`
	MinMarketDepth       float64 `yaml:"min_market_depth"`
	MinBrokerRating      float64 `yaml:"min_broker_rating"`
	MaxSettlementDays    int     `yaml:"max_settlement_days"`
	MaxCreditExposure    float64 `yaml:"max_credit_exposure"`
	MinDataQuality       float64 `yaml:"min_data_quality"`
	MaxOverfittingScore  float64 `yaml:"max_overfitting_score"`
	EventHistoryMax      int     `yaml:"event_history_max"`
}

type Limits struct {
	MaxPositionUSD   float64 `yaml:"max_position_usd"`
	MaxDailyLossUSD  float64 `yaml:"max_daily_loss_usd"`
	MaxMarginRatio   float64 `yaml:"max_margin_ratio"`
	MaxSectorPct     float64 `yaml:"max_sector_pct"`
}

type Health struct {
	IntervalSeconds        int    `yaml:"interval_seconds"`
	FundIntervalSeconds    int    `yaml:"fund_interval_seconds"`
	TCPPorts               []int  `yaml:"tcp_ports"`
	TCPTimeoutMs           int    `yaml:"tcp_timeout_ms"`
	GPUTimeoutMs           int    `yaml:"gpu_timeout_ms"`
	GPURequired            bool   `yaml:"gpu_required"`
	DiskPath               string `yaml:"disk_path"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

type Doomsday struct {
	LockfilePath         string  `yaml:"lockfile_path"`
	FailureThreshold     int     `yaml:"failure_threshold"`
	MemoryThreshold      float64 `yaml:"memory_threshold"`
	DiskThreshold        float64 `yaml:"disk_threshold"`
	LossThreshold        float64 `yaml:"loss_threshold"`
	LiquidationThreshold float64 `yaml:"liquidation_threshold"`
}

type Metrics struct {
	Port                   int `yaml:"port"`
	CollectIntervalSeconds int `yaml:"collect_interval_seconds"`
}

type Webhook struct {
	URL           string `yaml:"url"` // empty => notifications disabled
	Channel       string `yaml:"channel"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

type Root struct {
	Redis    Redis    `yaml:"redis"`
	Cost     Cost     `yaml:"cost"`
	Risk     Risk     `yaml:"risk"`
	Limits   Limits   `yaml:"limits"`
	Health   Health   `yaml:"health"`
	Doomsday Doomsday `yaml:"doomsday"`
	Metrics  Metrics  `yaml:"metrics"`
	Webhook  Webhook  `yaml:"webhook"`
}

// Load reads a yaml config, applies defaults, and validates domain bounds.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns the configuration used when no file is supplied.
func Default() Root {
	var c Root
	c.applyDefaults()
	return c
}

func (c *Root) applyDefaults() {
	if c.Redis.OpTimeoutMs == 0 {
		c.Redis.OpTimeoutMs = 5000
	}
	if c.Redis.PingTimeoutMs == 0 {
		c.Redis.PingTimeoutMs = 5000
	}

	if c.Cost.DailyBudgetUSD == 0 {
		c.Cost.DailyBudgetUSD = 100
	}
	if c.Cost.MonthlyBudgetUSD == 0 {
		c.Cost.MonthlyBudgetUSD = 1000
	}
	if c.Cost.PerCallLimitUSD == 0 {
		c.Cost.PerCallLimitUSD = 10
	}
	if c.Cost.WindowDays == 0 {
		c.Cost.WindowDays = 7
	}

	if c.Risk.VolatilityThreshold == 0 {
		c.Risk.VolatilityThreshold = 0.02
	}
	if c.Risk.MaxDailyLossRatio == 0 {
		c.Risk.MaxDailyLossRatio = 0.05
	}
	if c.Risk.SystemHealthFloor == 0 {
		c.Risk.SystemHealthFloor = 0.60
	}
	if c.Risk.MaxBidAskSpread == 0 {
		c.Risk.MaxBidAskSpread = 0.01
	}
	if c.Risk.MinVolumeRatio == 0 {
		c.Risk.MinVolumeRatio = 0.30
	}
	if c.Risk.MinMarketDepth == 0 {
		c.Risk.MinMarketDepth = 0.50
	}
	if c.Risk.MinBrokerRating == 0 {
		c.Risk.MinBrokerRating = 0.70
	}
	if c.Risk.MaxSettlementDays == 0 {
		c.Risk.MaxSettlementDays = 2
	}
	if c.Risk.MaxCreditExposure == 0 {
		c.Risk.MaxCreditExposure = 0.30
	}
	if c.Risk.MinDataQuality == 0 {
		c.Risk.MinDataQuality = 0.80
	}
	if c.Risk.MaxOverfittingScore == 0 {
		c.Risk.MaxOverfittingScore = 0.70
	}
	if c.Risk.EventHistoryMax == 0 {
		c.Risk.EventHistoryMax = 1000
	}

	if c.Limits.MaxPositionUSD == 0 {
		c.Limits.MaxPositionUSD = 50000
	}
	if c.Limits.MaxDailyLossUSD == 0 {
		c.Limits.MaxDailyLossUSD = 5000
	}
	if c.Limits.MaxMarginRatio == 0 {
		c.Limits.MaxMarginRatio = 0.50
	}
	if c.Limits.MaxSectorPct == 0 {
		c.Limits.MaxSectorPct = 0.30
	}

	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.FundIntervalSeconds == 0 {
		c.Health.FundIntervalSeconds = 60
	}
	if c.Health.TCPTimeoutMs == 0 {
		c.Health.TCPTimeoutMs = 2000
	}
	if c.Health.GPUTimeoutMs == 0 {
		c.Health.GPUTimeoutMs = 5000
	}
	if c.Health.DiskPath == "" {
		c.Health.DiskPath = "/"
	}
	if c.Health.ShutdownTimeoutSeconds == 0 {
		c.Health.ShutdownTimeoutSeconds = 5
	}

	if c.Doomsday.LockfilePath == "" {
		c.Doomsday.LockfilePath = "data/doomsday.lock"
	}
	if c.Doomsday.FailureThreshold == 0 {
		c.Doomsday.FailureThreshold = 3
	}
	if c.Doomsday.MemoryThreshold == 0 {
		c.Doomsday.MemoryThreshold = 0.95
	}
	if c.Doomsday.DiskThreshold == 0 {
		c.Doomsday.DiskThreshold = 0.95
	}
	if c.Doomsday.LossThreshold == 0 {
		c.Doomsday.LossThreshold = -0.10
	}
	if c.Doomsday.LiquidationThreshold == 0 {
		c.Doomsday.LiquidationThreshold = -0.15
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.CollectIntervalSeconds == 0 {
		c.Metrics.CollectIntervalSeconds = 10
	}

	if c.Webhook.RatePerMinute == 0 {
		c.Webhook.RatePerMinute = 10
	}
}

// Validate rejects domain-violating values before anything is constructed.
func (c *Root) Validate() error {
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("config: metrics port %d outside [1, 65535]", c.Metrics.Port)
	}
	if c.Metrics.CollectIntervalSeconds < 1 {
		return fmt.Errorf("config: collect interval %ds below 1s", c.Metrics.CollectIntervalSeconds)
	}
	if c.Cost.DailyBudgetUSD <= 0 || c.Cost.MonthlyBudgetUSD <= 0 || c.Cost.PerCallLimitUSD <= 0 {
		return fmt.Errorf("config: budgets must be positive")
	}
	if c.Health.IntervalSeconds < 1 || c.Health.FundIntervalSeconds < 1 {
		return fmt.Errorf("config: probe intervals must be at least 1s")
	}
	for _, p := range c.Health.TCPPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("config: tcp probe port %d outside [1, 65535]", p)
		}
	}
	if c.Doomsday.LossThreshold >= 0 {
		return fmt.Errorf("config: doomsday loss threshold must be negative")
	}
	return nil
}
