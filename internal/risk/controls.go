package risk

import (
	"sync"

	"github.com/miaquant/safety-kernel/internal/config"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// Limits are the trading limits the control matrix scales.
type Limits struct {
	MaxPositionUSD  float64 `json:"max_position_usd"`
	MaxDailyLossUSD float64 `json:"max_daily_loss_usd"`
	MaxMarginRatio  float64 `json:"max_margin_ratio"`
	MaxSectorPct    float64 `json:"max_sector_pct"`
}

// scaleFor maps the overall risk level to a limit multiplier. Critical zeros
// everything out.
func scaleFor(l Level) float64 {
	switch l {
	case LevelCritical:
		return 0
	case LevelHigh:
		return 0.50
	case LevelMedium:
		return 0.80
	default:
		return 1.00
	}
}

// ControlMatrix holds base trading limits and exposes them scaled by the
// current risk level.
type ControlMatrix struct {
	mu    sync.RWMutex
	base  Limits
	level Level
}

// NewControlMatrix starts at low risk with full limits.
func NewControlMatrix(base Limits) *ControlMatrix {
	m := &ControlMatrix{base: base}
	m.publish()
	return m
}

// SetLevel moves the matrix to a new risk level. Transitions are logged only
// when the level actually changes.
func (m *ControlMatrix) SetLevel(l Level) {
	m.mu.Lock()
	prev := m.level
	m.level = l
	m.mu.Unlock()
	if prev != l {
		observ.Log("control_matrix_level_changed", map[string]any{
			"from":  prev.String(),
			"to":    l.String(),
			"scale": scaleFor(l),
		})
	}
	m.publish()
}

// Level returns the level the matrix currently applies.
func (m *ControlMatrix) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// ScaleFactor returns the multiplier currently applied to base limits.
func (m *ControlMatrix) ScaleFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return scaleFor(m.level)
}

// CurrentLimits returns the base limits scaled by the current level.
func (m *ControlMatrix) CurrentLimits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := scaleFor(m.level)
	return Limits{
		MaxPositionUSD:  m.base.MaxPositionUSD * s,
		MaxDailyLossUSD: m.base.MaxDailyLossUSD * s,
		MaxMarginRatio:  m.base.MaxMarginRatio * s,
		MaxSectorPct:    m.base.MaxSectorPct * s,
	}
}

// BaseLimits returns the unscaled limits.
func (m *ControlMatrix) BaseLimits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base
}

// CanOpenPosition reports whether new positions are allowed at all; only a
// critical level forbids them.
func (m *ControlMatrix) CanOpenPosition() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level != LevelCritical
}

// ResetToDefault restores full limits by returning to the low level.
func (m *ControlMatrix) ResetToDefault() {
	m.SetLevel(LevelLow)
}

func (m *ControlMatrix) publish() {
	lim := m.CurrentLimits()
	observ.SetGauge("mia_risk_scale_factor", m.ScaleFactor(), nil)
	observ.SetGauge("mia_limit_max_position_usd", lim.MaxPositionUSD, nil)
	observ.SetGauge("mia_limit_max_daily_loss_usd", lim.MaxDailyLossUSD, nil)
	observ.SetGauge("mia_limit_max_margin_ratio", lim.MaxMarginRatio, nil)
	observ.SetGauge("mia_limit_max_sector_pct", lim.MaxSectorPct, nil)
}

// ThresholdsFromConfig adapts the config block into assessor thresholds.
func ThresholdsFromConfig(c config.Risk) Thresholds {
	return Thresholds{
		Volatility:      c.VolatilityThreshold,
		MaxDailyLoss:    c.MaxDailyLossRatio,
		SystemHealth:    c.SystemHealthFloor,
		MaxSpread:       c.MaxBidAskSpread,
		MinVolumeRatio:  c.MinVolumeRatio,
		MinMarketDepth:  c.MinMarketDepth,
		MinBrokerRating: c.MinBrokerRating,
		MaxSettlement:   c.MaxSettlementDays,
		MaxExposure:     c.MaxCreditExposure,
		MinDataQuality:  c.MinDataQuality,
		MaxOverfitting:  c.MaxOverfittingScore,
	}
}

// LimitsFromConfig adapts the config block into control matrix limits.
func LimitsFromConfig(c config.Limits) Limits {
	return Limits{
		MaxPositionUSD:  c.MaxPositionUSD,
		MaxDailyLossUSD: c.MaxDailyLossUSD,
		MaxMarginRatio:  c.MaxMarginRatio,
		MaxSectorPct:    c.MaxSectorPct,
	}
}
