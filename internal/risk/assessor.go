package risk

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/observ"
)

// Level orders risk severity. The ordering is total: low < medium < high <
// critical.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	default:
		return "low"
	}
}

// Type names the monitored risk axis.
type Type string

const (
	TypeMarket       Type = "market"
	TypeSystem       Type = "system"
	TypeOperational  Type = "operational"
	TypeLiquidity    Type = "liquidity"
	TypeCounterparty Type = "counterparty"
)

// ErrOutOfRange marks input-domain violations; no event is produced.
var ErrOutOfRange = errors.New("risk: input out of range")

// Event is one detected risk condition.
type Event struct {
	Type        Type               `json:"risk_type"`
	Level       Level              `json:"risk_level"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Thresholds configures the five monitors. Zero values are not defaulted
// here; construct from config.
type Thresholds struct {
	Volatility      float64 // market: volatility ceiling
	MaxDailyLoss    float64 // market: |loss ratio| that is immediately critical
	SystemHealth    float64 // system: component health floor
	MaxSpread       float64 // liquidity: bid/ask spread ceiling
	MinVolumeRatio  float64 // liquidity: volume ratio floor
	MinMarketDepth  float64 // liquidity: depth floor
	MinBrokerRating float64 // counterparty: rating floor
	MaxSettlement   int     // counterparty: settlement delay ceiling, days
	MaxExposure     float64 // counterparty: credit exposure ceiling
	MinDataQuality  float64 // operational: data quality floor
	MaxOverfitting  float64 // operational: overfitting ceiling
}

// Assessor classifies multi-axis inputs into leveled risk events and keeps
// a bounded, age-pruned history.
type Assessor struct {
	mu         sync.Mutex
	thresholds Thresholds
	events     []Event
	maxEvents  int
	now        func() time.Time
}

// NewAssessor builds an assessor; maxEvents bounds the history (default
// 1000).
func NewAssessor(t Thresholds, maxEvents int) *Assessor {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Assessor{thresholds: t, maxEvents: maxEvents, now: time.Now}
}

// scaledLevel maps an excess ratio onto a severity level: r≥2 critical,
// r≥1.5 high, r≥1 medium, else low.
func scaledLevel(r float64) Level {
	switch {
	case r >= 2:
		return LevelCritical
	case r >= 1.5:
		return LevelHigh
	case r >= 1:
		return LevelMedium
	default:
		return LevelLow
	}
}

// floorRatio expresses how far value sits below a floor: at the floor the
// ratio is 1, at half the floor it is 2.
func floorRatio(floor, value float64) float64 {
	if value <= 0 {
		return 2 // at or below zero, maximally breached
	}
	return floor / value
}

// MonitorMarketRisk evaluates volatility, daily P&L ratio and the market
// trend. trend must be one of normal, volatile, crash.
func (a *Assessor) MonitorMarketRisk(volatility, dailyPnLRatio float64, trend string) (*Event, error) {
	if volatility < 0 || volatility > 1 {
		return nil, fmt.Errorf("%w: volatility %v outside [0,1]", ErrOutOfRange, volatility)
	}
	if dailyPnLRatio < -1 || dailyPnLRatio > 1 {
		return nil, fmt.Errorf("%w: daily_pnl_ratio %v outside [-1,1]", ErrOutOfRange, dailyPnLRatio)
	}
	switch trend {
	case "normal", "volatile", "crash":
	default:
		return nil, fmt.Errorf("%w: unknown trend %q", ErrOutOfRange, trend)
	}

	var level Level
	var reasons []string
	if volatility > a.thresholds.Volatility {
		level = maxLevel(level, scaledLevel(volatility/a.thresholds.Volatility))
		reasons = append(reasons, fmt.Sprintf("volatility %.4f above %.4f", volatility, a.thresholds.Volatility))
	}
	if dailyPnLRatio < -a.thresholds.MaxDailyLoss {
		level = LevelCritical
		reasons = append(reasons, fmt.Sprintf("daily loss %.2f%% beyond %.2f%% limit", -dailyPnLRatio*100, a.thresholds.MaxDailyLoss*100))
	}
	if trend == "crash" {
		level = LevelCritical
		reasons = append(reasons, "market trend: crash")
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	return a.record(TypeMarket, level, reasons, map[string]float64{
		"volatility":      volatility,
		"daily_pnl_ratio": dailyPnLRatio,
	}), nil
}

// MonitorSystemRisk evaluates component health ratios in [0,1].
func (a *Assessor) MonitorSystemRisk(redisHealth, gpuHealth, networkHealth float64) (*Event, error) {
	for name, v := range map[string]float64{"redis": redisHealth, "gpu": gpuHealth, "network": networkHealth} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: %s health %v outside [0,1]", ErrOutOfRange, name, v)
		}
	}
	minHealth := redisHealth
	worst := "redis"
	if gpuHealth < minHealth {
		minHealth, worst = gpuHealth, "gpu"
	}
	if networkHealth < minHealth {
		minHealth, worst = networkHealth, "network"
	}
	if minHealth >= a.thresholds.SystemHealth {
		return nil, nil
	}
	// Severity scales with the unhealthy fraction relative to the floor's.
	level := scaledLevel((1 - minHealth) / (1 - a.thresholds.SystemHealth))
	reasons := []string{fmt.Sprintf("%s health %.2f below floor %.2f", worst, minHealth, a.thresholds.SystemHealth)}
	return a.record(TypeSystem, level, reasons, map[string]float64{
		"redis_health":   redisHealth,
		"gpu_health":     gpuHealth,
		"network_health": networkHealth,
	}), nil
}

// MonitorOperationalRisk evaluates strategy quality signals. dataQuality and
// overfitting are ratios in [0,1]; sharpe is unbounded.
func (a *Assessor) MonitorOperationalRisk(sharpe, dataQuality, overfitting float64) (*Event, error) {
	if dataQuality < 0 || dataQuality > 1 {
		return nil, fmt.Errorf("%w: data_quality %v outside [0,1]", ErrOutOfRange, dataQuality)
	}
	if overfitting < 0 || overfitting > 1 {
		return nil, fmt.Errorf("%w: overfitting %v outside [0,1]", ErrOutOfRange, overfitting)
	}

	var level Level
	var reasons []string
	if sharpe < 1 {
		l := LevelMedium
		if sharpe <= 0.5 {
			l = LevelHigh
		}
		level = maxLevel(level, l)
		reasons = append(reasons, fmt.Sprintf("sharpe %.2f below 1.0", sharpe))
	}
	if dataQuality < a.thresholds.MinDataQuality {
		level = maxLevel(level, scaledLevel(floorRatio(a.thresholds.MinDataQuality, dataQuality)))
		reasons = append(reasons, fmt.Sprintf("data quality %.2f below %.2f", dataQuality, a.thresholds.MinDataQuality))
	}
	if overfitting > a.thresholds.MaxOverfitting {
		level = maxLevel(level, scaledLevel(overfitting/a.thresholds.MaxOverfitting))
		reasons = append(reasons, fmt.Sprintf("overfitting %.2f above %.2f", overfitting, a.thresholds.MaxOverfitting))
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	return a.record(TypeOperational, level, reasons, map[string]float64{
		"sharpe":       sharpe,
		"data_quality": dataQuality,
		"overfitting":  overfitting,
	}), nil
}

// MonitorLiquidityRisk evaluates spread, volume ratio and market depth.
func (a *Assessor) MonitorLiquidityRisk(bidAskSpread, volumeRatio, marketDepth float64) (*Event, error) {
	if bidAskSpread < 0 {
		return nil, fmt.Errorf("%w: bid_ask_spread %v negative", ErrOutOfRange, bidAskSpread)
	}
	if volumeRatio < 0 {
		return nil, fmt.Errorf("%w: volume_ratio %v negative", ErrOutOfRange, volumeRatio)
	}
	if marketDepth < 0 || marketDepth > 1 {
		return nil, fmt.Errorf("%w: market_depth %v outside [0,1]", ErrOutOfRange, marketDepth)
	}

	var level Level
	var reasons []string
	if bidAskSpread > a.thresholds.MaxSpread {
		level = maxLevel(level, scaledLevel(bidAskSpread/a.thresholds.MaxSpread))
		reasons = append(reasons, fmt.Sprintf("spread %.4f above %.4f", bidAskSpread, a.thresholds.MaxSpread))
	}
	if volumeRatio < a.thresholds.MinVolumeRatio {
		l := LevelMedium
		if volumeRatio <= a.thresholds.MinVolumeRatio/2 {
			l = LevelHigh
		}
		level = maxLevel(level, l)
		reasons = append(reasons, fmt.Sprintf("volume ratio %.2f below %.2f", volumeRatio, a.thresholds.MinVolumeRatio))
	}
	if marketDepth < a.thresholds.MinMarketDepth {
		level = maxLevel(level, scaledLevel(floorRatio(a.thresholds.MinMarketDepth, marketDepth)))
		reasons = append(reasons, fmt.Sprintf("market depth %.2f below %.2f", marketDepth, a.thresholds.MinMarketDepth))
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	return a.record(TypeLiquidity, level, reasons, map[string]float64{
		"bid_ask_spread": bidAskSpread,
		"volume_ratio":   volumeRatio,
		"market_depth":   marketDepth,
	}), nil
}

// MonitorCounterpartyRisk evaluates broker rating, settlement delay and
// credit exposure.
func (a *Assessor) MonitorCounterpartyRisk(brokerRating float64, settlementDelayDays int, creditExposure float64) (*Event, error) {
	if brokerRating < 0 || brokerRating > 1 {
		return nil, fmt.Errorf("%w: broker_rating %v outside [0,1]", ErrOutOfRange, brokerRating)
	}
	if settlementDelayDays < 0 {
		return nil, fmt.Errorf("%w: settlement_delay %d negative", ErrOutOfRange, settlementDelayDays)
	}
	if creditExposure < 0 || creditExposure > 1 {
		return nil, fmt.Errorf("%w: credit_exposure %v outside [0,1]", ErrOutOfRange, creditExposure)
	}

	var level Level
	var reasons []string
	if brokerRating < a.thresholds.MinBrokerRating {
		level = maxLevel(level, scaledLevel(floorRatio(a.thresholds.MinBrokerRating, brokerRating)))
		reasons = append(reasons, fmt.Sprintf("broker rating %.2f below %.2f", brokerRating, a.thresholds.MinBrokerRating))
	}
	if settlementDelayDays > a.thresholds.MaxSettlement {
		l := LevelMedium
		if settlementDelayDays > a.thresholds.MaxSettlement*2 {
			l = LevelHigh
		}
		level = maxLevel(level, l)
		reasons = append(reasons, fmt.Sprintf("settlement delay %d days above %d", settlementDelayDays, a.thresholds.MaxSettlement))
	}
	if creditExposure > a.thresholds.MaxExposure {
		level = maxLevel(level, scaledLevel(creditExposure/a.thresholds.MaxExposure))
		reasons = append(reasons, fmt.Sprintf("credit exposure %.2f above %.2f", creditExposure, a.thresholds.MaxExposure))
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	return a.record(TypeCounterparty, level, reasons, map[string]float64{
		"broker_rating":    brokerRating,
		"settlement_delay": float64(settlementDelayDays),
		"credit_exposure":  creditExposure,
	}), nil
}

// record appends a detected event to the bounded history.
func (a *Assessor) record(t Type, level Level, reasons []string, metrics map[string]float64) *Event {
	ev := Event{
		Type:        t,
		Level:       level,
		Description: strings.Join(reasons, "; "),
		Metrics:     metrics,
		Timestamp:   a.now().UTC(),
	}

	a.mu.Lock()
	a.events = append(a.events, ev)
	if len(a.events) > a.maxEvents {
		a.events = a.events[len(a.events)-a.maxEvents:]
	}
	a.mu.Unlock()

	observ.IncCounter("mia_risk_events_total", map[string]string{
		"type":  string(t),
		"level": level.String(),
	})
	observ.Log("risk_event_detected", map[string]any{
		"type":        string(t),
		"level":       level.String(),
		"description": ev.Description,
	})
	return &ev
}

// OverallLevel is the maximum level among events of the past hour, low when
// none.
func (a *Assessor) OverallLevel() Level {
	cutoff := a.now().UTC().Add(-time.Hour)
	a.mu.Lock()
	defer a.mu.Unlock()
	level := LevelLow
	for _, ev := range a.events {
		if ev.Timestamp.After(cutoff) {
			level = maxLevel(level, ev.Level)
		}
	}
	return level
}

// Events returns a copy of the history, newest last.
func (a *Assessor) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

// ClearOldEvents prunes events strictly older than the window and returns
// how many were removed.
func (a *Assessor) ClearOldEvents(hours int) int {
	cutoff := a.now().UTC().Add(-time.Duration(hours) * time.Hour)
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.events[:0]
	removed := 0
	for _, ev := range a.events {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	a.events = kept
	return removed
}

func maxLevel(a, b Level) Level {
	if b > a {
		return b
	}
	return a
}
