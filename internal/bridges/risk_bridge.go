package bridges

import (
	"context"
	"errors"

	"github.com/miaquant/safety-kernel/internal/alerts"
	"github.com/miaquant/safety-kernel/internal/bus"
	"github.com/miaquant/safety-kernel/internal/doomsday"
	"github.com/miaquant/safety-kernel/internal/emergency"
	"github.com/miaquant/safety-kernel/internal/health"
	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
	"github.com/miaquant/safety-kernel/internal/risk"
)

// MarketInputs feed the market risk monitor.
type MarketInputs struct {
	Volatility    float64
	DailyPnLRatio float64
	Trend         string
}

// SystemInputs feed the system risk monitor.
type SystemInputs struct {
	RedisHealth   float64
	GPUHealth     float64
	NetworkHealth float64
}

// OperationalInputs feed the operational risk monitor.
type OperationalInputs struct {
	Sharpe      float64
	DataQuality float64
	Overfitting float64
}

// LiquidityInputs feed the liquidity risk monitor.
type LiquidityInputs struct {
	BidAskSpread float64
	VolumeRatio  float64
	MarketDepth  float64
}

// CounterpartyInputs feed the counterparty risk monitor.
type CounterpartyInputs struct {
	BrokerRating       float64
	SettlementDays     int
	CreditExposureRate float64
}

// Inputs is one full observation across all five risk axes.
type Inputs struct {
	Market       MarketInputs
	System       SystemInputs
	Operational  OperationalInputs
	Liquidity    LiquidityInputs
	Counterparty CounterpartyInputs
}

// RiskBridge runs the five monitors over one observation, drives the control
// matrix from the overall level, escalates events to the emergency responder
// and pulls the doomsday interlock on critical market or system risk.
type RiskBridge struct {
	assessor  *risk.Assessor
	matrix    *risk.ControlMatrix
	interlock *doomsday.Interlock
	responder *emergency.Responder
	cross     *bus.Cross
	notifier  alerts.Notifier

	// ambient observation sources, bound once during wiring
	kvc     kv.Client
	monitor *health.Monitor
}

// NewRiskBridge wires the risk pipeline together. interlock, responder and
// notifier may each be nil.
func NewRiskBridge(assessor *risk.Assessor, matrix *risk.ControlMatrix, interlock *doomsday.Interlock, responder *emergency.Responder, cross *bus.Cross, notifier alerts.Notifier) *RiskBridge {
	b := &RiskBridge{
		assessor:  assessor,
		matrix:    matrix,
		interlock: interlock,
		responder: responder,
		cross:     cross,
		notifier:  notifier,
	}
	if notifier == nil {
		b.notifier = alerts.Noop{}
	}
	return b
}

// BindAmbient supplies the sources EvaluateAmbient reads. Call before the
// periodic loop starts; the fields are not guarded after that.
func (b *RiskBridge) BindAmbient(kvc kv.Client, monitor *health.Monitor) {
	b.kvc = kvc
	b.monitor = monitor
}

// Evaluate runs one full assessment cycle and returns the overall level.
// When the interlock is already down the monitors are skipped; the system
// is halted and nothing here can improve on that.
func (b *RiskBridge) Evaluate(ctx context.Context, in Inputs) risk.Level {
	if b.interlock != nil {
		if b.interlock.Triggered() {
			return risk.LevelCritical
		}
		if reason, fire := b.interlock.CheckTriggers(ctx); fire {
			b.interlock.Trigger(ctx, reason)
			b.matrix.SetLevel(risk.LevelCritical)
			return risk.LevelCritical
		}
	}

	events := b.runMonitors(in)

	level := b.assessor.OverallLevel()
	b.matrix.SetLevel(level)
	observ.SetGauge("mia_risk_overall_level", float64(level), nil)

	for _, ev := range events {
		b.escalate(ctx, ev)
	}
	return level
}

// EvaluateAmbient runs one assessment cycle from the kernel's own
// observations: component health from the last sweep and the daily loss
// ratio from the KV. Axes with no ambient source are fed neutral values so
// only observed conditions can raise the level. The fund loop drives this.
func (b *RiskBridge) EvaluateAmbient(ctx context.Context) risk.Level {
	in := neutralInputs()
	if b.monitor != nil {
		res := b.monitor.LastResult()
		in.System.RedisHealth = healthScore(res.Components, "redis")
		in.System.GPUHealth = healthScore(res.Components, "gpu")
		in.System.NetworkHealth = healthScore(res.Components, "network")
	}
	if b.kvc != nil {
		if capital, err := kv.GetFloat(ctx, b.kvc, kv.KeyInitialCapital); err == nil && capital > 0 {
			if pnl, err := kv.GetFloat(ctx, b.kvc, kv.KeyDailyPnL); err == nil {
				ratio := pnl / capital
				if ratio < -1 {
					ratio = -1
				} else if ratio > 1 {
					ratio = 1
				}
				in.Market.DailyPnLRatio = ratio
			}
		}
	}
	return b.Evaluate(ctx, in)
}

func neutralInputs() Inputs {
	return Inputs{
		Market:       MarketInputs{Trend: "normal"},
		System:       SystemInputs{RedisHealth: 1, GPUHealth: 1, NetworkHealth: 1},
		Operational:  OperationalInputs{Sharpe: 2, DataQuality: 1},
		Liquidity:    LiquidityInputs{VolumeRatio: 1, MarketDepth: 1},
		Counterparty: CounterpartyInputs{BrokerRating: 1},
	}
}

func healthScore(components map[string]health.Sample, name string) float64 {
	s, ok := components[name]
	if !ok {
		return 1
	}
	switch s.Status {
	case health.StatusHealthy:
		return 1
	case health.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// runMonitors feeds the observation to all five monitors. An out-of-range
// axis is logged and skipped; the other axes still count.
func (b *RiskBridge) runMonitors(in Inputs) []*risk.Event {
	var events []*risk.Event
	collect := func(ev *risk.Event, err error) {
		if err != nil {
			if errors.Is(err, risk.ErrOutOfRange) {
				observ.Warn("risk_input_rejected", map[string]any{"error": err.Error()})
				observ.IncCounter("mia_risk_input_rejections_total", nil)
			} else {
				observ.Error("risk_monitor_error", map[string]any{"error": err.Error()})
			}
			return
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	collect(b.assessor.MonitorMarketRisk(in.Market.Volatility, in.Market.DailyPnLRatio, in.Market.Trend))
	collect(b.assessor.MonitorSystemRisk(in.System.RedisHealth, in.System.GPUHealth, in.System.NetworkHealth))
	collect(b.assessor.MonitorOperationalRisk(in.Operational.Sharpe, in.Operational.DataQuality, in.Operational.Overfitting))
	collect(b.assessor.MonitorLiquidityRisk(in.Liquidity.BidAskSpread, in.Liquidity.VolumeRatio, in.Liquidity.MarketDepth))
	collect(b.assessor.MonitorCounterpartyRisk(in.Counterparty.BrokerRating, in.Counterparty.SettlementDays, in.Counterparty.CreditExposureRate))
	return events
}

// escalate maps one risk event onto the emergency surface: one level-change
// publication per event, priority matching the alert level. Critical market
// or system risk also pulls the interlock.
func (b *RiskBridge) escalate(ctx context.Context, ev *risk.Event) {
	if ev.Level == risk.LevelCritical && (ev.Type == risk.TypeMarket || ev.Type == risk.TypeSystem) && b.interlock != nil {
		b.interlock.Trigger(ctx, string(ev.Type)+" risk critical: "+ev.Description)
	}

	alertLevel, ok := alertLevelFor(ev.Level)
	if !ok {
		return
	}
	b.cross.Publish(bus.CrossEvent{
		Type:     bus.EventRiskLevelChanged,
		Source:   bus.SubsystemRiskMonitor,
		Target:   bus.SubsystemEmergency,
		Priority: priorityFor(ev.Level),
		Data: map[string]any{
			"risk_type":   string(ev.Type),
			"risk_level":  ev.Level.String(),
			"description": ev.Description,
		},
	})
	if b.responder != nil {
		if _, err := b.responder.HandleAlert(ctx, alertLevel, "risk:"+string(ev.Type), ev.Description); err != nil {
			observ.Error("risk_escalation_error", map[string]any{"error": err.Error()})
		}
	}
	if ev.Level >= risk.LevelHigh {
		b.notifier.Notify(alerts.Notification{
			Level:   string(alertLevel),
			Source:  "risk:" + string(ev.Type),
			Title:   ev.Level.String() + " risk",
			Message: ev.Description,
		})
	}
}

// alertLevelFor maps risk levels onto emergency alert levels; low risk does
// not alert.
func alertLevelFor(l risk.Level) (emergency.AlertLevel, bool) {
	switch l {
	case risk.LevelMedium:
		return emergency.LevelWarning, true
	case risk.LevelHigh:
		return emergency.LevelDanger, true
	case risk.LevelCritical:
		return emergency.LevelCritical, true
	default:
		return "", false
	}
}

func priorityFor(l risk.Level) bus.Priority {
	switch l {
	case risk.LevelCritical:
		return bus.PriorityCritical
	case risk.LevelHigh:
		return bus.PriorityHigh
	default:
		return bus.PriorityNormal
	}
}
