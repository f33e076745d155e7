package bridges

import (
	"fmt"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/alerts"
	"github.com/miaquant/safety-kernel/internal/bus"
	"github.com/miaquant/safety-kernel/internal/cost"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// CostBridge listens to the ledger and surfaces budget pressure: gauges and
// the monthly prediction on every track, a warning event when the projection
// runs over budget and an exceeded event per breached cap, each at most once
// per day.
type CostBridge struct {
	breaker   *cost.Breaker
	predictor *cost.Predictor
	cross     *bus.Cross
	notifier  alerts.Notifier

	mu           sync.Mutex
	lastWarnDay  string
	lastLimitDay map[string]string
	now          func() time.Time
}

// NewCostBridge registers itself as a ledger listener. predictor may be nil
// (no projections, actual-cost events only).
func NewCostBridge(ledger *cost.Ledger, breaker *cost.Breaker, predictor *cost.Predictor, cross *bus.Cross, notifier alerts.Notifier) *CostBridge {
	b := &CostBridge{
		breaker:      breaker,
		predictor:    predictor,
		cross:        cross,
		notifier:     notifier,
		lastLimitDay: map[string]string{},
		now:          time.Now,
	}
	if notifier == nil {
		b.notifier = alerts.Noop{}
	}
	ledger.AddListener(b.onTrack)
	return b
}

func (b *CostBridge) onTrack(entry cost.Entry, state cost.BudgetState) {
	observ.SetGauge("mia_cost_daily_usd", state.DailyCost, nil)
	observ.SetGauge("mia_cost_monthly_usd", state.MonthlyCost, nil)
	observ.SetGauge("mia_cost_daily_utilization", state.DailyUtilization, nil)
	observ.SetGauge("mia_cost_monthly_utilization", state.MonthlyUtilization, nil)
	observ.SetGauge("mia_cost_budget_exceeded", boolGauge(state.DailyExceeded), map[string]string{"budget": "daily"})
	observ.SetGauge("mia_cost_budget_exceeded", boolGauge(state.MonthlyExceeded), map[string]string{"budget": "monthly"})

	if b.predictor != nil {
		pred := b.predictor.PredictMonthly()
		observ.SetGauge("mia_cost_predicted_monthly_usd", pred.PredictedMonthly, nil)
		observ.SetGauge("mia_cost_predicted_utilization", pred.Utilization, nil)
		observ.SetGauge("mia_cost_prediction_confidence", pred.Confidence, nil)
	}

	day := b.now().UTC().Format("20060102")

	if state.DailyExceeded || state.MonthlyExceeded {
		// The breaker observes the breach now, not on the next outbound call.
		if b.breaker != nil {
			b.breaker.ObserveBudgets()
		}
		if state.DailyExceeded {
			b.publishExceeded("daily", state.DailyCost, state.DailyBudget, state.DailyUtilization, entry.Service, day)
		}
		if state.MonthlyExceeded {
			b.publishExceeded("monthly", state.MonthlyCost, state.MonthlyBudget, state.MonthlyUtilization, entry.Service, day)
		}
		return
	}

	if b.predictor != nil {
		if alert, over := b.predictor.AlertIfOverBudget(); over {
			b.mu.Lock()
			dup := b.lastWarnDay == day
			b.lastWarnDay = day
			b.mu.Unlock()
			if dup {
				return
			}
			b.cross.Publish(bus.CrossEvent{
				Type:     bus.EventCostBudgetWarning,
				Source:   bus.SubsystemCost,
				Target:   bus.SubsystemRiskMonitor,
				Priority: bus.PriorityNormal,
				Data: map[string]any{
					"predicted_monthly": alert.Cost,
					"budget":            alert.Budget,
					"message":           alert.Message,
				},
			})
		}
	}
}

// publishExceeded emits one limit-breach event per cap per day.
func (b *CostBridge) publishExceeded(limitType string, current, budget, utilization float64, service, day string) {
	b.mu.Lock()
	dup := b.lastLimitDay[limitType] == day
	b.lastLimitDay[limitType] = day
	b.mu.Unlock()
	if dup {
		return
	}
	b.cross.Publish(bus.CrossEvent{
		Type:     bus.EventCostLimitExceeded,
		Source:   bus.SubsystemCost,
		Target:   bus.SubsystemEmergency,
		Priority: bus.PriorityHigh,
		Data: map[string]any{
			"limit_type":    limitType,
			"current_cost":  current,
			"budget":        budget,
			"utilization":   utilization,
			"excess_amount": current - budget,
			"service":       service,
		},
	})
	b.notifier.Notify(alerts.Notification{
		Level:   "danger",
		Source:  "cost",
		Title:   limitType + " budget exceeded",
		Message: fmt.Sprintf("spend %.2f over %s budget %.2f, non-critical calls paused", current, limitType, budget),
	})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
