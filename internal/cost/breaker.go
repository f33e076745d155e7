package cost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// BreakerState is the circuit breaker position over outbound model calls.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// BreakerLimits are the spend caps the breaker enforces.
type BreakerLimits struct {
	PerCallUSD float64
	DailyUSD   float64
	MonthlyUSD float64
}

// autoResetHeadroom: AutoResetIfPossible only closes when both windows are
// below this fraction of their caps.
const autoResetHeadroom = 0.90

// Breaker vetoes outbound calls whose cost would violate a cap. Critical
// calls are never blocked. The open state is mirrored to the KV so a
// restarted process observes a previously tripped breaker.
type Breaker struct {
	mu     sync.Mutex
	ledger *Ledger
	kvc    kv.Client // optional
	limits BreakerLimits

	open       bool
	openReason string
	openedAt   time.Time

	totalChecks     int64
	blockedRequests int64
}

// NewBreaker builds a breaker over the ledger's actuals. kvc may be nil;
// when present, a persisted "open" flag is restored.
func NewBreaker(ledger *Ledger, kvc kv.Client, limits BreakerLimits) (*Breaker, error) {
	if ledger == nil {
		return nil, fmt.Errorf("cost: breaker requires a ledger")
	}
	if limits.PerCallUSD <= 0 || limits.DailyUSD <= 0 || limits.MonthlyUSD <= 0 {
		return nil, fmt.Errorf("%w: breaker limits must be positive", ErrBadInput)
	}
	b := &Breaker{ledger: ledger, kvc: kvc, limits: limits}
	if kvc != nil {
		if v, err := kvc.Get(context.Background(), kv.KeyCostBreaker); err == nil && v == "open" {
			b.open = true
			b.openReason = "restored"
			b.openedAt = time.Now().UTC()
			observ.Log("cost_breaker_restored_open", nil)
		} else if err != nil && !errors.Is(err, kv.ErrNotFound) {
			observ.Warn("cost_breaker_restore_error", map[string]any{"error": err.Error()})
		}
	}
	b.gauge()
	return b, nil
}

// Check decides whether one outbound call may proceed. estimatedCost <= 0
// means no estimate is available. Critical calls always pass, though cap
// breaches observed here still trip the breaker for later calls.
func (b *Breaker) Check(estimatedCost float64, critical bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalChecks++

	if b.open {
		if critical {
			return true
		}
		return b.reject("breaker_open")
	}

	if !critical && estimatedCost > 0 && estimatedCost > b.limits.PerCallUSD {
		return b.reject("per_call_cap")
	}

	daily := b.ledger.DailyCost(time.Time{})
	monthly := b.ledger.MonthlyCost(0, 0)
	switch {
	case daily > b.limits.DailyUSD:
		b.trip(fmt.Sprintf("daily cap breached: %.4f > %.2f", daily, b.limits.DailyUSD))
	case monthly > b.limits.MonthlyUSD:
		b.trip(fmt.Sprintf("monthly cap breached: %.4f > %.2f", monthly, b.limits.MonthlyUSD))
	}

	if b.open && !critical {
		return b.reject("cap_breached")
	}
	return true
}

// reject counts a blocked request. Callers hold the lock.
func (b *Breaker) reject(reason string) bool {
	b.blockedRequests++
	observ.IncCounter("mia_cost_blocked_requests_total", map[string]string{"reason": reason})
	return false
}

// trip opens the breaker; reopening is idempotent. Callers hold the lock.
func (b *Breaker) trip(reason string) {
	if b.open {
		return
	}
	b.open = true
	b.openReason = reason
	b.openedAt = time.Now().UTC()
	b.persist("open")
	b.gauge()
	observ.Log("cost_breaker_opened", map[string]any{"reason": reason})
	observ.IncCounter("mia_cost_breaker_transitions_total", map[string]string{"to": "open"})
}

// ObserveBudgets re-reads the actuals and trips the breaker on a cap breach
// without counting a call check. Returns whether the breaker is open
// afterwards.
func (b *Breaker) ObserveBudgets() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return true
	}
	daily := b.ledger.DailyCost(time.Time{})
	monthly := b.ledger.MonthlyCost(0, 0)
	switch {
	case daily > b.limits.DailyUSD:
		b.trip(fmt.Sprintf("daily cap breached: %.4f > %.2f", daily, b.limits.DailyUSD))
	case monthly > b.limits.MonthlyUSD:
		b.trip(fmt.Sprintf("monthly cap breached: %.4f > %.2f", monthly, b.limits.MonthlyUSD))
	}
	return b.open
}

// PauseNonCriticalCalls opens the breaker by operator request. Idempotent.
func (b *Breaker) PauseNonCriticalCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip("paused")
}

// ResumeCalls closes the breaker unconditionally. Idempotent.
func (b *Breaker) ResumeCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return
	}
	b.open = false
	b.openReason = ""
	b.persist("")
	b.gauge()
	observ.Log("cost_breaker_closed", map[string]any{"via": "resume"})
	observ.IncCounter("mia_cost_breaker_transitions_total", map[string]string{"to": "closed"})
}

// AutoResetIfPossible closes the breaker iff both current daily and monthly
// costs sit below 90% of their caps. Returns whether the breaker is closed
// after the call.
func (b *Breaker) AutoResetIfPossible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	daily := b.ledger.DailyCost(time.Time{})
	monthly := b.ledger.MonthlyCost(0, 0)
	if daily >= autoResetHeadroom*b.limits.DailyUSD || monthly >= autoResetHeadroom*b.limits.MonthlyUSD {
		return false
	}
	b.open = false
	b.openReason = ""
	b.persist("")
	b.gauge()
	observ.Log("cost_breaker_closed", map[string]any{"via": "auto_reset"})
	observ.IncCounter("mia_cost_breaker_transitions_total", map[string]string{"to": "closed"})
	return true
}

// State returns the breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return BreakerOpen
	}
	return BreakerClosed
}

// Stats exposes check and block counts for introspection.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := BreakerClosed
	if b.open {
		state = BreakerOpen
	}
	return map[string]any{
		"state":            string(state),
		"open_reason":      b.openReason,
		"opened_at":        b.openedAt,
		"total_checks":     b.totalChecks,
		"blocked_requests": b.blockedRequests,
	}
}

// persist mirrors the open flag into the KV, best effort. Callers hold the
// lock; value "" clears the flag.
func (b *Breaker) persist(value string) {
	if b.kvc == nil {
		return
	}
	ctx := context.Background()
	var err error
	if value == "" {
		err = b.kvc.Del(ctx, kv.KeyCostBreaker)
	} else {
		err = b.kvc.Set(ctx, kv.KeyCostBreaker, value)
	}
	if err != nil {
		observ.Warn("cost_breaker_persist_error", map[string]any{"error": err.Error()})
	}
}

func (b *Breaker) gauge() {
	v := 0.0
	if b.open {
		v = 1.0
	}
	observ.SetGauge("mia_cost_breaker_open", v, nil)
}
