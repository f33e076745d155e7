package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/bus"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// AlertLevel classifies incoming emergencies.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelDanger   AlertLevel = "danger"
	LevelCritical AlertLevel = "critical"
)

// ErrUnknownLevel rejects alerts outside the three defined levels.
var ErrUnknownLevel = errors.New("emergency: unknown alert level")

// ErrUnknownProcedure rejects procedure kinds outside the registry.
var ErrUnknownProcedure = errors.New("emergency: unknown procedure")

// ErrEmptyMessage rejects alerts carrying no description.
var ErrEmptyMessage = errors.New("emergency: empty alert description")

// SLA binds an alert level to its paging priority and response deadline.
// Critical responses are immediate; the deadline is how long the on-call has
// before escalation.
type SLA struct {
	Priority       string
	ResponseWithin time.Duration
}

var slaTable = map[AlertLevel]SLA{
	LevelWarning:  {Priority: "P2", ResponseWithin: 1800 * time.Second},
	LevelDanger:   {Priority: "P1", ResponseWithin: 300 * time.Second},
	LevelCritical: {Priority: "P0", ResponseWithin: time.Second},
}

// SLAFor returns the SLA bound to an alert level.
func SLAFor(level AlertLevel) (SLA, bool) {
	s, ok := slaTable[level]
	return s, ok
}

// Procedure names an executable emergency action.
type Procedure string

const (
	ProcStopTrading Procedure = "stop_trading"
	ProcLiquidate   Procedure = "liquidate"
	ProcFailover    Procedure = "failover"
	ProcRecovery    Procedure = "recovery"
)

// Actions is the execution surface the responder drives. Implementations
// talk to the trading side; tests substitute fakes.
type Actions interface {
	StopTrading(ctx context.Context, reason string) error
	LiquidatePositions(ctx context.Context, reason string) error
	Failover(ctx context.Context, component string) error
	Recover(ctx context.Context, component string) error
}

// Alert is one emergency observation entering the responder.
type Alert struct {
	ID        int64      `json:"id"`
	Level     AlertLevel `json:"level"`
	Source    string     `json:"source"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// Record is one handled alert in the bounded history.
type Record struct {
	Alert      Alert         `json:"alert"`
	SLA        SLA           `json:"sla"`
	Procedures []Procedure   `json:"procedures"`
	Handlers   int           `json:"handlers"`
	Errors     []string      `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Handler is a registered reaction to alerts of one level.
type Handler func(ctx context.Context, a Alert) error

const defaultMaxHistory = 500

// Responder assigns alert IDs, applies per-level SLAs, runs the default
// procedure chain plus any registered handlers, and keeps a bounded history.
type Responder struct {
	mu       sync.Mutex
	actions  Actions
	cross    *bus.Cross
	handlers map[AlertLevel][]Handler

	nextID     int64
	history    []Record
	maxHistory int
	now        func() time.Time
}

// NewResponder builds a responder. cross may be nil (no event publication).
func NewResponder(actions Actions, cross *bus.Cross) (*Responder, error) {
	if actions == nil {
		return nil, fmt.Errorf("emergency: responder requires actions")
	}
	return &Responder{
		actions:    actions,
		cross:      cross,
		handlers:   map[AlertLevel][]Handler{},
		maxHistory: defaultMaxHistory,
		now:        time.Now,
	}, nil
}

// RegisterHandler adds a reaction for one alert level. Handlers run after
// the default procedures, in registration order.
func (r *Responder) RegisterHandler(level AlertLevel, fn Handler) error {
	if _, ok := slaTable[level]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[level] = append(r.handlers[level], fn)
	return nil
}

// HandleAlert processes one alert end to end: ID assignment, SLA lookup,
// default procedures for the level, registered handlers, history record.
// Handler errors are collected, never propagated; the alert is always
// recorded.
func (r *Responder) HandleAlert(ctx context.Context, level AlertLevel, source, message string) (Record, error) {
	sla, ok := slaTable[level]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	if message == "" {
		return Record{}, ErrEmptyMessage
	}

	r.mu.Lock()
	r.nextID++
	a := Alert{
		ID:        r.nextID,
		Level:     level,
		Source:    source,
		Message:   message,
		CreatedAt: r.now().UTC(),
	}
	handlers := make([]Handler, len(r.handlers[level]))
	copy(handlers, r.handlers[level])
	r.mu.Unlock()

	observ.Log("emergency_alert", map[string]any{
		"id":       a.ID,
		"level":    string(level),
		"priority": sla.Priority,
		"source":   source,
		"message":  message,
	})
	observ.IncCounter("mia_emergency_alerts_total", map[string]string{
		"level":    string(level),
		"priority": sla.Priority,
	})

	start := time.Now()
	var errs []string
	procs := r.defaultProcedures(level)
	for _, p := range procs {
		if err := r.ExecuteProcedure(ctx, p, message); err != nil {
			errs = append(errs, string(p)+": "+err.Error())
		}
	}
	for i, fn := range handlers {
		if err := fn(ctx, a); err != nil {
			errs = append(errs, fmt.Sprintf("handler[%d]: %s", i, err.Error()))
		}
	}

	if level == LevelCritical && r.cross != nil {
		r.cross.Publish(bus.CrossEvent{
			Type:     bus.EventEmergencyStop,
			Source:   bus.SubsystemEmergency,
			Target:   bus.SubsystemRiskControl,
			Priority: bus.PriorityCritical,
			Data: map[string]any{
				"alert_id": a.ID,
				"source":   source,
				"message":  message,
			},
		})
	}

	rec := Record{
		Alert:      a,
		SLA:        sla,
		Procedures: procs,
		Handlers:   len(handlers),
		Errors:     errs,
		Duration:   time.Since(start),
	}
	r.mu.Lock()
	r.history = append(r.history, rec)
	if len(r.history) > r.maxHistory {
		r.history = r.history[len(r.history)-r.maxHistory:]
	}
	r.mu.Unlock()

	observ.RecordDuration("mia_emergency_response", rec.Duration, map[string]string{"level": string(level)})
	return rec, nil
}

// defaultProcedures is the built-in chain per level: warnings are recorded
// only, danger fails over, critical stops trading immediately.
func (r *Responder) defaultProcedures(level AlertLevel) []Procedure {
	switch level {
	case LevelDanger:
		return []Procedure{ProcFailover}
	case LevelCritical:
		return []Procedure{ProcStopTrading}
	default:
		return nil
	}
}

// ExecuteProcedure runs one named procedure against the actions surface.
func (r *Responder) ExecuteProcedure(ctx context.Context, p Procedure, reason string) error {
	start := time.Now()
	var err error
	switch p {
	case ProcStopTrading:
		err = r.actions.StopTrading(ctx, reason)
	case ProcLiquidate:
		err = r.actions.LiquidatePositions(ctx, reason)
	case ProcFailover:
		err = r.actions.Failover(ctx, reason)
	case ProcRecovery:
		err = r.actions.Recover(ctx, reason)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProcedure, p)
	}

	result := "ok"
	if err != nil {
		result = "error"
		observ.Error("emergency_procedure_failed", map[string]any{
			"procedure": string(p),
			"error":     err.Error(),
		})
	} else {
		observ.Log("emergency_procedure_executed", map[string]any{
			"procedure": string(p),
			"reason":    reason,
		})
	}
	observ.IncCounter("mia_emergency_procedures_total", map[string]string{
		"procedure": string(p),
		"result":    result,
	})
	observ.RecordDuration("mia_emergency_procedure", time.Since(start), map[string]string{"procedure": string(p)})
	return err
}

// History filters handled alerts by level ("" matches all) and age.
func (r *Responder) History(level AlertLevel, hours int) []Record {
	cutoff := r.now().UTC().Add(-time.Duration(hours) * time.Hour)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.history {
		if level != "" && rec.Alert.Level != level {
			continue
		}
		if hours > 0 && rec.Alert.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ClearOldHistory drops records older than the retention window and returns
// how many were removed.
func (r *Responder) ClearOldHistory(days int) int {
	cutoff := r.now().UTC().AddDate(0, 0, -days)
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.history[:0]
	removed := 0
	for _, rec := range r.history {
		if rec.Alert.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.history = kept
	return removed
}

// Stats exposes responder counters for introspection.
func (r *Responder) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	byLevel := map[string]int{}
	for _, rec := range r.history {
		byLevel[string(rec.Alert.Level)]++
	}
	return map[string]any{
		"alerts_handled": r.nextID,
		"history_len":    len(r.history),
		"by_level":       byLevel,
	}
}
