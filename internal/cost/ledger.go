package cost

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/observ"
)

// ErrBadInput marks caller-side domain violations; no side effect occurred.
var ErrBadInput = errors.New("cost: bad input")

// DefaultPricePer1M is applied to models missing from the price table,
// in currency units per million tokens.
const DefaultPricePer1M = 0.1

// Entry is a single billable model call.
type Entry struct {
	Service      string    `json:"service"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// BudgetState is the ledger's view of both budget windows.
type BudgetState struct {
	DailyCost          float64 `json:"daily_cost"`
	DailyBudget        float64 `json:"daily_budget"`
	DailyUtilization   float64 `json:"daily_utilization"`
	DailyExceeded      bool    `json:"is_daily_exceeded"`
	MonthlyCost        float64 `json:"monthly_cost"`
	MonthlyBudget      float64 `json:"monthly_budget"`
	MonthlyUtilization float64 `json:"monthly_utilization"`
	MonthlyExceeded    bool    `json:"is_monthly_exceeded"`
}

// BudgetAlert records one budget breach observation.
type BudgetAlert struct {
	Kind      string    `json:"kind"` // daily | monthly | prediction
	Cost      float64   `json:"cost"`
	Budget    float64   `json:"budget"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DayCost is one daily bucket in a history window.
type DayCost struct {
	Date string  `json:"date"`
	Cost float64 `json:"cost"`
}

// Listener is notified after every successful Track. Listeners run on a
// separate goroutine and can never block or fail the tracking call.
type Listener func(Entry, BudgetState)

// Ledger atomically accumulates per-call spend across the daily, monthly,
// per-service and per-model axes.
type Ledger struct {
	mu            sync.Mutex
	store         Store
	prices        map[string]float64
	dailyBudget   float64
	monthlyBudget float64
	listeners     []Listener
	alerts        []BudgetAlert
	now           func() time.Time
}

// NewLedger builds a ledger over a store. prices maps model name to currency
// units per 1M tokens; a model priced 0.0 (e.g. a local model) is honored
// and yields zero-cost entries.
func NewLedger(store Store, prices map[string]float64, dailyBudget, monthlyBudget float64) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("cost: ledger requires a store")
	}
	if dailyBudget <= 0 || monthlyBudget <= 0 {
		return nil, fmt.Errorf("%w: budgets must be positive", ErrBadInput)
	}
	cp := make(map[string]float64, len(prices))
	for m, p := range prices {
		cp[m] = p
	}
	return &Ledger{
		store:         store,
		prices:        cp,
		dailyBudget:   dailyBudget,
		monthlyBudget: monthlyBudget,
		now:           time.Now,
	}, nil
}

// Price returns the per-1M-token price used for a model.
func (l *Ledger) Price(model string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.prices[model]; ok {
		return p
	}
	return DefaultPricePer1M
}

// AddListener registers a post-track listener.
func (l *Ledger) AddListener(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Track records one billable call and returns its cost. Negative token
// counts are rejected with ErrBadInput and leave the ledger untouched.
func (l *Ledger) Track(service, model string, inputTokens, outputTokens int64) (float64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("%w: negative token count (in=%d out=%d)", ErrBadInput, inputTokens, outputTokens)
	}

	c := float64(inputTokens+outputTokens) / 1e6 * l.Price(model)
	now := l.now().UTC()
	entry := Entry{
		Service:      service,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         c,
		Timestamp:    now,
	}

	if err := l.store.Add(service, model, c, now); err != nil {
		// Contained: the store shadows increments, nothing is lost.
		observ.Warn("cost_track_store_error", map[string]any{"error": err.Error()})
	}

	observ.IncCounter("mia_api_calls_total", map[string]string{
		"service": service,
		"model":   model,
	})

	state := l.BudgetState()
	if state.DailyExceeded {
		l.recordAlert(BudgetAlert{
			Kind:      "daily",
			Cost:      state.DailyCost,
			Budget:    state.DailyBudget,
			Message:   fmt.Sprintf("daily cost %.4f exceeds budget %.2f", state.DailyCost, state.DailyBudget),
			Timestamp: now,
		})
	}

	l.mu.Lock()
	listeners := make([]Listener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()
	if len(listeners) > 0 {
		go func() {
			for _, fn := range listeners {
				fn(entry, state)
			}
		}()
	}

	return c, nil
}

// recordAlert appends a bounded alert record; it never blocks the caller.
func (l *Ledger) recordAlert(a BudgetAlert) {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	if len(l.alerts) > maxAlerts {
		l.alerts = l.alerts[len(l.alerts)-maxAlerts:]
	}
	l.mu.Unlock()

	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	go func() {
		if err := l.store.PushAlert(string(payload)); err != nil {
			observ.Warn("cost_alert_persist_error", map[string]any{"error": err.Error()})
		}
	}()
	observ.IncCounter("mia_cost_budget_alerts_total", map[string]string{"kind": a.Kind})
}

// Alerts returns the bounded in-memory alert history, newest last.
func (l *Ledger) Alerts() []BudgetAlert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BudgetAlert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

// DailyCost returns the bucket for day; the zero time means today.
func (l *Ledger) DailyCost(day time.Time) float64 {
	if day.IsZero() {
		day = l.now()
	}
	v, err := l.store.DailyCost(day)
	if err != nil {
		observ.Warn("cost_read_error", map[string]any{"scope": "daily", "error": err.Error()})
		return 0
	}
	return v
}

// MonthlyCost sums the month's daily buckets. Zero year means the current
// month.
func (l *Ledger) MonthlyCost(year int, month time.Month) float64 {
	if year == 0 {
		now := l.now().UTC()
		year, month = now.Year(), now.Month()
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	total := 0.0
	for d := first; d.Month() == month; d = d.AddDate(0, 0, 1) {
		total += l.DailyCost(d)
	}
	return total
}

// ModelCost returns lifetime spend for one model.
func (l *Ledger) ModelCost(model string) float64 {
	v, err := l.store.ModelCost(model)
	if err != nil {
		observ.Warn("cost_read_error", map[string]any{"scope": "model", "error": err.Error()})
		return 0
	}
	return v
}

// ServiceCost returns spend for a service: lifetime when day is the zero
// time, otherwise that day's bucket.
func (l *Ledger) ServiceCost(service string, day time.Time) float64 {
	var v float64
	var err error
	if day.IsZero() {
		v, err = l.store.ServiceCost(service)
	} else {
		v, err = l.store.ServiceCostForDay(service, day)
	}
	if err != nil {
		observ.Warn("cost_read_error", map[string]any{"scope": "service", "error": err.Error()})
		return 0
	}
	return v
}

// TotalCost returns the grand total across all days and services.
func (l *Ledger) TotalCost() float64 {
	v, err := l.store.TotalCost()
	if err != nil {
		observ.Warn("cost_read_error", map[string]any{"scope": "total", "error": err.Error()})
		return 0
	}
	return v
}

// History returns the last n daily buckets, oldest first, today included.
func (l *Ledger) History(days int) []DayCost {
	if days <= 0 {
		return nil
	}
	out := make([]DayCost, 0, days)
	today := l.now().UTC()
	for i := days - 1; i >= 0; i-- {
		d := today.AddDate(0, 0, -i)
		out = append(out, DayCost{Date: d.Format("20060102"), Cost: l.DailyCost(d)})
	}
	return out
}

// Breakdown returns lifetime cost per service.
func (l *Ledger) Breakdown() map[string]float64 {
	m, err := l.store.Breakdown()
	if err != nil {
		observ.Warn("cost_read_error", map[string]any{"scope": "breakdown", "error": err.Error()})
		return map[string]float64{}
	}
	return m
}

// BudgetState derives utilization for both windows from current actuals.
func (l *Ledger) BudgetState() BudgetState {
	daily := l.DailyCost(time.Time{})
	monthly := l.MonthlyCost(0, 0)
	return BudgetState{
		DailyCost:          daily,
		DailyBudget:        l.dailyBudget,
		DailyUtilization:   daily / l.dailyBudget,
		DailyExceeded:      daily > l.dailyBudget,
		MonthlyCost:        monthly,
		MonthlyBudget:      l.monthlyBudget,
		MonthlyUtilization: monthly / l.monthlyBudget,
		MonthlyExceeded:    monthly > l.monthlyBudget,
	}
}

// ResetDaily explicitly clears one daily bucket.
func (l *Ledger) ResetDaily(day time.Time) error {
	if day.IsZero() {
		day = l.now()
	}
	return l.store.ResetDaily(day)
}

// ClearAll wipes every counter. Test and operator use only.
func (l *Ledger) ClearAll() error {
	l.mu.Lock()
	l.alerts = nil
	l.mu.Unlock()
	return l.store.ClearAll()
}
