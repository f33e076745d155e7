package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miaquant/safety-kernel/internal/bus"
)

// recordingActions remembers every procedure call.
type recordingActions struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (a *recordingActions) record(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
	if a.fail {
		return errors.New("boom")
	}
	return nil
}

func (a *recordingActions) StopTrading(ctx context.Context, reason string) error {
	return a.record("stop_trading")
}
func (a *recordingActions) LiquidatePositions(ctx context.Context, reason string) error {
	return a.record("liquidate")
}
func (a *recordingActions) Failover(ctx context.Context, component string) error {
	return a.record("failover")
}
func (a *recordingActions) Recover(ctx context.Context, component string) error {
	return a.record("recovery")
}

func (a *recordingActions) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

func TestSLATable(t *testing.T) {
	testCases := []struct {
		level    AlertLevel
		priority string
		within   time.Duration
	}{
		{LevelWarning, "P2", 1800 * time.Second},
		{LevelDanger, "P1", 300 * time.Second},
		{LevelCritical, "P0", time.Second},
	}
	for _, tc := range testCases {
		sla, ok := SLAFor(tc.level)
		if !ok {
			t.Fatalf("SLAFor(%s) not found", tc.level)
		}
		if sla.Priority != tc.priority || sla.ResponseWithin != tc.within {
			t.Errorf("SLAFor(%s) = %+v, want %s within %v", tc.level, sla, tc.priority, tc.within)
		}
	}
}

func TestHandleAlertAssignsMonotonicIDs(t *testing.T) {
	r, err := NewResponder(&recordingActions{}, nil)
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		rec, err := r.HandleAlert(ctx, LevelWarning, "test", "msg")
		if err != nil {
			t.Fatalf("HandleAlert() error = %v", err)
		}
		if rec.Alert.ID <= prev {
			t.Errorf("ID %d not greater than previous %d", rec.Alert.ID, prev)
		}
		prev = rec.Alert.ID
	}
}

func TestHandleAlertUnknownLevel(t *testing.T) {
	r, _ := NewResponder(&recordingActions{}, nil)
	if _, err := r.HandleAlert(context.Background(), "catastrophic", "test", "msg"); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("error = %v, want ErrUnknownLevel", err)
	}
}

func TestHandleAlertEmptyMessage(t *testing.T) {
	a := &recordingActions{}
	r, _ := NewResponder(a, nil)
	if _, err := r.HandleAlert(context.Background(), LevelCritical, "test", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("error = %v, want ErrEmptyMessage", err)
	}
	if got := a.snapshot(); len(got) != 0 {
		t.Errorf("procedures ran for rejected alert: %v", got)
	}
	if got := len(r.History("", 0)); got != 0 {
		t.Errorf("History() = %d, want 0 for rejected alert", got)
	}
}

func TestDefaultProcedures(t *testing.T) {
	testCases := []struct {
		level AlertLevel
		want  []string
	}{
		{LevelWarning, nil},
		{LevelDanger, []string{"failover"}},
		{LevelCritical, []string{"stop_trading"}},
	}
	for _, tc := range testCases {
		t.Run(string(tc.level), func(t *testing.T) {
			a := &recordingActions{}
			r, _ := NewResponder(a, nil)
			if _, err := r.HandleAlert(context.Background(), tc.level, "test", "msg"); err != nil {
				t.Fatalf("HandleAlert() error = %v", err)
			}
			got := a.snapshot()
			if len(got) != len(tc.want) {
				t.Fatalf("calls = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("calls = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestCriticalPublishesEmergencyStop(t *testing.T) {
	b := bus.New()
	defer b.Close()
	cross := bus.NewCross(b)

	got := make(chan bus.CrossEvent, 1)
	cross.Subscribe(bus.EventEmergencyStop, "test", func(ctx context.Context, ev bus.CrossEvent) error {
		got <- ev
		return nil
	})

	r, _ := NewResponder(&recordingActions{}, cross)
	if _, err := r.HandleAlert(context.Background(), LevelCritical, "test", "halt"); err != nil {
		t.Fatalf("HandleAlert() error = %v", err)
	}

	select {
	case ev := <-got:
		if ev.Source != bus.SubsystemEmergency {
			t.Errorf("source = %v, want emergency", ev.Source)
		}
		if ev.Priority != bus.PriorityCritical {
			t.Errorf("priority = %v, want critical", ev.Priority)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("emergency_stop event not delivered")
	}
}

func TestHandlerErrorsCollectedNotPropagated(t *testing.T) {
	r, _ := NewResponder(&recordingActions{}, nil)
	if err := r.RegisterHandler(LevelWarning, func(ctx context.Context, a Alert) error {
		return errors.New("handler broken")
	}); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	rec, err := r.HandleAlert(context.Background(), LevelWarning, "test", "msg")
	if err != nil {
		t.Fatalf("HandleAlert() error = %v, handler failures must not propagate", err)
	}
	if len(rec.Errors) != 1 {
		t.Errorf("Errors = %v, want one collected error", rec.Errors)
	}
	if rec.Handlers != 1 {
		t.Errorf("Handlers = %d, want 1", rec.Handlers)
	}
}

func TestExecuteProcedureUnknown(t *testing.T) {
	r, _ := NewResponder(&recordingActions{}, nil)
	if err := r.ExecuteProcedure(context.Background(), "reboot_universe", "why not"); !errors.Is(err, ErrUnknownProcedure) {
		t.Fatalf("error = %v, want ErrUnknownProcedure", err)
	}
}

func TestHistoryFilteringAndRetention(t *testing.T) {
	r, _ := NewResponder(&recordingActions{}, nil)
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }
	ctx := context.Background()

	if _, err := r.HandleAlert(ctx, LevelWarning, "a", "old warning"); err != nil {
		t.Fatal(err)
	}
	current = current.Add(10 * time.Hour)
	if _, err := r.HandleAlert(ctx, LevelDanger, "b", "recent danger"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.HandleAlert(ctx, LevelWarning, "c", "recent warning"); err != nil {
		t.Fatal(err)
	}

	if got := len(r.History("", 0)); got != 3 {
		t.Errorf("History(all) = %d, want 3", got)
	}
	if got := len(r.History(LevelWarning, 0)); got != 2 {
		t.Errorf("History(warning) = %d, want 2", got)
	}
	// Only the two recent ones fall inside a 1 hour window.
	if got := len(r.History("", 1)); got != 2 {
		t.Errorf("History(1h) = %d, want 2", got)
	}

	current = current.Add(48 * time.Hour)
	removed := r.ClearOldHistory(1)
	if removed != 3 {
		t.Errorf("ClearOldHistory() = %d, want 3", removed)
	}
	if got := len(r.History("", 0)); got != 0 {
		t.Errorf("History() after clear = %d, want 0", got)
	}
}
