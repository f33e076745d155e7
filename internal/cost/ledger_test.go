package cost

import (
	"errors"
	"math"
	"testing"
	"time"
)

func fixedLedger(t *testing.T, prices map[string]float64, daily, monthly float64) (*Ledger, *time.Time) {
	t.Helper()
	l, err := NewLedger(NewMemoryStore(), prices, daily, monthly)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	current := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	return l, &current
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTrackCostMath(t *testing.T) {
	prices := map[string]float64{"deepseek-chat": 3.0, "local-llm": 0.0}
	l, _ := fixedLedger(t, prices, 100, 1000)

	testCases := []struct {
		name     string
		model    string
		in, out  int64
		expected float64
	}{
		{"priced_model", "deepseek-chat", 1_000_000, 1_000_000, 6.0},
		{"fraction_of_a_million", "deepseek-chat", 500_000, 0, 1.5},
		{"zero_priced_local_model", "local-llm", 2_000_000, 0, 0.0},
		{"unknown_model_default_price", "mystery", 1_000_000, 0, 0.1},
		{"zero_tokens", "deepseek-chat", 0, 0, 0.0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.Track("svc", tc.model, tc.in, tc.out)
			if err != nil {
				t.Fatalf("Track() error = %v", err)
			}
			if !almostEqual(got, tc.expected) {
				t.Errorf("Track() cost = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestTrackRejectsNegativeTokens(t *testing.T) {
	l, _ := fixedLedger(t, nil, 100, 1000)
	if _, err := l.Track("svc", "m", -1, 0); !errors.Is(err, ErrBadInput) {
		t.Fatalf("error = %v, want ErrBadInput", err)
	}
	if got := l.TotalCost(); got != 0 {
		t.Errorf("TotalCost() after rejected track = %v, want 0", got)
	}
}

func TestTrackAccumulatesAllAxes(t *testing.T) {
	prices := map[string]float64{"m1": 10.0}
	l, _ := fixedLedger(t, prices, 100, 1000)

	// 1M tokens at 10.0 per call.
	for i := 0; i < 3; i++ {
		if _, err := l.Track("news", "m1", 1_000_000, 0); err != nil {
			t.Fatalf("Track() error = %v", err)
		}
	}
	if _, err := l.Track("quotes", "m1", 1_000_000, 0); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	if got := l.DailyCost(time.Time{}); !almostEqual(got, 40) {
		t.Errorf("DailyCost() = %v, want 40", got)
	}
	if got := l.ServiceCost("news", time.Time{}); !almostEqual(got, 30) {
		t.Errorf("ServiceCost(news) = %v, want 30", got)
	}
	if got := l.ModelCost("m1"); !almostEqual(got, 40) {
		t.Errorf("ModelCost(m1) = %v, want 40", got)
	}
	if got := l.TotalCost(); !almostEqual(got, 40) {
		t.Errorf("TotalCost() = %v, want 40", got)
	}
	bd := l.Breakdown()
	if !almostEqual(bd["news"], 30) || !almostEqual(bd["quotes"], 10) {
		t.Errorf("Breakdown() = %v", bd)
	}
}

func TestMonthlySumsDailyBuckets(t *testing.T) {
	prices := map[string]float64{"m": 1.0}
	l, current := fixedLedger(t, prices, 1000, 10000)

	// 1.0 per day across three days of the same month.
	for i := 0; i < 3; i++ {
		if _, err := l.Track("svc", "m", 1_000_000, 0); err != nil {
			t.Fatalf("Track() error = %v", err)
		}
		*current = current.AddDate(0, 0, 1)
	}

	if got := l.MonthlyCost(2026, time.August); !almostEqual(got, 3) {
		t.Errorf("MonthlyCost() = %v, want 3", got)
	}
	// A different month sees none of it.
	if got := l.MonthlyCost(2026, time.July); !almostEqual(got, 0) {
		t.Errorf("MonthlyCost(july) = %v, want 0", got)
	}
}

func TestDailyBudgetAlert(t *testing.T) {
	prices := map[string]float64{"m": 1000.0}
	l, _ := fixedLedger(t, prices, 1.0, 1000)

	// 2M tokens at 1000 per 1M = 2.0, over the 1.0 daily budget.
	if _, err := l.Track("svc", "m", 2_000_000, 0); err != nil {
		t.Fatalf("Track() error = %v", err)
	}

	alerts := l.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Kind != "daily" {
		t.Errorf("alert kind = %q, want daily", alerts[0].Kind)
	}
	state := l.BudgetState()
	if !state.DailyExceeded {
		t.Error("DailyExceeded = false, want true")
	}
	if !almostEqual(state.DailyUtilization, 2.0) {
		t.Errorf("DailyUtilization = %v, want 2.0", state.DailyUtilization)
	}
}

func TestHistoryOrderAndWindow(t *testing.T) {
	prices := map[string]float64{"m": 1.0}
	l, current := fixedLedger(t, prices, 1000, 10000)

	start := *current
	for i := 0; i < 3; i++ {
		*current = start.AddDate(0, 0, i)
		if _, err := l.Track("svc", "m", int64((i+1)*1_000_000), 0); err != nil {
			t.Fatalf("Track() error = %v", err)
		}
	}
	// now is on day 3; ask for the last 3 days.
	hist := l.History(3)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	want := []float64{1, 2, 3}
	for i, d := range hist {
		if !almostEqual(d.Cost, want[i]) {
			t.Errorf("history[%d] = %v, want %v", i, d.Cost, want[i])
		}
	}
	if hist[2].Date != current.Format("20060102") {
		t.Errorf("last bucket date = %q, want today %q", hist[2].Date, current.Format("20060102"))
	}
}

func TestResetDaily(t *testing.T) {
	prices := map[string]float64{"m": 1.0}
	l, _ := fixedLedger(t, prices, 1000, 10000)

	if _, err := l.Track("svc", "m", 5_000_000, 0); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if err := l.ResetDaily(time.Time{}); err != nil {
		t.Fatalf("ResetDaily() error = %v", err)
	}
	if got := l.DailyCost(time.Time{}); got != 0 {
		t.Errorf("DailyCost() after reset = %v, want 0", got)
	}
	if got := l.TotalCost(); got != 0 {
		t.Errorf("TotalCost() after reset = %v, want 0", got)
	}
}

func TestListenerObservesTrack(t *testing.T) {
	prices := map[string]float64{"m": 1.0}
	l, _ := fixedLedger(t, prices, 1000, 10000)

	got := make(chan Entry, 1)
	l.AddListener(func(e Entry, _ BudgetState) { got <- e })

	if _, err := l.Track("svc", "m", 1_000_000, 0); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	select {
	case e := <-got:
		if e.Service != "svc" || !almostEqual(e.Cost, 1.0) {
			t.Errorf("listener entry = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}
}
