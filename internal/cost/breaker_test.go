package cost

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/miaquant/safety-kernel/internal/kv"
)

func testBreaker(t *testing.T, kvc kv.Client) (*Breaker, *Ledger) {
	t.Helper()
	prices := map[string]float64{"m": 1.0} // 1 usd per 1M tokens
	l, err := NewLedger(NewMemoryStore(), prices, 10, 100)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	l.now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }
	b, err := NewBreaker(l, kvc, BreakerLimits{PerCallUSD: 5, DailyUSD: 10, MonthlyUSD: 100})
	if err != nil {
		t.Fatalf("NewBreaker() error = %v", err)
	}
	return b, l
}

func spend(t *testing.T, l *Ledger, usd float64) {
	t.Helper()
	if _, err := l.Track("svc", "m", int64(usd*1e6), 0); err != nil {
		t.Fatalf("Track() error = %v", err)
	}
}

func TestBreakerPerCallCap(t *testing.T) {
	b, _ := testBreaker(t, nil)

	if !b.Check(4.99, false) {
		t.Error("Check(4.99) = false, want true under per-call cap")
	}
	if b.Check(5.01, false) {
		t.Error("Check(5.01) = true, want false over per-call cap")
	}
	// A single oversized call does not open the breaker.
	if b.State() != BreakerClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
	// Critical calls ignore the per-call cap.
	if !b.Check(50, true) {
		t.Error("Check(critical) = false, want true")
	}
}

func TestBreakerTripsOnDailyCap(t *testing.T) {
	b, l := testBreaker(t, nil)

	spend(t, l, 11) // over the 10 daily cap
	if b.Check(0.01, false) {
		t.Error("Check() = true after daily cap breach, want false")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}
	// Open breaker still passes critical calls.
	if !b.Check(0.01, true) {
		t.Error("Check(critical) = false on open breaker, want true")
	}
	// And keeps rejecting non-critical ones.
	if b.Check(0.01, false) {
		t.Error("Check() = true on open breaker, want false")
	}
}

func TestBreakerObserveBudgets(t *testing.T) {
	b, l := testBreaker(t, nil)

	if b.ObserveBudgets() {
		t.Error("ObserveBudgets() = true under the caps, want false")
	}

	spend(t, l, 11) // over the 10 daily cap
	if !b.ObserveBudgets() {
		t.Fatal("ObserveBudgets() = false after daily cap breach, want true")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	// Observation is not a call check.
	stats := b.Stats()
	if stats["total_checks"].(int64) != 0 {
		t.Errorf("total_checks = %v, want 0", stats["total_checks"])
	}
	if stats["blocked_requests"].(int64) != 0 {
		t.Errorf("blocked_requests = %v, want 0", stats["blocked_requests"])
	}

	// The tripped breaker then rejects ordinary calls.
	if b.Check(0.01, false) {
		t.Error("Check() = true on observed breach, want false")
	}
}

func TestBreakerPauseResume(t *testing.T) {
	b, _ := testBreaker(t, nil)

	b.PauseNonCriticalCalls()
	if b.State() != BreakerOpen {
		t.Fatalf("State() after pause = %v, want open", b.State())
	}
	if b.Check(0.01, false) {
		t.Error("Check() = true while paused, want false")
	}
	b.ResumeCalls()
	if b.State() != BreakerClosed {
		t.Fatalf("State() after resume = %v, want closed", b.State())
	}
	if !b.Check(0.01, false) {
		t.Error("Check() = false after resume, want true")
	}
}

func TestBreakerAutoReset(t *testing.T) {
	b, l := testBreaker(t, nil)

	spend(t, l, 11)
	b.Check(0.01, false) // trips
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	// Spend still over 90% of the cap: no reset.
	if b.AutoResetIfPossible() {
		t.Error("AutoResetIfPossible() = true with spend over headroom, want false")
	}

	if err := l.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if !b.AutoResetIfPossible() {
		t.Error("AutoResetIfPossible() = false after spend cleared, want true")
	}
	if b.State() != BreakerClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestBreakerPersistsOpenAcrossRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	kvc := kv.NewRedis(kv.RedisOptions{Addr: mr.Addr()})
	defer kvc.Close()

	b, l := testBreaker(t, kvc)
	spend(t, l, 11)
	b.Check(0.01, false)
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	// A fresh breaker over the same KV observes the persisted trip.
	b2, _ := testBreaker(t, kvc)
	if b2.State() != BreakerOpen {
		t.Errorf("restarted State() = %v, want open", b2.State())
	}

	b2.ResumeCalls()
	b3, _ := testBreaker(t, kvc)
	if b3.State() != BreakerClosed {
		t.Errorf("State() after resume and restart = %v, want closed", b3.State())
	}
}
