package bridges

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/miaquant/safety-kernel/internal/bus"
	"github.com/miaquant/safety-kernel/internal/health"
	"github.com/miaquant/safety-kernel/internal/kv"
)

type fixedProbe struct {
	name   string
	sample health.Sample
}

func (p fixedProbe) Name() string { return p.name }
func (p fixedProbe) Check(context.Context) health.Sample { return p.sample }

// fakeRecoverer reports a fixed outcome without the backoff waits.
type fakeRecoverer struct {
	ok    bool
	calls int
}

func (f *fakeRecoverer) Recover(context.Context) bool {
	f.calls++
	return f.ok
}

// eventSink collects published events by type.
type eventSink struct {
	mu     sync.Mutex
	events map[bus.EventType][]bus.CrossEvent
}

func newEventSink(cross *bus.Cross, types ...bus.EventType) *eventSink {
	s := &eventSink{events: map[bus.EventType][]bus.CrossEvent{}}
	for _, et := range types {
		et := et
		cross.Subscribe(et, "sink_"+string(et), func(ctx context.Context, ev bus.CrossEvent) error {
			s.mu.Lock()
			s.events[et] = append(s.events[et], ev)
			s.mu.Unlock()
			return nil
		})
	}
	return s
}

func (s *eventSink) count(et bus.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[et])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHealthBridgeSuccessfulRecoverySuppressesFailure(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	cross := bus.NewCross(b)
	sink := newEventSink(cross, bus.EventHealthCheckFailed, bus.EventHealthCheckRecovered)

	mem := kv.NewMemory()
	down := fixedProbe{name: "redis", sample: health.Sample{Status: health.StatusUnhealthy, Message: "refused"}}
	monitor := health.NewMonitor(mem, []health.Probe{down}, time.Hour, time.Hour, time.Second)
	rec := &fakeRecoverer{ok: true}
	NewHealthBridge(monitor, rec, cross, nil)

	monitor.RunOnce()

	waitFor(t, func() bool { return sink.count(bus.EventHealthCheckRecovered) >= 1 })
	if rec.calls != 1 {
		t.Errorf("recovery sequences = %d, want 1", rec.calls)
	}
	if n := sink.count(bus.EventHealthCheckFailed); n != 0 {
		t.Errorf("health_check_failed published %d times after successful recovery, want 0", n)
	}
	redis, _ := monitor.Failures()
	if redis != 0 {
		t.Errorf("redis failure counter = %d after recovery, want 0", redis)
	}
}

func TestHealthBridgeExhaustedRecoveryPublishesFailure(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	cross := bus.NewCross(b)
	sink := newEventSink(cross, bus.EventHealthCheckFailed, bus.EventHealthCheckRecovered)

	mem := kv.NewMemory()
	down := fixedProbe{name: "redis", sample: health.Sample{Status: health.StatusUnhealthy, Message: "refused"}}
	monitor := health.NewMonitor(mem, []health.Probe{down}, time.Hour, time.Hour, time.Second)
	NewHealthBridge(monitor, &fakeRecoverer{ok: false}, cross, nil)

	monitor.RunOnce()

	// One event for the redis recovery outcome, one listing the failed set.
	waitFor(t, func() bool { return sink.count(bus.EventHealthCheckFailed) >= 2 })
	if n := sink.count(bus.EventHealthCheckRecovered); n != 0 {
		t.Errorf("health_check_recovered published %d times, want 0", n)
	}

	// Delivery order across priority lanes is not fixed; pick each event out
	// by payload shape.
	sink.mu.Lock()
	var compEv, overallEv *bus.CrossEvent
	for i := range sink.events[bus.EventHealthCheckFailed] {
		ev := &sink.events[bus.EventHealthCheckFailed][i]
		if _, ok := ev.Data["component"]; ok {
			compEv = ev
		} else if _, ok := ev.Data["components"]; ok {
			overallEv = ev
		}
	}
	sink.mu.Unlock()

	if compEv == nil {
		t.Fatal("no per-component failure event published")
	}
	if compEv.Priority != bus.PriorityHigh {
		t.Errorf("priority = %v, want high", compEv.Priority)
	}
	if compEv.Data["component"] != "redis" {
		t.Errorf("component = %v, want redis", compEv.Data["component"])
	}
	if compEv.Data["recovery_attempted"] != true || compEv.Data["recovery_success"] != false {
		t.Errorf("recovery fields = %v/%v, want true/false",
			compEv.Data["recovery_attempted"], compEv.Data["recovery_success"])
	}

	if overallEv == nil {
		t.Fatal("no overall failure event published")
	}
	if overallEv.Priority != bus.PriorityCritical {
		t.Errorf("overall priority = %v, want critical", overallEv.Priority)
	}
	comps, ok := overallEv.Data["components"].([]string)
	if !ok || len(comps) != 1 || comps[0] != "redis" {
		t.Errorf("components = %v, want [redis]", overallEv.Data["components"])
	}
	if overallEv.Data["overall"] != string(health.StatusCritical) {
		t.Errorf("overall = %v, want critical", overallEv.Data["overall"])
	}
}

func TestHealthBridgeDegradationEvent(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	cross := bus.NewCross(b)

	got := make(chan bus.CrossEvent, 1)
	cross.Subscribe(bus.EventPerformanceDegradation, "d", func(ctx context.Context, ev bus.CrossEvent) error {
		got <- ev
		return nil
	})

	mem := kv.NewMemory()
	degraded := fixedProbe{name: "cpu", sample: health.Sample{Status: health.StatusDegraded, Message: "saturated"}}
	monitor := health.NewMonitor(mem, []health.Probe{degraded}, time.Hour, time.Hour, time.Second)
	NewHealthBridge(monitor, health.NewRecoverer(mem), cross, nil)

	monitor.RunOnce()

	select {
	case ev := <-got:
		if ev.Target != bus.SubsystemRiskMonitor {
			t.Errorf("target = %v, want risk monitor", ev.Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("performance_degradation not published")
	}
}
