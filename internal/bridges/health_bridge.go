package bridges

import (
	"context"
	"sort"
	"sync"

	"github.com/miaquant/safety-kernel/internal/alerts"
	"github.com/miaquant/safety-kernel/internal/bus"
	"github.com/miaquant/safety-kernel/internal/health"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// kvRecoverer runs the KV reconnect sequence. *health.Recoverer implements
// it; tests substitute fakes.
type kvRecoverer interface {
	Recover(ctx context.Context) bool
}

// HealthBridge turns probe sweeps into cross-subsystem events and drives the
// KV recovery sequence when the store goes unhealthy. A redis failure is not
// announced until recovery has been given its chance: a sweep whose only
// failure is redis and whose recovery succeeds produces no failure event.
type HealthBridge struct {
	monitor   *health.Monitor
	recoverer kvRecoverer
	cross     *bus.Cross
	notifier  alerts.Notifier

	mu          sync.Mutex
	lastOverall health.Status
}

// NewHealthBridge wires itself as the monitor's sweep callback.
func NewHealthBridge(monitor *health.Monitor, recoverer kvRecoverer, cross *bus.Cross, notifier alerts.Notifier) *HealthBridge {
	b := &HealthBridge{
		monitor:     monitor,
		recoverer:   recoverer,
		cross:       cross,
		notifier:    notifier,
		lastOverall: health.StatusHealthy,
	}
	if notifier == nil {
		b.notifier = alerts.Noop{}
	}
	monitor.SetOnResult(b.onResult)
	return b
}

// onResult runs on the monitor goroutine between ticks, so the recovery
// sequence delays the next sweep rather than racing it.
func (b *HealthBridge) onResult(res health.Result) {
	ctx := context.Background()

	var failed []string
	for name, s := range res.Components {
		if s.Status == health.StatusUnhealthy {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	if s, ok := res.Components["redis"]; ok && s.Status == health.StatusUnhealthy {
		if b.recoverKV(ctx) {
			kept := failed[:0]
			for _, name := range failed {
				if name != "redis" {
					kept = append(kept, name)
				}
			}
			failed = kept
		} else {
			b.cross.Publish(bus.CrossEvent{
				Type:     bus.EventHealthCheckFailed,
				Source:   bus.SubsystemHealth,
				Target:   bus.SubsystemEmergency,
				Priority: bus.PriorityHigh,
				Data: map[string]any{
					"component":          "redis",
					"recovery_attempted": true,
					"recovery_success":   false,
					"message":            s.Message,
				},
			})
		}
	}

	if len(failed) > 0 {
		prio := bus.PriorityHigh
		if res.Overall == health.StatusCritical {
			prio = bus.PriorityCritical
		}
		b.cross.Publish(bus.CrossEvent{
			Type:     bus.EventHealthCheckFailed,
			Source:   bus.SubsystemHealth,
			Target:   bus.SubsystemEmergency,
			Priority: prio,
			Data: map[string]any{
				"components": failed,
				"overall":    string(res.Overall),
			},
		})
		b.notifier.Notify(alerts.Notification{
			Level:   "danger",
			Source:  "health",
			Title:   "system unhealthy",
			Message: summarize(res),
		})
	}

	b.mu.Lock()
	prev := b.lastOverall
	b.lastOverall = res.Overall
	b.mu.Unlock()

	if res.Overall == health.StatusDegraded && prev == health.StatusHealthy {
		b.cross.Publish(bus.CrossEvent{
			Type:     bus.EventPerformanceDegradation,
			Source:   bus.SubsystemHealth,
			Target:   bus.SubsystemRiskMonitor,
			Priority: bus.PriorityNormal,
			Data:     map[string]any{"overall": string(res.Overall)},
		})
	}
}

// recoverKV runs the backoff reconnect sequence. Success clears the failure
// counters and announces recovery; exhaustion pages the on-call.
func (b *HealthBridge) recoverKV(ctx context.Context) bool {
	if b.recoverer == nil {
		return false
	}
	if !b.recoverer.Recover(ctx) {
		b.notifier.Notify(alerts.Notification{
			Level:   "critical",
			Source:  "health",
			Title:   "kv recovery exhausted",
			Message: "redis unreachable after full backoff sequence",
		})
		return false
	}
	b.monitor.ResetFailures()
	b.cross.Publish(bus.CrossEvent{
		Type:     bus.EventHealthCheckRecovered,
		Source:   bus.SubsystemHealth,
		Target:   bus.SubsystemEmergency,
		Priority: bus.PriorityNormal,
		Data:     map[string]any{"component": "redis"},
	})
	observ.Log("health_bridge_recovered", map[string]any{"component": "redis"})
	return true
}

func summarize(res health.Result) string {
	for name, s := range res.Components {
		if s.Status == health.StatusUnhealthy {
			return name + ": " + s.Message
		}
	}
	return string(res.Overall)
}
