package bus

import (
	"context"
	"sync"
	"time"

	"github.com/miaquant/safety-kernel/internal/observ"
)

// Subsystem identifies an endpoint in the cross-subsystem routing table.
// The numeric values are part of the persisted event envelope and must not
// change.
type Subsystem int

const (
	SubsystemHealth      Subsystem = 10
	SubsystemRiskControl Subsystem = 12
	SubsystemEmergency   Subsystem = 13
	SubsystemCost        Subsystem = 18
	SubsystemRiskMonitor Subsystem = 19
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemHealth:
		return "health"
	case SubsystemRiskControl:
		return "risk_control"
	case SubsystemEmergency:
		return "emergency"
	case SubsystemCost:
		return "cost"
	case SubsystemRiskMonitor:
		return "risk_monitor"
	default:
		return "unknown"
	}
}

// EventType enumerates the typed cross-subsystem events.
type EventType string

const (
	EventHealthCheckFailed      EventType = "health_check_failed"
	EventHealthCheckRecovered   EventType = "health_check_recovered"
	EventPerformanceDegradation EventType = "performance_degradation"
	EventCostLimitExceeded      EventType = "cost_limit_exceeded"
	EventCostBudgetWarning      EventType = "cost_budget_warning"
	EventRiskLevelChanged       EventType = "risk_level_changed"
	EventDoomsdayTriggered      EventType = "doomsday_triggered"
	EventEmergencyStop          EventType = "emergency_stop"
	EventLiquidationRequired    EventType = "liquidation_required"
)

// routingTable is the static set of permitted source→target edges. Events
// on undefined edges are still delivered, with a warning.
var routingTable = map[Subsystem][]Subsystem{
	SubsystemHealth:      {SubsystemEmergency, SubsystemRiskMonitor},
	SubsystemRiskControl: {SubsystemEmergency, SubsystemRiskMonitor},
	SubsystemEmergency:   {SubsystemHealth, SubsystemRiskControl, SubsystemCost},
	SubsystemCost:        {SubsystemEmergency, SubsystemRiskMonitor},
	SubsystemRiskMonitor: {SubsystemEmergency},
}

// CrossEvent is the typed cross-subsystem message carried over the base bus.
type CrossEvent struct {
	Type      EventType
	Source    Subsystem
	Target    Subsystem
	Data      map[string]any
	Priority  Priority
	CreatedAt time.Time
}

const crossPayloadKey = "cross_event"

// Cross validates routes and wraps typed events into base envelopes,
// keeping publish and routing-error counts.
type Cross struct {
	bus *Bus

	mu            sync.Mutex
	published     map[EventType]int64
	routingErrors int64
}

// NewCross builds the cross-subsystem layer on top of a base bus.
func NewCross(b *Bus) *Cross {
	return &Cross{bus: b, published: map[EventType]int64{}}
}

// Publish validates the source→target edge and forwards the event. Unknown
// routes are delivered anyway but warned and counted.
func (c *Cross) Publish(ev CrossEvent) bool {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if !routeDefined(ev.Source, ev.Target) {
		c.mu.Lock()
		c.routingErrors++
		c.mu.Unlock()
		observ.Warn("cross_event_undefined_route", map[string]any{
			"type":   string(ev.Type),
			"source": int(ev.Source),
			"target": int(ev.Target),
		})
		observ.IncCounter("mia_cross_routing_errors_total", map[string]string{
			"source": ev.Source.String(),
			"target": ev.Target.String(),
		})
	}

	ok := c.bus.Publish(Event{
		Type:     string(ev.Type),
		Priority: ev.Priority,
		Data: map[string]any{
			crossPayloadKey:   ev,
			"source":          int(ev.Source),
			"target":          int(ev.Target),
			"cross_subsystem": true,
		},
	})
	if ok {
		c.mu.Lock()
		c.published[ev.Type]++
		c.mu.Unlock()
	}
	observ.IncCounter("mia_cross_published_total", map[string]string{
		"type":   string(ev.Type),
		"source": ev.Source.String(),
	})
	return ok
}

// Subscribe registers a typed handler for one cross-subsystem event type.
func (c *Cross) Subscribe(t EventType, handlerID string, fn func(ctx context.Context, ev CrossEvent) error) {
	c.bus.Subscribe(string(t), handlerID, func(ctx context.Context, ev Event) error {
		cev, ok := ev.Data[crossPayloadKey].(CrossEvent)
		if !ok {
			observ.Warn("cross_event_malformed", map[string]any{"type": ev.Type})
			return nil
		}
		return fn(ctx, cev)
	})
}

// Stats reports per-type publish counts and routing errors.
func (c *Cross) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := map[string]int64{}
	var total int64
	for t, n := range c.published {
		byType[string(t)] = n
		total += n
	}
	return map[string]any{
		"published_total": total,
		"published":       byType,
		"routing_errors":  c.routingErrors,
	}
}

func routeDefined(source, target Subsystem) bool {
	for _, t := range routingTable[source] {
		if t == target {
			return true
		}
	}
	return false
}
