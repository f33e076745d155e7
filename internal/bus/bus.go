package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miaquant/safety-kernel/internal/observ"
)

// Priority orders delivery: critical events overtake high, high overtakes
// normal. Within a level delivery is FIFO.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Event is the base bus envelope. Delivery is at-least-once within the
// process lifetime; nothing survives a restart.
type Event struct {
	ID        string
	Type      string
	Data      map[string]any
	Priority  Priority
	CreatedAt time.Time
}

// Handler consumes one event. Returned errors (and panics) are logged and
// counted; they are never surfaced to the publisher.
type Handler func(ctx context.Context, ev Event) error

type subscriber struct {
	id string
	fn Handler
}

// Bus is an in-process pub/sub with three priority lanes and a single
// dispatcher goroutine, so handlers are serialized. Publishers never block
// on subscriber progress: the lanes are unbounded slices.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	queues [3][]Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	published     atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
}

// New creates a bus and starts its dispatcher.
func New() *Bus {
	b := &Bus{
		subs: map[string][]subscriber{},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for an event type and returns the handler id.
func (b *Bus) Subscribe(eventType, handlerID string, fn Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: handlerID, fn: fn})
	return handlerID
}

// Unsubscribe removes a handler registration. Unknown ids are ignored.
func (b *Bus) Unsubscribe(eventType, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == handlerID {
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues the event and reports whether at least one subscriber
// will receive it. Publishing on a nil or closed bus fails soft.
func (b *Bus) Publish(ev Event) bool {
	if b == nil {
		observ.Warn("bus_publish_nil_bus", map[string]any{"type": ev.Type})
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		observ.Warn("bus_publish_closed", map[string]any{"type": ev.Type})
		return false
	}
	accepted := len(b.subs[ev.Type]) > 0
	lane := int(ev.Priority)
	if lane < 0 || lane > 2 {
		lane = 0
	}
	b.queues[lane] = append(b.queues[lane], ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	b.published.Add(1)
	observ.IncCounter("mia_bus_published_total", map[string]string{
		"type":     ev.Type,
		"priority": ev.Priority.String(),
	})
	return accepted
}

// Close stops the dispatcher after the current event. Queued events past
// that point are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
}

// Stats reports lifetime dispatch counts.
func (b *Bus) Stats() map[string]int64 {
	return map[string]int64{
		"published":      b.published.Load(),
		"delivered":      b.delivered.Load(),
		"handler_errors": b.handlerErrors.Load(),
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		ev, ok := b.next()
		if !ok {
			select {
			case <-b.wake:
				continue
			case <-b.done:
				return
			}
		}
		b.deliver(ctx, ev)
	}
}

// next pops the oldest event from the highest non-empty lane.
func (b *Bus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for lane := 2; lane >= 0; lane-- {
		if len(b.queues[lane]) > 0 {
			ev := b.queues[lane][0]
			b.queues[lane] = b.queues[lane][1:]
			return ev, true
		}
	}
	return Event{}, false
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs[ev.Type]))
	copy(subs, b.subs[ev.Type])
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(ctx, s, ev)
	}
	b.delivered.Add(1)
}

// invoke runs one handler, containing errors and panics so a failing
// handler cannot prevent the rest from running.
func (b *Bus) invoke(ctx context.Context, s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			observ.Error("bus_handler_panic", map[string]any{
				"handler": s.id,
				"type":    ev.Type,
				"panic":   r,
			})
			observ.IncCounter("mia_bus_handler_errors_total", map[string]string{"handler": s.id})
		}
	}()
	if err := s.fn(ctx, ev); err != nil {
		b.handlerErrors.Add(1)
		observ.Error("bus_handler_error", map[string]any{
			"handler": s.id,
			"type":    ev.Type,
			"error":   err.Error(),
		})
		observ.IncCounter("mia_bus_handler_errors_total", map[string]string{"handler": s.id})
	}
}
