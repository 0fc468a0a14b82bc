// Package bus is the in-process event fan-out used by every subsystem in
// the fleet: task lifecycle transitions, delegation transitions, A2A flow
// steps, and continuation-controller actions all flow through here as a
// single stream of structured Events. Publish is synchronous and
// non-blocking per subscriber: a slow or wedged subscriber drops events
// rather than stalling the publisher.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is the structured fact broadcast in-process and, via Logger,
// appended to the coordination log.
type Event struct {
	Type    string
	AgentID string
	TS      time.Time
	Data    any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic-prefix matching.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events whose Type has the given
// prefix. An empty prefix matches all types. The returned channel has a
// buffer of 100 events; slow consumers will miss events (non-blocking send).
func (b *Bus) Subscribe(typePrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: typePrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Emit sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the event is dropped for
// that subscriber only. ts defaults to the current time when zero.
func (b *Bus) Emit(eventType, agentID string, data any) Event {
	ev := Event{Type: eventType, AgentID: agentID, TS: time.Now().UTC(), Data: data}
	b.dispatch(ev)
	return ev
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(ev.Type, sub.prefix) {
			select {
			case sub.ch <- ev:
			default:
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, ev.Type)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when the dropped-event count crosses an
// exponential threshold. Uses CompareAndSwap so concurrent publishers don't
// double-log the same threshold.
func (b *Bus) maybeLogDropWarning(newCount int64, eventType string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("type", eventType),
		)
	}
}
