package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed EventBus.
var ErrBusClosed = errors.New("event bus closed")

// ErrBusFull is returned when the event buffer is full. Publishers never
// block: the host must not wait on the bridge.
var ErrBusFull = errors.New("event bus full")

// EventBus is a hub-and-spoke bus carrying host events to subscribers
// using Go channels.
type EventBus struct {
	events chan Event
	done   chan struct{}
	closed atomic.Bool
	subs   map[EventType][]func(Event) // event type -> subscribers
	mu     sync.RWMutex
}

// NewEventBus creates a new EventBus with the given buffer size.
// If bufSize is 0, defaults to 100.
func NewEventBus(bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &EventBus{
		events: make(chan Event, bufSize),
		done:   make(chan struct{}),
		subs:   make(map[EventType][]func(Event)),
	}
}

// Publish enqueues an event without blocking.
func (b *EventBus) Publish(ev Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	default:
		slog.Warn("bus: event dropped, buffer full", "event", ev.String())
		return ErrBusFull
	}
}

// Consume blocks until an event is available, the bus is closed or ctx is
// cancelled.
func (b *EventBus) Consume(ctx context.Context) (Event, error) {
	select {
	case ev := <-b.events:
		return ev, nil
	case <-b.done:
		return Event{}, ErrBusClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Subscribe registers fn to receive events of the given type.
// An empty type subscribes to ALL events.
func (b *EventBus) Subscribe(t EventType, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], fn)
}

// Dispatch reads events and delivers them to matching subscribers, one at
// a time. Returns when ctx is cancelled or the bus is closed. Events still
// buffered at close time are delivered before returning.
func (b *EventBus) Dispatch(ctx context.Context) {
	for {
		select {
		case ev := <-b.events:
			b.dispatch(ev)
		case <-b.done:
			b.drain()
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *EventBus) drain() {
	for {
		select {
		case ev := <-b.events:
			b.dispatch(ev)
		default:
			return
		}
	}
}

// dispatch delivers ev to all matching subscribers (type-specific + wildcard).
func (b *EventBus) dispatch(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs[ev.Type])+len(b.subs[""]))
	fns = append(fns, b.subs[ev.Type]...)
	fns = append(fns, b.subs[""]...)
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close stops the bus. Subsequent publishes fail with ErrBusClosed.
func (b *EventBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
