// Package event provides the typed publish/subscribe channel used by the
// session, gateway, offline queue and error log services to announce
// lifecycle changes to the UI layer.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	// Name identifies the kind of event (see names.go).
	Name Name
	// Payload carries the event-specific data. Its concrete type is
	// documented next to each Name constant.
	Payload any
	// At is when the event was emitted (UTC).
	At time.Time
}

// Handler receives events. Handlers are invoked synchronously on the
// emitting goroutine and must not block for long.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed with Off.
type Subscription struct {
	name Name
	id   uint64
}

// wildcard subscribes to every event name.
const wildcard Name = "*"

type entry struct {
	id      uint64
	handler Handler
}

// Bus is a thread-safe event bus. The zero value is not usable; use NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]entry
	nextID   uint64
	logger   *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Name][]entry),
		logger:   logger,
	}
}

// On registers h for events with the given name and returns a Subscription
// that can be passed to Off.
func (b *Bus) On(name Name, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[name] = append(b.handlers[name], entry{id: b.nextID, handler: h})
	return Subscription{name: name, id: b.nextID}
}

// OnAny registers h for every event emitted on the bus.
func (b *Bus) OnAny(h Handler) Subscription {
	return b.On(wildcard, h)
}

// Off removes a previously registered handler. Unknown subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[sub.name]
	for i, e := range list {
		if e.id == sub.id {
			b.handlers[sub.name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.name]) == 0 {
		delete(b.handlers, sub.name)
	}
}

// Emit delivers an event to every handler registered for name, then to
// wildcard handlers. Handlers run outside the bus lock; a panicking handler
// is logged and does not prevent delivery to the others.
func (b *Bus) Emit(name Name, payload any) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[name])+len(b.handlers[wildcard]))
	for _, e := range b.handlers[name] {
		targets = append(targets, e.handler)
	}
	for _, e := range b.handlers[wildcard] {
		targets = append(targets, e.handler)
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload, At: time.Now().UTC()}
	for _, h := range targets {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}

// Count returns the number of handlers registered for name.
func (b *Bus) Count(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
