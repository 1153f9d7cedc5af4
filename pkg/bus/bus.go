// Package bus provides a fire-and-forget notification sink for runtime
// events (session lifecycle, permission grants, scheduler firings).
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives one emitted event payload.
type Handler func(event string, payload any)

// Bus fans emitted events out to subscribed handlers. Emit is synchronous
// and never blocks on a slow consumer contract: handlers are expected to
// return quickly or hand off to their own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// New constructs an event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(event string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit delivers the event to all matching handlers. A panicking handler
// is logged and does not affect the emitter or other handlers.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[event])+len(b.all))
	matched = append(matched, b.handlers[event]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	for _, h := range matched {
		b.dispatch(event, payload, h)
	}
}

func (b *Bus) dispatch(event string, payload any, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", event).Interface("panic", r).Msg("Event handler panicked")
		}
	}()
	h(event, payload)
}
