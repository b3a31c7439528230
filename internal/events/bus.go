package events

import (
	"log/slog"
	"sync"
)

// Handler consumes one event. Handlers run synchronously on the
// publisher's goroutine and must not block; I/O-bound subscribers (the
// WebSocket hub) own an internal queue and return immediately.
type Handler func(Event)

// Bus is a synchronous in-process publish/subscribe dispatcher keyed by
// event kind. Handlers are registered explicitly at wiring time; there
// is no global bus instance. A panic in one handler is logged and does
// not propagate to the publisher or to other handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Kind][]Handler),
		logger:   logger.With("component", "eventbus"),
	}
}

// Subscribe registers a handler for a single event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler invoked for every published event.
// The WebSocket hub uses this to observe the full lifecycle stream.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching handlers in registration
// order. Delivery is best-effort ordered per publisher: a single
// publisher's events arrive at each handler in publish order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	kindHandlers := b.handlers[e.Kind()]
	allHandlers := b.all
	b.mu.RUnlock()

	for _, h := range kindHandlers {
		b.dispatch(h, e)
	}
	for _, h := range allHandlers {
		b.dispatch(h, e)
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"kind", e.Kind(),
				"panic", r,
			)
		}
	}()
	h(e)
}
