package events

import (
	"sync"

	"github.com/epic1st/rtx/ordercore/logging"
)

// Handler receives one event. A handler that panics is recovered and
// logged, never allowed to crash the publisher per the coroutine-fan-out-
// must-not-swallow-errors design note.
type Handler func(Event)

// subscriberQueueSize bounds the per-subscriber backlog. Emit blocks once a
// subscriber falls this far behind its own queue, trading producer latency
// for never silently dropping an event.
const subscriberQueueSize = 4096

// subscription is one handler's private, strictly-ordered inbox. Each
// subscription owns a single dispatcher goroutine, so events enqueued for
// it are delivered in the exact order Emit was called for them — the
// ordering-across-distinct-emits guarantee the bus documents.
type subscription struct {
	queue chan Event
}

// Bus is a simple typed pub/sub dispatcher. Publishing is fire-and-forget
// from the caller's perspective (Emit does not wait for a handler to run),
// but per-subscriber delivery order always matches emit order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]*subscription
	log      *logging.Logger
}

// NewBus creates an empty event bus.
func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.NewLogger(logging.INFO)
	}
	return &Bus{
		handlers: make(map[Type][]*subscription),
		log:      log,
	}
}

// Subscribe registers handler to run for every event of the given type. It
// starts a dedicated dispatcher goroutine that drains handler's queue in
// FIFO order for the lifetime of the bus.
func (b *Bus) Subscribe(t Type, h Handler) {
	sub := &subscription{queue: make(chan Event, subscriberQueueSize)}
	go b.run(sub, h)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], sub)
}

// Emit hands event to every handler subscribed to its type. Two calls to
// Emit from the same goroutine are observed by every common subscriber in
// the order they were made; ordering within a single emit, across distinct
// subscribers, is unspecified.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[event.Type()]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.queue <- event
	}
}

func (b *Bus) run(sub *subscription, h Handler) {
	for event := range sub.queue {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", nil,
				logging.Component("events.Bus"),
				logging.String("event_type", string(event.Type())),
				logging.Any("recovered", r),
			)
		}
	}()
	h(event)
}
