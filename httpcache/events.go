package httpcache

import (
	"sync"

	"github.com/vyrodovalexey/avhttpcache/observability"
)

// EventKind identifies a cache lifecycle event.
type EventKind string

const (
	EventHit               EventKind = "hit"
	EventMiss              EventKind = "miss"
	EventBypass            EventKind = "bypass"
	EventStore             EventKind = "store"
	EventStale             EventKind = "stale"
	EventStaleIfError      EventKind = "stale_if_error"
	EventRevalidateSuccess EventKind = "revalidate_success"
	EventRevalidateError   EventKind = "revalidate_error"
	EventStoreError        EventKind = "store_error"
	EventEvict             EventKind = "evict"
	EventInvalidate        EventKind = "invalidate"
)

// Event describes a single cache decision or state change.
type Event struct {
	Kind      EventKind
	Key       string
	Freshness Freshness
	Err       error
}

// Bus fans cache events out to subscribers. Publishing is synchronous
// and a panicking subscriber never takes down the caller or the other
// subscribers.
type Bus struct {
	logger observability.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewBus returns an event bus. A nil logger is replaced with a no-op.
func NewBus(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]func(Event)),
	}
}

// Subscribe registers fn for all future events and returns a function
// that removes the subscription. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every subscriber in turn.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("cache event subscriber panicked",
				observability.String("kind", string(ev.Kind)),
				observability.Any("panic", r),
			)
		}
	}()
	fn(ev)
}
