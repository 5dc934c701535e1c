package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe bus with namespace-prefix
// filtering. The change feed publishes row-change events on it and the
// push listeners subscribe; stores publish their own derived events.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers an event to every subscriber whose prefix matches
// the event kind. Delivery is non-blocking: a subscriber with a full
// buffer misses the event, which is acceptable because every consumer
// reconciles from the authoritative source on the next fetch.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a subscriber for all events whose kind starts
// with prefix. Returns the receive channel and an unsubscribe func.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
