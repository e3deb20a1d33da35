package bus

import (
	"context"
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe hub with namespace prefix filtering.
// It carries node lifecycle events and backs the in-memory broker.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64
}

type subscription struct {
	namespace string
	ch        chan Event
	done      chan struct{}
	once      sync.Once
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscription),
	}
}

func (b *Bus) matching(kind string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*subscription
	for _, sub := range b.subs {
		if strings.HasPrefix(kind, sub.namespace) {
			out = append(out, sub)
		}
	}
	return out
}

// Publish offers evt to every subscriber whose namespace is a prefix of evt.Kind
// without blocking. Subscribers with a full buffer miss the event; the number of
// such drops is returned.
func (b *Bus) Publish(evt Event) (dropped int) {
	for _, sub := range b.matching(evt.Kind) {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		default:
			dropped++
		}
	}
	return dropped
}

// Deliver hands evt to every matching subscriber, waiting for buffer space.
// Subscribers that unsubscribe meanwhile are skipped.
func (b *Bus) Deliver(ctx context.Context, evt Event) error {
	for _, sub := range b.matching(evt.Kind) {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel that receives events matching the namespace prefix,
// and a function that cancels the subscription. The channel is never closed.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{
		namespace: namespace,
		ch:        make(chan Event, bufSize),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}
}
