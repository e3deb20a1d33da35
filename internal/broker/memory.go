package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
)

// Memory is a broker connection to an in-process bus. Every Memory attached to
// the same bus sees the others' publishes, which makes it usable for single
// node deployments and for simulating a fleet inside one test.
type Memory struct {
	bus *bus.Bus
	out chan Message

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool

	unsub func()
	done  chan struct{}
	once  sync.Once
}

// NewMemory attaches a new connection to b.
func NewMemory(b *bus.Bus, bufSize int) *Memory {
	events, unsub := b.Subscribe(bus.KindBrokerPrefix, bufSize)
	m := &Memory{
		bus:      b,
		out:      make(chan Message, bufSize),
		channels: make(map[string]struct{}),
		unsub:    unsub,
		done:     make(chan struct{}),
	}
	go m.pump(events)
	return m
}

// MemoryDialer returns a Dialer that attaches fresh connections to b.
func MemoryDialer(b *bus.Bus, bufSize int) Dialer {
	return func(context.Context) (Broker, error) {
		return NewMemory(b, bufSize), nil
	}
}

func (m *Memory) pump(events <-chan bus.Event) {
	defer close(m.out)
	for {
		select {
		case evt := <-events:
			channel := strings.TrimPrefix(evt.Kind, bus.KindBrokerPrefix)
			payload, ok := evt.Payload.([]byte)
			if !ok || !m.subscribed(channel) {
				continue
			}
			select {
			case m.out <- Message{Channel: channel, Payload: payload}:
			case <-m.done:
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Memory) subscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channel]
	return ok
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return m.bus.Deliver(ctx, bus.Event{
		Kind:      bus.KindBrokerPrefix + channel,
		Timestamp: time.Now(),
		Payload:   buf,
	})
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		m.channels[ch] = struct{}{}
	}
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		delete(m.channels, ch)
	}
	return nil
}

func (m *Memory) Messages() <-chan Message {
	return m.out
}

// Close detaches from the bus. Safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.unsub()
		close(m.done)
	})
	return nil
}
