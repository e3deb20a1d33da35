package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
)

// State is a node lifecycle state.
type State string

const (
	Booting  State = "BOOTING"
	Ready    State = "READY"
	Degraded State = "DEGRADED" // broker connection lost, bridge reconnecting
	Stopping State = "STOPPING"
)

var validTransitions = map[State][]State{
	Booting:  {Ready, Stopping},
	Ready:    {Degraded, Stopping},
	Degraded: {Ready, Stopping},
	Stopping: {},
}

// Machine tracks the node lifecycle and publishes every change on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Booting state. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Serving reports whether the node should accept traffic.
func (m *Machine) Serving() bool {
	return m.Current() == Ready
}

// Transition moves to the given state. Moving to the current state is a no-op,
// which lets the bridge report Degraded on every failed reconnect attempt.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload of bus.KindStatusChanged events.
type StatusChange struct {
	From State
	To   State
}
