package bus

import "time"

// Event kinds published by node components.
const (
	KindStatusChanged = "node.status_changed"
	// KindBrokerPrefix namespaces in-memory broker traffic; the channel name follows.
	KindBrokerPrefix = "broker."
)

// Event represents a message published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
