// Package broker abstracts the shared publish/subscribe server that carries
// envelopes between nodes. A Broker value is one connection: once its Messages
// channel closes the connection is gone and a new one must be dialed.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a broker connection that has been closed.
var ErrClosed = errors.New("broker closed")

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broker is a single connection to the pub/sub server.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages yields inbound messages. It is closed when the connection is lost
	// or Close is called.
	Messages() <-chan Message
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(ctx context.Context) (Broker, error)
