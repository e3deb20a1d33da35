package daemon

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// clientConn is the registry handle for one accepted TCP connection. Writes
// are serialized so envelopes from different workers never interleave.
type clientConn struct {
	id           string
	shard        int
	conn         net.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func newClientConn(c net.Conn, shard int, writeTimeout time.Duration) *clientConn {
	return &clientConn{
		id:           uuid.NewString(),
		shard:        shard,
		conn:         c,
		writeTimeout: writeTimeout,
	}
}

func (c *clientConn) ID() string { return c.id }

// Send writes payload followed by a newline.
func (c *clientConn) Send(payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *clientConn) Close() error {
	return c.conn.Close()
}
