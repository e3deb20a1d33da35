package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/broker"
	"github.com/matheus3301/chatd/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultChannelPrefix is prepended to a user id to form its channel name.
const DefaultChannelPrefix = "chat:user:"

// SessionLister reports the users currently connected to this node.
type SessionLister interface {
	UserIDs() []int64
}

// InboundFunc receives an envelope forwarded to a locally subscribed user.
type InboundFunc func(ctx context.Context, userID int64, payload []byte)

// Options tunes the bridge.
type Options struct {
	ChannelPrefix string
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

// Bridge forwards envelopes between nodes over a broker, one channel per user.
// It owns one broker connection at a time; when that connection dies the
// listener dials a new one and re-subscribes every user in the session registry.
type Bridge struct {
	dial     broker.Dialer
	sessions SessionLister
	machine  *status.Machine
	logger   *zap.Logger
	metrics  *bridgeMetrics
	opts     Options

	mu      sync.RWMutex
	conn    broker.Broker
	inbound InboundFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge. machine and reg may be nil.
func New(dial broker.Dialer, sessions SessionLister, machine *status.Machine, opts Options, reg prometheus.Registerer, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = DefaultChannelPrefix
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 100 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 10 * time.Second
	}
	return &Bridge{
		dial:     dial,
		sessions: sessions,
		machine:  machine,
		logger:   logger.Named("bridge"),
		metrics:  newBridgeMetrics(reg),
		opts:     opts,
	}
}

// Connect dials the initial broker connection. A failure here means the node
// cannot become ready.
func (b *Bridge) Connect(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// SetInbound installs the function that receives forwarded envelopes. It must be
// called before Start.
func (b *Bridge) SetInbound(fn InboundFunc) {
	b.mu.Lock()
	b.inbound = fn
	b.mu.Unlock()
}

// Start launches the background listener. Connect must have succeeded.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.listen(ctx)
}

// Stop terminates the listener and closes the broker connection.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if conn := b.current(); conn != nil {
		_ = conn.Close()
	}
	if b.done != nil {
		<-b.done
	}
}

// Channel returns the broker channel for userID.
func (b *Bridge) Channel(userID int64) string {
	return b.opts.ChannelPrefix + strconv.FormatInt(userID, 10)
}

func (b *Bridge) userID(channel string) (int64, error) {
	raw, ok := strings.CutPrefix(channel, b.opts.ChannelPrefix)
	if !ok {
		return 0, fmt.Errorf("channel %q lacks prefix %q", channel, b.opts.ChannelPrefix)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (b *Bridge) current() broker.Broker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

// Publish forwards payload to whichever node has userID subscribed. A failed
// publish also drops the current connection so the listener reconnects.
func (b *Bridge) Publish(ctx context.Context, userID int64, payload []byte) error {
	conn := b.current()
	if conn == nil {
		return broker.ErrClosed
	}
	if err := conn.Publish(ctx, b.Channel(userID), payload); err != nil {
		b.metrics.publishError()
		b.logger.Error("publish failed", zap.Int64("user_id", userID), zap.Error(err))
		_ = conn.Close()
		return err
	}
	b.metrics.published()
	return nil
}

// Subscribe starts receiving envelopes for userID on this node.
func (b *Bridge) Subscribe(ctx context.Context, userID int64) error {
	conn := b.current()
	if conn == nil {
		return broker.ErrClosed
	}
	return conn.Subscribe(ctx, b.Channel(userID))
}

// Unsubscribe stops receiving envelopes for userID on this node.
func (b *Bridge) Unsubscribe(ctx context.Context, userID int64) error {
	conn := b.current()
	if conn == nil {
		return broker.ErrClosed
	}
	return conn.Unsubscribe(ctx, b.Channel(userID))
}

func (b *Bridge) listen(ctx context.Context) {
	defer close(b.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if conn := b.current(); conn != nil {
			for msg := range conn.Messages() {
				b.handle(ctx, msg)
			}
		}
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("broker connection lost, reconnecting")
		if !b.reconnect(ctx) {
			return
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg broker.Message) {
	userID, err := b.userID(msg.Channel)
	if err != nil {
		b.logger.Warn("ignoring message on foreign channel", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	b.metrics.received()

	b.mu.RLock()
	fn := b.inbound
	b.mu.RUnlock()
	if fn == nil {
		b.logger.Warn("no inbound handler installed", zap.Int64("user_id", userID))
		return
	}
	fn(ctx, userID, msg.Payload)
}

// reconnect dials until it gets a connection with every local user
// re-subscribed. It returns false if ctx ends first.
func (b *Bridge) reconnect(ctx context.Context) bool {
	b.setStatus(status.Degraded)
	backoff := b.opts.ReconnectMin
	for attempt := 1; ; attempt++ {
		err := b.redial(ctx)
		if err == nil {
			b.metrics.reconnected()
			b.logger.Info("broker reconnected", zap.Int("attempt", attempt))
			b.setStatus(status.Ready)
			return true
		}
		b.logger.Error("broker reconnect failed", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > b.opts.ReconnectMax {
			backoff = b.opts.ReconnectMax
		}
	}
}

func (b *Bridge) redial(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}

	// Swap before reading the registry: a login racing this reconnect either
	// appears in the snapshot or subscribes through the new connection.
	// Stop cancels before it closes the current connection, so a dial that
	// outlived the cancel must not become current.
	b.mu.Lock()
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		_ = conn.Close()
		return err
	}
	old := b.conn
	b.conn = conn
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	ids := b.sessions.UserIDs()
	if len(ids) == 0 {
		return nil
	}
	channels := make([]string, len(ids))
	for i, id := range ids {
		channels[i] = b.Channel(id)
	}
	if err := conn.Subscribe(ctx, channels...); err != nil {
		_ = conn.Close()
		return fmt.Errorf("resubscribe %d users: %w", len(ids), err)
	}
	b.logger.Info("resubscribed local users", zap.Int("count", len(ids)))
	return nil
}

func (b *Bridge) setStatus(to status.State) {
	if b.machine == nil {
		return
	}
	cur := b.machine.Current()
	// Only flip between READY and DEGRADED; boot and shutdown belong to the daemon.
	if (to == status.Degraded && cur != status.Ready) || (to == status.Ready && cur != status.Degraded) {
		return
	}
	if err := b.machine.Transition(to); err != nil {
		b.logger.Debug("status transition skipped", zap.Error(err))
	}
}
