package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrPongTimeout ends a subscribe connection that stopped answering pings.
var ErrPongTimeout = errors.New("redis subscribe connection stopped answering pings")

// RedisOptions configures a Redis broker connection.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// PingInterval is how often the subscribe connection is pinged. The
	// connection is torn down when nothing, pongs included, arrives on it for
	// two intervals.
	PingInterval time.Duration
}

// Redis is a broker connection backed by Redis PUBLISH/SUBSCRIBE. It keeps one
// client for publishing and one dedicated subscribe connection.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	out    chan Message

	ctx    context.Context
	cancel context.CancelFunc

	// lastSeen is the unix nano time of the last reply on the subscribe connection.
	lastSeen atomic.Int64

	mu  sync.Mutex
	err error
}

// DialRedis connects to Redis and starts the receive loop. It fails if the
// server does not answer a PING.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client: client,
		pubsub: client.Subscribe(loopCtx),
		out:    make(chan Message, 256),
		ctx:    loopCtx,
		cancel: cancel,
	}
	r.lastSeen.Store(time.Now().UnixNano())
	go r.receive()
	if opts.PingInterval > 0 {
		go r.keepalive(opts.PingInterval)
	}
	return r, nil
}

// RedisDialer returns a Dialer for opts.
func RedisDialer(opts RedisOptions) Dialer {
	return func(ctx context.Context) (Broker, error) {
		return DialRedis(ctx, opts)
	}
}

func (r *Redis) receive() {
	defer close(r.out)
	for {
		msg, err := r.pubsub.Receive(r.ctx)
		if err != nil {
			r.fail(err)
			return
		}
		r.lastSeen.Store(time.Now().UnixNano())
		m, ok := msg.(*redis.Message)
		if !ok {
			// Subscription confirmations and pongs.
			continue
		}
		select {
		case r.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Redis) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, r.lastSeen.Load())) >= 2*interval {
				r.fail(ErrPongTimeout)
				return
			}
			if err := r.pubsub.Ping(r.ctx); err != nil {
				r.fail(err)
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// fail records the first connection error and tears the connection down, which
// closes Messages.
func (r *Redis) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.cancel()
	_ = r.pubsub.Close()
}

// Err returns the error that ended the connection, if any.
func (r *Redis) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Redis) alive() error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.alive(); err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) error {
	if err := r.alive(); err != nil {
		return err
	}
	return r.pubsub.Subscribe(ctx, channels...)
}

func (r *Redis) Unsubscribe(ctx context.Context, channels ...string) error {
	if err := r.alive(); err != nil {
		return err
	}
	return r.pubsub.Unsubscribe(ctx, channels...)
}

func (r *Redis) Messages() <-chan Message {
	return r.out
}

// Close shuts both connections. Safe to call more than once.
func (r *Redis) Close() error {
	r.fail(ErrClosed)
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
