package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatd/internal/registry"
	"go.uber.org/zap"
)

// Handler consumes the frames and disconnects the transport reports.
// *chat.Service satisfies it.
type Handler interface {
	Dispatch(ctx context.Context, conn registry.Conn, frame []byte)
	Disconnect(ctx context.Context, conn registry.Conn)
}

// TransportOptions tunes the TCP transport.
type TransportOptions struct {
	Workers       int
	MaxFrameBytes int
	WriteTimeout  time.Duration
}

type job struct {
	conn       *clientConn
	frame      []byte
	disconnect bool
}

// Transport accepts newline-delimited JSON connections. Each connection has one
// reader goroutine; its frames and its final disconnect go to a single worker
// chosen at accept time, so they are handled in arrival order.
type Transport struct {
	handler  Handler
	opts     TransportOptions
	logger   *zap.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	queues []chan job

	mu      sync.Mutex
	conns   map[string]*clientConn
	closed  bool
	seq     atomic.Uint64
	readers sync.WaitGroup
	workers sync.WaitGroup
}

// NewTransport listens on addr and starts the worker pool. Connections are
// accepted once Serve runs.
func NewTransport(addr string, h Handler, opts TransportOptions, logger *zap.Logger) (*Transport, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxFrameBytes < 1 {
		opts.MaxFrameBytes = 64 << 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		handler:  h,
		opts:     opts,
		logger:   logger.Named("transport"),
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make([]chan job, opts.Workers),
		conns:    make(map[string]*clientConn),
	}
	for i := range t.queues {
		t.queues[i] = make(chan job, 64)
		t.workers.Add(1)
		go t.work(t.queues[i])
	}
	return t, nil
}

// Addr returns the bound address.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// Serve accepts connections until Close. It returns nil after Close.
func (t *Transport) Serve() error {
	t.logger.Info("accepting connections", zap.String("addr", t.Addr().String()), zap.Int("workers", t.opts.Workers))
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		shard := int(t.seq.Add(1) % uint64(len(t.queues)))
		conn := newClientConn(nc, shard, t.opts.WriteTimeout)

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = nc.Close()
			return nil
		}
		t.conns[conn.id] = conn
		t.readers.Add(1)
		t.mu.Unlock()

		t.logger.Debug("connection accepted", zap.String("conn", conn.id), zap.String("remote", nc.RemoteAddr().String()))
		go t.read(conn)
	}
}

func (t *Transport) read(conn *clientConn) {
	defer t.readers.Done()
	queue := t.queues[conn.shard]

	scanner := bufio.NewScanner(conn.conn)
	scanner.Buffer(make([]byte, 0, min(4096, t.opts.MaxFrameBytes)), t.opts.MaxFrameBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		queue <- job{conn: conn, frame: bytes.Clone(line)}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			t.logger.Warn("frame exceeds limit, closing connection", zap.String("conn", conn.id), zap.Int("limit", t.opts.MaxFrameBytes))
		} else if !errors.Is(err, net.ErrClosed) {
			t.logger.Debug("read failed", zap.String("conn", conn.id), zap.Error(err))
		}
	}

	_ = conn.Close()
	t.mu.Lock()
	delete(t.conns, conn.id)
	t.mu.Unlock()
	queue <- job{conn: conn, disconnect: true}
}

func (t *Transport) work(queue <-chan job) {
	defer t.workers.Done()
	for j := range queue {
		if j.disconnect {
			t.handler.Disconnect(t.ctx, j.conn)
			t.logger.Debug("connection closed", zap.String("conn", j.conn.id))
			continue
		}
		t.handler.Dispatch(t.ctx, j.conn, j.frame)
	}
}

// Close stops accepting, closes every connection, and returns once each
// connection's queued frames and disconnect have been handled.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, conn := range t.conns {
		_ = conn.Close()
	}
	t.mu.Unlock()

	err := t.listener.Close()
	t.readers.Wait()
	for _, q := range t.queues {
		close(q)
	}
	t.workers.Wait()
	t.cancel()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
