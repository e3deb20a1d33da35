package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/chatd/internal/envelope"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.HashCost = bcrypt.MinCost
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testConn records every frame sent to it. Setting fail makes Send error.
type testConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection reset")
	}
	c.frames = append(c.frames, append([]byte(nil), payload...))
	return nil
}

func (c *testConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *testConn) last(t *testing.T) *envelope.Envelope {
	t.Helper()
	frames := c.received()
	if len(frames) == 0 {
		t.Fatalf("conn %s received nothing", c.id)
	}
	env, err := envelope.Decode(frames[len(frames)-1])
	if err != nil {
		t.Fatalf("conn %s last frame: %v", c.id, err)
	}
	return env
}

// testBridge records broker traffic instead of sending it anywhere.
type testBridge struct {
	mu          sync.Mutex
	published   map[int64][][]byte
	subscribed  map[int64]bool
	unsubscribe int
	failFor     map[int64]bool
}

func newTestBridge() *testBridge {
	return &testBridge{
		published:  make(map[int64][][]byte),
		subscribed: make(map[int64]bool),
		failFor:    make(map[int64]bool),
	}
}

func (b *testBridge) Publish(_ context.Context, userID int64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor[userID] {
		return errors.New("broker down")
	}
	b.published[userID] = append(b.published[userID], payload)
	return nil
}

func (b *testBridge) Subscribe(_ context.Context, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[userID] = true
	return nil
}

func (b *testBridge) Unsubscribe(_ context.Context, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, userID)
	b.unsubscribe++
	return nil
}

func (b *testBridge) publishCount(userID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[userID])
}

type fixture struct {
	db       *store.DB
	bridge   *testBridge
	sessions *registry.Registry
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: testDB(t), bridge: newTestBridge(), sessions: registry.New()}
	f.svc = NewService("n1", f.db, f.bridge, f.sessions, prometheus.NewRegistry(), zaptest.NewLogger(t))
	return f
}

func (f *fixture) user(t *testing.T, name string) int64 {
	t.Helper()
	id, err := f.db.InsertUser(name, "x")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) login(t *testing.T, conn registry.Conn, id int64) *envelope.Envelope {
	t.Helper()
	ack := f.svc.Login(context.Background(), conn, id, "x")
	if *ack.Errno != envelope.OK {
		t.Fatalf("Login(%d) errno = %d (%s)", id, *ack.Errno, ack.ErrMsg)
	}
	return ack
}

func (f *fixture) presence(t *testing.T, id int64) store.Presence {
	t.Helper()
	u, err := f.db.FindUserByID(id)
	if err != nil || u == nil {
		t.Fatalf("FindUserByID(%d) = %v, %v", id, u, err)
	}
	return u.State
}

func (f *fixture) offline(t *testing.T, id int64) int {
	t.Helper()
	n, err := f.db.CountOffline(id)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func chatTo(from, to int64, msg string) *envelope.Envelope {
	return &envelope.Envelope{Kind: envelope.OneChat, ID: from, Name: "sender", To: to, Msg: msg, Time: "2026-01-01 10:00:00"}
}
