package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/bridge"
	"github.com/matheus3301/chatd/internal/broker"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/envelope"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

func TestDeliveryLadder(t *testing.T) {
	ctx := context.Background()

	t.Run("local session", func(t *testing.T) {
		f := newFixture(t)
		bob := f.user(t, "bob")
		conn := &testConn{id: "cb"}
		f.login(t, conn, bob)

		if got := f.svc.Deliver(ctx, bob, chatTo(9, bob, "hi")); got != DeliveredLocal {
			t.Fatalf("outcome = %v, want local", got)
		}
		if msg := conn.last(t); msg.Kind != envelope.OneChat || msg.Msg != "hi" || msg.To != bob {
			t.Errorf("received %+v", msg)
		}
		if f.bridge.publishCount(bob) != 0 || f.offline(t, bob) != 0 {
			t.Error("local delivery also published or queued")
		}
	})

	t.Run("online on another node", func(t *testing.T) {
		f := newFixture(t)
		bob := f.user(t, "bob")
		if _, err := f.db.MarkOnline(bob, "n2"); err != nil {
			t.Fatal(err)
		}

		if got := f.svc.Deliver(ctx, bob, chatTo(9, bob, "hi")); got != DeliveredRemote {
			t.Fatalf("outcome = %v, want remote", got)
		}
		if f.bridge.publishCount(bob) != 1 {
			t.Error("nothing published on bob's channel")
		}
		if f.offline(t, bob) != 0 {
			t.Error("remote delivery also queued offline")
		}
	})

	t.Run("offline", func(t *testing.T) {
		f := newFixture(t)
		bob := f.user(t, "bob")

		if got := f.svc.Deliver(ctx, bob, chatTo(9, bob, "hi")); got != QueuedOffline {
			t.Fatalf("outcome = %v, want offline", got)
		}
		if f.offline(t, bob) != 1 {
			t.Error("message not queued")
		}
		if f.bridge.publishCount(bob) != 0 {
			t.Error("offline delivery also published")
		}
	})
}

func TestDeliveryFallsBackToOffline(t *testing.T) {
	ctx := context.Background()

	t.Run("publish failure", func(t *testing.T) {
		f := newFixture(t)
		bob := f.user(t, "bob")
		if _, err := f.db.MarkOnline(bob, "n2"); err != nil {
			t.Fatal(err)
		}
		f.bridge.failFor[bob] = true

		if got := f.svc.Deliver(ctx, bob, chatTo(9, bob, "hi")); got != QueuedOffline {
			t.Fatalf("outcome = %v, want offline", got)
		}
		if f.offline(t, bob) != 1 {
			t.Error("failed publish was not queued")
		}
	})

	t.Run("local send failure", func(t *testing.T) {
		f := newFixture(t)
		bob := f.user(t, "bob")
		conn := &testConn{id: "cb"}
		f.login(t, conn, bob)
		conn.fail = true

		if got := f.svc.Deliver(ctx, bob, chatTo(9, bob, "hi")); got != QueuedOffline {
			t.Fatalf("outcome = %v, want offline", got)
		}
		if f.offline(t, bob) != 1 {
			t.Error("failed local send was not queued")
		}
	})
}

func TestDeliverInboundNeverRepublishes(t *testing.T) {
	f := newFixture(t)
	bob := f.user(t, "bob")
	// Stale flag: bob looks online but has no session here.
	if _, err := f.db.MarkOnline(bob, "n1"); err != nil {
		t.Fatal(err)
	}

	f.svc.DeliverInbound(context.Background(), bob, []byte(`{"msgid":6,"id":9,"to":2,"msg":"late"}`))
	if f.bridge.publishCount(bob) != 0 {
		t.Error("inbound envelope was republished")
	}
	if f.offline(t, bob) != 1 {
		t.Error("inbound envelope for absent user was not queued")
	}
}

func TestDeliverInboundDropsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	bob := f.user(t, "bob")
	conn := &testConn{id: "cb"}
	f.login(t, conn, bob)

	for _, payload := range []string{`not json`, `{"msg":"no kind"}`, `{"msgid":6,"id":9}`} {
		f.svc.DeliverInbound(context.Background(), bob, []byte(payload))
	}
	if n := len(conn.received()); n != 0 {
		t.Errorf("malformed forwarded payloads reached the socket: %q", conn.received())
	}
	if f.offline(t, bob) != 0 {
		t.Error("malformed forwarded payload was queued")
	}

	f.svc.DeliverInbound(context.Background(), bob, []byte(`{"msgid":6,"id":9,"to":2,"msg":"ok"}`))
	if got := conn.last(t); got.Msg != "ok" {
		t.Errorf("valid forwarded envelope = %+v", got)
	}
}

// pausingStore holds the first AppendOffline for one user until resume closes,
// so a login can run between a sender's presence read and its append.
type pausingStore struct {
	*store.DB
	userID int64
	once   sync.Once
	paused chan struct{}
	resume chan struct{}
}

func (p *pausingStore) AppendOffline(userID int64, payload []byte) error {
	if userID == p.userID {
		p.once.Do(func() {
			close(p.paused)
			<-p.resume
		})
	}
	return p.DB.AppendOffline(userID, payload)
}

func TestDeliverRacingLogin(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *pausingStore, int64, int64) {
		f := newFixture(t)
		alice := f.user(t, "alice")
		bob := f.user(t, "bob")
		ps := &pausingStore{DB: f.db, userID: bob, paused: make(chan struct{}), resume: make(chan struct{})}
		f.svc = NewService("n1", ps, f.bridge, f.sessions, prometheus.NewRegistry(), zaptest.NewLogger(t))
		return f, ps, alice, bob
	}
	send := func(f *fixture, from, to int64) <-chan Outcome {
		done := make(chan Outcome, 1)
		go func() { done <- f.svc.Deliver(context.Background(), to, chatTo(from, to, "mid-login")) }()
		return done
	}

	t.Run("local login drained before append", func(t *testing.T) {
		f, ps, alice, bob := setup(t)
		done := send(f, alice, bob)
		<-ps.paused

		conn := &testConn{id: "cb"}
		ack := f.login(t, conn, bob)
		if len(ack.OfflineMsg) != 0 {
			t.Fatalf("drain saw the paused append: %d messages", len(ack.OfflineMsg))
		}
		close(ps.resume)

		if got := <-done; got != QueuedOffline {
			t.Errorf("outcome = %v, want offline", got)
		}
		if f.offline(t, bob) != 0 {
			t.Error("envelope stranded in the queue while bob is online here")
		}
		if got := conn.last(t); got.Msg != "mid-login" {
			t.Errorf("bob received %+v", got)
		}
	})

	t.Run("remote login drained before append", func(t *testing.T) {
		f, ps, alice, bob := setup(t)
		done := send(f, alice, bob)
		<-ps.paused

		if ok, err := f.db.MarkOnline(bob, "n2"); err != nil || !ok {
			t.Fatalf("MarkOnline() = %v, %v", ok, err)
		}
		close(ps.resume)

		<-done
		if f.offline(t, bob) != 0 {
			t.Error("envelope stranded in the queue while bob is online elsewhere")
		}
		if f.bridge.publishCount(bob) != 1 {
			t.Errorf("published %d envelopes, want 1", f.bridge.publishCount(bob))
		}
	})

	t.Run("push to new session fails", func(t *testing.T) {
		f, ps, alice, bob := setup(t)
		done := send(f, alice, bob)
		<-ps.paused

		conn := &testConn{id: "cb"}
		f.login(t, conn, bob)
		conn.mu.Lock()
		conn.fail = true
		conn.mu.Unlock()
		close(ps.resume)

		<-done
		if f.offline(t, bob) != 1 {
			t.Error("envelope not re-queued after push failed")
		}
	})
}

func TestGroupFanoutIndependence(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (f *fixture, sender, a, b, c, gid int64, connA *testConn) {
		f = newFixture(t)
		sender = f.user(t, "dave")
		a = f.user(t, "a")
		b = f.user(t, "b")
		c = f.user(t, "c")
		var err error
		gid, err = f.svc.CreateGroup(sender, "team", "")
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range []int64{a, b, c} {
			if err := f.svc.JoinGroup(id, gid); err != nil {
				t.Fatal(err)
			}
		}
		connA = &testConn{id: "ca"}
		f.login(t, connA, a)
		if _, err := f.db.MarkOnline(b, "n2"); err != nil {
			t.Fatal(err)
		}
		return
	}
	groupChat := func(sender, gid int64) *envelope.Envelope {
		return &envelope.Envelope{Kind: envelope.GroupChat, ID: sender, Name: "dave", GroupID: gid, Msg: "standup", Time: "2026-01-01 09:00:00"}
	}

	t.Run("each member takes its own rung", func(t *testing.T) {
		f, sender, a, b, c, gid, connA := setup(t)

		outcomes := f.svc.FanoutGroupChat(ctx, sender, gid, groupChat(sender, gid))
		want := map[int64]Outcome{a: DeliveredLocal, b: DeliveredRemote, c: QueuedOffline}
		for id, o := range want {
			if outcomes[id] != o {
				t.Errorf("member %d outcome = %v, want %v", id, outcomes[id], o)
			}
		}
		if _, ok := outcomes[sender]; ok {
			t.Error("sender received its own group message")
		}
		if connA.last(t).Msg != "standup" {
			t.Error("local member did not receive the message")
		}
		if f.bridge.publishCount(b) != 1 {
			t.Error("remote member's channel not published")
		}
		if f.offline(t, c) != 1 {
			t.Error("offline member not queued")
		}
	})

	t.Run("publish failure does not stop the rest", func(t *testing.T) {
		f, sender, _, b, c, gid, _ := setup(t)
		f.bridge.failFor[b] = true

		f.svc.FanoutGroupChat(ctx, sender, gid, groupChat(sender, gid))
		if f.offline(t, b) != 1 {
			t.Error("failed publish for b not queued")
		}
		if f.offline(t, c) != 1 {
			t.Error("c not queued after b's failure")
		}
	})
}

// node is one chatd process inside a test: its own registry and bridge over a
// broker bus shared with the other nodes, and a store shared with all of them.
type node struct {
	svc      *Service
	sessions *registry.Registry
}

func startNode(t *testing.T, name string, db *store.DB, hub *bus.Bus) *node {
	t.Helper()
	sessions := registry.New()
	logger := zaptest.NewLogger(t)
	br := bridge.New(broker.MemoryDialer(hub, 16), sessions, nil, bridge.Options{}, nil, logger)
	if err := br.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc := NewService(name, db, br, sessions, nil, logger)
	br.SetInbound(svc.DeliverInbound)
	br.Start(context.Background())
	t.Cleanup(br.Stop)
	return &node{svc: svc, sessions: sessions}
}

func waitFrames(t *testing.T, conn *testConn, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := conn.received()
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("conn %s got %d frames, want %d", conn.id, len(frames), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCrossNodeChat(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	hub := bus.New()
	nodeA := startNode(t, "a", db, hub)
	nodeB := startNode(t, "b", db, hub)

	alice, err := db.InsertUser("alice", "x")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := db.InsertUser("bob", "x")
	if err != nil {
		t.Fatal(err)
	}

	connA := &testConn{id: "ca"}
	connB := &testConn{id: "cb"}
	nodeA.svc.Dispatch(ctx, connA, []byte(`{"msgid":1,"id":`+itoa(alice)+`,"password":"x"}`))
	nodeB.svc.Dispatch(ctx, connB, []byte(`{"msgid":1,"id":`+itoa(bob)+`,"password":"x"}`))
	waitFrames(t, connA, 1)
	waitFrames(t, connB, 1)

	frame := []byte(`{"msgid":6,"id":` + itoa(alice) + `,"name":"alice","to":` + itoa(bob) + `,"msg":"across","time":"t"}`)
	nodeA.svc.Dispatch(ctx, connA, frame)

	frames := waitFrames(t, connB, 2)
	got, err := envelope.Decode(frames[1])
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != envelope.OneChat || got.Msg != "across" || got.ID != alice {
		t.Errorf("bob received %+v", got)
	}
	if n, _ := db.CountOffline(bob); n != 0 {
		t.Errorf("cross-node message also queued offline (%d)", n)
	}

	// After bob logs out on B, alice's next message is queued.
	nodeB.svc.Dispatch(ctx, connB, []byte(`{"msgid":3,"id":`+itoa(bob)+`}`))
	nodeA.svc.Dispatch(ctx, connA, frame)
	if n, _ := db.CountOffline(bob); n != 1 {
		t.Errorf("offline queue = %d after logout, want 1", n)
	}
}
