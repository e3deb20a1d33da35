package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisPublishSubscribe(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	sub, err := DialRedis(ctx, RedisOptions{Addr: srv.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Close() }()
	pub, err := DialRedis(ctx, RedisOptions{Addr: srv.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = pub.Close() }()

	if err := sub.Subscribe(ctx, "chat:user:1"); err != nil {
		t.Fatal(err)
	}
	// Wait for the subscription to register on the server.
	deadline := time.Now().Add(2 * time.Second)
	for srv.PubSubNumSub("chat:user:1")["chat:user:1"] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := pub.Publish(ctx, "chat:user:1", []byte(`{"msgid":6}`)); err != nil {
		t.Fatal(err)
	}
	msg := receive(t, sub)
	if msg.Channel != "chat:user:1" || string(msg.Payload) != `{"msgid":6}` {
		t.Errorf("got %+v", msg)
	}
}

func TestRedisDialFailsWhenUnreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := DialRedis(ctx, RedisOptions{Addr: addr}); err == nil {
		t.Fatal("DialRedis() should fail when the server is down")
	}
}

func TestRedisConnectionLossClosesMessages(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	r, err := DialRedis(ctx, RedisOptions{Addr: srv.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	if err := r.Subscribe(ctx, "x"); err != nil {
		t.Fatal(err)
	}

	srv.Close()

	select {
	case _, ok := <-r.Messages():
		if ok {
			t.Error("expected closed channel after server shutdown")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("messages channel still open after server shutdown")
	}
	if r.Err() == nil {
		t.Error("Err() should report the connection failure")
	}
}

func TestRedisKeepaliveHealthyConnection(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	r, err := DialRedis(ctx, RedisOptions{Addr: srv.Addr(), PingInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	time.Sleep(300 * time.Millisecond)
	if err := r.Err(); err != nil {
		t.Fatalf("connection answering pings was torn down: %v", err)
	}
	if err := r.Subscribe(ctx, "chat:user:1"); err != nil {
		t.Errorf("Subscribe() after pings error = %v", err)
	}
}

// silentRedis answers every command on its first connection with PONG and
// never replies on later ones, like a subscribe socket whose peer vanished
// without closing it.
func silentRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for n := 0; ; n++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go func(answer bool) {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					if answer {
						if _, err := c.Write([]byte("+PONG\r\n")); err != nil {
							return
						}
					}
				}
			}(n == 0)
		}
	}()
	return ln.Addr().String()
}

func TestRedisKeepaliveDetectsSilentPeer(t *testing.T) {
	r, err := DialRedis(context.Background(), RedisOptions{Addr: silentRedis(t), PingInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	select {
	case _, ok := <-r.Messages():
		if ok {
			t.Error("expected closed channel after pings went unanswered")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("messages channel still open after pings went unanswered")
	}
	if !errors.Is(r.Err(), ErrPongTimeout) {
		t.Errorf("Err() = %v, want ErrPongTimeout", r.Err())
	}
}
