package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("node.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStatusChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("broker.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStatusChanged})
	b.Publish(Event{Kind: "broker.chat:user:1"})

	select {
	case evt := <-ch:
		if evt.Kind != "broker.chat:user:1" {
			t.Errorf("got kind %q, want broker.chat:user:1", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("node.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindStatusChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	if dropped := b.Publish(Event{Kind: "test.one"}); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if dropped := b.Publish(Event{Kind: "test.two"}); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestDeliverWaitsForSpace(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})

	done := make(chan error, 1)
	go func() { done <- b.Deliver(context.Background(), Event{Kind: "test.two"}) }()

	if evt := <-ch; evt.Kind != "test.one" {
		t.Fatalf("got %q, want test.one", evt.Kind)
	}
	if err := <-done; err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if evt := <-ch; evt.Kind != "test.two" {
		t.Errorf("got %q, want test.two", evt.Kind)
	}
}

func TestDeliverHonorsContext(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("test.", 0)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Deliver(ctx, Event{Kind: "test.blocked"}); err == nil {
		t.Error("Deliver() should fail once the context expires")
	}
}
