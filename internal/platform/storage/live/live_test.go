package live

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeReceivesBroadcast(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := hub.Subscribe(ctx)
	hub.Broadcast()

	select {
	case <-signals:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestBroadcastCoalesces(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := hub.Subscribe(ctx)
	hub.Broadcast()
	hub.Broadcast()
	hub.Broadcast()

	select {
	case <-signals:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
	select {
	case <-signals:
		t.Fatal("expected coalesced signals to deliver at most once")
	default:
	}
}

func TestSubscribeClosesOnContextEnd(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	signals := hub.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-signals:
		if ok {
			// A pending signal may arrive first; the close must follow.
			if _, ok := <-signals; ok {
				t.Fatal("signal channel not closed after context end")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Broadcasting after removal must not panic or block.
	hub.Broadcast()
}

func TestPushLatestKeepsNewestValue(t *testing.T) {
	updates := make(chan int, 1)

	PushLatest(updates, 1)
	PushLatest(updates, 2)
	PushLatest(updates, 3)

	select {
	case value := <-updates:
		if value != 3 {
			t.Fatalf("value = %d, want 3", value)
		}
	default:
		t.Fatal("expected a pending value")
	}
}
