package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestBus(t *testing.T) *Bus {
	t.Helper()
	s := miniredis.RunT(t)
	b, err := New("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := setupTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, "doc-1", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "doc-1", []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hello" {
			t.Fatalf("received %q, want hello", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestChannelsAreIsolatedPerDocument(t *testing.T) {
	b := setupTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, "doc-a", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "doc-b", []byte("other")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := b.Publish(ctx, "doc-a", []byte("mine")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "mine" {
			t.Fatalf("received %q, want mine", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishOrderIsPreservedWithinChannel(t *testing.T) {
	b := setupTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 10)
	sub, err := b.Subscribe(ctx, "doc-ordered", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	want := []string{"one", "two", "three"}
	for _, msg := range want {
		if err := b.Publish(ctx, "doc-ordered", []byte(msg)); err != nil {
			t.Fatalf("Publish(%s) error = %v", msg, err)
		}
	}

	for i, expected := range want {
		select {
		case payload := <-received:
			if string(payload) != expected {
				t.Fatalf("message %d = %q, want %q", i, payload, expected)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := setupTestBus(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, "doc-close", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Close is idempotent.
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := b.Publish(ctx, "doc-close", []byte("late")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		t.Fatalf("received %q after close", payload)
	case <-time.After(200 * time.Millisecond):
	}
}
