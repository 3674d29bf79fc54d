package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFifoLockBasicAcquireRelease(t *testing.T) {
	l := &fifoLock{}
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	l.Release()
}

func TestFifoLockGrantsInArrivalOrder(t *testing.T) {
	l := &fifoLock{}
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	const waiters = 5
	var mu sync.Mutex
	var order []int
	started := make(chan struct{})
	done := make(chan struct{})

	go func() {
		for i := 0; i < waiters; i++ {
			i := i
			ready := make(chan struct{})
			go func() {
				close(ready)
				if err := l.Acquire(context.Background()); err != nil {
					t.Errorf("waiter %d Acquire() error = %v", i, err)
					return
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				l.Release()
			}()
			<-ready
			// Give the goroutine time to enqueue before starting the
			// next one, so arrival order is known.
			time.Sleep(10 * time.Millisecond)
		}
		close(started)
	}()

	<-started
	l.Release()

	go func() {
		for {
			mu.Lock()
			n := len(order)
			mu.Unlock()
			if n == waiters {
				close(done)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all waiters")
	}

	for i := 0; i < waiters; i++ {
		if order[i] != i {
			t.Fatalf("grant order = %v, want FIFO", order)
		}
	}
}

func TestFifoLockAcquireHonorsCancel(t *testing.T) {
	l := &fifoLock{}
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Acquire() to fail after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire() did not return after cancel")
	}

	// The holder can still release and re-acquire; the cancelled
	// waiter must not have corrupted the queue.
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	l.Release()
}
