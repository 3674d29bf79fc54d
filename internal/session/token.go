package session

import (
	"context"
	"sync"
)

// fifoLock is the per-document serialization token. Unlike sync.Mutex
// it hands the lock to waiters in arrival order, so update order under
// contention is deterministic.
type fifoLock struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

func (l *fifoLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.locked {
		l.locked = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			// The lock was handed to us in the meantime; keep it so
			// ownership stays well defined.
			l.mu.Unlock()
			return nil
		default:
		}
		for i, waiter := range l.waiters {
			if waiter == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *fifoLock) Release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		// Ownership transfers directly to the head waiter; locked
		// stays true for the duration.
		close(next)
		return
	}
	l.locked = false
	l.mu.Unlock()
}
