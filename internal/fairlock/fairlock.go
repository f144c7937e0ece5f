// Package fairlock provides a FIFO-fair mutual exclusion primitive for
// serializing work that spans suspension points (process I/O, timed waits).
//
// Unlike sync.Mutex, waiters are granted the lock in the order they asked
// for it, and the lock can be held across arbitrary blocking calls inside
// the guarded function. The lock is non-reentrant: acquiring it again from
// inside a guarded section deadlocks.
package fairlock

import (
	"context"
	"sync"
)

// Lock is a FIFO-fair mutex. The zero value is ready to use.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Do runs fn while holding the lock. Concurrent callers queue and run
// strictly in arrival order. The lock is released exactly once when fn
// returns, whether it returns nil, an error, or panics; fn's error is
// returned to its own caller only. A fn that never returns starves all
// waiters; bounding fn is the caller's responsibility.
func (l *Lock) Do(fn func() error) error {
	l.acquire()
	defer l.release()
	return fn()
}

// Acquire waits for the lock, honoring ctx while queued. It returns a
// release function that is safe to call more than once; only the first
// call releases. If ctx expires before the lock is granted the queue
// slot is abandoned and later waiters are unaffected.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	ch, granted := l.enqueue()
	if granted {
		return l.releaseOnce(), nil
	}
	select {
	case <-ch:
		return l.releaseOnce(), nil
	case <-ctx.Done():
		if l.abandon(ch) {
			return nil, ctx.Err()
		}
		// Grant raced the cancellation; pass the lock on.
		l.release()
		return nil, ctx.Err()
	}
}

func (l *Lock) acquire() {
	ch, granted := l.enqueue()
	if granted {
		return
	}
	<-ch
}

// enqueue either takes the lock immediately (true) or returns a channel
// closed when this waiter's turn arrives.
func (l *Lock) enqueue() (chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		return nil, true
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	return ch, false
}

// release hands the lock to the oldest waiter, or frees it.
func (l *Lock) release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(next)
		return
	}
	l.held = false
	l.mu.Unlock()
}

// abandon removes a still-queued waiter. Returns false when the waiter
// was already granted the lock.
func (l *Lock) abandon(ch chan struct{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Lock) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(l.release)
	}
}
