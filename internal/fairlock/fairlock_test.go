package fairlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoMutualExclusion(t *testing.T) {
	var lock Lock
	var inside atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.Do(func() error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Fatalf("expected at most one holder, observed %d", got)
	}
}

func TestDoFIFOOrder(t *testing.T) {
	var lock Lock

	// Park a holder so every subsequent caller has to queue.
	holding := make(chan struct{})
	proceed := make(chan struct{})
	go func() {
		_ = lock.Do(func() error {
			close(holding)
			<-proceed
			return nil
		})
	}()
	<-holding

	const n = 10
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = lock.Do(func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Serialize enqueue so arrival order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}

	close(proceed)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestDoReleasesOnError(t *testing.T) {
	var lock Lock
	boom := errors.New("boom")

	if err := lock.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	// A failing section must not leak the lock to the next caller.
	done := make(chan struct{})
	go func() {
		_ = lock.Do(func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock leaked after failing critical section")
	}
}

func TestDoReleasesOnPanic(t *testing.T) {
	var lock Lock

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = lock.Do(func() error { panic("boom") })
	}()

	if err := lock.Do(func() error { return nil }); err != nil {
		t.Fatalf("lock unusable after panic: %v", err)
	}
}

func TestAcquireContextCancelWhileQueued(t *testing.T) {
	var lock Lock

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	release()
	release() // second call is a no-op

	// The abandoned slot must not wedge the queue.
	release2, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after abandon: %v", err)
	}
	release2()
}
