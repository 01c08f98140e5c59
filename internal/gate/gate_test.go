package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestGate_BoundsConcurrency verifies that with max=2 and 10 eager workers,
// no more than 2 ever hold a slot at once.
func TestGate_BoundsConcurrency(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(ctx); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			g.Release()
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("Concurrency bound violated: peak %d holders with max=2", p)
	}
	if g.InUse() != 0 {
		t.Fatalf("Expected 0 holders after drain, got %d", g.InUse())
	}
}

// TestGate_FIFOAdmission verifies waiters are granted slots in arrival order.
func TestGate_FIFOAdmission(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Initial acquire failed: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		// Queue waiters one at a time so arrival order is deterministic.
		before := g.Waiting()
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := g.Acquire(ctx); err != nil {
				t.Errorf("Waiter %d failed: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			g.Release()
		}(i)
		waitFor(t, func() bool { return g.Waiting() == before+1 })
	}

	g.Release()
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("Expected FIFO order [0 1 2], got %v", order)
		}
	}
}

// TestGate_SetMaxWakesWaiters verifies raising the bound admits queued
// waiters immediately.
func TestGate_SetMaxWakesWaiters(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := g.Acquire(ctx); err != nil {
			t.Errorf("Waiter failed: %v", err)
		}
		close(done)
	}()
	waitFor(t, func() bool { return g.Waiting() == 1 })

	g.SetMax(2)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Raising max did not wake the queued waiter")
	}
	if g.InUse() != 2 {
		t.Fatalf("Expected 2 holders after SetMax(2), got %d", g.InUse())
	}
}

// TestGate_AcquireCancellation verifies a cancelled waiter leaves the queue
// and does not consume a slot.
func TestGate_AcquireCancellation(t *testing.T) {
	g := New(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- g.Acquire(ctx)
	}()
	waitFor(t, func() bool { return g.Waiting() == 1 })

	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled waiter never returned")
	}

	if g.Waiting() != 0 {
		t.Fatalf("Cancelled waiter still queued: %d waiting", g.Waiting())
	}
	g.Release()
	if g.InUse() != 0 {
		t.Fatalf("Expected 0 holders, got %d", g.InUse())
	}
}

// TestGate_LowerMaxDrainsNaturally verifies lowering the bound never evicts
// current holders.
func TestGate_LowerMaxDrainsNaturally(t *testing.T) {
	g := New(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := g.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}

	g.SetMax(1)
	if g.InUse() != 3 {
		t.Fatalf("Lowering max evicted holders: %d in use", g.InUse())
	}

	// Releases drain down; no waiter is admitted until under the new bound.
	errc := make(chan error, 1)
	go func() { errc <- g.Acquire(ctx) }()
	waitFor(t, func() bool { return g.Waiting() == 1 })

	g.Release()
	g.Release()
	if g.Waiting() != 1 {
		t.Fatalf("Waiter admitted while still over the lowered bound")
	}
	g.Release()
	if err := <-errc; err != nil {
		t.Fatalf("Waiter failed after drain: %v", err)
	}
	if g.InUse() != 1 {
		t.Fatalf("Expected 1 holder, got %d", g.InUse())
	}
	g.Release()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Condition not reached within deadline")
}
