// Package gate bounds simultaneous in-flight provider calls. It is the single
// mechanism limiting parallelism; the rate limiter separately limits
// throughput. Admission is FIFO and the maximum is adjustable at runtime
// without evicting current holders.
package gate

import (
	"context"
	"sync"

	"hivemind/internal/logging"
)

// Gate is a counting gate with a mutable maximum.
type Gate struct {
	mu      sync.Mutex
	max     int
	inUse   int
	waiters []chan struct{} // FIFO; closed channel == slot granted
}

// New creates a gate admitting at most max concurrent holders.
func New(max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{max: max}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.max {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		// Not in the queue anymore: the grant raced with cancellation.
		// We hold a slot we will not use, so pass it on.
		g.releaseLocked()
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot and wakes the oldest waiter, if any.
func (g *Gate) Release() {
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
}

// releaseLocked transfers the freed slot to the oldest waiter when the gate
// is not over capacity, otherwise just decrements. Callers hold g.mu.
func (g *Gate) releaseLocked() {
	if g.inUse <= 0 {
		logging.Get(logging.CategoryScheduler).Error("Gate released more times than acquired")
		return
	}
	g.inUse--
	g.wakeLocked()
}

// wakeLocked grants slots to waiters while capacity allows.
func (g *Gate) wakeLocked() {
	for len(g.waiters) > 0 && g.inUse < g.max {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.inUse++
		close(ready)
	}
}

// SetMax changes the maximum. Raising it wakes queued waiters immediately;
// lowering it only affects future acquisitions.
func (g *Gate) SetMax(max int) {
	if max < 1 {
		max = 1
	}
	g.mu.Lock()
	g.max = max
	g.wakeLocked()
	g.mu.Unlock()
	logging.Scheduler("Concurrency gate max set to %d", max)
}

// InUse returns the number of current holders.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Max returns the current maximum.
func (g *Gate) Max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

// Waiting returns the number of queued waiters.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
