package core

import (
	"context"
	"sync"
	"sync/atomic"
)

// notWaitingMarker is set in the gate word while nobody waits on it.
// The count lives in the bits below it.
const notWaitingMarker uint64 = 1 << 40

// Gate lets exactly one goroutine block until a shared counter, typically
// "tasks still running", drops to zero.
//
// Any goroutine may Increment or Decrement. The decrement that takes the
// counter to zero while a waiter is registered issues the wakeup itself.
type Gate struct {
	counter atomic.Uint64

	mu      sync.Mutex
	cond    *sync.Cond
	waiting bool // a Wait call is parked or checking the count
}

// NewGate returns an armed gate with a count of zero.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	g.counter.Store(notWaitingMarker)
	return g
}

// Increment adds one to the counter.
func (g *Gate) Increment() {
	g.counter.Add(1)
}

// Decrement subtracts one from the counter and wakes the waiter when the
// count reaches zero.
func (g *Gate) Decrement() {
	for {
		old := g.counter.Load()
		assertf(old&(notWaitingMarker-1) != 0, "Gate.Decrement", "counter is already zero")
		if g.counter.CompareAndSwap(old, old-1) {
			if old-1 == 0 {
				g.Wakeup()
			}
			return
		}
	}
}

// Count returns the current count, without the waiter marker.
func (g *Gate) Count() int {
	return int(g.counter.Load() &^ notWaitingMarker)
}

// IsWaiting reports whether the gate is claimed by a waiter: a Wait is in
// progress, or one returned at zero and the gate was not rearmed.
func (g *Gate) IsWaiting() bool {
	return g.counter.Load()&notWaitingMarker == 0
}

// Wakeup notifies the waiter.
func (g *Gate) Wakeup() {
	// A waiter that saw a nonzero count is either still holding mu or is
	// already parked in cond.Wait. Passing through mu orders this notify
	// after its check, so the broadcast cannot be lost.
	g.mu.Lock()
	g.mu.Unlock() //nolint:staticcheck // SA2001
	g.cond.Broadcast()
}

// Wait blocks until the count reaches zero or ctx is done.
//
// Only one goroutine may wait per arm cycle; a second concurrent or
// repeated Wait without Rearm is a contract violation. If ctx ends first
// the gate is re-armed and ctx.Err() is returned.
func (g *Gate) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, g.Wakeup)
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	assertf(!g.IsWaiting(), "Gate.Wait", "gate is already being waited on")
	g.counter.And(^notWaitingMarker)
	g.waiting = true
	defer func() { g.waiting = false }()

	for g.counter.Load() != 0 {
		if err := ctx.Err(); err != nil {
			g.counter.Or(notWaitingMarker)
			return err
		}
		g.cond.Wait()
	}
	return nil
}

// Rearm prepares a gate whose Wait has returned for another wait cycle.
// Calling it while a Wait is still in progress is a contract violation.
func (g *Gate) Rearm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	assertf(!g.waiting, "Gate.Rearm", "gate is being waited on")
	g.counter.Or(notWaitingMarker)
}
