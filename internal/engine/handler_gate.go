package engine

import (
	"context"
	"sync"
)

// HandlerGate caps how many handlers one worker process runs concurrently,
// independent of and on top of the DB-level per-queue max_in_flight storm
// control in internal/jobqueue. Its limit is adjustable at runtime — an
// operator can turn HandlerConcurrency down on a live worker (e.g. to ease
// off a noisy neighbor) without restarting the process or touching
// queue_policies.
type HandlerGate struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	changed  chan struct{}
}

// NewHandlerGate builds a gate open to at most limit concurrent handler
// executions. limit is clamped to at least 1.
func NewHandlerGate(limit int) *HandlerGate {
	if limit < 1 {
		limit = 1
	}
	return &HandlerGate{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// Limit returns the current concurrency cap.
func (g *HandlerGate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InFlight returns the number of handlers currently holding the gate.
func (g *HandlerGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// SetLimit changes the concurrency cap, waking any Acquire callers that may
// now fit under the new limit.
func (g *HandlerGate) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	if g.limit == limit {
		g.mu.Unlock()
		return
	}
	g.limit = limit
	g.notifyLocked()
	g.mu.Unlock()
}

// Acquire blocks until a slot is free or ctx is canceled.
func (g *HandlerGate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.inFlight < g.limit {
			g.inFlight++
			g.mu.Unlock()
			return nil
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Release frees one slot, waking any blocked Acquire callers.
func (g *HandlerGate) Release() {
	g.mu.Lock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.notifyLocked()
	g.mu.Unlock()
}

func (g *HandlerGate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
