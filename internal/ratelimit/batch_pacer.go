package ratelimit

import (
	"context"
	"sync"
	"time"
)

// BatchPacer enforces a smooth, non-bursty rate between consecutive
// maintenance batches.
//
// It schedules each caller at least `interval` after the prior scheduled
// call, even under heavy concurrency. internal/engine's MaintenanceLoop
// uses this to spread a large archive/prune backlog evenly across a minute
// instead of hammering the pool with back-to-back batches the instant the
// retention window opens.
type BatchPacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewBatchPacer builds a pacer that admits at most batchesPerMinute calls
// per minute. batchesPerMinute <= 0 disables pacing (Wait is then a no-op,
// including on a nil *BatchPacer).
func NewBatchPacer(batchesPerMinute int) *BatchPacer {
	if batchesPerMinute <= 0 {
		return nil
	}
	interval := time.Minute / time.Duration(batchesPerMinute)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return &BatchPacer{interval: interval}
}

// Wait blocks until the next batch slot opens, or ctx is canceled.
func (p *BatchPacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	now := time.Now()
	if p.next.IsZero() || p.next.Before(now) {
		p.next = now
	}
	wait := p.next.Sub(now)
	p.next = p.next.Add(p.interval)
	p.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
