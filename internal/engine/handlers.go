package engine

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/emberqueue/ember/internal/jobqueue"
)

// NoopJobHandler succeeds immediately without touching the payload. Used by
// the CLI's demo and worker commands to exercise the lease/execute/retire
// path end to end without any domain-specific handler registered.
func NoopJobHandler(ctx context.Context, job *jobqueue.Job) error {
	return nil
}

// flakyRand is process-local: the demo has no need for a seeded, replayable
// sequence, only a visibly flaky one.
var flakyRand = rand.New(rand.NewSource(1))

// flakyFailureRate is the chance any given attempt fails. High enough that
// most flaky jobs are retried with backoff at least once, and that a flaky
// job with a small max_attempts often exhausts it and lands in the DLQ.
const flakyFailureRate = 0.7

// FlakyJobHandler fails most attempts with a retryable error and
// occasionally succeeds, so `ember demo` exercises retry, backoff, and DLQ
// instead of only the happy path NoopJobHandler takes.
func FlakyJobHandler(ctx context.Context, job *jobqueue.Job) error {
	if flakyRand.Float64() < flakyFailureRate {
		return fmt.Errorf("flaky handler: simulated transient failure for job %s", job.ID)
	}
	return nil
}
