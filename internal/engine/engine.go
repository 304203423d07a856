// Package engine runs the worker-side lease/execute/retry loop: a fixed
// pool of goroutines pulling leased jobs off the database and handing them
// to user-registered handlers, plus the reaper ticker that reclaims
// abandoned leases. The shape — scheduler goroutine, worker goroutines,
// a ticker goroutine, graceful shutdown with a timeout — follows the
// teacher's own engine.Run loop; what changed is the backing store (leases
// now come from Postgres via internal/jobqueue) and the addition of a
// second, adjustable concurrency cap — the worker-local HandlerGate in
// handler_gate.go — layered on top of the DB-level storm control.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/emberqueue/ember/internal/jobqueue"
	"github.com/emberqueue/ember/internal/metrics"
)

// JobHandler executes one job. Handlers must be idempotent: execution is
// at-least-once, and a crashed worker's lease will be reaped and retried
// elsewhere.
type JobHandler func(ctx context.Context, job *jobqueue.Job) error

// Config configures one worker process.
type Config struct {
	Queue           string
	WorkerID        string
	WorkerCount     int
	LeaseSeconds    int
	BatchSize       int
	PollInterval    time.Duration
	ReapInterval    time.Duration
	ShutdownTimeout time.Duration
	// HandlerConcurrency, if > 0, caps concurrent handler executions across
	// the whole worker process via a HandlerGate, independent of the
	// DB-level per-queue max_in_flight storm control. 0 means WorkerCount.
	HandlerConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Queue:           "default",
		WorkerCount:     10,
		LeaseSeconds:    10,
		BatchSize:       256,
		PollInterval:    250 * time.Millisecond,
		ReapInterval:    5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Stats summarizes one Run call's outcome, surfaced by `ember worker` and
// `ember demo`.
type Stats struct {
	Succeeded int
	Failed    int
	DLQ       int
	Skipped   int
}

// Engine wires the lease engine, attempt ledger, outcome runner, and
// reaper against a handler registry.
type Engine struct {
	lease   *jobqueue.LeaseEngine
	ledger  *jobqueue.AttemptLedger
	outcome *jobqueue.OutcomeRunner
	reaper  *jobqueue.Reaper

	handlers  map[string]JobHandler
	config    Config
	gate      *HandlerGate
	collector *metrics.Collector
}

func New(lease *jobqueue.LeaseEngine, ledger *jobqueue.AttemptLedger, outcome *jobqueue.OutcomeRunner, reaper *jobqueue.Reaper, cfg Config) *Engine {
	concurrency := cfg.HandlerConcurrency
	if concurrency <= 0 {
		concurrency = cfg.WorkerCount
	}
	return &Engine{
		lease:    lease,
		ledger:   ledger,
		outcome:  outcome,
		reaper:   reaper,
		handlers: make(map[string]JobHandler),
		config:   cfg,
		gate:     NewHandlerGate(concurrency),
	}
}

// RegisterHandler registers a handler for jobType.
func (e *Engine) RegisterHandler(jobType string, handler JobHandler) {
	e.handlers[jobType] = handler
}

// SetCollector attaches a metrics collector so the lease/execute/retry loop
// records ember_jobs_leased_total, ember_jobs_succeeded_total,
// ember_jobs_failed_total, ember_jobs_dlq_total, and
// ember_reaped_leases_total. Optional — an Engine with no collector skips
// recording entirely, which is how engine_test.go exercises the loop without
// standing up a registry.
func (e *Engine) SetCollector(c *metrics.Collector) {
	e.collector = c
	e.lease.SetCollector(c)
}

// HandlerGate exposes the worker-local concurrency cap so operators can
// tune it at runtime (e.g. from an admin endpoint) without restarting
// workers.
func (e *Engine) HandlerGate() *HandlerGate { return e.gate }

// Run starts the reaper ticker and the worker pool, and blocks until ctx is
// canceled. On cancellation it stops accepting new jobs and waits (up to
// ShutdownTimeout) for in-flight handlers to finish.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var statsMu sync.Mutex

	reapTicker := time.NewTicker(e.config.ReapInterval)
	defer reapTicker.Stop()

	if n, err := e.reaper.ReapExpiredLocks(ctx); err != nil {
		log.Printf("failed to reap expired locks on startup: %v", err)
	} else if n > 0 {
		log.Printf("reaped %d expired locks on startup", n)
		if e.collector != nil {
			e.collector.RecordReapedLeases(n)
		}
	}

	var wg sync.WaitGroup
	reapDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				close(reapDone)
				return
			case <-reapTicker.C:
				if n, err := e.reaper.ReapExpiredLocks(ctx); err != nil {
					log.Printf("failed to reap expired locks: %v", err)
				} else if n > 0 {
					log.Printf("reaped %d expired locks", n)
					if e.collector != nil {
						e.collector.RecordReapedLeases(n)
					}
				}
			}
		}
	}()

	workChan := make(chan *jobqueue.Job, e.config.WorkerCount*2)

	for i := 0; i < e.config.WorkerCount; i++ {
		wg.Add(1)
		go func(workerN int) {
			defer wg.Done()
			e.worker(ctx, workerN, workChan, stats, &statsMu)
		}(i)
	}

	schedulerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(workChan)
		defer close(schedulerDone)
		e.schedule(ctx, workChan)
	}()

	<-schedulerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("shutdown timeout exceeded, some jobs may not have completed")
	}

	return stats, nil
}

func (e *Engine) schedule(ctx context.Context, workChan chan<- *jobqueue.Job) {
	for {
		if ctx.Err() != nil {
			return
		}

		jobs, err := e.lease.LeaseBatch(ctx, e.config.Queue, e.config.WorkerID, e.config.LeaseSeconds, e.config.BatchSize)
		if errors.Is(err, jobqueue.ErrMixedDataset) {
			// Fall back to single-job leases for this tick: the batch spans
			// more than one dataset_id and must not be split silently.
			job, oneErr := e.lease.LeaseOne(ctx, e.config.Queue, e.config.WorkerID, e.config.LeaseSeconds)
			if oneErr != nil {
				log.Printf("failed to lease job after mixed-dataset batch: %v", oneErr)
				time.Sleep(e.config.PollInterval)
				continue
			}
			if job != nil {
				jobs = []*jobqueue.Job{job}
			}
			err = nil
		}
		if err != nil {
			log.Printf("failed to lease jobs: %v", err)
			time.Sleep(e.config.PollInterval)
			continue
		}

		if len(jobs) == 0 {
			time.Sleep(e.config.PollInterval)
			continue
		}

		for _, job := range jobs {
			if e.collector != nil {
				e.collector.RecordLease(job.Queue)
			}
			select {
			case <-ctx.Done():
				return
			case workChan <- job:
			}
		}
	}
}

func (e *Engine) worker(ctx context.Context, workerN int, workChan <-chan *jobqueue.Job, stats *Stats, statsMu *sync.Mutex) {
	for job := range workChan {
		if ctx.Err() != nil {
			return
		}
		e.process(ctx, workerN, job, stats, statsMu)
	}
}

func (e *Engine) process(ctx context.Context, workerN int, job *jobqueue.Job, stats *Stats, statsMu *sync.Mutex) {
	if err := e.gate.Acquire(ctx); err != nil {
		return
	}
	defer e.gate.Release()

	attempt, err := e.ledger.StartAttempt(ctx, job, e.config.WorkerID)
	if err != nil {
		log.Printf("worker %d: failed to start attempt for job %s: %v", workerN, job.ID, err)
		return
	}

	handler, ok := e.handlers[job.JobType]
	if !ok {
		e.fail(ctx, workerN, job, attempt, stats, statsMu, 0, jobqueue.ErrUnknownJobType,
			fmt.Sprintf("no handler registered for job_type %q", job.JobType))
		return
	}

	deadline := time.Duration(e.config.LeaseSeconds) * time.Second
	if deadline > time.Second {
		deadline -= time.Second
	}
	handlerCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	handlerErr := runHandler(handlerCtx, handler, job)
	latencyMs := time.Since(start).Milliseconds()

	if handlerErr != nil {
		code := jobqueue.ErrUnknown
		var pe *panicError
		switch {
		case errors.As(handlerErr, &pe):
			code = jobqueue.ErrPanic
		case handlerCtx.Err() == context.DeadlineExceeded:
			code = jobqueue.ErrTimeout
		}
		e.fail(ctx, workerN, job, attempt, stats, statsMu, latencyMs, code, handlerErr.Error())
		return
	}

	if err := e.outcome.OnSuccess(ctx, job, attempt, e.config.WorkerID, latencyMs); err != nil {
		log.Printf("worker %d: failed to mark job %s succeeded: %v", workerN, job.ID, err)
		return
	}
	statsMu.Lock()
	stats.Succeeded++
	statsMu.Unlock()
	if e.collector != nil {
		e.collector.RecordSucceeded(job.Queue, float64(latencyMs)/1000)
	}
}

func (e *Engine) fail(ctx context.Context, workerN int, job *jobqueue.Job, attempt *jobqueue.JobAttempt, stats *Stats, statsMu *sync.Mutex, latencyMs int64, code, message string) {
	attemptNo := attempt.AttemptNo
	if err := e.outcome.OnFailure(ctx, job, attempt, e.config.WorkerID, latencyMs, code, message, attemptNo, job.MaxAttempts); err != nil {
		log.Printf("worker %d: failed to record failure for job %s: %v", workerN, job.ID, err)
		return
	}
	dlq := jobqueue.ClassifyError(code) == jobqueue.ClassNonRetryable || attemptNo >= job.MaxAttempts
	statsMu.Lock()
	if dlq {
		stats.DLQ++
	} else {
		stats.Failed++
	}
	statsMu.Unlock()

	if e.collector == nil {
		return
	}
	latencySeconds := float64(latencyMs) / 1000
	if dlq {
		dlqReason := jobqueue.DLQReasonMaxAttemptsExceeded
		if jobqueue.ClassifyError(code) == jobqueue.ClassNonRetryable {
			dlqReason = jobqueue.DLQReasonNonRetryable
		}
		e.collector.RecordDLQ(job.Queue, dlqReason)
		return
	}
	e.collector.RecordFailed(job.Queue, latencySeconds)
}

// panicError wraps a recovered handler panic so the caller can distinguish
// it from an ordinary returned error without string-matching.
type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }

// runHandler recovers a panicking handler and reports it as a PANIC error,
// rather than taking the whole worker process down with it.
func runHandler(ctx context.Context, handler JobHandler, job *jobqueue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return handler(ctx, job)
}
