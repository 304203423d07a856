package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/emberqueue/ember/internal/jobqueue"
	"github.com/emberqueue/ember/internal/migrate"
)

// testDB mirrors internal/jobqueue's own helper: it skips the test outright
// when no throwaway Postgres database is configured for the run.
func testDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("EMBER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EMBER_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, migrate.Migrate(context.Background(), pool))
	t.Cleanup(func() {
		pool.Exec(context.Background(), "TRUNCATE jobs, job_attempts, policy_decisions, ingest_decisions, queue_policies, enqueue_rate_counters, jobs_archive CASCADE")
	})
	return pool
}

func newTestEngine(pool *pgxpool.Pool, cfg Config) *Engine {
	ledger := jobqueue.NewAttemptLedger(pool)
	lease := jobqueue.NewLeaseEngine(pool)
	outcome := jobqueue.NewOutcomeRunner(pool, ledger, jobqueue.DefaultRetryConfig())
	reaper := jobqueue.NewReaper(pool)
	return New(lease, ledger, outcome, reaper, cfg)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = "test-worker"
	cfg.WorkerCount = 2
	cfg.LeaseSeconds = 5
	cfg.BatchSize = 16
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ReapInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestEngineRunsRegisteredHandlerToSuccess(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := jobqueue.NewRepo(pool, jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig()))

	job, err := repo.Enqueue(ctx, jobqueue.EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`)})
	require.NoError(t, err)

	e := newTestEngine(pool, testConfig())
	var handled int32
	e.RegisterHandler("noop", func(ctx context.Context, j *jobqueue.Job) error {
		handled++
		return nil
	})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	stats, err := e.Run(runCtx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Succeeded)
	require.EqualValues(t, 1, handled)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusSucceeded, got.Status)
}

func TestEngineRetriesFailingHandlerThenDLQs(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := jobqueue.NewRepo(pool, jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig()))

	maxAttempts := 2
	job, err := repo.Enqueue(ctx, jobqueue.EnqueueOptions{
		Queue: "default", JobType: "always-fails", Payload: []byte(`{}`), MaxAttempts: &maxAttempts,
	})
	require.NoError(t, err)

	cfg := testConfig()
	e := newTestEngine(pool, cfg)
	e.RegisterHandler("always-fails", func(ctx context.Context, j *jobqueue.Job) error {
		return errFailHandler
	})

	// Run repeatedly: each run leases whatever is due, and retries are
	// rescheduled into the future, so drive the clock forward between runs
	// rather than expecting one Run call to exhaust every attempt.
	for i := 0; i < maxAttempts; i++ {
		runCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		go func() {
			time.Sleep(400 * time.Millisecond)
			cancel()
		}()
		_, err := e.Run(runCtx)
		require.NoError(t, err)
		cancel()
		_, err = pool.Exec(ctx, "UPDATE jobs SET run_at = now() WHERE id = $1", job.ID)
		require.NoError(t, err)
	}

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusDLQ, got.Status)
	require.NotNil(t, got.DLQReasonCode)
	require.Equal(t, jobqueue.DLQReasonMaxAttemptsExceeded, *got.DLQReasonCode)
}

func TestEngineUnknownJobTypeIsNonRetryable(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := jobqueue.NewRepo(pool, jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig()))

	job, err := repo.Enqueue(ctx, jobqueue.EnqueueOptions{Queue: "default", JobType: "no-such-handler", Payload: []byte(`{}`)})
	require.NoError(t, err)

	e := newTestEngine(pool, testConfig())

	runCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	go func() {
		time.Sleep(400 * time.Millisecond)
		cancel()
	}()
	_, err = e.Run(runCtx)
	require.NoError(t, err)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusDLQ, got.Status)
	require.Equal(t, jobqueue.DLQReasonNonRetryable, *got.DLQReasonCode)
}

func TestEngineRecoversFromHandlerPanic(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := jobqueue.NewRepo(pool, jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig()))

	job, err := repo.Enqueue(ctx, jobqueue.EnqueueOptions{Queue: "default", JobType: "panics", Payload: []byte(`{}`)})
	require.NoError(t, err)

	e := newTestEngine(pool, testConfig())
	e.RegisterHandler("panics", func(ctx context.Context, j *jobqueue.Job) error {
		panic("boom")
	})

	runCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	go func() {
		time.Sleep(400 * time.Millisecond)
		cancel()
	}()
	stats, err := e.Run(runCtx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusQueued, got.Status, "a recovered panic should be retryable, not fatal to the worker")
	require.NotNil(t, got.LastErrorCode)
	require.Equal(t, jobqueue.ErrPanic, *got.LastErrorCode)
}

var errFailHandler = &handlerError{"handler failed"}

type handlerError struct{ msg string }

func (e *handlerError) Error() string { return e.msg }
