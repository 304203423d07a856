package jobqueue

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/emberqueue/ember/internal/migrate"
)

// testDB returns a migrated pool for integration tests, or skips if no
// Postgres is configured for this run — mirrored on the teacher's own
// tests, which assume a throwaway SQLite file is always available; here
// the throwaway resource is an opt-in Postgres database instead.
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

func newTestRepo(pool *pgxpool.Pool) *Repo {
	return NewRepo(pool, NewGuard(pool, DefaultGuardConfig()))
}

func TestExclusivityUnderRace(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	engine := NewLeaseEngine(pool)

	job, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`)})
	require.NoError(t, err)

	var (
		wg         sync.WaitGroup
		jobA, jobB *Job
		errA, errB error
	)
	wg.Add(2)
	go func() { defer wg.Done(); jobA, errA = engine.LeaseOne(ctx, "default", "worker-a", 30) }()
	go func() { defer wg.Done(); jobB, errB = engine.LeaseOne(ctx, "default", "worker-b", 30) }()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	// Exactly one of the two calls must have won the row.
	if jobA == nil && jobB == nil {
		t.Fatal("expected one of the two lease attempts to succeed")
	}
	if jobA != nil && jobB != nil {
		t.Fatal("expected only one lease attempt to succeed, both did")
	}
	winner := jobA
	if winner == nil {
		winner = jobB
	}
	require.Equal(t, job.ID, winner.ID)
}

func TestPriorityWithRunAt(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	engine := NewLeaseEngine(pool)

	now := time.Now().UTC()
	future := now.Add(30 * time.Second)
	pri0 := 0
	pri10 := 10
	pri100 := 100

	_, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`), Priority: &pri0, RunAt: &now})
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`), Priority: &pri10, RunAt: &now})
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`), Priority: &pri100, RunAt: &future})
	require.NoError(t, err)

	first, err := engine.LeaseOne(ctx, "default", "w", 30)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, 10, first.Priority)

	second, err := engine.LeaseOne(ctx, "default", "w", 30)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, 0, second.Priority)

	third, err := engine.LeaseOne(ctx, "default", "w", 30)
	require.NoError(t, err)
	require.Nil(t, third, "future-dated job must not be leasable yet")
}

func TestRetrySchedulesMonotonically(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	engine := NewLeaseEngine(pool)
	ledger := NewAttemptLedger(pool)
	cfg := RetryConfig{BaseSeconds: 1, MaxSeconds: 15, JitterPct: 0}
	runner := NewOutcomeRunner(pool, ledger, cfg)

	job, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`), MaxAttempts: intPtr(5)})
	require.NoError(t, err)

	leased, err := engine.LeaseOne(ctx, "default", "w", 30)
	require.NoError(t, err)
	require.NotNil(t, leased)
	attempt1, err := ledger.StartAttempt(ctx, leased, "w")
	require.NoError(t, err)
	require.NoError(t, runner.OnFailure(ctx, leased, attempt1, "w", 5, ErrTimeout, "boom", 1, 5))

	afterFirst, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, afterFirst.Status)
	firstDelay := afterFirst.RunAt.Sub(afterFirst.UpdatedAt)

	// Force the job runnable again and take a second attempt.
	_, err = pool.Exec(ctx, "UPDATE jobs SET run_at = now() WHERE id = $1", job.ID)
	require.NoError(t, err)

	leased2, err := engine.LeaseOne(ctx, "default", "w", 30)
	require.NoError(t, err)
	require.NotNil(t, leased2)
	attempt2, err := ledger.StartAttempt(ctx, leased2, "w")
	require.NoError(t, err)
	require.Equal(t, 2, attempt2.AttemptNo)
	require.NoError(t, runner.OnFailure(ctx, leased2, attempt2, "w", 5, ErrTimeout, "boom again", 2, 5))

	afterSecond, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	secondDelay := afterSecond.RunAt.Sub(afterSecond.UpdatedAt)
	require.Greater(t, secondDelay, firstDelay)
}

func TestExhaustedRetriesGoToDLQ(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	engine := NewLeaseEngine(pool)
	ledger := NewAttemptLedger(pool)
	runner := NewOutcomeRunner(pool, ledger, DefaultRetryConfig())

	job, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`), MaxAttempts: intPtr(2)})
	require.NoError(t, err)

	for attemptNo := 1; attemptNo <= 2; attemptNo++ {
		_, err = pool.Exec(ctx, "UPDATE jobs SET run_at = now() WHERE id = $1", job.ID)
		require.NoError(t, err)
		leased, err := engine.LeaseOne(ctx, "default", "w", 30)
		require.NoError(t, err)
		require.NotNil(t, leased)
		attempt, err := ledger.StartAttempt(ctx, leased, "w")
		require.NoError(t, err)
		require.NoError(t, runner.OnFailure(ctx, leased, attempt, "w", 5, ErrTimeout, "boom", attemptNo, 2))
	}

	final, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDLQ, final.Status)
	require.NotNil(t, final.DLQReasonCode)
	require.Equal(t, DLQReasonMaxAttemptsExceeded, *final.DLQReasonCode)

	attempts, err := ledger.ListForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
}

func TestNonRetryableClassifiesImmediately(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	engine := NewLeaseEngine(pool)
	ledger := NewAttemptLedger(pool)
	runner := NewOutcomeRunner(pool, ledger, DefaultRetryConfig())

	job, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`), MaxAttempts: intPtr(25)})
	require.NoError(t, err)

	leased, err := engine.LeaseOne(ctx, "default", "w", 30)
	require.NoError(t, err)
	attempt, err := ledger.StartAttempt(ctx, leased, "w")
	require.NoError(t, err)
	require.NoError(t, runner.OnFailure(ctx, leased, attempt, "w", 5, ErrBadPayload, "bad json", 1, 25))

	final, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDLQ, final.Status)
	require.Equal(t, DLQReasonNonRetryable, *final.DLQReasonCode)
}

func TestStormControlThrottles(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	engine := NewLeaseEngine(pool)
	policies := NewPoliciesRepo(pool)

	zero := 0
	require.NoError(t, policies.UpsertPolicy(ctx, QueuePolicy{Queue: "throttled", MaxInFlight: &zero, ThrottleDelayMs: 250}))

	job, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "throttled", JobType: "noop", Payload: []byte(`{}`)})
	require.NoError(t, err)

	before, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)

	leased, err := engine.LeaseOne(ctx, "throttled", "w", 30)
	require.NoError(t, err)
	require.Nil(t, leased)

	tl := NewTimelineProjector(pool, NewAttemptLedger(pool))
	timeline, err := tl.BuildTimeline(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, timeline.Story, 1)
	require.Equal(t, DecisionThrottled, timeline.Story[0].Decision)
	require.Equal(t, ReasonInFlightExceeded, timeline.Story[0].ReasonCode)

	after, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, after.RunAt.After(before.RunAt))
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	engine := NewLeaseEngine(pool)
	ledger := NewAttemptLedger(pool)
	reaper := NewReaper(pool)

	job, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`)})
	require.NoError(t, err)

	leased, err := engine.LeaseOne(ctx, "default", "worker-a", 1)
	require.NoError(t, err)
	require.NotNil(t, leased)
	_, err = ledger.StartAttempt(ctx, leased, "worker-a")
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)

	reaped, err := reaper.ReapExpiredLocks(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), reaped)

	relet, err := engine.LeaseOne(ctx, "default", "worker-b", 30)
	require.NoError(t, err)
	require.NotNil(t, relet)
	require.Equal(t, job.ID, relet.ID)

	attempt2, err := ledger.StartAttempt(ctx, relet, "worker-b")
	require.NoError(t, err)
	require.Equal(t, 2, attempt2.AttemptNo)
}

func TestPayloadTooLargeDeniesAndAudits(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	cfg := DefaultGuardConfig()
	cfg.MaxPayloadBytes = 8
	repo := NewRepo(pool, NewGuard(pool, cfg))

	_, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{"a":"too big for the cap"}`)})
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT count(*) FROM ingest_decisions WHERE reason_code = $1", ReasonPayloadTooLarge,
	).Scan(&count))
	require.Equal(t, 1, count)
}

func TestReplayPreservesLineageAndLeavesSourceUntouched(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	repo := newTestRepo(pool)
	replayer := NewReplayer(pool)

	payload, _ := json.Marshal(map[string]string{"k": "v"})
	source, err := repo.Enqueue(ctx, EnqueueOptions{Queue: "default", JobType: "noop", Payload: payload})
	require.NoError(t, err)

	clone, err := replayer.Replay(ctx, source.ID, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, source.ID, clone.ID)
	require.NotNil(t, clone.ReplayOfJobID)
	require.Equal(t, source.ID, *clone.ReplayOfJobID)
	require.Equal(t, StatusQueued, clone.Status)
	require.JSONEq(t, string(payload), string(clone.Payload))

	stillSource, err := repo.GetJob(ctx, source.ID)
	require.NoError(t, err)
	require.Equal(t, source.Status, stillSource.Status)
}

func intPtr(v int) *int { return &v }
