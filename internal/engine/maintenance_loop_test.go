package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberqueue/ember/internal/jobqueue"
)

func TestMaintenanceLoopArchivesAfterPruningHistory(t *testing.T) {
	ctx := context.Background()
	pool := testDB(t)
	guard := jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig())
	repo := jobqueue.NewRepo(pool, guard)
	ledger := jobqueue.NewAttemptLedger(pool)
	outcome := jobqueue.NewOutcomeRunner(pool, ledger, jobqueue.DefaultRetryConfig())

	job, err := repo.Enqueue(ctx, jobqueue.EnqueueOptions{Queue: "default", JobType: "noop", Payload: []byte(`{}`)})
	require.NoError(t, err)

	attempt, err := ledger.StartAttempt(ctx, job, "test-worker")
	require.NoError(t, err)
	require.NoError(t, outcome.OnSuccess(ctx, job, attempt, "test-worker", 5))

	_, err = pool.Exec(ctx, "UPDATE jobs SET updated_at = now() - interval '60 days' WHERE id = $1", job.ID)
	require.NoError(t, err)

	maintenance := jobqueue.NewMaintenance(pool)
	cfg := DefaultMaintenanceConfig()
	cfg.Interval = 50 * time.Millisecond
	cfg.ArchiveAfterDays = 30
	cfg.PruneHistoryAfterDays = 30
	cfg.BatchSize = 100
	cfg.BatchesPerMinute = 0

	loop := NewMaintenanceLoop(maintenance, cfg)
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	loop.Run(runCtx)

	_, err = repo.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, jobqueue.ErrJobNotFound, "job should have been archived out of the jobs table")

	var archivedCount int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM jobs_archive WHERE id = $1", job.ID).Scan(&archivedCount))
	require.Equal(t, 1, archivedCount)

	var attemptCount int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM job_attempts WHERE job_id = $1", job.ID).Scan(&attemptCount))
	require.Equal(t, 0, attemptCount, "attempt history should have been pruned before archiving")
}
