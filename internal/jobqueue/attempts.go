package jobqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptLedger implements spec.md §4.3: monotonic per-job attempt rows,
// opened on lease and closed on outcome.
type AttemptLedger struct {
	pool *pgxpool.Pool
}

func NewAttemptLedger(pool *pgxpool.Pool) *AttemptLedger {
	return &AttemptLedger{pool: pool}
}

func scanAttempt(row pgx.Row) (*JobAttempt, error) {
	var a JobAttempt
	err := row.Scan(&a.ID, &a.JobID, &a.DatasetID, &a.AttemptNo, &a.StartedAt, &a.FinishedAt,
		&a.Status, &a.ErrorCode, &a.ErrorMessage, &a.LatencyMs, &a.WorkerID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const attemptColumns = `id, job_id, dataset_id, attempt_no, started_at, finished_at, status, error_code, error_message, latency_ms, worker_id`

// StartAttempt opens a new attempt for job. attempt_no is assigned inside
// the same INSERT as `COALESCE(MAX(attempt_no), 0) + 1`, so there is no
// separate select/insert round trip. The statement runs on its own, after
// the lease transaction has committed, and takes no lock on the job row:
// two concurrent StartAttempt calls for one job compute the same number,
// and the UNIQUE (job_id, attempt_no) constraint makes one of them fail.
func (l *AttemptLedger) StartAttempt(ctx context.Context, job *Job, workerID string) (*JobAttempt, error) {
	row := l.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO job_attempts (id, job_id, dataset_id, attempt_no, started_at, status, worker_id)
		VALUES ($1, $2, $3,
			COALESCE((SELECT MAX(attempt_no) FROM job_attempts WHERE job_id = $2), 0) + 1,
			now(), $4, $5)
		RETURNING %s
	`, attemptColumns), uuid.New(), job.ID, job.DatasetID, AttemptRunning, workerID)

	attempt, err := scanAttempt(row)
	if err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	return attempt, nil
}

// FinishSucceeded closes attemptID as succeeded.
func (l *AttemptLedger) FinishSucceeded(ctx context.Context, attemptID uuid.UUID, latencyMs int64) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE job_attempts SET status = $2, finished_at = now(), latency_ms = $3
		WHERE id = $1
	`, attemptID, AttemptSucceeded, latencyMs)
	if err != nil {
		return fmt.Errorf("finish_succeeded: %w", err)
	}
	return nil
}

// FinishFailed closes attemptID as failed with the classified error.
func (l *AttemptLedger) FinishFailed(ctx context.Context, attemptID uuid.UUID, latencyMs int64, errorCode, errorMessage string) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE job_attempts SET status = $2, finished_at = now(), latency_ms = $3,
			error_code = $4, error_message = $5
		WHERE id = $1
	`, attemptID, AttemptFailed, latencyMs, errorCode, errorMessage)
	if err != nil {
		return fmt.Errorf("finish_failed: %w", err)
	}
	return nil
}

// ListForJob returns every attempt for jobID ordered by attempt_no, used by
// the timeline projector.
func (l *AttemptLedger) ListForJob(ctx context.Context, jobID uuid.UUID) ([]*JobAttempt, error) {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM job_attempts WHERE job_id = $1 ORDER BY attempt_no ASC
	`, attemptColumns), jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*JobAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
