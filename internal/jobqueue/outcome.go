package jobqueue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutcomeRunner reconciles an attempt's result with the owning job's state,
// implementing spec.md §4.4: classify, retry-with-backoff, or DLQ.
type OutcomeRunner struct {
	pool    *pgxpool.Pool
	ledger  *AttemptLedger
	retryCfg RetryConfig
	rng     *rand.Rand
}

func NewOutcomeRunner(pool *pgxpool.Pool, ledger *AttemptLedger, retryCfg RetryConfig) *OutcomeRunner {
	return &OutcomeRunner{
		pool:     pool,
		ledger:   ledger,
		retryCfg: retryCfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnSuccess closes the attempt as succeeded and marks the job succeeded,
// guarded by locked_by = workerID. If the guard doesn't match (the lease
// was reaped out from under this worker), the update is a no-op by design
// — the reaped copy will be retried by whoever leases it next.
func (r *OutcomeRunner) OnSuccess(ctx context.Context, job *Job, attempt *JobAttempt, workerID string, latencyMs int64) error {
	if err := r.ledger.FinishSucceeded(ctx, attempt.ID, latencyMs); err != nil {
		return err
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, locked_by = NULL, locked_at = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND locked_by = $3 AND status = $4
	`, job.ID, StatusSucceeded, workerID, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	return nil
}

// OnFailure closes the attempt as failed, classifies errorCode, and either
// reschedules the job for retry with backoff or moves it to the DLQ, all
// guarded by locked_by = workerID.
func (r *OutcomeRunner) OnFailure(ctx context.Context, job *Job, attempt *JobAttempt, workerID string, latencyMs int64, errorCode, errorMessage string, attemptNo, maxAttempts int) error {
	if err := r.ledger.FinishFailed(ctx, attempt.ID, latencyMs, errorCode, errorMessage); err != nil {
		return err
	}

	class := ClassifyError(errorCode)
	canRetry := class == ClassRetryable && attemptNo < maxAttempts

	if canRetry {
		delaySeconds := NextDelaySeconds(attemptNo, r.retryCfg, r.rng)
		_, err := r.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, run_at = now() + ($3 * interval '1 second'),
				locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
				last_error_code = $4, last_error_message = $5, updated_at = now()
			WHERE id = $1 AND locked_by = $6 AND status = $7
		`, job.ID, StatusQueued, delaySeconds, errorCode, errorMessage, workerID, StatusRunning)
		if err != nil {
			return fmt.Errorf("reschedule job for retry: %w", err)
		}
		return nil
	}

	dlqReason := DLQReasonMaxAttemptsExceeded
	if class == ClassNonRetryable {
		dlqReason = DLQReasonNonRetryable
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, dlq_reason_code = $3, dlq_at = now(),
			locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
			last_error_code = $4, last_error_message = $5, updated_at = now()
		WHERE id = $1 AND locked_by = $6 AND status = $7
	`, job.ID, StatusDLQ, dlqReason, errorCode, errorMessage, workerID, StatusRunning)
	if err != nil {
		return fmt.Errorf("move job to dlq: %w", err)
	}
	return nil
}
