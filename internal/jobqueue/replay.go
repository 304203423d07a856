package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Replayer implements spec.md §4.6: clone a job row as a new job with
// lineage, never mutating the source.
type Replayer struct {
	pool *pgxpool.Pool
}

func NewReplayer(pool *pgxpool.Pool) *Replayer {
	return &Replayer{pool: pool}
}

// Replay reads the source job (in any status) and inserts a new queued job
// copying job_type/payload/priority/max_attempts, with the two optional
// overrides defaulting to the source's queue and now(). The source row is
// read inside the same transaction as the insert so the clone is atomic
// with the read.
func (rp *Replayer) Replay(ctx context.Context, jobID uuid.UUID, overrideQueue *string, overrideRunAt *time.Time) (*Job, error) {
	tx, err := rp.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	source, err := scanJob(tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1 FOR UPDATE`, jobColumns), jobID))
	if err != nil {
		return nil, fmt.Errorf("read source job: %w", err)
	}

	queue := source.Queue
	if overrideQueue != nil {
		queue = *overrideQueue
	}
	runAt := time.Now().UTC()
	if overrideRunAt != nil {
		runAt = *overrideRunAt
	}

	newID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, queue, job_type, dataset_id, payload, run_at, status, priority, max_attempts,
			replay_of_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
	`, newID, queue, source.JobType, source.DatasetID, source.Payload, runAt, StatusQueued,
		source.Priority, source.MaxAttempts, source.ID)
	if err != nil {
		return nil, fmt.Errorf("insert replay job: %w", err)
	}

	replayJob, err := scanJob(tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), newID))
	if err != nil {
		return nil, fmt.Errorf("read replay job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replay tx: %w", err)
	}
	return replayJob, nil
}
