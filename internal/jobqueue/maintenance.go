package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Maintenance implements spec.md §4.7: periodic, batched archive and prune
// of terminal history. Operators must prune history before archiving —
// history rows reference job ids that no longer exist once a job is
// archived — and the maintenance loop (internal/engine) enforces that
// order.
type Maintenance struct {
	pool *pgxpool.Pool
}

func NewMaintenance(pool *pgxpool.Pool) *Maintenance {
	return &Maintenance{pool: pool}
}

// ArchiveSucceededOlderThan copies up to batch succeeded jobs older than
// cutoff into jobs_archive, then deletes the archived rows from jobs, in
// one transaction. Idempotent: re-running converges, since the dedup check
// is NOT EXISTS against jobs_archive.
func (m *Maintenance) ArchiveSucceededOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		WITH candidates AS (
			SELECT * FROM jobs
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		INSERT INTO jobs_archive (id, queue, job_type, dataset_id, payload, run_at, status, priority,
			max_attempts, dlq_reason_code, dlq_at, last_error_code, last_error_message,
			replay_of_job_id, created_at, updated_at)
		SELECT c.id, c.queue, c.job_type, c.dataset_id, c.payload, c.run_at, c.status, c.priority,
			c.max_attempts, c.dlq_reason_code, c.dlq_at, c.last_error_code, c.last_error_message,
			c.replay_of_job_id, c.created_at, c.updated_at
		FROM candidates c
		WHERE NOT EXISTS (SELECT 1 FROM jobs_archive a WHERE a.id = c.id)
	`, StatusSucceeded, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("insert into jobs_archive: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (SELECT id FROM jobs_archive) AND status = $1 AND updated_at < $2
	`, StatusSucceeded, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete archived jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive tx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteHistoryForSucceededOlderThan collects up to batch ids of succeeded
// jobs older than cutoff that still have attempt or policy-decision rows,
// and deletes those rows, returning the counts deleted from each table.
func (m *Maintenance) DeleteHistoryForSucceededOlderThan(ctx context.Context, cutoff time.Time, batch int) (attemptsDeleted, policyDeleted int64, err error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin history-prune tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM jobs WHERE status = $1 AND updated_at < $2
			AND (EXISTS (SELECT 1 FROM job_attempts a WHERE a.job_id = jobs.id)
				OR EXISTS (SELECT 1 FROM policy_decisions d WHERE d.job_id = jobs.id))
		ORDER BY updated_at ASC LIMIT $3
	`, StatusSucceeded, cutoff, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("select prune candidates: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan prune candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, tx.Commit(ctx)
	}

	attemptsTag, err := tx.Exec(ctx, `DELETE FROM job_attempts WHERE job_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("delete job_attempts: %w", err)
	}
	policyTag, err := tx.Exec(ctx, `DELETE FROM policy_decisions WHERE job_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("delete policy_decisions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit history-prune tx: %w", err)
	}
	return attemptsTag.RowsAffected(), policyTag.RowsAffected(), nil
}

// CutoffDays converts a retention window in days into an absolute cutoff
// instant, matching the grounding's cutoff_days helper.
func CutoffDays(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}
