package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Reaper implements spec.md §4.5: reclaim leases whose deadline has passed.
// The attempt a dead worker opened is left running — it's an honest orphan
// in the ledger until a later attempt supersedes it; the timeline projector
// reports it as such rather than hiding it.
type Reaper struct {
	pool *pgxpool.Pool
}

func NewReaper(pool *pgxpool.Pool) *Reaper {
	return &Reaper{pool: pool}
}

// ReapExpiredLocks resets every running job whose lock_expires_at has
// passed back to queued with lease columns cleared, and returns the count
// of affected rows.
func (r *Reaper) ReapExpiredLocks(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, locked_at = NULL, locked_by = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE status = $2 AND lock_expires_at IS NOT NULL AND lock_expires_at < now()
	`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("reap expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
