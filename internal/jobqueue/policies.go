package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoliciesRepo reads and writes per-queue storm-control policy rows.
type PoliciesRepo struct {
	pool *pgxpool.Pool
}

func NewPoliciesRepo(pool *pgxpool.Pool) *PoliciesRepo {
	return &PoliciesRepo{pool: pool}
}

// GetPolicy returns the policy row for queue, or the unlimited default if
// absent.
func (r *PoliciesRepo) GetPolicy(ctx context.Context, queue string) (QueuePolicy, error) {
	var p QueuePolicy
	p.Queue = queue
	err := r.pool.QueryRow(ctx, `
		SELECT max_attempts_per_minute, max_in_flight, throttle_delay_ms
		FROM queue_policies WHERE queue = $1
	`, queue).Scan(&p.MaxAttemptsPerMinute, &p.MaxInFlight, &p.ThrottleDelayMs)
	if err == pgx.ErrNoRows {
		p.ThrottleDelayMs = defaultThrottleDelayMs
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("get queue_policies: %w", err)
	}
	return p, nil
}

// UpsertPolicy creates or replaces the policy row for p.Queue.
func (r *PoliciesRepo) UpsertPolicy(ctx context.Context, p QueuePolicy) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_policies (queue, max_attempts_per_minute, max_in_flight, throttle_delay_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue) DO UPDATE SET
			max_attempts_per_minute = excluded.max_attempts_per_minute,
			max_in_flight = excluded.max_in_flight,
			throttle_delay_ms = excluded.throttle_delay_ms
	`, p.Queue, p.MaxAttemptsPerMinute, p.MaxInFlight, p.ThrottleDelayMs)
	if err != nil {
		return fmt.Errorf("upsert queue_policies: %w", err)
	}
	return nil
}
