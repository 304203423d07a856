package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emberqueue/ember/internal/metrics"
)

// LeaseEngine implements spec.md §4.2: select a runnable job (or a batch of
// same-dataset jobs), enforce per-queue storm control, and grant exclusive,
// time-bounded ownership via a single transaction per call.
type LeaseEngine struct {
	pool      *pgxpool.Pool
	collector *metrics.Collector
}

func NewLeaseEngine(pool *pgxpool.Pool) *LeaseEngine {
	return &LeaseEngine{pool: pool}
}

// SetCollector attaches a metrics collector so storm-control throttle
// decisions show up as ember_policy_throttled_total. Optional — a
// LeaseEngine with no collector skips recording entirely.
func (e *LeaseEngine) SetCollector(c *metrics.Collector) {
	e.collector = c
}

func loadPolicy(ctx context.Context, tx pgx.Tx, queue string) (QueuePolicy, error) {
	var p QueuePolicy
	p.Queue = queue
	err := tx.QueryRow(ctx, `
		SELECT max_attempts_per_minute, max_in_flight, throttle_delay_ms
		FROM queue_policies WHERE queue = $1
	`, queue).Scan(&p.MaxAttemptsPerMinute, &p.MaxInFlight, &p.ThrottleDelayMs)
	if err == pgx.ErrNoRows {
		// Absent row: effectively unlimited, default throttle step.
		p.ThrottleDelayMs = defaultThrottleDelayMs
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("load queue_policies: %w", err)
	}
	return p, nil
}

// queryRower is satisfied by both pgxpool.Pool and pgx.Tx, so countInFlight
// can run either inside the lease transaction or standalone from the
// metrics projector without duplicating the query.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countInFlight(ctx context.Context, db queryRower, queue string) (int64, error) {
	var n int64
	err := db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE queue = $1 AND status = $2`,
		queue, StatusRunning).Scan(&n)
	return n, err
}

func countAttemptsLastMinute(ctx context.Context, tx pgx.Tx, queue string) (int64, error) {
	var n int64
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM job_attempts a
		JOIN jobs j ON j.id = a.job_id
		WHERE j.queue = $1 AND a.started_at >= now() - interval '60 seconds'
	`, queue).Scan(&n)
	return n, err
}

// throttle writes a THROTTLED policy-decision row for candidate and nudges
// its run_at forward by exactly throttleDelayMs — a single, non-compounding
// step per spec.md §4.2.
func throttle(ctx context.Context, tx pgx.Tx, candidate *Job, throttleDelayMs int, reasonCode string, details map[string]any) error {
	detailsJSON, _ := json.Marshal(details)
	if _, err := tx.Exec(ctx, `
		INSERT INTO policy_decisions (id, job_id, dataset_id, decision, reason_code, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, uuid.New(), candidate.ID, candidate.DatasetID, DecisionThrottled, reasonCode, detailsJSON); err != nil {
		return fmt.Errorf("insert policy_decisions: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET run_at = now() + ($2 * interval '1 millisecond'), updated_at = now()
		WHERE id = $1
	`, candidate.ID, throttleDelayMs); err != nil {
		return fmt.Errorf("reschedule throttled job: %w", err)
	}
	return nil
}

// LeaseOne selects a single runnable job for queue, applies storm control,
// and either grants a lease or returns (nil, nil) if none is currently
// leasable (throttled, or none runnable).
func (e *LeaseEngine) LeaseOne(ctx context.Context, queue, workerID string, leaseSeconds int) (*Job, error) {
	jobs, err := e.lease(ctx, queue, workerID, leaseSeconds, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// LeaseBatch leases up to maxN runnable jobs for queue in one transaction.
// All returned jobs share one dataset_id; if a scan would otherwise span
// more than one dataset, the batch fails atomically with ErrMixedDataset
// rather than silently splitting across datasets.
func (e *LeaseEngine) LeaseBatch(ctx context.Context, queue, workerID string, leaseSeconds, maxN int) ([]*Job, error) {
	return e.lease(ctx, queue, workerID, leaseSeconds, maxN)
}

func (e *LeaseEngine) lease(ctx context.Context, queue, workerID string, leaseSeconds, maxN int) ([]*Job, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback(ctx)

	policy, err := loadPolicy(ctx, tx, queue)
	if err != nil {
		return nil, err
	}

	inFlight, err := countInFlight(ctx, tx, queue)
	if err != nil {
		return nil, fmt.Errorf("count in_flight: %w", err)
	}
	attemptsLastMin, err := countAttemptsLastMinute(ctx, tx, queue)
	if err != nil {
		return nil, fmt.Errorf("count attempts_last_min: %w", err)
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE queue = $1 AND status = $2 AND run_at <= now()
		ORDER BY priority DESC, run_at ASC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, jobColumns), queue, StatusQueued, maxN)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}

	var candidates []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate scan: %w", err)
	}

	if len(candidates) == 0 {
		return nil, tx.Commit(ctx)
	}

	if err := requireSingleDataset(candidates); err != nil {
		return nil, err
	}

	var leased []*Job
	for _, candidate := range candidates {
		if policy.MaxInFlight != nil && inFlight >= int64(*policy.MaxInFlight) {
			if err := throttle(ctx, tx, candidate, policy.ThrottleDelayMs, ReasonInFlightExceeded, map[string]any{
				"max_in_flight": *policy.MaxInFlight,
				"in_flight":     inFlight,
			}); err != nil {
				return nil, err
			}
			if e.collector != nil {
				e.collector.RecordThrottled(queue, ReasonInFlightExceeded)
			}
			continue
		}
		if policy.MaxAttemptsPerMinute != nil && attemptsLastMin >= int64(*policy.MaxAttemptsPerMinute) {
			if err := throttle(ctx, tx, candidate, policy.ThrottleDelayMs, ReasonRetryRateExceeded, map[string]any{
				"max_attempts_per_minute": *policy.MaxAttemptsPerMinute,
				"attempts_last_minute":    attemptsLastMin,
			}); err != nil {
				return nil, err
			}
			if e.collector != nil {
				e.collector.RecordThrottled(queue, ReasonRetryRateExceeded)
			}
			continue
		}

		row := tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE jobs SET status = $2, locked_by = $3, locked_at = now(),
				lock_expires_at = now() + ($4 * interval '1 second'), updated_at = now()
			WHERE id = $1
			RETURNING %s
		`, jobColumns), candidate.ID, StatusRunning, workerID, leaseSeconds)
		grantedJob, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("grant lease: %w", err)
		}
		leased = append(leased, grantedJob)
		inFlight++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}

	return leased, nil
}

func requireSingleDataset(candidates []*Job) error {
	first := candidates[0].DatasetID
	for _, c := range candidates[1:] {
		if c.DatasetID != first {
			return ErrMixedDataset
		}
	}
	return nil
}
