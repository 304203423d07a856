package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QueueSnapshot is the C10 per-queue metrics projection: depth plus
// throughput/success/retry/latency over the trailing 60-second window.
type QueueSnapshot struct {
	At            time.Time
	Queue         string
	RunnableDepth int64
	InFlight      int64
	JobsPerSec    float64
	SuccessRate   float64
	RetryRate     float64
	MeanLatencyMs float64
}

// MetricsProjector implements spec.md §4.8: a read-only, side-effect-free
// rolling-window snapshot, read inside one read-only repeatable-read
// transaction per queue so a single snapshot is always internally
// consistent.
type MetricsProjector struct {
	pool *pgxpool.Pool
}

func NewMetricsProjector(pool *pgxpool.Pool) *MetricsProjector {
	return &MetricsProjector{pool: pool}
}

// SnapshotQueue computes the metrics projection for a single queue. It
// shares countInFlight with the lease engine's own storm-control check, so
// the C10 in-flight figure and the number lease() enforces against never
// drift apart.
func (p *MetricsProjector) SnapshotQueue(ctx context.Context, queue string) (*QueueSnapshot, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var depth int64
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM jobs WHERE queue = $1 AND status = $2 AND run_at <= now()
	`, queue, StatusQueued).Scan(&depth); err != nil {
		return nil, fmt.Errorf("count runnable depth: %w", err)
	}

	inFlight, err := countInFlight(ctx, tx, queue)
	if err != nil {
		return nil, fmt.Errorf("count in_flight: %w", err)
	}

	var finishedCount, succeededCount, retryCount, startedCount int64
	var meanLatencyMs *float64
	err = tx.QueryRow(ctx, `
		WITH a AS (
			SELECT at.* FROM job_attempts at
			JOIN jobs j ON j.id = at.job_id
			WHERE j.queue = $1 AND at.started_at >= now() - interval '60 seconds'
		), finished AS (
			SELECT * FROM a WHERE finished_at IS NOT NULL
		)
		SELECT
			(SELECT count(*) FROM finished) AS finished_count,
			(SELECT count(*) FROM finished WHERE status = $2) AS succeeded_count,
			(SELECT count(*) FROM a WHERE attempt_no >= 2) AS retry_count,
			(SELECT count(*) FROM a) AS started_count,
			(SELECT avg(latency_ms) FROM finished) AS mean_latency_ms
	`, queue, StatusSucceeded).Scan(&finishedCount, &succeededCount, &retryCount, &startedCount, &meanLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("compute window metrics: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit snapshot tx: %w", err)
	}

	snap := &QueueSnapshot{
		At:            time.Now().UTC(),
		Queue:         queue,
		RunnableDepth: depth,
		InFlight:      inFlight,
		JobsPerSec:    float64(finishedCount) / 60.0,
	}
	if finishedCount > 0 {
		snap.SuccessRate = float64(succeededCount) / float64(finishedCount)
	}
	if startedCount > 0 {
		snap.RetryRate = float64(retryCount) / float64(startedCount)
	}
	if meanLatencyMs != nil {
		snap.MeanLatencyMs = *meanLatencyMs
	}
	return snap, nil
}

// SnapshotAll projects every distinct queue seen in the jobs table.
func (p *MetricsProjector) SnapshotAll(ctx context.Context) ([]*QueueSnapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT queue FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("list distinct queues: %w", err)
	}
	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			rows.Close()
			return nil, err
		}
		queues = append(queues, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var snapshots []*QueueSnapshot
	for _, q := range queues {
		snap, err := p.SnapshotQueue(ctx, q)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}
