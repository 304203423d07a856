package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GuardConfig holds the enqueue guard's admission thresholds, grounded on
// original_source's EnqueueGuardConfig defaults.
type GuardConfig struct {
	MaxPayloadBytes               int
	MaxEnqueuesPerMinutePerQueue  int64
}

// DefaultGuardConfig matches spec.md §4.1/§6: 256 KiB payload cap, 10000
// enqueues per minute per queue.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxPayloadBytes:              256 * 1024,
		MaxEnqueuesPerMinutePerQueue: 10000,
	}
}

// Guard is the enqueue admission control described in spec.md §4.1: payload
// size and per-queue rate checks, each backed by a durable audit row.
type Guard struct {
	pool *pgxpool.Pool
	cfg  GuardConfig
}

func NewGuard(pool *pgxpool.Pool, cfg GuardConfig) *Guard {
	return &Guard{pool: pool, cfg: cfg}
}

// CheckPayload fails with ErrPayloadTooLarge when payloadBytes exceeds the
// configured cap, first committing a deny-audit row with the numeric
// evidence.
func (g *Guard) CheckPayload(ctx context.Context, queue string, payloadBytes int) error {
	if payloadBytes <= g.cfg.MaxPayloadBytes {
		return nil
	}

	details, _ := json.Marshal(map[string]any{
		"max_payload_bytes": g.cfg.MaxPayloadBytes,
		"payload_bytes":     payloadBytes,
	})
	if err := g.recordDenial(ctx, queue, ReasonPayloadTooLarge, details); err != nil {
		return fmt.Errorf("record payload_too_large denial: %w", err)
	}
	return ErrPayloadTooLarge
}

// CheckRate atomically upserts the current minute's counter for queue and
// reads back the post-increment value. If it exceeds the configured cap, a
// deny-audit row is committed and ErrEnqueueRateExceeded is returned — the
// increment is NOT rolled back, since a failed submission still "costs" a
// slot (spec.md §4.1: this keeps burst accounting monotonic).
func (g *Guard) CheckRate(ctx context.Context, queue string) error {
	windowStart := time.Now().UTC().Truncate(time.Minute)

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rate check: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int64
	err = tx.QueryRow(ctx, `
		INSERT INTO enqueue_rate_counters (queue, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (queue, window_start) DO UPDATE SET count = enqueue_rate_counters.count + 1
		RETURNING count
	`, queue, windowStart).Scan(&count)
	if err != nil {
		return fmt.Errorf("upsert enqueue_rate_counters: %w", err)
	}

	exceeded := count > g.cfg.MaxEnqueuesPerMinutePerQueue
	if exceeded {
		details, _ := json.Marshal(map[string]any{
			"max_per_minute":     g.cfg.MaxEnqueuesPerMinutePerQueue,
			"count_this_minute":  count,
		})
		if _, err := tx.Exec(ctx, `
			INSERT INTO ingest_decisions (id, queue, decision, reason_code, details, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
		`, uuid.New(), queue, IngestDenied, ReasonEnqueueRateExceeded, details); err != nil {
			return fmt.Errorf("record enqueue_rate_exceeded denial: %w", err)
		}
	}

	// Commit regardless: the counter increment stands even on denial.
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rate check: %w", err)
	}

	if exceeded {
		return ErrEnqueueRateExceeded
	}
	return nil
}

func (g *Guard) recordDenial(ctx context.Context, queue, reasonCode string, details []byte) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO ingest_decisions (id, queue, decision, reason_code, details, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New(), queue, IngestDenied, reasonCode, details)
	return err
}
