package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the C1 schema-facing storage layer: job insertion and the read
// plane (get/list) that the admin surface and CLI drive directly.
type Repo struct {
	pool  *pgxpool.Pool
	guard *Guard
}

func NewRepo(pool *pgxpool.Pool, guard *Guard) *Repo {
	return &Repo{pool: pool, guard: guard}
}

// Enqueue validates and admits a new job, exactly as spec.md §6's Enqueue
// RPC: defaults are applied first, then the bad-request check, then the
// guard's payload and rate checks, then the insert.
func (r *Repo) Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error) {
	if opts.JobType == "" {
		return nil, ErrBadRequest
	}

	queue := opts.Queue
	if queue == "" {
		queue = defaultQueue
	}
	datasetID := opts.DatasetID
	if datasetID == "" {
		datasetID = defaultDatasetID
	}
	runAt := time.Now().UTC()
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}
	priority := 0
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := defaultMaxAttempts
	if opts.MaxAttempts != nil {
		maxAttempts = *opts.MaxAttempts
	}
	if maxAttempts <= 0 {
		return nil, ErrBadRequest
	}

	if r.guard != nil {
		if err := r.guard.CheckPayload(ctx, queue, len(opts.Payload)); err != nil {
			return nil, err
		}
		if err := r.guard.CheckRate(ctx, queue); err != nil {
			return nil, err
		}
	}

	job := &Job{
		ID:          uuid.New(),
		Queue:       queue,
		JobType:     opts.JobType,
		DatasetID:   datasetID,
		Payload:     opts.Payload,
		RunAt:       runAt,
		Status:      StatusQueued,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, job_type, dataset_id, payload, run_at, status, priority, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`, job.ID, job.Queue, job.JobType, job.DatasetID, job.Payload, job.RunAt, job.Status, job.Priority, job.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return r.GetJob(ctx, job.ID)
}

const jobColumns = `id, queue, job_type, dataset_id, payload, run_at, status, priority, max_attempts,
	locked_by, locked_at, lock_expires_at, dlq_reason_code, dlq_at,
	last_error_code, last_error_message, replay_of_job_id, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Queue, &j.JobType, &j.DatasetID, &j.Payload, &j.RunAt, &j.Status, &j.Priority, &j.MaxAttempts,
		&j.LockedBy, &j.LockedAt, &j.LockExpiresAt, &j.DLQReasonCode, &j.DLQAt,
		&j.LastErrorCode, &j.LastErrorMessage, &j.ReplayOfJobID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob fetches a single job by id.
func (r *Repo) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListFilter narrows ListJobs by queue and/or status; zero values mean
// unfiltered.
type ListFilter struct {
	Queue  string
	Status string
	// Cursor pagination by (created_at, id) descending, per spec.md §6.
	CursorCreatedAt *time.Time
	CursorID        *uuid.UUID
	Limit           int
}

// ListJobs implements spec.md §6's List RPC: filter by queue/status,
// paginate by (created_at, id) cursor descending, limit clamped [1, 500]
// (default 100).
func (r *Repo) ListJobs(ctx context.Context, f ListFilter) ([]*Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if limit < 1 {
		limit = 1
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE true`, jobColumns)
	args := []any{}
	argN := 0
	next := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}

	if f.Queue != "" {
		query += fmt.Sprintf(" AND queue = %s", next(f.Queue))
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = %s", next(f.Status))
	}
	if f.CursorCreatedAt != nil && f.CursorID != nil {
		query += fmt.Sprintf(" AND (created_at, id) < (%s, %s)", next(*f.CursorCreatedAt), next(*f.CursorID))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %s", next(limit))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
