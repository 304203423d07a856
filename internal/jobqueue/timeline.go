package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TimelineEventKind distinguishes the two row sources merged into a story.
type TimelineEventKind int

const (
	EventAttempt TimelineEventKind = iota
	EventPolicyDecision
)

// TimelineEvent is one entry in a job's merged narrative. Only the fields
// relevant to Kind are populated.
type TimelineEvent struct {
	Kind             TimelineEventKind
	At               time.Time
	ID               uuid.UUID
	AttemptNo        int
	AttemptStatus    string
	WorkerID         string
	ErrorCode        string
	ErrorMessage     string
	SuggestedAction  string
	LatencyMs        *int64
	Decision         string
	ReasonCode       string
	Details          []byte
}

// JobTimeline is the full C9 projection for one job.
type JobTimeline struct {
	JobID         uuid.UUID
	Status        string
	Queue         string
	JobType       string
	RunAt         time.Time
	NextRunAt     *time.Time
	LastWorkerID  string
	LastErrorCode string
	Story         []TimelineEvent
}

// TimelineProjector implements spec.md §4.9: merge attempts and policy
// decisions into one ordered, read-only narrative.
type TimelineProjector struct {
	pool    *pgxpool.Pool
	ledger  *AttemptLedger
}

func NewTimelineProjector(pool *pgxpool.Pool, ledger *AttemptLedger) *TimelineProjector {
	return &TimelineProjector{pool: pool, ledger: ledger}
}

// BuildTimeline reads the job, its attempts, and its policy decisions, and
// merges them by timestamp with policy decisions sorting before attempts at
// the same instant, and attempts tie-broken by attempt_no.
func (p *TimelineProjector) BuildTimeline(ctx context.Context, jobID uuid.UUID) (*JobTimeline, error) {
	row := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns), jobID)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("read job: %w", err)
	}

	attempts, err := p.ledger.ListForJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	decisions, err := p.listPolicyDecisions(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list policy decisions: %w", err)
	}

	tl := &JobTimeline{
		JobID:   job.ID,
		Status:  job.Status,
		Queue:   job.Queue,
		JobType: job.JobType,
		RunAt:   job.RunAt,
	}
	if job.Status == StatusQueued {
		runAt := job.RunAt
		tl.NextRunAt = &runAt
	}
	if job.LockedBy != nil {
		tl.LastWorkerID = *job.LockedBy
	} else if len(attempts) > 0 {
		tl.LastWorkerID = attempts[len(attempts)-1].WorkerID
	}
	if job.LastErrorCode != nil {
		tl.LastErrorCode = *job.LastErrorCode
	}

	events := make([]TimelineEvent, 0, len(attempts)+len(decisions))
	for _, a := range attempts {
		ev := TimelineEvent{
			Kind:          EventAttempt,
			At:            a.StartedAt,
			ID:            a.ID,
			AttemptNo:     a.AttemptNo,
			AttemptStatus: a.Status,
			WorkerID:      a.WorkerID,
			LatencyMs:     a.LatencyMs,
		}
		if a.ErrorCode != nil {
			ev.ErrorCode = *a.ErrorCode
			ev.SuggestedAction = SuggestedAction(ev.ErrorCode)
		}
		if a.ErrorMessage != nil {
			ev.ErrorMessage = *a.ErrorMessage
		}
		events = append(events, ev)
	}
	for _, d := range decisions {
		events = append(events, TimelineEvent{
			Kind:       EventPolicyDecision,
			At:         d.CreatedAt,
			ID:         d.ID,
			Decision:   d.Decision,
			ReasonCode: d.ReasonCode,
			Details:    d.Details,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].At.Equal(events[j].At) {
			return events[i].At.Before(events[j].At)
		}
		ri, rj := rank(events[i]), rank(events[j])
		if ri != rj {
			return ri < rj
		}
		return events[i].AttemptNo < events[j].AttemptNo
	})

	tl.Story = events
	return tl, nil
}

// rank gives policy decisions priority over attempts at an identical
// instant, matching the grounding's (0, 0) vs (1, attempt_no) tie-break key.
func rank(e TimelineEvent) int {
	if e.Kind == EventPolicyDecision {
		return 0
	}
	return 1
}

func (p *TimelineProjector) listPolicyDecisions(ctx context.Context, jobID uuid.UUID) ([]*PolicyDecision, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, dataset_id, decision, reason_code, details, created_at
		FROM policy_decisions WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*PolicyDecision
	for rows.Next() {
		var d PolicyDecision
		if err := rows.Scan(&d.ID, &d.JobID, &d.DatasetID, &d.Decision, &d.ReasonCode, &d.Details, &d.CreatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}
