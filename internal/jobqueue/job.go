// Package jobqueue is the durable, transactional job-execution substrate:
// the lease engine and its failure-driven lifecycle, implemented directly
// against Postgres. All authoritative state lives in the jobs, job_attempts,
// policy_decisions, ingest_decisions, queue_policies, and
// enqueue_rate_counters tables; nothing here caches mutable state across a
// transaction boundary.
package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses, see the jobs_status_check constraint in the schema.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDLQ       = "dlq"
	StatusCanceled  = "canceled"
)

// Attempt statuses.
const (
	AttemptRunning   = "running"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// Policy decision kinds and their reason codes.
const (
	DecisionThrottled   = "THROTTLED"
	DecisionDelayed     = "DELAYED"
	DecisionQuarantined = "QUARANTINED"

	ReasonInFlightExceeded  = "IN_FLIGHT_EXCEEDED"
	ReasonRetryRateExceeded = "RETRY_RATE_EXCEEDED"
)

// Ingest (enqueue-guard) denial reasons.
const (
	IngestDenied = "DENIED"

	ReasonPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ReasonEnqueueRateExceeded = "ENQUEUE_RATE_EXCEEDED"
)

// DLQ reason codes.
const (
	DLQReasonNonRetryable       = "NON_RETRYABLE"
	DLQReasonMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"
)

// Error codes. Producers and handlers both surface these; the classifier in
// retry.go decides retryability from this vocabulary.
const (
	ErrTimeout         = "TIMEOUT"
	ErrDBDeadlock      = "DB_DEADLOCK"
	ErrSerialization   = "SERIALIZATION"
	ErrRateLimit       = "RATE_LIMIT"
	ErrDependencyDown  = "DEPENDENCY_DOWN"
	ErrBadPayload      = "BAD_PAYLOAD"
	ErrUnknownJobType  = "UNKNOWN_JOB_TYPE"
	ErrPanic           = "PANIC"
	ErrUnknown         = "UNKNOWN"
)

// Job mirrors the `jobs` table. Nullable lease/DLQ columns surface as
// pointers so a nil value round-trips cleanly through the driver.
type Job struct {
	ID               uuid.UUID
	Queue            string
	JobType          string
	DatasetID        string
	Payload          []byte
	RunAt            time.Time
	Status           string
	Priority         int
	MaxAttempts      int
	LockedBy         *string
	LockedAt         *time.Time
	LockExpiresAt    *time.Time
	DLQReasonCode    *string
	DLQAt            *time.Time
	LastErrorCode    *string
	LastErrorMessage *string
	ReplayOfJobID    *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobAttempt mirrors `job_attempts`.
type JobAttempt struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	DatasetID     string
	AttemptNo     int
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        string
	ErrorCode     *string
	ErrorMessage  *string
	LatencyMs     *int64
	WorkerID      string
}

// PolicyDecision mirrors `policy_decisions`.
type PolicyDecision struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	DatasetID  string
	Decision   string
	ReasonCode string
	Details    []byte
	CreatedAt  time.Time
}

// IngestDecision mirrors `ingest_decisions`.
type IngestDecision struct {
	ID         uuid.UUID
	Queue      string
	Decision   string
	ReasonCode string
	Details    []byte
	CreatedAt  time.Time
}

// QueuePolicy mirrors `queue_policies`. A nil cap means "effectively
// unlimited" per spec: an absent row is treated as unlimited with a default
// throttle_delay_ms of 250.
type QueuePolicy struct {
	Queue                string
	MaxAttemptsPerMinute *int
	MaxInFlight          *int
	ThrottleDelayMs      int
}

const defaultThrottleDelayMs = 250

// EnqueueOptions are the fields a producer supplies; defaults are applied
// in repo.go's Repo.Enqueue the way spec.md §6 documents.
type EnqueueOptions struct {
	Queue       string
	JobType     string
	Payload     []byte
	RunAt       *time.Time
	Priority    *int
	MaxAttempts *int
	DatasetID   string
}

const (
	defaultQueue       = "default"
	defaultMaxAttempts = 25
	defaultDatasetID   = "default"
)
