package jobqueue

import "errors"

// Guard/admission errors (producer errors, spec.md §7 category 1).
var (
	ErrPayloadTooLarge    = errors.New("jobqueue: payload exceeds max_payload_bytes")
	ErrEnqueueRateExceeded = errors.New("jobqueue: queue exceeded max_enqueues_per_minute_per_queue")
	ErrBadRequest         = errors.New("jobqueue: empty job_type or non-positive max_attempts")
)

// Lease/batch errors.
var (
	// ErrMixedDataset is returned by LeaseBatch when the selected candidates
	// span more than one dataset_id; spec.md's documented invariant is that
	// callers group by dataset up front and the whole batch fails atomically
	// rather than splitting silently.
	ErrMixedDataset = errors.New("jobqueue: lease batch spans multiple dataset_id values")

	ErrJobNotFound = errors.New("jobqueue: job not found")
)
