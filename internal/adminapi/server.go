// Package adminapi is the admin HTTP surface: list/enqueue/replay/timeline
// plus the metrics and health endpoints, grounded on
// original_source/crates/postgresflow/src/api/mod.rs's route table but
// rewritten against stdlib net/http.ServeMux (no ecosystem router library
// appears anywhere in the pack).
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberqueue/ember/internal/jobqueue"
	"github.com/emberqueue/ember/internal/metrics"
)

// Server wires the read/write jobqueue surfaces behind an http.Handler.
type Server struct {
	pool      *pgxpool.Pool
	repo      *jobqueue.Repo
	replayer  *jobqueue.Replayer
	timeline  *jobqueue.TimelineProjector
	metricsP  *jobqueue.MetricsProjector
	collector *metrics.Collector
	registry  *prometheus.Registry
	mux       *http.ServeMux
}

// New wires a Server. registry may be nil, in which case /metrics serves the
// global default registry (the usual case when collector was itself built
// against prometheus.DefaultRegisterer).
func New(pool *pgxpool.Pool, repo *jobqueue.Repo, replayer *jobqueue.Replayer, timeline *jobqueue.TimelineProjector, metricsP *jobqueue.MetricsProjector, collector *metrics.Collector, registry *prometheus.Registry) *Server {
	s := &Server{
		pool:      pool,
		repo:      repo,
		replayer:  replayer,
		timeline:  timeline,
		metricsP:  metricsP,
		collector: collector,
		registry:  registry,
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("POST /jobs", s.handleEnqueue)
	s.mux.HandleFunc("GET /jobs/{id}/timeline", s.handleTimeline)
	s.mux.HandleFunc("POST /jobs/{id}/replay", s.handleReplay)
	s.mux.HandleFunc("GET /metrics/json", s.handleMetricsJSON)
	s.mux.HandleFunc("GET /metrics", s.handleMetricsProm)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("adminapi: failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusForEnqueueErr maps a Repo.Enqueue error to an HTTP status exactly
// as the grounding file's enqueue_job handler does: PAYLOAD_TOO_LARGE is a
// 413, ENQUEUE_RATE_EXCEEDED is a 429, anything else admission-related is a
// 400, and an unclassified error is a 500.
func statusForEnqueueErr(err error) (int, string) {
	switch {
	case errors.Is(err, jobqueue.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, jobqueue.ErrEnqueueRateExceeded):
		return http.StatusTooManyRequests, "ENQUEUE_RATE_EXCEEDED"
	case errors.Is(err, jobqueue.ErrBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

type enqueueRequest struct {
	Queue       string          `json:"queue"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
	DatasetID   string          `json:"dataset_id,omitempty"`
}

type enqueueResponse struct {
	JobID uuid.UUID `json:"job_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	job, err := s.repo.Enqueue(r.Context(), jobqueue.EnqueueOptions{
		Queue:       req.Queue,
		JobType:     req.JobType,
		Payload:     req.Payload,
		RunAt:       req.RunAt,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		DatasetID:   req.DatasetID,
	})
	if err != nil {
		status, code := statusForEnqueueErr(err)
		writeError(w, status, code)
		return
	}
	if s.collector != nil {
		s.collector.RecordEnqueue(job.Queue)
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{JobID: job.ID})
}

type jobView struct {
	ID               uuid.UUID  `json:"id"`
	Queue            string     `json:"queue"`
	JobType          string     `json:"job_type"`
	DatasetID        string     `json:"dataset_id"`
	Status           string     `json:"status"`
	Priority         int        `json:"priority"`
	MaxAttempts      int        `json:"max_attempts"`
	RunAt            time.Time  `json:"run_at"`
	DLQReasonCode    *string    `json:"dlq_reason_code,omitempty"`
	LastErrorCode    *string    `json:"last_error_code,omitempty"`
	LastErrorMessage *string    `json:"last_error_message,omitempty"`
	ReplayOfJobID    *uuid.UUID `json:"replay_of_job_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toJobView(j *jobqueue.Job) jobView {
	return jobView{
		ID: j.ID, Queue: j.Queue, JobType: j.JobType, DatasetID: j.DatasetID,
		Status: j.Status, Priority: j.Priority, MaxAttempts: j.MaxAttempts, RunAt: j.RunAt,
		DLQReasonCode: j.DLQReasonCode, LastErrorCode: j.LastErrorCode, LastErrorMessage: j.LastErrorMessage,
		ReplayOfJobID: j.ReplayOfJobID, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

type listJobsResponse struct {
	Items                []jobView  `json:"items"`
	NextCursorCreatedAt *time.Time `json:"next_cursor_created_at,omitempty"`
	NextCursorID        *uuid.UUID `json:"next_cursor_id,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobqueue.ListFilter{
		Queue:  q.Get("queue"),
		Status: q.Get("status"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}
	if cursorAt := q.Get("cursor_created_at"); cursorAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, cursorAt); err == nil {
			filter.CursorCreatedAt = &t
		}
	}
	if cursorID := q.Get("cursor_id"); cursorID != "" {
		if id, err := uuid.Parse(cursorID); err == nil {
			filter.CursorID = &id
		}
	}

	jobs, err := s.repo.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	resp := listJobsResponse{Items: make([]jobView, len(jobs))}
	for i, j := range jobs {
		resp.Items[i] = toJobView(j)
	}
	if len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		createdAt := last.CreatedAt
		id := last.ID
		resp.NextCursorCreatedAt = &createdAt
		resp.NextCursorID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	tl, err := s.timeline.BuildTimeline(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

type replayRequest struct {
	Queue *string    `json:"queue,omitempty"`
	RunAt *time.Time `json:"run_at,omitempty"`
}

type replayResponse struct {
	NewJobID     uuid.UUID `json:"new_job_id"`
	ReplayOfJobID uuid.UUID `json:"replay_of_job_id"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	var req replayRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST")
			return
		}
	}

	replayed, err := s.replayer.Replay(r.Context(), id, req.Queue, req.RunAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusCreated, replayResponse{NewJobID: replayed.ID, ReplayOfJobID: id})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	ctx := r.Context()

	if queue != "" {
		snap, err := s.metricsP.SnapshotQueue(ctx, queue)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	snaps, err := s.metricsP.SnapshotAll(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleMetricsProm(w http.ResponseWriter, r *http.Request) {
	if s.registry != nil {
		metrics.Handler(s.registry).ServeHTTP(w, r)
		return
	}
	metrics.DefaultHandler().ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "DB_UNREACHABLE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
