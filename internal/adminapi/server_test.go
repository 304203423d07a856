package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/emberqueue/ember/internal/jobqueue"
	"github.com/emberqueue/ember/internal/metrics"
	"github.com/emberqueue/ember/internal/migrate"
)

func testDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("EMBER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EMBER_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, migrate.Migrate(context.Background(), pool))
	t.Cleanup(func() {
		pool.Exec(context.Background(), "TRUNCATE jobs, job_attempts, policy_decisions, ingest_decisions, queue_policies, enqueue_rate_counters, jobs_archive CASCADE")
	})
	return pool
}

func testServer(pool *pgxpool.Pool) *Server {
	guard := jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig())
	repo := jobqueue.NewRepo(pool, guard)
	replayer := jobqueue.NewReplayer(pool)
	ledger := jobqueue.NewAttemptLedger(pool)
	timeline := jobqueue.NewTimelineProjector(pool, ledger)
	metricsP := jobqueue.NewMetricsProjector(pool)
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	return New(pool, repo, replayer, timeline, metricsP, collector, registry)
}

func TestEnqueueThenListRoundTrips(t *testing.T) {
	pool := testDB(t)
	s := testServer(pool)

	body, _ := json.Marshal(map[string]any{
		"queue":    "default",
		"job_type": "noop",
		"payload":  json.RawMessage(`{"n":1}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var enqueued enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enqueued))
	require.NotEqual(t, enqueued.JobID.String(), "")

	listReq := httptest.NewRequest(http.MethodGet, "/jobs?queue=default", nil)
	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var listed listJobsResponse
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listed))
	require.Len(t, listed.Items, 1)
	require.Equal(t, enqueued.JobID, listed.Items[0].ID)
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	pool := testDB(t)
	s := testServer(pool)

	big := bytes.Repeat([]byte("x"), 1<<20)
	body, _ := json.Marshal(map[string]any{
		"queue":    "default",
		"job_type": "noop",
		"payload":  json.RawMessage(`"` + string(big) + `"`),
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEnqueueRejectsEmptyJobType(t *testing.T) {
	pool := testDB(t)
	s := testServer(pool)

	body, _ := json.Marshal(map[string]any{"queue": "default"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimelineAndReplay(t *testing.T) {
	pool := testDB(t)
	s := testServer(pool)
	guard := jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig())
	repo := jobqueue.NewRepo(pool, guard)

	job, err := repo.Enqueue(context.Background(), jobqueue.EnqueueOptions{
		Queue: "default", JobType: "noop", Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	tlReq := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String()+"/timeline", nil)
	tlReq.SetPathValue("id", job.ID.String())
	tlRec := httptest.NewRecorder()
	s.ServeHTTP(tlRec, tlReq)
	require.Equal(t, http.StatusOK, tlRec.Code)

	replayReq := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID.String()+"/replay", nil)
	replayReq.SetPathValue("id", job.ID.String())
	replayRec := httptest.NewRecorder()
	s.ServeHTTP(replayRec, replayReq)
	require.Equal(t, http.StatusCreated, replayRec.Code)

	var replayed replayResponse
	require.NoError(t, json.Unmarshal(replayRec.Body.Bytes(), &replayed))
	require.Equal(t, job.ID, replayed.ReplayOfJobID)
	require.NotEqual(t, job.ID, replayed.NewJobID)
}

func TestMetricsAndHealth(t *testing.T) {
	pool := testDB(t)
	s := testServer(pool)

	healthReq := httptest.NewRequest(http.MethodGet, "/health", nil)
	healthRec := httptest.NewRecorder()
	s.ServeHTTP(healthRec, healthReq)
	require.Equal(t, http.StatusOK, healthRec.Code)

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics/json", nil)
	metricsRec := httptest.NewRecorder()
	s.ServeHTTP(metricsRec, metricsReq)
	require.Equal(t, http.StatusOK, metricsRec.Code)

	promReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promRec := httptest.NewRecorder()
	s.ServeHTTP(promRec, promReq)
	require.Equal(t, http.StatusOK, promRec.Code)
}
