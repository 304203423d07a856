// Package metrics collects and exposes Prometheus metrics for a worker
// process, grounded on the pack's Collector-plus-promhttp pattern but
// rewired for the job-queue counters and gauges this system actually
// produces instead of Raft recovery timing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric a worker or admin process registers. A
// process constructs exactly one Collector: `ember worker`/`ember demo`
// share it between the engine and its lease engine, and ember-admin
// between the HTTP server and the queue-depth gauge refresher. The
// maintenance loop records nothing into it, and nothing calls
// RecordArchived, so ember_archived_jobs_total stays at zero.
type Collector struct {
	jobsEnqueued      *prometheus.CounterVec
	jobsLeased        *prometheus.CounterVec
	jobsSucceeded     *prometheus.CounterVec
	jobsFailed        *prometheus.CounterVec
	jobsDLQ           *prometheus.CounterVec
	policyThrottled   *prometheus.CounterVec
	jobLatency        *prometheus.HistogramVec
	jobsPending       *prometheus.GaugeVec
	jobsInFlight      *prometheus.GaugeVec
	reapedLeases      prometheus.Counter
	archivedJobs      prometheus.Counter
}

// NewCollector builds and registers every ember_* metric against reg. Both
// binaries and the tests pass a fresh prometheus.NewRegistry(), which
// avoids the global registry panicking on repeat registration;
// prometheus.DefaultRegisterer also works for a process that builds only
// one Collector.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by queue.",
		}, []string{"queue"}),
		jobsLeased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_jobs_leased_total",
			Help: "Total number of job leases granted, by queue.",
		}, []string{"queue"}),
		jobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_jobs_succeeded_total",
			Help: "Total number of attempts that finished successfully, by queue.",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_jobs_failed_total",
			Help: "Total number of attempts that finished with a retryable failure, by queue.",
		}, []string{"queue"}),
		jobsDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_jobs_dlq_total",
			Help: "Total number of jobs moved to the dead-letter queue, by queue and reason code.",
		}, []string{"queue", "reason"}),
		policyThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_policy_throttled_total",
			Help: "Total number of lease candidates deferred by storm control, by queue and reason code.",
		}, []string{"queue", "reason"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ember_job_latency_seconds",
			Help:    "Handler execution latency in seconds, by queue.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		jobsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ember_jobs_pending",
			Help: "Current number of queued, runnable jobs, by queue.",
		}, []string{"queue"}),
		jobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ember_jobs_in_flight",
			Help: "Current number of leased, running jobs, by queue.",
		}, []string{"queue"}),
		reapedLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_reaped_leases_total",
			Help: "Total number of expired leases reclaimed by the reaper.",
		}),
		archivedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_archived_jobs_total",
			Help: "Total number of succeeded jobs moved to the archive table.",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued, c.jobsLeased, c.jobsSucceeded, c.jobsFailed, c.jobsDLQ,
		c.policyThrottled, c.jobLatency, c.jobsPending, c.jobsInFlight,
		c.reapedLeases, c.archivedJobs,
	)
	return c
}

func (c *Collector) RecordEnqueue(queue string)       { c.jobsEnqueued.WithLabelValues(queue).Inc() }
func (c *Collector) RecordLease(queue string)         { c.jobsLeased.WithLabelValues(queue).Inc() }
func (c *Collector) RecordReapedLeases(n int64)       { c.reapedLeases.Add(float64(n)) }
func (c *Collector) RecordArchived(n int64)           { c.archivedJobs.Add(float64(n)) }

func (c *Collector) RecordSucceeded(queue string, latencySeconds float64) {
	c.jobsSucceeded.WithLabelValues(queue).Inc()
	c.jobLatency.WithLabelValues(queue).Observe(latencySeconds)
}

func (c *Collector) RecordFailed(queue string, latencySeconds float64) {
	c.jobsFailed.WithLabelValues(queue).Inc()
	c.jobLatency.WithLabelValues(queue).Observe(latencySeconds)
}

func (c *Collector) RecordDLQ(queue, reasonCode string) {
	c.jobsDLQ.WithLabelValues(queue, reasonCode).Inc()
}

func (c *Collector) RecordThrottled(queue, reasonCode string) {
	c.policyThrottled.WithLabelValues(queue, reasonCode).Inc()
}

// SetQueueDepth updates the pending/in-flight gauges for queue, typically
// fed from a jobqueue.QueueSnapshot on a periodic tick.
func (c *Collector) SetQueueDepth(queue string, pending, inFlight int) {
	c.jobsPending.WithLabelValues(queue).Set(float64(pending))
	c.jobsInFlight.WithLabelValues(queue).Set(float64(inFlight))
}

// Handler returns the promhttp handler for reg, to be mounted at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// DefaultHandler serves the global default registry, mirroring the
// grounding file's package-level promhttp.Handler() call for processes
// that register against prometheus.DefaultRegisterer instead of a scoped
// registry.
func DefaultHandler() http.Handler { return promhttp.Handler() }
