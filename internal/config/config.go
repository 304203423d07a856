// Package config loads ember's process configuration from environment
// variables, mirroring the env-override-over-default layering the teacher
// codebase uses in its own config.Load — except here every option also
// accepts an unprefixed fallback name, grounded on original_source's
// PGFLOW_*-or-unprefixed lookup chain.
package config

import (
	"os"
	"strconv"
)

// Config is process-wide configuration loaded once at startup. Every row in
// spec.md §6's configuration surface table has a field here; the listen
// addresses, API token, and the verbose-logging and migrate-on-startup
// switches are additions beyond that table.
type Config struct {
	DatabaseURL string
	WorkerID    string
	Queue       string

	LeaseSeconds     int
	DequeueBatchSize int
	ReapIntervalMs   int

	MaxPayloadBytes              int
	MaxEnqueuesPerMinutePerQueue int64

	ArchiveAfterDays          int
	PruneHistoryAfterDays     int
	MaintenanceIntervalSecs   int

	AdminAddr   string
	MetricsAddr string
	APIToken    string

	VerboseJobLogs   bool
	MigrateOnStartup bool
}

// Load reads Config from the environment with PGFLOW_-prefixed primary
// names and unprefixed fallbacks, applying spec.md §6's defaults and
// clamps.
func Load() *Config {
	workerID := envOr("PGFLOW_WORKER_ID", "WORKER_ID", "")
	if workerID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			workerID = host
		} else {
			workerID = "worker-1"
		}
	}

	cfg := &Config{
		DatabaseURL: envOr("PGFLOW_DATABASE_URL", "DATABASE_URL", ""),
		WorkerID:    workerID,
		Queue:       envOr("PGFLOW_QUEUE", "QUEUE", "default"),

		LeaseSeconds:     envInt("PGFLOW_LEASE_SECONDS", "LEASE_SECONDS", 10, 1, 3600),
		DequeueBatchSize: envInt("PGFLOW_DEQUEUE_BATCH_SIZE", "DEQUEUE_BATCH_SIZE", 256, 1, 4096),
		ReapIntervalMs:   envInt("PGFLOW_REAP_INTERVAL_MS", "REAP_INTERVAL_MS", 5000, 250, 60000),

		MaxPayloadBytes:              envInt("PGFLOW_MAX_PAYLOAD_BYTES", "MAX_PAYLOAD_BYTES", 256*1024, 1, 1<<30),
		MaxEnqueuesPerMinutePerQueue: int64(envInt("PGFLOW_MAX_ENQUEUE_PER_MINUTE", "MAX_ENQUEUE_PER_MINUTE", 10000, 1, 1<<30)),

		ArchiveAfterDays:        envInt("PGFLOW_ARCHIVE_AFTER_DAYS", "ARCHIVE_AFTER_DAYS", 30, 1, 3650),
		PruneHistoryAfterDays:   envInt("PGFLOW_PRUNE_HISTORY_AFTER_DAYS", "PRUNE_HISTORY_AFTER_DAYS", 30, 1, 3650),
		MaintenanceIntervalSecs: envInt("PGFLOW_MAINTENANCE_INTERVAL_SECS", "MAINTENANCE_INTERVAL_SECS", 3600, 1, 86400),

		AdminAddr:   envOr("PGFLOW_ADMIN_ADDR", "ADMIN_ADDR", ":8080"),
		MetricsAddr: envOr("PGFLOW_WORKER_METRICS_ADDR", "WORKER_METRICS_ADDR", ":9090"),
		APIToken:    envOr("PGFLOW_API_TOKEN", "API_TOKEN", ""),

		VerboseJobLogs:   envBool("PGFLOW_VERBOSE_JOB_LOGS", false),
		MigrateOnStartup: envBool("PGFLOW_MIGRATE_ON_STARTUP", true),
	}

	return cfg
}

func envOr(primary, fallback, def string) string {
	if v := os.Getenv(primary); v != "" {
		return v
	}
	if v := os.Getenv(fallback); v != "" {
		return v
	}
	return def
}

func envInt(primary, fallback string, def, min, max int) int {
	raw := envOr(primary, fallback, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func envBool(name string, def bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
