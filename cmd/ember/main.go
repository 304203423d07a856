// ember is the worker-side CLI: migrate the schema, enqueue jobs by hand,
// run a worker pool, reap expired leases, run maintenance, replay a job,
// and print a one-shot metrics snapshot. Every subcommand prints a single
// JSON document to stdout (an object; `stats` without --queue prints an
// array of snapshots), the way the teacher's eve CLI does.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/emberqueue/ember/internal/config"
	"github.com/emberqueue/ember/internal/db"
	"github.com/emberqueue/ember/internal/engine"
	"github.com/emberqueue/ember/internal/jobqueue"
	"github.com/emberqueue/ember/internal/metrics"
	"github.com/emberqueue/ember/internal/migrate"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ember",
		Short: "ember - durable, transactional Postgres job queue",
		Long: `ember runs and inspects a durable, transactional job queue backed by
Postgres SKIP LOCKED leases, storm control, exponential backoff, and a
dead-letter queue.

  ember migrate          Apply the job-queue schema
  ember enqueue           Enqueue a job from the command line
  ember worker            Run a worker pool against the queue
  ember reap              Reclaim expired leases once
  ember maintain           Archive and prune terminal history once
  ember replay             Clone a job as a new queued job
  ember stats              Print a rolling-window metrics snapshot
  ember demo               Enqueue and process a handful of demo jobs`,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]any{"version": version, "go": "1.23"})
		},
	}

	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the job-queue schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()
			if err := migrate.Migrate(ctx, pool); err != nil {
				return printErrorJSON(fmt.Errorf("migrate: %w", err))
			}
			return printJSON(map[string]any{"ok": true})
		},
	}

	var (
		enqueueQueue       string
		enqueueJobType     string
		enqueuePayload     string
		enqueuePriority    int
		enqueueMaxAttempts int
		enqueueDatasetID   string
	)
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a single job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()

			guard := jobqueue.NewGuard(pool, jobqueue.GuardConfig{
				MaxPayloadBytes:              cfg.MaxPayloadBytes,
				MaxEnqueuesPerMinutePerQueue: cfg.MaxEnqueuesPerMinutePerQueue,
			})
			repo := jobqueue.NewRepo(pool, guard)

			opts := jobqueue.EnqueueOptions{
				Queue:     enqueueQueue,
				JobType:   enqueueJobType,
				Payload:   []byte(enqueuePayload),
				DatasetID: enqueueDatasetID,
			}
			if enqueuePriority != 0 {
				opts.Priority = &enqueuePriority
			}
			if enqueueMaxAttempts != 0 {
				opts.MaxAttempts = &enqueueMaxAttempts
			}

			job, err := repo.Enqueue(ctx, opts)
			if err != nil {
				return printErrorJSON(fmt.Errorf("enqueue: %w", err))
			}
			return printJSON(map[string]any{"ok": true, "job_id": job.ID, "status": job.Status})
		},
	}
	enqueueCmd.Flags().StringVar(&enqueueQueue, "queue", "default", "queue name")
	enqueueCmd.Flags().StringVar(&enqueueJobType, "type", "", "job type (required)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "{}", "JSON payload")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "priority (higher runs first)")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "max attempts before DLQ (0 = default)")
	enqueueCmd.Flags().StringVar(&enqueueDatasetID, "dataset", "default", "dataset id (jobs in one lease batch must share one)")
	enqueueCmd.MarkFlagRequired("type")

	var (
		workerQueue   string
		workerCount   int
		workerTimeout int
	)
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool leasing and executing jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, workerCount)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()

			if cfg.MigrateOnStartup {
				if err := migrate.Migrate(ctx, pool); err != nil {
					return printErrorJSON(fmt.Errorf("migrate: %w", err))
				}
			}

			ledger := jobqueue.NewAttemptLedger(pool)
			lease := jobqueue.NewLeaseEngine(pool)
			outcome := jobqueue.NewOutcomeRunner(pool, ledger, jobqueue.DefaultRetryConfig())
			reaper := jobqueue.NewReaper(pool)

			engineCfg := engine.DefaultConfig()
			engineCfg.Queue = workerQueue
			engineCfg.WorkerID = cfg.WorkerID
			engineCfg.LeaseSeconds = cfg.LeaseSeconds
			engineCfg.BatchSize = cfg.DequeueBatchSize
			engineCfg.ReapInterval = time.Duration(cfg.ReapIntervalMs) * time.Millisecond
			if workerCount > 0 {
				engineCfg.WorkerCount = workerCount
			}

			eng := engine.New(lease, ledger, outcome, reaper, engineCfg)
			eng.RegisterHandler("noop", engine.NoopJobHandler)
			eng.RegisterHandler("flaky", engine.FlakyJobHandler)

			registry := prometheus.NewRegistry()
			collector := metrics.NewCollector(registry)
			eng.SetCollector(collector)

			metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(registry)}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("worker: metrics server error: %v", err)
				}
			}()
			defer metricsServer.Close()

			var runCtx context.Context
			var cancel context.CancelFunc
			if workerTimeout > 0 {
				runCtx, cancel = context.WithTimeout(ctx, time.Duration(workerTimeout)*time.Second)
			} else {
				runCtx, cancel = context.WithCancel(ctx)
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
				go func() {
					<-sigChan
					cancel()
				}()
			}
			defer cancel()

			start := time.Now()
			stats, err := eng.Run(runCtx)
			duration := time.Since(start)
			if err != nil {
				return printErrorJSON(fmt.Errorf("worker run failed: %w", err))
			}

			return printJSON(map[string]any{
				"ok":         true,
				"succeeded":  stats.Succeeded,
				"failed":     stats.Failed,
				"dlq":        stats.DLQ,
				"duration_s": duration.Seconds(),
				"workers":    engineCfg.WorkerCount,
			})
		},
	}
	workerCmd.Flags().StringVar(&workerQueue, "queue", "default", "queue to lease from")
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "worker count (0 = default)")
	workerCmd.Flags().IntVar(&workerTimeout, "timeout", 0, "stop after N seconds instead of waiting for a signal (0 = run until signaled)")

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Reclaim expired leases once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()

			n, err := jobqueue.NewReaper(pool).ReapExpiredLocks(ctx)
			if err != nil {
				return printErrorJSON(fmt.Errorf("reap: %w", err))
			}
			return printJSON(map[string]any{"ok": true, "reaped": n})
		},
	}

	maintainCmd := &cobra.Command{
		Use:   "maintain",
		Short: "Archive succeeded jobs and prune their history once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()

			maintenance := jobqueue.NewMaintenance(pool)
			loopCfg := engine.DefaultMaintenanceConfig()
			loopCfg.ArchiveAfterDays = cfg.ArchiveAfterDays
			loopCfg.PruneHistoryAfterDays = cfg.PruneHistoryAfterDays

			pruneCutoff := jobqueue.CutoffDays(loopCfg.PruneHistoryAfterDays)
			attemptsDeleted, policyDeleted, err := maintenance.DeleteHistoryForSucceededOlderThan(ctx, pruneCutoff, loopCfg.BatchSize)
			if err != nil {
				return printErrorJSON(fmt.Errorf("prune history: %w", err))
			}
			archiveCutoff := jobqueue.CutoffDays(loopCfg.ArchiveAfterDays)
			archived, err := maintenance.ArchiveSucceededOlderThan(ctx, archiveCutoff, loopCfg.BatchSize)
			if err != nil {
				return printErrorJSON(fmt.Errorf("archive: %w", err))
			}

			return printJSON(map[string]any{
				"ok":               true,
				"attempts_pruned":  attemptsDeleted,
				"policies_pruned":  policyDeleted,
				"jobs_archived":    archived,
			})
		},
	}

	var (
		replayQueue string
		replayRunIn int
	)
	replayCmd := &cobra.Command{
		Use:   "replay <job-id>",
		Short: "Clone a job as a new queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return printErrorJSON(fmt.Errorf("invalid job id: %w", err))
			}
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()

			var overrideQueue *string
			if replayQueue != "" {
				overrideQueue = &replayQueue
			}
			var overrideRunAt *time.Time
			if replayRunIn > 0 {
				t := time.Now().UTC().Add(time.Duration(replayRunIn) * time.Second)
				overrideRunAt = &t
			}

			replayed, err := jobqueue.NewReplayer(pool).Replay(ctx, id, overrideQueue, overrideRunAt)
			if err != nil {
				return printErrorJSON(fmt.Errorf("replay: %w", err))
			}
			return printJSON(map[string]any{"ok": true, "new_job_id": replayed.ID, "replay_of_job_id": id})
		},
	}
	replayCmd.Flags().StringVar(&replayQueue, "queue", "", "override queue (default: source job's queue)")
	replayCmd.Flags().IntVar(&replayRunIn, "run-in-seconds", 0, "run the replay N seconds from now (default: now)")

	var statsQueue string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print a rolling 60-second metrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, 1)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()

			projector := jobqueue.NewMetricsProjector(pool)
			if statsQueue != "" {
				snap, err := projector.SnapshotQueue(ctx, statsQueue)
				if err != nil {
					return printErrorJSON(fmt.Errorf("snapshot: %w", err))
				}
				return printJSON(snap)
			}
			snaps, err := projector.SnapshotAll(ctx)
			if err != nil {
				return printErrorJSON(fmt.Errorf("snapshot: %w", err))
			}
			return printJSON(snaps)
		},
	}
	statsCmd.Flags().StringVar(&statsQueue, "queue", "", "limit to one queue (default: every queue)")

	var demoJobCount int
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Enqueue a handful of demo jobs and process them to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()
			pool, err := db.Open(ctx, cfg.DatabaseURL, 4)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open database: %w", err))
			}
			defer pool.Close()

			if err := migrate.Migrate(ctx, pool); err != nil {
				return printErrorJSON(fmt.Errorf("migrate: %w", err))
			}

			guard := jobqueue.NewGuard(pool, jobqueue.DefaultGuardConfig())
			repo := jobqueue.NewRepo(pool, guard)
			flakyMaxAttempts := 3
			for i := 0; i < demoJobCount; i++ {
				payload, _ := json.Marshal(map[string]any{"n": i})
				// Every third job is flaky with max_attempts 3, so within the
				// 10s run it retries with backoff (about 2s, then 4s) and can
				// land in the DLQ, alongside the noop happy path.
				jobType := "noop"
				var maxAttempts *int
				if i%3 == 0 {
					jobType = "flaky"
					maxAttempts = &flakyMaxAttempts
				}
				if _, err := repo.Enqueue(ctx, jobqueue.EnqueueOptions{Queue: "demo", JobType: jobType, Payload: payload, MaxAttempts: maxAttempts}); err != nil {
					return printErrorJSON(fmt.Errorf("enqueue demo job %d: %w", i, err))
				}
			}

			ledger := jobqueue.NewAttemptLedger(pool)
			lease := jobqueue.NewLeaseEngine(pool)
			outcome := jobqueue.NewOutcomeRunner(pool, ledger, jobqueue.DefaultRetryConfig())
			reaper := jobqueue.NewReaper(pool)

			engineCfg := engine.DefaultConfig()
			engineCfg.Queue = "demo"
			engineCfg.WorkerID = "demo-worker"
			engineCfg.WorkerCount = 4

			eng := engine.New(lease, ledger, outcome, reaper, engineCfg)
			eng.RegisterHandler("noop", engine.NoopJobHandler)
			eng.RegisterHandler("flaky", engine.FlakyJobHandler)
			eng.SetCollector(metrics.NewCollector(prometheus.NewRegistry()))

			runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			stats, err := eng.Run(runCtx)
			if err != nil {
				return printErrorJSON(fmt.Errorf("demo run: %w", err))
			}
			return printJSON(map[string]any{"ok": true, "enqueued": demoJobCount, "succeeded": stats.Succeeded, "failed": stats.Failed, "dlq": stats.DLQ})
		},
	}
	demoCmd.Flags().IntVar(&demoJobCount, "count", 20, "number of demo jobs to enqueue")

	rootCmd.AddCommand(versionCmd, migrateCmd, enqueueCmd, workerCmd, reapCmd, maintainCmd, replayCmd, statsCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printErrorJSON(err error) error {
	output := map[string]any{"ok": false, "error": err.Error()}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(output); encErr != nil {
		return fmt.Errorf("failed to encode error JSON: %w", encErr)
	}
	return err
}
