// ember-admin is the long-running admin HTTP process: list/enqueue/replay/
// timeline plus Prometheus metrics and a periodic archive/prune loop,
// wired the way the teacher's cmd binaries open one pool and run forever
// until signaled.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberqueue/ember/internal/adminapi"
	"github.com/emberqueue/ember/internal/config"
	"github.com/emberqueue/ember/internal/db"
	"github.com/emberqueue/ember/internal/engine"
	"github.com/emberqueue/ember/internal/jobqueue"
	"github.com/emberqueue/ember/internal/metrics"
	"github.com/emberqueue/ember/internal/migrate"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("admin: received shutdown signal")
		cancel()
	}()

	pool, err := db.Open(ctx, cfg.DatabaseURL, 4)
	if err != nil {
		log.Fatalf("admin: failed to open database: %v", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStartup {
		if err := migrate.Migrate(ctx, pool); err != nil {
			log.Fatalf("admin: failed to migrate: %v", err)
		}
	}

	guard := jobqueue.NewGuard(pool, jobqueue.GuardConfig{
		MaxPayloadBytes:              cfg.MaxPayloadBytes,
		MaxEnqueuesPerMinutePerQueue: cfg.MaxEnqueuesPerMinutePerQueue,
	})
	repo := jobqueue.NewRepo(pool, guard)
	replayer := jobqueue.NewReplayer(pool)
	ledger := jobqueue.NewAttemptLedger(pool)
	timelineProjector := jobqueue.NewTimelineProjector(pool, ledger)
	metricsProjector := jobqueue.NewMetricsProjector(pool)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	maintenance := jobqueue.NewMaintenance(pool)
	maintenanceCfg := engine.DefaultMaintenanceConfig()
	maintenanceCfg.ArchiveAfterDays = cfg.ArchiveAfterDays
	maintenanceCfg.PruneHistoryAfterDays = cfg.PruneHistoryAfterDays
	maintenanceCfg.Interval = time.Duration(cfg.MaintenanceIntervalSecs) * time.Second
	go engine.NewMaintenanceLoop(maintenance, maintenanceCfg).Run(ctx)

	go refreshQueueDepthGauges(ctx, metricsProjector, collector)

	server := adminapi.New(pool, repo, replayer, timelineProjector, metricsProjector, collector, registry)

	httpServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin: shutdown error: %v", err)
		}
	}()

	log.Printf("admin: listening on %s", cfg.AdminAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("admin: %v", err)
	}
}

// refreshQueueDepthGauges keeps the Prometheus pending/in-flight gauges
// current by re-running the C10 projection every few seconds; the gauges
// themselves have no push path, only this pull loop.
func refreshQueueDepthGauges(ctx context.Context, projector *jobqueue.MetricsProjector, collector *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps, err := projector.SnapshotAll(ctx)
			if err != nil {
				log.Printf("admin: failed to refresh queue depth gauges: %v", err)
				continue
			}
			for _, snap := range snaps {
				collector.SetQueueDepth(snap.Queue, int(snap.RunnableDepth), int(snap.InFlight))
			}
		}
	}
}
