package engine

import (
	"context"
	"log"
	"time"

	"github.com/emberqueue/ember/internal/jobqueue"
	"github.com/emberqueue/ember/internal/ratelimit"
)

// MaintenanceConfig configures the archive/prune background loop.
type MaintenanceConfig struct {
	Interval              time.Duration
	ArchiveAfterDays      int
	PruneHistoryAfterDays int
	BatchSize             int
	// BatchesPerMinute paces consecutive archive/prune batches with a
	// ratelimit.BatchPacer instead of firing every batch back-to-back, so a
	// large backlog doesn't saturate the pool the instant the retention
	// window opens. 0 disables pacing.
	BatchesPerMinute int
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:              time.Hour,
		ArchiveAfterDays:      30,
		PruneHistoryAfterDays: 30,
		BatchSize:             1000,
		BatchesPerMinute:      60,
	}
}

// MaintenanceLoop periodically prunes terminal-job history and archives
// succeeded jobs, in that order: history rows reference job ids, so pruning
// must land before the rows they reference are moved out of `jobs`.
type MaintenanceLoop struct {
	maintenance *jobqueue.Maintenance
	config      MaintenanceConfig
	pace        *ratelimit.BatchPacer
}

func NewMaintenanceLoop(maintenance *jobqueue.Maintenance, cfg MaintenanceConfig) *MaintenanceLoop {
	return &MaintenanceLoop{
		maintenance: maintenance,
		config:      cfg,
		pace:        ratelimit.NewBatchPacer(cfg.BatchesPerMinute),
	}
}

// Run ticks every Interval until ctx is canceled, draining the prune and
// archive backlog in batches on each tick.
func (l *MaintenanceLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	l.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

func (l *MaintenanceLoop) runOnce(ctx context.Context) {
	pruneCutoff := jobqueue.CutoffDays(l.config.PruneHistoryAfterDays)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.pace.Wait(ctx); err != nil {
			return
		}
		attemptsDeleted, policyDeleted, err := l.maintenance.DeleteHistoryForSucceededOlderThan(ctx, pruneCutoff, l.config.BatchSize)
		if err != nil {
			log.Printf("maintenance: failed to prune history: %v", err)
			return
		}
		if attemptsDeleted == 0 && policyDeleted == 0 {
			break
		}
		log.Printf("maintenance: pruned %d attempts, %d policy decisions", attemptsDeleted, policyDeleted)
	}

	archiveCutoff := jobqueue.CutoffDays(l.config.ArchiveAfterDays)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.pace.Wait(ctx); err != nil {
			return
		}
		archived, err := l.maintenance.ArchiveSucceededOlderThan(ctx, archiveCutoff, l.config.BatchSize)
		if err != nil {
			log.Printf("maintenance: failed to archive succeeded jobs: %v", err)
			return
		}
		if archived == 0 {
			break
		}
		log.Printf("maintenance: archived %d succeeded jobs", archived)
	}
}
