package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileOverlay is an optional YAML config file layered under the
// environment, grounded on the pack's yaml.v3-driven CLI config (the
// raft-recovery example's worker/wal/snapshot/metrics sections). Any field
// left zero is not applied — env vars and built-in defaults still win.
type FileOverlay struct {
	Worker struct {
		Queue        string `yaml:"queue"`
		LeaseSeconds int    `yaml:"lease_seconds"`
		BatchSize    int    `yaml:"batch_size"`
	} `yaml:"worker"`
	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`
	Maintenance struct {
		ArchiveAfterDays      int `yaml:"archive_after_days"`
		PruneHistoryAfterDays int `yaml:"prune_history_after_days"`
	} `yaml:"maintenance"`
}

// ApplyFile loads path as YAML and overlays any non-zero values onto cfg,
// skipping each field whose environment variable (prefixed or unprefixed)
// is set.
// A missing file is not an error — the YAML layer is purely optional.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var overlay FileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}

	if overlay.Worker.Queue != "" && envOr("PGFLOW_QUEUE", "QUEUE", "") == "" {
		c.Queue = overlay.Worker.Queue
	}
	if overlay.Worker.LeaseSeconds > 0 && envOr("PGFLOW_LEASE_SECONDS", "LEASE_SECONDS", "") == "" {
		c.LeaseSeconds = overlay.Worker.LeaseSeconds
	}
	if overlay.Worker.BatchSize > 0 && envOr("PGFLOW_DEQUEUE_BATCH_SIZE", "DEQUEUE_BATCH_SIZE", "") == "" {
		c.DequeueBatchSize = overlay.Worker.BatchSize
	}
	if overlay.Admin.Addr != "" && envOr("PGFLOW_ADMIN_ADDR", "ADMIN_ADDR", "") == "" {
		c.AdminAddr = overlay.Admin.Addr
	}
	if overlay.Maintenance.ArchiveAfterDays > 0 && envOr("PGFLOW_ARCHIVE_AFTER_DAYS", "ARCHIVE_AFTER_DAYS", "") == "" {
		c.ArchiveAfterDays = overlay.Maintenance.ArchiveAfterDays
	}
	if overlay.Maintenance.PruneHistoryAfterDays > 0 && envOr("PGFLOW_PRUNE_HISTORY_AFTER_DAYS", "PRUNE_HISTORY_AFTER_DAYS", "") == "" {
		c.PruneHistoryAfterDays = overlay.Maintenance.PruneHistoryAfterDays
	}

	return nil
}
