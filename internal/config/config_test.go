package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Queue != "default" {
		t.Errorf("expected default queue %q, got %q", "default", cfg.Queue)
	}
	if cfg.LeaseSeconds != 10 {
		t.Errorf("expected default lease_seconds 10, got %d", cfg.LeaseSeconds)
	}
	if cfg.DequeueBatchSize != 256 {
		t.Errorf("expected default dequeue_batch_size 256, got %d", cfg.DequeueBatchSize)
	}
	if cfg.MaxPayloadBytes != 256*1024 {
		t.Errorf("expected default max_payload_bytes 262144, got %d", cfg.MaxPayloadBytes)
	}
}

func TestLoadEnvOverridesPrefixedFirst(t *testing.T) {
	t.Setenv("PGFLOW_QUEUE", "prefixed")
	t.Setenv("QUEUE", "unprefixed")

	cfg := Load()
	if cfg.Queue != "prefixed" {
		t.Errorf("expected PGFLOW_QUEUE to win over QUEUE, got %q", cfg.Queue)
	}
}

func TestLoadEnvFallsBackToUnprefixed(t *testing.T) {
	t.Setenv("QUEUE", "unprefixed-only")

	cfg := Load()
	if cfg.Queue != "unprefixed-only" {
		t.Errorf("expected fallback to QUEUE, got %q", cfg.Queue)
	}
}

func TestLoadClampsDequeueBatchSize(t *testing.T) {
	t.Setenv("PGFLOW_DEQUEUE_BATCH_SIZE", "999999")

	cfg := Load()
	if cfg.DequeueBatchSize != 4096 {
		t.Errorf("expected dequeue_batch_size clamped to 4096, got %d", cfg.DequeueBatchSize)
	}
}
