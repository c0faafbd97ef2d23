package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Queue.LeaseTTL != 30*time.Second {
		t.Errorf("queue.lease_ttl = %v", cfg.Queue.LeaseTTL)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("queue.max_attempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Backoff.Kind != "exponential" || cfg.Backoff.Factor != 2 {
		t.Errorf("backoff = %+v", cfg.Backoff)
	}
	if cfg.Redis.WakeChannel != "leaseq:wake" {
		t.Errorf("redis.wake_channel = %q", cfg.Redis.WakeChannel)
	}
	if cfg.Worker.Count != 8 {
		t.Errorf("worker.count = %d", cfg.Worker.Count)
	}
}

func TestLoadMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaseq.yaml")
	override := []byte("queue:\n  max_attempts: 3\nworker:\n  count: 2\n")
	if err := os.WriteFile(path, override, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("queue.max_attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Worker.Count != 2 {
		t.Errorf("worker.count = %d, want 2", cfg.Worker.Count)
	}
	// untouched keys keep embedded defaults
	if cfg.Queue.LeaseTTL != 30*time.Second {
		t.Errorf("queue.lease_ttl = %v", cfg.Queue.LeaseTTL)
	}
}
