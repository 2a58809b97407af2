package config

import (
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Error("expected error when DATABASE_URL is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mlx")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 6161 {
		t.Errorf("HTTPPort = %d, want 6161", cfg.HTTPPort)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("WorkerConcurrency = %d, want 4", cfg.WorkerConcurrency)
	}
	if cfg.LeaseDuration != 2*time.Minute {
		t.Errorf("LeaseDuration = %v, want 2m", cfg.LeaseDuration)
	}
	if cfg.HeartbeatFailLimit != 3 {
		t.Errorf("HeartbeatFailLimit = %d, want 3", cfg.HeartbeatFailLimit)
	}
	if cfg.APIRequestsPerSecond != 20 {
		t.Errorf("APIRequestsPerSecond = %v, want 20", cfg.APIRequestsPerSecond)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mlx")
	t.Setenv("PORT", "8080")
	t.Setenv("MLX_WORKER_CONCURRENCY", "16")
	t.Setenv("MLX_LEASE_DURATION", "5m")
	t.Setenv("MLX_RETRY_BACKOFF_BASE", "250ms")
	t.Setenv("MLX_MAX_GPUS", "2")
	t.Setenv("MLX_API_RPS", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.WorkerConcurrency != 16 {
		t.Errorf("WorkerConcurrency = %d, want 16", cfg.WorkerConcurrency)
	}
	if cfg.LeaseDuration != 5*time.Minute {
		t.Errorf("LeaseDuration = %v, want 5m", cfg.LeaseDuration)
	}
	if cfg.RetryBackoffBase != 250*time.Millisecond {
		t.Errorf("RetryBackoffBase = %v, want 250ms", cfg.RetryBackoffBase)
	}
	if cfg.MaxGPUs != 2 {
		t.Errorf("MaxGPUs = %d, want 2", cfg.MaxGPUs)
	}
	if cfg.APIRequestsPerSecond != 0.5 {
		t.Errorf("APIRequestsPerSecond = %v, want 0.5", cfg.APIRequestsPerSecond)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mlx")

	t.Setenv("PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid PORT")
	}
	t.Setenv("PORT", "")

	t.Setenv("MLX_LEASE_DURATION", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid MLX_LEASE_DURATION")
	}
	t.Setenv("MLX_LEASE_DURATION", "")

	// Renew interval must fit inside the lease.
	t.Setenv("MLX_LEASE_DURATION", "10s")
	t.Setenv("MLX_LEASE_RENEW_INTERVAL", "30s")
	if _, err := Load(); err == nil {
		t.Error("expected error when renew interval exceeds lease duration")
	}
}
