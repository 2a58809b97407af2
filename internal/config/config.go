// Package config handles environment variable loading for the coordinator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the coordinator daemon.
// Timing knobs (lease duration, backoff, heartbeat threshold) are tunables,
// not constants: deployments differ too much for hard-coded values.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP listen port for the control API
	HTTPPort int

	// Static bearer token for the control API; empty disables auth.
	APIToken string

	// Per-client request rate for the control API; zero disables limiting.
	APIRequestsPerSecond float64

	// Dispatch worker pool
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerMaxBackoff   time.Duration

	// Lease on a claimed job and how often the holder renews it
	LeaseDuration      time.Duration
	LeaseRenewInterval time.Duration

	// Retry backoff: base * 2^(attempt-1), capped
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// Node heartbeats: probe interval, staleness threshold for placement,
	// and how many consecutive failures mark a node unreachable.
	HeartbeatInterval  time.Duration
	HeartbeatThreshold time.Duration
	HeartbeatFailLimit int

	// Container monitoring
	InspectInterval time.Duration
	StopGracePeriod time.Duration

	// Per-job resource ceilings
	MaxCPUMillis int
	MaxMemoryMB  int
	MaxGPUs      int

	// OTLP collector address for traces; empty disables tracing export.
	OTELEndpoint string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:             6161,
		APIRequestsPerSecond: 20,
		WorkerConcurrency:    4,
		WorkerPollInterval:   time.Second,
		WorkerMaxBackoff:     30 * time.Second,
		LeaseDuration:        2 * time.Minute,
		LeaseRenewInterval:   30 * time.Second,
		RetryBackoffBase:     5 * time.Second,
		RetryBackoffMax:      5 * time.Minute,
		HeartbeatInterval:    15 * time.Second,
		HeartbeatThreshold:   time.Minute,
		HeartbeatFailLimit:   3,
		InspectInterval:      2 * time.Second,
		StopGracePeriod:      10 * time.Second,
		MaxCPUMillis:         16000,
		MaxMemoryMB:          65536,
		MaxGPUs:              8,
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.APIToken = os.Getenv("MLX_API_TOKEN")
	cfg.OTELEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	var err error
	if cfg.HTTPPort, err = intEnv("PORT", cfg.HTTPPort); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = intEnv("MLX_WORKER_CONCURRENCY", cfg.WorkerConcurrency); err != nil {
		return nil, err
	}
	if cfg.HeartbeatFailLimit, err = intEnv("MLX_HEARTBEAT_FAIL_LIMIT", cfg.HeartbeatFailLimit); err != nil {
		return nil, err
	}
	if cfg.MaxCPUMillis, err = intEnv("MLX_MAX_CPU_MILLIS", cfg.MaxCPUMillis); err != nil {
		return nil, err
	}
	if cfg.MaxMemoryMB, err = intEnv("MLX_MAX_MEMORY_MB", cfg.MaxMemoryMB); err != nil {
		return nil, err
	}
	if cfg.MaxGPUs, err = intEnv("MLX_MAX_GPUS", cfg.MaxGPUs); err != nil {
		return nil, err
	}
	if cfg.APIRequestsPerSecond, err = floatEnv("MLX_API_RPS", cfg.APIRequestsPerSecond); err != nil {
		return nil, err
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"MLX_WORKER_POLL_INTERVAL", &cfg.WorkerPollInterval},
		{"MLX_WORKER_MAX_BACKOFF", &cfg.WorkerMaxBackoff},
		{"MLX_LEASE_DURATION", &cfg.LeaseDuration},
		{"MLX_LEASE_RENEW_INTERVAL", &cfg.LeaseRenewInterval},
		{"MLX_RETRY_BACKOFF_BASE", &cfg.RetryBackoffBase},
		{"MLX_RETRY_BACKOFF_MAX", &cfg.RetryBackoffMax},
		{"MLX_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"MLX_HEARTBEAT_THRESHOLD", &cfg.HeartbeatThreshold},
		{"MLX_INSPECT_INTERVAL", &cfg.InspectInterval},
		{"MLX_STOP_GRACE_PERIOD", &cfg.StopGracePeriod},
	}
	for _, d := range durations {
		if *d.dst, err = durationEnv(d.env, *d.dst); err != nil {
			return nil, err
		}
	}

	if cfg.LeaseRenewInterval >= cfg.LeaseDuration {
		return nil, fmt.Errorf("MLX_LEASE_RENEW_INTERVAL must be shorter than MLX_LEASE_DURATION")
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func floatEnv(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
