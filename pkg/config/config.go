// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the recognized coordinator/worker configuration
// options described in spec §6, loaded from environment variables with
// sane defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration shared by the coordinator and worker binaries.
type Config struct {
	// WorkerBindAddr is the coordinator's listen address for worker sessions (C5).
	WorkerBindAddr string

	// DashboardBindAddr is the coordinator's listen address for the submission API (C7).
	DashboardBindAddr string

	// StorePath is the path to the SQLite database file backing the store (C2).
	StorePath string

	// StartingCreditGrant is credited to a new user at registration.
	StartingCreditGrant int64

	// UseSandbox selects container isolation on the worker; false falls back
	// to the restricted subprocess mode.
	UseSandbox bool

	// HeartbeatInterval is how often a worker is expected to heartbeat.
	HeartbeatInterval time.Duration

	// StallGrace is how long a worker may go silent before its running job
	// is considered stalled. Defaults to 2x HeartbeatInterval.
	StallGrace time.Duration

	// ReaperInterval is how often the stall reaper sweeps running jobs.
	ReaperInterval time.Duration

	// MaxJobTimeoutSeconds is the configured ceiling for
	// job.demands.timeout_seconds. Only Validate reads it; the submission API
	// does not check submissions against it.
	MaxJobTimeoutSeconds int

	// MaxCodeBytes is the configured ceiling for the submitted code payload.
	// Nothing enforces it.
	MaxCodeBytes int64

	// MaxStdoutBytes is the configured cap for captured stdout/stderr (each).
	// The sandbox applies its own sandbox.DefaultLimits, not this field.
	MaxStdoutBytes int64

	// MaxArtifactBytes is the configured cap for total artifact bytes per
	// job. The sandbox applies its own sandbox.DefaultLimits, not this field.
	MaxArtifactBytes int64

	// MaxFrameBytes bounds a single wire-protocol frame body (C1).
	MaxFrameBytes int64

	// TimeoutRefundFraction is the fraction of cost refunded on outcome=timed_out.
	TimeoutRefundFraction float64

	// RefundOnFailed controls whether a failed job refunds the submitter.
	RefundOnFailed bool

	// JWTSigningKey signs dashboard bearer tokens.
	JWTSigningKey string

	// Debug enables verbose logging.
	Debug bool
}

// NewDefault returns configuration with the defaults listed in spec §6.
func NewDefault() *Config {
	heartbeat := 30 * time.Second
	return &Config{
		WorkerBindAddr:        getEnvOrDefault("EXCHANGE_WORKER_ADDR", ":7420"),
		DashboardBindAddr:     getEnvOrDefault("EXCHANGE_DASHBOARD_ADDR", ":8420"),
		StorePath:             getEnvOrDefault("EXCHANGE_STORE_PATH", "exchange.db"),
		StartingCreditGrant:   getEnvInt64OrDefault("EXCHANGE_STARTING_GRANT", 100),
		UseSandbox:            getEnvBoolOrDefault("EXCHANGE_USE_SANDBOX", true),
		HeartbeatInterval:     heartbeat,
		StallGrace:            2 * heartbeat,
		ReaperInterval:        30 * time.Second,
		MaxJobTimeoutSeconds:  3600,
		MaxCodeBytes:          4 << 20,
		MaxStdoutBytes:        1 << 20,
		MaxArtifactBytes:      16 << 20,
		MaxFrameBytes:         16 << 20,
		TimeoutRefundFraction: 0.5,
		RefundOnFailed:        false,
		JWTSigningKey:         getEnvOrDefault("EXCHANGE_JWT_KEY", "dev-only-insecure-key"),
		Debug:                 getEnvBoolOrDefault("EXCHANGE_DEBUG", false),
	}
}

// Load overlays environment variables onto an existing Config, leaving
// unset variables untouched.
func (c *Config) Load() {
	if v := os.Getenv("EXCHANGE_WORKER_ADDR"); v != "" {
		c.WorkerBindAddr = v
	}
	if v := os.Getenv("EXCHANGE_DASHBOARD_ADDR"); v != "" {
		c.DashboardBindAddr = v
	}
	if v := os.Getenv("EXCHANGE_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("EXCHANGE_STARTING_GRANT"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.StartingCreditGrant = i
		}
	}
	if v := os.Getenv("EXCHANGE_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
			c.StallGrace = 2 * d
		}
	}
	if v := os.Getenv("EXCHANGE_STALL_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StallGrace = d
		}
	}
	if v := os.Getenv("EXCHANGE_MAX_JOB_TIMEOUT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxJobTimeoutSeconds = i
		}
	}
	if v := os.Getenv("EXCHANGE_JWT_KEY"); v != "" {
		c.JWTSigningKey = v
	}
	c.UseSandbox = getEnvBoolOrDefault("EXCHANGE_USE_SANDBOX", c.UseSandbox)
	c.Debug = getEnvBoolOrDefault("EXCHANGE_DEBUG", c.Debug)
}

// Validate checks invariants the coordinator and worker both rely on.
func (c *Config) Validate() error {
	if c.WorkerBindAddr == "" {
		return ErrMissingWorkerAddr
	}
	if c.StartingCreditGrant < 0 {
		return ErrInvalidCreditGrant
	}
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeat
	}
	if c.MaxJobTimeoutSeconds <= 0 {
		return ErrInvalidMaxTimeout
	}
	if c.TimeoutRefundFraction < 0 || c.TimeoutRefundFraction > 1 {
		return ErrInvalidRefundFraction
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
