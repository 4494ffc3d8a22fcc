// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"agentworker/src/engine"
)

// WorkerConfig collects every tunable read from the environment (.env in
// development).
type WorkerConfig struct {
	APIPort         string
	MaxConcurrent   int
	PollingInterval time.Duration

	StoreBackend string // "postgres" or "memory"
	QueueBackend string // "memory" or "redis"
	RedisAddr    string

	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	CPUThresholdPct  float64
	MemThresholdPct  float64
	MonitorInterval  time.Duration
	SustainedSamples int
	DegradeCooldown  time.Duration

	ToolTimeout       time.Duration
	ApprovalTimeout   time.Duration
	PauseTimeout      time.Duration
	PauseAction       engine.PauseTimeoutAction
	MaxRetries        int
	RetryBase         time.Duration
	CancelGrace       time.Duration
	RollbackWindow    time.Duration
	EventBufferSize   int

	RateLimitPerSec float64
	RateLimitBurst  int

	SandboxEnabled      bool
	SandboxImage        string
	SandboxIdleTimeout  time.Duration
}

// LoadConfig reads the environment with defaults suitable for local runs.
func LoadConfig() WorkerConfig {
	return WorkerConfig{
		APIPort:         envStr("API_PORT", "8080"),
		MaxConcurrent:   envInt("MAX_CONCURRENT", 3),
		PollingInterval: envDuration("POLLING_INTERVAL", 5*time.Second),

		StoreBackend: envStr("STORE_BACKEND", "postgres"),
		QueueBackend: envStr("QUEUE_BACKEND", "memory"),
		RedisAddr:    envStr("REDIS_ADDR", "localhost:6379"),

		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBSSLMode:  envStr("DB_SSLMODE", "require"),

		CPUThresholdPct:  envFloat("CPU_THRESHOLD_PCT", 85),
		MemThresholdPct:  envFloat("MEM_THRESHOLD_PCT", 90),
		MonitorInterval:  envDuration("MONITOR_INTERVAL", 2*time.Second),
		SustainedSamples: envInt("SUSTAINED_SAMPLES", 5),
		DegradeCooldown:  envDuration("DEGRADE_COOLDOWN", time.Minute),

		ToolTimeout:     envDuration("TOOL_TIMEOUT", 60*time.Second),
		ApprovalTimeout: envDuration("APPROVAL_TIMEOUT", 5*time.Minute),
		PauseTimeout:    envDuration("PAUSE_TIMEOUT", 30*time.Minute),
		PauseAction:     engine.PauseTimeoutAction(envStr("PAUSE_TIMEOUT_ACTION", string(engine.PauseTimeoutResume))),
		MaxRetries:      envInt("MAX_RETRIES", 3),
		RetryBase:       envDuration("RETRY_BASE", 500*time.Millisecond),
		CancelGrace:     envDuration("CANCEL_GRACE", 5*time.Second),
		RollbackWindow:  envDuration("ROLLBACK_WINDOW", 24*time.Hour),
		EventBufferSize: envInt("EVENT_BUFFER_SIZE", 256),

		RateLimitPerSec: envFloat("RATE_LIMIT_PER_SEC", 20),
		RateLimitBurst:  envInt("RATE_LIMIT_BURST", 40),

		SandboxEnabled:     envStr("SANDBOX_ENABLED", "true") == "true",
		SandboxImage:       envStr("SANDBOX_IMAGE", "python:3.9-slim"),
		SandboxIdleTimeout: envDuration("CONTAINER_IDLE_TIMEOUT", 5*time.Minute),
	}
}

// ConnString builds the lib/pq DSN. SSL stays on outside local development.
func (c WorkerConfig) ConnString() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

func (c WorkerConfig) EngineConfig() engine.Config {
	return engine.Config{
		ToolTimeout:     c.ToolTimeout,
		ApprovalTimeout: c.ApprovalTimeout,
		PauseTimeout:    c.PauseTimeout,
		PauseAction:     c.PauseAction,
		MaxRetries:      c.MaxRetries,
		RetryBase:       c.RetryBase,
		CancelGrace:     c.CancelGrace,
		RollbackWindow:  c.RollbackWindow,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		fmt.Printf("Warning: invalid %s=%q, using %d\n", key, v, def)
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		fmt.Printf("Warning: invalid %s=%q, using %g\n", key, v, def)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are treated as seconds for compatibility with older
		// deployments.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		fmt.Printf("Warning: invalid %s=%q, using %s\n", key, v, def)
	}
	return def
}
