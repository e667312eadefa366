// Package config provides configuration loading for gated.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the gated daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	EventLog  EventLogConfig  `koanf:"eventlog"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Store     StoreConfig     `koanf:"store"`
}

// ServerConfig configures the HTTP/SSE server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// EventLogConfig configures per-pipeline event buffering and eviction.
type EventLogConfig struct {
	// MaxEventsPerPipeline bounds each pipeline's in-memory buffer.
	// Oldest entries become unavailable for backfill once exceeded.
	MaxEventsPerPipeline int `koanf:"max_events_per_pipeline"`
	// Retention is how long a terminated pipeline's buffer is kept
	// before the sweeper evicts it.
	Retention time.Duration `koanf:"retention"`
	// SweepInterval is the period of the background eviction sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// ExecutorConfig configures the gate pipeline executor.
type ExecutorConfig struct {
	// ValidatorTimeout bounds a single validator invocation, including
	// any external process it spawns.
	ValidatorTimeout time.Duration `koanf:"validator_timeout"`
	// StoreRetries is how many times a failed persistence call is
	// retried before the run is failed.
	StoreRetries int `koanf:"store_retries"`
}

// SchedulerConfig configures the dependency scheduler.
type SchedulerConfig struct {
	// MaxParallelUnits caps concurrent work units within one batch.
	// Zero means unbounded.
	MaxParallelUnits int `koanf:"max_parallel_units"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	// Path is the sqlite database file. Empty selects the in-memory store.
	Path string `koanf:"path"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9747
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.EventLog.MaxEventsPerPipeline == 0 {
		cfg.EventLog.MaxEventsPerPipeline = 1000
	}
	if cfg.EventLog.Retention == 0 {
		cfg.EventLog.Retention = 30 * time.Minute
	}
	if cfg.EventLog.SweepInterval == 0 {
		cfg.EventLog.SweepInterval = time.Minute
	}
	if cfg.Executor.ValidatorTimeout == 0 {
		cfg.Executor.ValidatorTimeout = 2 * time.Minute
	}
	if cfg.Executor.StoreRetries == 0 {
		cfg.Executor.StoreRetries = 3
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.EventLog.MaxEventsPerPipeline < 1 {
		return fmt.Errorf("eventlog.max_events_per_pipeline must be positive: %d", c.EventLog.MaxEventsPerPipeline)
	}
	if c.EventLog.Retention < 0 {
		return fmt.Errorf("eventlog.retention cannot be negative")
	}
	if c.EventLog.SweepInterval <= 0 {
		return fmt.Errorf("eventlog.sweep_interval must be positive")
	}
	if c.Executor.ValidatorTimeout <= 0 {
		return fmt.Errorf("executor.validator_timeout must be positive")
	}
	if c.Executor.StoreRetries < 0 {
		return fmt.Errorf("executor.store_retries cannot be negative")
	}
	if c.Scheduler.MaxParallelUnits < 0 {
		return fmt.Errorf("scheduler.max_parallel_units cannot be negative")
	}
	return nil
}
