package config

import (
	"strings"
	"time"

	"github.com/sqlbus/sqlbus/pkg/semaphore"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	cfg.API.ApplyDefaults()
	applyStoreDefaults(cfg.Stores)
	applyDiscoveryDefaults(&cfg.Discovery)
	applyDispatcherDefaults(&cfg.Dispatcher)
	applySchedulerDefaults(&cfg.Scheduler)
	applyRetentionDefaults(&cfg.Retention)
	applySemaphoreDefaults(&cfg.Semaphore)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)

	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyStoreDefaults sets per-store defaults.
func applyStoreDefaults(stores []StoreConfig) {
	for i := range stores {
		if stores[i].Schema == "" {
			stores[i].Schema = "public"
		}
	}
}

// applyDiscoveryDefaults sets catalog discovery defaults.
func applyDiscoveryDefaults(cfg *DiscoveryConfig) {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.Enabled {
		cfg.Catalog.ApplyDefaults()
	}
}

// applyDispatcherDefaults sets dispatch loop defaults.
func applyDispatcherDefaults(cfg *DispatcherConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.LeaseSeconds == 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.RetryCeiling == 0 {
		cfg.RetryCeiling = 10
	}
	if cfg.PollMinInterval == 0 {
		cfg.PollMinInterval = workqueue.PollBackoffBase
	}
	if cfg.PollMaxInterval == 0 {
		cfg.PollMaxInterval = workqueue.PollBackoffCap
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "round_robin"
	}
}

// applySchedulerDefaults sets scheduler defaults.
func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.LeaseSeconds == 0 {
		cfg.LeaseSeconds = 30
	}
}

// applyRetentionDefaults sets cleanup defaults.
func applyRetentionDefaults(cfg *RetentionConfig) {
	if cfg.Period == 0 {
		cfg.Period = 7 * 24 * time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
}

// applySemaphoreDefaults sets semaphore TTL and reaper defaults.
func applySemaphoreDefaults(cfg *SemaphoreConfig) {
	if cfg.MinTTL == 0 {
		cfg.MinTTL = time.Second
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = time.Hour
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = semaphore.DefaultTTL
	}
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = 1024
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
}

// SchedulerEnabled reports whether this node runs the scheduler.
// Defaults to true if not explicitly set.
func (c *SchedulerConfig) SchedulerEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
