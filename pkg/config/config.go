package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sqlbus/sqlbus/pkg/api"
	"github.com/sqlbus/sqlbus/pkg/discovery"
)

// Config represents the sqlbus configuration.
//
// This structure captures the static configuration of a sqlbus node:
//   - Logging configuration
//   - Telemetry/tracing configuration
//   - Admin API and metrics server settings
//   - Application stores (static list, or catalog-backed discovery)
//   - Dispatcher, scheduler, semaphore and retention tuning
//
// Fanout policies, jobs and semaphore definitions are dynamic data and
// live in the stores themselves, not in this file.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SQLBUS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains admin API server configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Stores is the static list of application databases to dispatch.
	// Mutually exclusive with Discovery.Enabled.
	Stores []StoreConfig `mapstructure:"stores" yaml:"stores"`

	// Discovery configures catalog-backed store discovery. When enabled,
	// the store list is refreshed from the catalog instead of Stores.
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`

	// EnableSchemaDeployment runs schema migrations against every store
	// on startup. Disable when migrations are applied out of band.
	// Default: true
	EnableSchemaDeployment *bool `mapstructure:"enable_schema_deployment" yaml:"enable_schema_deployment"`

	// Dispatcher tunes the outbox/inbox dispatch loops
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`

	// Scheduler tunes timer/job promotion
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	// Retention controls cleanup of terminal rows
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`

	// Semaphore tunes distributed semaphore TTL bounds and reaping
	Semaphore SemaphoreConfig `mapstructure:"semaphore" yaml:"semaphore"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// 1.0 = sample all traces, 0.5 = sample 50%, 0.0 = no sampling
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig controls Prometheus metrics collection.
// When Enabled is false, no metrics are collected (zero overhead).
// Collected metrics are scraped from the admin API server at /metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// StoreConfig describes one application database.
type StoreConfig struct {
	// StoreID identifies the store in logs, leases and routing (required)
	StoreID string `mapstructure:"store_id" validate:"required" yaml:"store_id"`

	// ConnString is the PostgreSQL connection string (required)
	ConnString string `mapstructure:"conn_string" validate:"required" yaml:"conn_string"`

	// Schema is the schema holding the message tables
	// Default: "public"
	Schema string `mapstructure:"schema" yaml:"schema,omitempty"`

	// MaxConns bounds the connection pool. Zero uses the driver default.
	MaxConns int `mapstructure:"max_conns" validate:"omitempty,min=1" yaml:"max_conns,omitempty"`
}

// DiscoveryConfig configures catalog-backed store discovery.
type DiscoveryConfig struct {
	// Enabled switches from the static store list to the catalog
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RefreshInterval is how often the catalog is re-read
	// Default: 5m
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`

	// Catalog configures the catalog database (SQLite or PostgreSQL)
	Catalog discovery.Config `mapstructure:"catalog" yaml:"catalog"`
}

// DispatcherConfig tunes the dispatch loops shared by outbox, inbox and
// fanout processing.
type DispatcherConfig struct {
	// BatchSize is the number of rows claimed per iteration
	// Default: 50, bounds 1-100
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,min=1,max=100" yaml:"batch_size"`

	// LeaseSeconds is how long a claimed row stays locked
	// Default: 30, minimum 10
	LeaseSeconds int `mapstructure:"lease_seconds" validate:"omitempty,min=10" yaml:"lease_seconds"`

	// RetryCeiling is the retry count past which a row is failed
	// Default: 10
	RetryCeiling int `mapstructure:"retry_ceiling" validate:"omitempty,min=1" yaml:"retry_ceiling"`

	// PollMinInterval is the sleep after the first empty claim
	// Default: 500ms
	PollMinInterval time.Duration `mapstructure:"poll_min_interval" yaml:"poll_min_interval"`

	// PollMaxInterval bounds the exponential empty-claim sleep
	// Default: 30s
	PollMaxInterval time.Duration `mapstructure:"poll_max_interval" yaml:"poll_max_interval"`

	// Strategy selects the multi-store rotation
	// Valid values: round_robin, drain_first
	// Default: round_robin
	Strategy string `mapstructure:"strategy" validate:"omitempty,oneof=round_robin drain_first" yaml:"strategy"`
}

// SchedulerConfig tunes timer and job promotion.
type SchedulerConfig struct {
	// Enabled controls whether this node competes for scheduler leases
	// Default: true
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// BatchSize is the number of timers/job runs claimed per pass
	// Default: 50
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,min=1,max=100" yaml:"batch_size"`

	// LeaseSeconds is the per-store scheduler lease length
	// Default: 30, minimum 10
	LeaseSeconds int `mapstructure:"lease_seconds" validate:"omitempty,min=10" yaml:"lease_seconds"`
}

// RetentionConfig controls cleanup of terminal rows.
type RetentionConfig struct {
	// Period is how long Done rows are kept
	// Default: 168h (7 days)
	Period time.Duration `mapstructure:"period" yaml:"period"`

	// CleanupInterval is how often the cleaner runs
	// Default: 1h
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// SemaphoreConfig tunes the distributed semaphore.
type SemaphoreConfig struct {
	// MinTTL is the shortest accepted holder lease
	// Default: 1s
	MinTTL time.Duration `mapstructure:"min_ttl" yaml:"min_ttl"`

	// MaxTTL is the longest accepted holder lease
	// Default: 1h
	MaxTTL time.Duration `mapstructure:"max_ttl" yaml:"max_ttl"`

	// DefaultTTL applies when callers pass zero
	// Default: 30s
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`

	// MaxLimit caps semaphore limits at definition time
	// Default: 1024
	MaxLimit int `mapstructure:"max_limit" validate:"omitempty,min=1" yaml:"max_limit"`

	// ReaperInterval is the cadence of expired-lease reaping
	// Default: 30s
	ReaperInterval time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval"`
}

// IsSchemaDeploymentEnabled reports whether startup migrations run.
// Defaults to true if not explicitly set.
func (c *Config) IsSchemaDeploymentEnabled() bool {
	if c.EnableSchemaDeployment == nil {
		return true
	}
	return *c.EnableSchemaDeployment
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SQLBUS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: User-friendly error with instructions if config not found
func MustLoad(configPath string) (*Config, error) {
	// Determine config path
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  sqlbus init\n\n"+
				"Or specify a custom config file:\n"+
				"  sqlbus <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  sqlbus init --config %s",
				configPath, configPath)
		}
	}

	// Load configuration
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	// Create parent directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file with restricted permissions (0600 = owner read/write only).
	// Connection strings in the store list may embed credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use SQLBUS_ prefix and underscores
	// Example: SQLBUS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("SQLBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/sqlbus/config.yaml
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Also check for os.PathError when explicit config file doesn't exist
		if os.IsNotExist(err) {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Other errors are problems
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		// Only handle conversion to time.Duration
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Parse duration string like "30s", "5m", "1h"
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sqlbus")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "sqlbus")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
