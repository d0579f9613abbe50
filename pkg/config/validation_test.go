package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Stores = []StoreConfig{{
		StoreID:    "tenant-a",
		ConnString: "postgres://localhost/app_a",
		Schema:     "public",
	}}
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "LOUD"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidateRejectsDuplicateStoreIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Stores = append(cfg.Stores, cfg.Stores[0])

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate store id")
}

func TestValidateRejectsMixedRegistrationModes(t *testing.T) {
	cfg := validConfig()
	cfg.Discovery.Enabled = true
	cfg.Discovery.Catalog.ApplyDefaults()

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidateRejectsInvertedPollIntervals(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.PollMinInterval = time.Minute
	cfg.Dispatcher.PollMaxInterval = time.Second

	require.Error(t, Validate(cfg))
}

func TestValidateRejectsSemaphoreTTLOutsideBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Semaphore.DefaultTTL = 2 * time.Hour

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_ttl")
}

func TestValidateRejectsTelemetryWithoutEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""

	require.Error(t, Validate(cfg))
}
