package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 30, cfg.Dispatcher.LeaseSeconds)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.Period)
	assert.True(t, cfg.IsSchemaDeploymentEnabled())
	assert.True(t, cfg.Scheduler.SchedulerEnabled())
}

func TestLoadParsesStoresAndDurations(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
stores:
  - store_id: tenant-a
    conn_string: postgres://localhost/app_a
  - store_id: tenant-b
    conn_string: postgres://localhost/app_b
    schema: messaging
    max_conns: 8
dispatcher:
  batch_size: 25
  poll_max_interval: 10s
  strategy: drain_first
retention:
  period: 48h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Len(t, cfg.Stores, 2)
	assert.Equal(t, "public", cfg.Stores[0].Schema)
	assert.Equal(t, "messaging", cfg.Stores[1].Schema)
	assert.Equal(t, 8, cfg.Stores[1].MaxConns)
	assert.Equal(t, 25, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.PollMaxInterval)
	assert.Equal(t, "drain_first", cfg.Dispatcher.Strategy)
	assert.Equal(t, 48*time.Hour, cfg.Retention.Period)
}

func TestLoadRejectsBatchSizeOutOfRange(t *testing.T) {
	path := writeConfigFile(t, `
stores:
  - store_id: tenant-a
    conn_string: postgres://localhost/app_a
dispatcher:
  batch_size: 500
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max")
}

func TestLoadRejectsShortLease(t *testing.T) {
	path := writeConfigFile(t, `
stores:
  - store_id: tenant-a
    conn_string: postgres://localhost/app_a
dispatcher:
  lease_seconds: 5
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Stores = []StoreConfig{{
		StoreID:    "tenant-a",
		ConnString: "postgres://localhost/app_a",
		Schema:     "public",
	}}

	path := filepath.Join(t.TempDir(), "saved", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Stores, 1)
	assert.Equal(t, "tenant-a", loaded.Stores[0].StoreID)
}
