package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInitConfigWritesSampleFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	require.NoError(t, err)

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)

	for _, section := range []string{
		"# SQLBus Configuration File",
		"logging:",
		"dispatcher:",
		"scheduler:",
		"retention:",
		"semaphore:",
		"stores:",
		"discovery:",
	} {
		assert.True(t, strings.Contains(string(content), section), "missing section %s", section)
	}

	// The sample must be valid YAML.
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(content, &doc))

	// And it must load and validate through the normal path.
	loaded, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "INFO", loaded.Logging.Level)
	require.Len(t, loaded.Stores, 1)
	assert.Equal(t, "app", loaded.Stores[0].StoreID)
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := InitConfig(false)
	require.NoError(t, err)

	_, err = InitConfig(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = InitConfig(true)
	assert.NoError(t, err)
}

func TestInitConfigToPathCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	require.NoError(t, InitConfigToPath(path, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
