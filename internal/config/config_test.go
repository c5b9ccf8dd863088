package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, 3, cfg.Sessions.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Sessions.Expiry)
	assert.Equal(t, 50, cfg.Retrain.Criteria.MinTotalNewImages)
	assert.Equal(t, 5, cfg.Retrain.Criteria.MinSpeciesWithNewImages)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
sessions:
  max_attempts: 5
  expiry: 30m
  capacity: 20
retrain:
  min_total_new_images: 10
  min_species_with_new_images: 2
  schedule: "*/15 * * * *"
storage:
  db_path: /tmp/plants.db
log:
  level: debug
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MAX_ATTEMPTS", "4")
	t.Setenv("SESSION_EXPIRY", "2h")
	t.Setenv("LOG_DEVELOPMENT", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 4, cfg.Sessions.MaxAttempts)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.Expiry)
	assert.Equal(t, 20, cfg.Sessions.Capacity)
	assert.Equal(t, 10, cfg.Retrain.Criteria.MinTotalNewImages)
	assert.Equal(t, 2, cfg.Retrain.Criteria.MinSpeciesWithNewImages)
	assert.Equal(t, "*/15 * * * *", cfg.Retrain.Schedule)
	assert.Equal(t, "/tmp/plants.db", cfg.Storage.DBPath)
	assert.Equal(t, "./dataset", cfg.Storage.DatasetDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]struct {
		body string
		env  map[string]string
	}{
		"bad yaml":       {body: "server: [unclosed"},
		"bad log level":  {body: "log:\n  level: verbose\n"},
		"negative limit": {body: "sessions:\n  max_attempts: -1\n"},
		"bad port":       {body: "server:\n  port: http\n"},
		"bad env int":    {env: map[string]string{"SESSION_CAPACITY": "lots"}},
		"bad env dur":    {env: map[string]string{"SESSION_EXPIRY": "forever"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CONFIG_PATH", writeConfig(t, tc.body))
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
