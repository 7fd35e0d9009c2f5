package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "jobpipe.db", cfg.Store.Path)
	assert.Equal(t, "topics", cfg.Handlers.Dir)
	assert.Equal(t, "job_data", cfg.Artifacts.Dir)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.LockRetryInterval)
	assert.Zero(t, cfg.Worker.HandlerTimeout)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /var/lib/jobpipe/state.db
worker:
  poll_interval: 250ms
  handler_timeout: 2m
metrics:
  enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/jobpipe/state.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Worker.HandlerTimeout)
	assert.True(t, cfg.Metrics.Enabled)

	// untouched keys keep their defaults
	assert.Equal(t, "topics", cfg.Handlers.Dir)
	assert.Equal(t, 30*time.Second, cfg.Worker.LockRetryInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
