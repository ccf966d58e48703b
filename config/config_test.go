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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  dsn: postgres://localhost/backplane\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Presence.StaleThreshold)
	assert.Equal(t, 10, cfg.Presence.HeartbeatFlushSize)
	assert.Equal(t, 30*time.Second, cfg.Presence.HeartbeatFlushInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Messages.DefaultTTL)
	assert.Equal(t, time.Duration(0), cfg.Messages.Retention)
	assert.Equal(t, 15*time.Minute, cfg.Cleanup.Interval)
	assert.Equal(t, time.Minute, cfg.Cleanup.RetryDelay)
	assert.Equal(t, 4, cfg.WorkerPool.Size)
	assert.Equal(t, 5*time.Second, cfg.WorkerPool.PollInterval)
	assert.NotEmpty(t, cfg.Presence.InstanceID)
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: sqlite
  dsn: file:backplane.db
presence:
  instance_id: node-a
  stale_threshold_seconds: 60
  heartbeat_flush_size: 3
  heartbeat_flush_seconds: 2
messages:
  default_ttl_hours: 1
  retention_days: 30
cleanup:
  interval_seconds: 10
  retry_delay_seconds: 2
worker_pool:
  size: 2
  queue_size: 8
  poll_interval_seconds: 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "node-a", cfg.Presence.InstanceID)
	assert.Equal(t, time.Minute, cfg.Presence.StaleThreshold)
	assert.Equal(t, 3, cfg.Presence.HeartbeatFlushSize)
	assert.Equal(t, 2*time.Second, cfg.Presence.HeartbeatFlushInterval)
	assert.Equal(t, time.Hour, cfg.Messages.DefaultTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Messages.Retention)
	assert.Equal(t, 10*time.Second, cfg.Cleanup.Interval)
	assert.Equal(t, 2*time.Second, cfg.Cleanup.RetryDelay)
	assert.Equal(t, 8, cfg.WorkerPool.QueueSize)
	assert.Equal(t, time.Second, cfg.WorkerPool.PollInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault_InstanceIDsDiffer(t *testing.T) {
	assert.NotEqual(t, Default().Presence.InstanceID, Default().Presence.InstanceID)
}
