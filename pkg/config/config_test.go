package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "local", cfg.Executor.Type)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loadgate.yaml")
	content := `
server:
  addr: ":9090"
store:
  type: sqlite
  sqlite_path: /tmp/tasks.db
scheduler:
  interval: 2s
  watchdog: 90s
  workers: 8
executor:
  type: agent
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LOADGATE_ADDR", ":7070")
	t.Setenv("LOADGATE_WATCHDOG", "3m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/tasks.db", cfg.Store.SQLitePath)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 3*time.Minute, cfg.Scheduler.Watchdog)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, "agent", cfg.Executor.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched sections keep defaults
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("LOADGATE_STORE", "etcd")
	_, err := Load("")
	assert.ErrorContains(t, err, "unsupported store type")
}

func TestLoadRejectsBlankLocustBin(t *testing.T) {
	t.Setenv("LOADGATE_EXECUTOR", "local")
	t.Setenv("LOADGATE_LOCUST_BIN", "   ")
	_, err := Load("")
	assert.ErrorContains(t, err, "executor.locust_bin")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("LOADGATE_SCHEDULER_INTERVAL", "soon")
	_, err := Load("")
	assert.Error(t, err)
}
