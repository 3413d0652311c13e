package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workq.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
[database]
path = "/var/lib/workq/queue.db"

[worker]
agent_id = "worker-1"
poll_interval_ms = 2000
concurrency = 3
workstreams = ["backend", "infra"]
max_retries = 2

[gateway]
url = "ws://gateway.internal:9000"

[log]
json = true
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/workq/queue.db", cfg.Database.Path)
	assert.Equal(t, "worker-1", cfg.Worker.AgentID)
	assert.Equal(t, 2000, cfg.Worker.PollIntervalMs)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"backend", "infra"}, cfg.Worker.Workstreams)
	assert.Equal(t, 2, cfg.Worker.MaxRetries)
	assert.Equal(t, "ws://gateway.internal:9000", cfg.Gateway.URL)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[worker]
agent_id = "worker-1"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Worker.PollIntervalMs)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 10, cfg.Worker.MaxSpawnsPerMinute)
	assert.Equal(t, "ws://127.0.0.1:18789", cfg.Gateway.URL)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workq.toml")

	cfg := &Config{}
	cfg.Database.Path = "/data/queue.db"
	cfg.Worker.AgentID = "worker-2"
	cfg.Worker.Concurrency = 4
	cfg.Gateway.URL = "ws://localhost:18789"

	require.NoError(t, Save(cfg, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/queue.db", loaded.Database.Path)
	assert.Equal(t, "worker-2", loaded.Worker.AgentID)
	assert.Equal(t, 4, loaded.Worker.Concurrency)
}

func TestSaveRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workq.toml")

	cfg := &Config{}
	cfg.Worker.AgentID = "v1"
	require.NoError(t, Save(cfg, path))

	// First save of an existing file creates .back1.
	cfg.Worker.AgentID = "v2"
	require.NoError(t, Save(cfg, path))
	assert.FileExists(t, path+".back1")

	cfg.Worker.AgentID = "v3"
	require.NoError(t, Save(cfg, path))
	assert.FileExists(t, path+".back2")

	// The newest backup holds the previous content.
	backup, err := LoadFromFile(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, "v2", backup.Worker.AgentID)

	current, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v3", current.Worker.AgentID)
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/u/.workq/workq.toml.back1"))
	assert.True(t, isBackupFile("/home/u/.workq/workq.toml.back3"))
	assert.False(t, isBackupFile("/home/u/.workq/workq.toml"))
}
