package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coracle/workq/config"
	"github.com/coracle/workq/worker"
)

func TestApplyWorkerConfig(t *testing.T) {
	cfg := worker.DefaultConfig()
	cfg.AgentID = "worker-1"

	applyWorkerConfig(&cfg, config.WorkerConfig{
		PollIntervalMs:     2000,
		Concurrency:        3,
		Workstreams:        []string{"backend"},
		Model:              "fast-model",
		MaxSpawnsPerMinute: 7,
	})

	assert.Equal(t, "worker-1", cfg.AgentID, "agent id is the caller's concern")
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, []string{"backend"}, cfg.Workstreams)
	assert.Equal(t, "fast-model", cfg.Model)
	assert.Equal(t, 7, cfg.MaxSpawnsPerMinute)
}

func TestApplyWorkerConfigZeroValues(t *testing.T) {
	cfg := worker.DefaultConfig()
	cfg.PollInterval = 2 * time.Second
	cfg.Concurrency = 3

	applyWorkerConfig(&cfg, config.WorkerConfig{})

	// Unset interval and concurrency keep their previous values; the
	// remaining fields track the config section exactly.
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Empty(t, cfg.Workstreams)
	assert.Empty(t, cfg.Model)
	assert.Zero(t, cfg.MaxSpawnsPerMinute)
}
