package config

import (
	"github.com/spf13/viper"
)

// SetDefaults registers every configuration default on the viper
// instance. Values absent from config files and environment fall back to
// these.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())

	v.SetDefault("worker.agent_id", "")
	v.SetDefault("worker.poll_interval_ms", 5000)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.workstreams", []string{})
	v.SetDefault("worker.model", "")
	v.SetDefault("worker.max_retries", 0)
	v.SetDefault("worker.max_spawns_per_minute", 10)

	v.SetDefault("gateway.url", "ws://127.0.0.1:18789")

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbose", false)
}
