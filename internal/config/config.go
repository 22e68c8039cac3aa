package config

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func LoadConfig() {
	viper.SetConfigName("config")          // name of config file (without extension)
	viper.SetConfigType("yaml")            // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath("/etc/rodwarden/") // path to look for the config file in
	viper.AddConfigPath(".")               // optionally look for config in the working directory
	viper.SetEnvPrefix("RODWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debug().Msg("Config file not found, using defaults")
		} else {
			log.Panic().Err(err).Msg("Fatal error reading config file")
		}
	}
	SetDefaultConfig()
}

func SetDefaultConfig() {
	// Supervisor
	viper.SetDefault("supervisor.restart_interval", 50)
	viper.SetDefault("supervisor.concurrency", 6)
	viper.SetDefault("supervisor.failure_window", 3)
	viper.SetDefault("supervisor.failure_threshold", 2)
	viper.SetDefault("supervisor.failure_min_urls", 5)
	viper.SetDefault("supervisor.group_size", 0)
	// Zero follows the engine version: 3s, or 4s on slow engines.
	viper.SetDefault("supervisor.latency_ceiling", "0s")

	// Health
	viper.SetDefault("health.base_timeout", "5s")
	viper.SetDefault("health.max_pages", 20)
	viper.SetDefault("health.probe_target", "about:blank")
	viper.SetDefault("health.memory.restart_mb", 1000)
	viper.SetDefault("health.memory.warn_mb", 500)
	viper.SetDefault("health.memory.timeout", "2s")

	// Engine
	viper.SetDefault("engine.bin", "")
	viper.SetDefault("engine.headless", true)
	viper.SetDefault("engine.no_sandbox", false)
	viper.SetDefault("engine.proxy", "")
	viper.SetDefault("engine.disk_cache_bytes", 50*1024*1024)
	viper.SetDefault("engine.media_cache_bytes", 50*1024*1024)
	viper.SetDefault("engine.marker", "rodwarden-worker")
	viper.SetDefault("engine.extra_flags", map[string]string{})
	viper.SetDefault("engine.slow_versions", ">= 132.0.0")
	viper.SetDefault("engine.scratch_root", "")
	viper.SetDefault("engine.launch_timeout", "60s")

	// Termination
	viper.SetDefault("termination.timeout", "30s")
	viper.SetDefault("termination.graceful_timeout", "10s")
	viper.SetDefault("termination.grace_period", "3s")
	viper.SetDefault("termination.remove_attempts", 3)

	// Task
	viper.SetDefault("task.timeout", "30s")
	viper.SetDefault("task.settle", "0s")
	viper.SetDefault("task.collect_requests", true)

	// Worker journal
	viper.SetDefault("db.enabled", false)
	viper.SetDefault("db.type", "sqlite")
	viper.SetDefault("db.dsn", "rodwarden.db")

	// Status API
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen.host", "127.0.0.1")
	viper.SetDefault("api.listen.port", 13338)

	// Logging
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.console.format", "pretty")
	viper.SetDefault("logging.file.enabled", false)
	viper.SetDefault("logging.file.path", "rodwarden.log")
	viper.SetDefault("logging.file.level", "debug")
}
