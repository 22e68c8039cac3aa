package cmd

import (
	"os"
	"path/filepath"

	"github.com/pyneda/rodwarden/db"
	"github.com/pyneda/rodwarden/pkg/browser"
	"github.com/pyneda/rodwarden/pkg/proc"
	"github.com/pyneda/rodwarden/pkg/supervisor/health"
	"github.com/pyneda/rodwarden/pkg/supervisor/restart"
	"github.com/pyneda/rodwarden/pkg/supervisor/termination"
	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/pyneda/rodwarden/pkg/task"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func scratchRoot() string {
	if root := viper.GetString("engine.scratch_root"); root != "" {
		return root
	}
	return filepath.Join(os.TempDir(), "rodwarden")
}

func workerMarker() string {
	if marker := viper.GetString("engine.marker"); marker != "" {
		return marker
	}
	return browser.DefaultMarker
}

func buildFactory() *worker.Factory {
	engine := browser.NewRodEngine(viper.GetDuration("engine.launch_timeout"))
	return worker.NewFactory(engine, worker.FactoryConfig{
		ScratchRoot: scratchRoot(),
		Launch:      browser.LaunchOptionsFromConfig(),
		BaseTimeout: viper.GetDuration("health.base_timeout"),
		SlowEngines: viper.GetString("engine.slow_versions"),
		WindowSize:  viper.GetInt("supervisor.failure_window"),
	})
}

func buildAssessor(procs proc.Table) *health.Assessor {
	return health.NewAssessor(health.AssessorConfig{
		Probe: health.ProbeConfig{
			MaxPages: viper.GetInt("health.max_pages"),
			Target:   viper.GetString("health.probe_target"),
		},
		MemoryRestartMB: uint64(viper.GetInt("health.memory.restart_mb")),
		MemoryWarnMB:    uint64(viper.GetInt("health.memory.warn_mb")),
		MemoryTimeout:   viper.GetDuration("health.memory.timeout"),
	}, procs)
}

func buildEscalator(procs proc.Table) *termination.Escalator {
	return termination.NewEscalator(termination.Config{
		Timeout:         viper.GetDuration("termination.timeout"),
		GracefulTimeout: viper.GetDuration("termination.graceful_timeout"),
		GracePeriod:     viper.GetDuration("termination.grace_period"),
		RemoveAttempts:  viper.GetInt("termination.remove_attempts"),
	}, procs, buildKiller())
}

func buildKiller() *proc.PatternKiller {
	return proc.NewPatternKiller(workerMarker())
}

func restartConfig() restart.Config {
	cfg := restart.DefaultConfig()
	cfg.Interval = viper.GetInt("supervisor.restart_interval")
	cfg.LatencyCeiling = viper.GetDuration("supervisor.latency_ceiling")
	cfg.FailureWindow = viper.GetInt("supervisor.failure_window")
	cfg.FailureThreshold = viper.GetInt("supervisor.failure_threshold")
	cfg.MinURLsForFailures = viper.GetInt("supervisor.failure_min_urls")
	return cfg
}

func taskConfig() task.Config {
	return task.Config{
		Timeout:         viper.GetDuration("task.timeout"),
		Settle:          viper.GetDuration("task.settle"),
		CollectRequests: viper.GetBool("task.collect_requests"),
	}
}

// openJournal returns nil when the journal is disabled or unavailable.
func openJournal() *db.DatabaseConnection {
	if !viper.GetBool("db.enabled") {
		return nil
	}
	conn, err := db.Open(db.ConfigFromViper())
	if err != nil {
		log.Warn().Err(err).Msg("Worker journal unavailable, continuing without it")
		return nil
	}
	return conn
}
