package health

import (
	"context"
	"fmt"
	"time"

	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/proc"
	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/rs/zerolog/log"
)

const megabyte = 1024 * 1024

// AssessorConfig tunes an Assessor.
type AssessorConfig struct {
	Probe ProbeConfig
	// MemoryRestartMB is the resident memory above which a restart is required.
	MemoryRestartMB uint64
	// MemoryWarnMB is the resident memory above which the worker should be watched.
	MemoryWarnMB  uint64
	MemoryTimeout time.Duration
}

// Assessor runs the probe plus the memory check and aggregates them.
type Assessor struct {
	cfg   AssessorConfig
	procs proc.Table
}

// NewAssessor creates an assessor. procs may be nil, which disables the
// process level liveness and memory checks.
func NewAssessor(cfg AssessorConfig, procs proc.Table) *Assessor {
	if cfg.MemoryRestartMB == 0 {
		cfg.MemoryRestartMB = 1000
	}
	if cfg.MemoryWarnMB == 0 {
		cfg.MemoryWarnMB = 500
	}
	if cfg.MemoryTimeout <= 0 {
		cfg.MemoryTimeout = 2 * time.Second
	}
	return &Assessor{cfg: cfg, procs: procs}
}

// Assess produces a fresh report for w.
func (a *Assessor) Assess(ctx context.Context, w *worker.Worker) Report {
	probe := Probe(ctx, w.Handle(), w.Profile(), a.procs, a.cfg.Probe)

	var extra []Recommendation
	rss, known := a.residentMemory(ctx, w)
	if known {
		extra = append(extra, a.memoryRecommendations(rss)...)
	}

	report := Aggregate(probe, extra...)
	report.WorkerID = w.ID()
	report.Metrics.MemoryRSS = rss
	report.Metrics.MemoryKnown = known
	report.Metrics.LatencyCeiling = w.Profile().LatencyCeiling

	log.Debug().
		Str("worker_id", w.ID()).
		Str("overall", string(report.Overall)).
		Bool("needs_restart", report.NeedsRestart).
		Int("pages", report.Metrics.PageCount).
		Dur("response_time", report.Metrics.ResponseTime).
		Str("memory", report.memory()).
		Msg("Worker health assessed")
	return report
}

func (a *Assessor) memoryRecommendations(rss uint64) []Recommendation {
	mb := rss / megabyte
	switch {
	case mb > a.cfg.MemoryRestartMB:
		return []Recommendation{{
			Message: fmt.Sprintf("high memory usage: %dMB, restart required", mb),
			Restart: true,
		}}
	case mb > a.cfg.MemoryWarnMB:
		return []Recommendation{{
			Message: fmt.Sprintf("elevated memory usage: %dMB, monitor closely", mb),
		}}
	}
	return nil
}

// residentMemory is best effort: any failure just means the memory is unknown.
func (a *Assessor) residentMemory(ctx context.Context, w *worker.Worker) (uint64, bool) {
	if a.procs == nil {
		return 0, false
	}
	pid, ok := w.PID()
	if !ok {
		return 0, false
	}
	rss, err := lib.DoWorkWithTimeout(ctx, a.cfg.MemoryTimeout, func(ctx context.Context) (uint64, error) {
		return a.procs.ResidentMemory(ctx, pid)
	})
	if err != nil {
		log.Debug().Err(err).Str("worker_id", w.ID()).Msg("Memory probe unavailable")
		return 0, false
	}
	return rss, true
}
