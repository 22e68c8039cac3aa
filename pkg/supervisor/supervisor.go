// Package supervisor drives task groups through a single browser worker,
// replacing the worker at group boundaries when it is due or unhealthy.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pyneda/rodwarden/pkg/supervisor/health"
	"github.com/pyneda/rodwarden/pkg/supervisor/restart"
	"github.com/pyneda/rodwarden/pkg/supervisor/termination"
	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/pyneda/rodwarden/pkg/task"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Assessor produces a health report for a worker.
type Assessor interface {
	Assess(ctx context.Context, w *worker.Worker) health.Report
}

// Factory spawns workers.
type Factory interface {
	Create(ctx context.Context) (*worker.Worker, error)
}

// Retirer tears workers down.
type Retirer interface {
	Retire(ctx context.Context, w *worker.Worker) termination.Result
}

// Scheduler runs one group against a worker.
type Scheduler interface {
	RunGroup(ctx context.Context, w *worker.Worker, g task.Group) []task.Outcome
}

// Journal persists worker lifecycle events. Failures are logged, never fatal.
type Journal interface {
	RecordWorkerStarted(id string, pid int, scratchDir string) error
	RecordWorkerRetired(id string, urlsProcessed int, reason string, browserClosed, scratchRemoved bool) error
}

// Deps are the collaborators of a Supervisor. Journal and OnGroup are optional.
type Deps struct {
	Assessor  Assessor
	Factory   Factory
	Retirer   Retirer
	Scheduler Scheduler
	Journal   Journal
	// OnGroup is called after each group with its outcomes, in task order.
	OnGroup func(g task.Group, outcomes []task.Outcome)
}

// Config tunes the supervisor.
type Config struct {
	Restart restart.Config
	// RetireTimeout bounds retirements that run on a detached context.
	RetireTimeout time.Duration
}

// Status is a point in time view of a running supervisor.
type Status struct {
	Running       bool           `json:"running"`
	CurrentGroup  string         `json:"current_group,omitempty"`
	WorkerID      string         `json:"worker_id,omitempty"`
	WorkerPID     int            `json:"worker_pid,omitempty"`
	WorkerStarted *time.Time     `json:"worker_started,omitempty"`
	URLsProcessed int            `json:"urls_processed"`
	LastReport    *health.Report `json:"last_report,omitempty"`
	LastRestart   string         `json:"last_restart,omitempty"`
	Stats         Stats          `json:"stats"`
}

// Supervisor owns the current worker for the duration of a run.
type Supervisor struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	status Status
	worker *worker.Worker
}

// New creates a supervisor.
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.RetireTimeout <= 0 {
		cfg.RetireTimeout = 45 * time.Second
	}
	return &Supervisor{cfg: cfg, deps: deps}
}

// Status returns a snapshot of the current run.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	if s.worker != nil {
		status.URLsProcessed = s.worker.URLsProcessed()
	}
	if status.LastReport != nil {
		report := *status.LastReport
		status.LastReport = &report
	}
	return status
}

// Run processes groups strictly one after another. Only a failure to spawn a
// worker stops the run early; a cancelled ctx stops it at the next group
// boundary. The last worker is always retired before Run returns.
func (s *Supervisor) Run(ctx context.Context, groups []task.Group) (stats Stats, err error) {
	stats.StartedAt = time.Now()
	s.update(func(st *Status) {
		st.Running = true
		st.Stats = stats
	})
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		s.update(func(st *Status) {
			st.Running = false
			st.CurrentGroup = ""
			st.Stats = stats
		})
	}()

	w, err := s.spawn(ctx, &stats)
	if err != nil {
		return stats, err
	}
	defer func() {
		s.retire(ctx, w, "run finished")
	}()

	for i, g := range groups {
		if ctx.Err() != nil {
			log.Warn().Int("remaining_groups", len(groups)-i).Msg("Run cancelled, skipping remaining groups")
			return stats, ctx.Err()
		}
		logger := log.With().Str("group", g.Name).Int("group_index", i).Logger()

		report := s.deps.Assessor.Assess(ctx, w)
		s.observeReport(report)

		decision := restart.Decide(report, w.URLsProcessed(), w.Window().Recent(), s.cfg.Restart)
		if decision.ShouldRestart {
			logger.Info().
				Str("worker_id", w.ID()).
				Str("kind", string(decision.Kind)).
				Str("reason", decision.Reason).
				Int("urls_processed", w.URLsProcessed()).
				Msg("Restarting worker before group")
			if w, err = s.replace(ctx, w, decision.Reason, decision.Kind, &stats); err != nil {
				return stats, err
			}
		}

		s.update(func(st *Status) { st.CurrentGroup = g.Name })
		outcomes := s.deps.Scheduler.RunGroup(ctx, w, g)
		for _, o := range outcomes {
			w.Window().Record(o.Success)
		}
		critical := stats.recordOutcomes(outcomes)
		s.update(func(st *Status) { st.Stats = stats })
		if s.deps.OnGroup != nil {
			s.deps.OnGroup(g, outcomes)
		}
		logGroup(logger, w, outcomes)

		if critical && i < len(groups)-1 && ctx.Err() == nil {
			logger.Warn().Str("worker_id", w.ID()).Msg("Critical task outcome, performing emergency restart")
			if w, err = s.replace(ctx, w, "critical task outcome", emergencyKind, &stats); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// replace retires old and spawns its successor. On spawn failure the returned
// worker is nil and the error is fatal for the run.
func (s *Supervisor) replace(ctx context.Context, old *worker.Worker, reason string, kind restart.Kind, stats *Stats) (*worker.Worker, error) {
	s.retire(ctx, old, reason)
	stats.recordRestart(kind)
	s.update(func(st *Status) {
		st.LastRestart = fmt.Sprintf("%s: %s", kind, reason)
		st.Stats = *stats
	})
	return s.spawn(ctx, stats)
}

func (s *Supervisor) spawn(ctx context.Context, stats *Stats) (*worker.Worker, error) {
	w, err := s.deps.Factory.Create(ctx)
	if err != nil {
		spawnFailuresTotal.Inc()
		log.Error().Err(err).Msg("Could not spawn worker")
		return nil, fmt.Errorf("spawning worker: %w", err)
	}
	stats.Workers++
	pid, _ := w.PID()
	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordWorkerStarted(w.ID(), pid, w.ScratchDir()); err != nil {
			log.Warn().Err(err).Str("worker_id", w.ID()).Msg("Could not journal worker start")
		}
	}
	s.mu.Lock()
	s.worker = w
	s.status.WorkerID = w.ID()
	s.status.WorkerPID = pid
	started := w.CreatedAt()
	s.status.WorkerStarted = &started
	s.mu.Unlock()
	return w, nil
}

// retire runs on a detached context so teardown completes even after the run
// was cancelled.
func (s *Supervisor) retire(ctx context.Context, w *worker.Worker, reason string) {
	if w == nil {
		return
	}
	retireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RetireTimeout)
	defer cancel()

	result := s.deps.Retirer.Retire(retireCtx, w)
	step := string(result.TerminatedBy)
	if !result.BrowserClosed {
		step = "unconfirmed"
	}
	escalationTerminalStep.WithLabelValues(step).Inc()

	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordWorkerRetired(w.ID(), w.URLsProcessed(), reason, result.BrowserClosed, result.ScratchRemoved); err != nil {
			log.Warn().Err(err).Str("worker_id", w.ID()).Msg("Could not journal worker retirement")
		}
	}
	if !result.BrowserClosed || !result.ScratchRemoved {
		log.Error().
			Str("worker_id", w.ID()).
			Bool("browser_closed", result.BrowserClosed).
			Bool("scratch_removed", result.ScratchRemoved).
			Strs("errors", result.Errors).
			Msg("Worker retirement incomplete")
	}

	s.mu.Lock()
	if s.worker == w {
		s.worker = nil
		s.status.WorkerID = ""
		s.status.WorkerPID = 0
		s.status.WorkerStarted = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) observeReport(report health.Report) {
	assessmentsTotal.WithLabelValues(string(report.Overall)).Inc()
	if report.Metrics.ResponseTime > 0 {
		probeResponseSeconds.Observe(report.Metrics.ResponseTime.Seconds())
	}
	s.update(func(st *Status) { st.LastReport = &report })
}

func (s *Supervisor) update(fn func(st *Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

func logGroup(logger zerolog.Logger, w *worker.Worker, outcomes []task.Outcome) {
	failed := 0
	for _, o := range outcomes {
		if !o.Success {
			failed++
		}
	}
	logger.Info().
		Str("worker_id", w.ID()).
		Int("tasks", len(outcomes)).
		Int("failed", failed).
		Int("window_failures", w.Window().Failures()).
		Int("urls_processed", w.URLsProcessed()).
		Msg("Group completed")
}
