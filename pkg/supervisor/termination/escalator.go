// Package termination retires browser workers through an escalating ladder of
// graceful close, OS signals and a pattern based kill, always ending with the
// removal of the worker's scratch directory.
package termination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/looplab/fsm"
	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/proc"
	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/rs/zerolog/log"
)

// Step names a rung of the ladder. They double as the state machine states.
type Step string

const (
	StepIdle     Step = "idle"
	StepGraceful Step = "graceful"
	StepSignal   Step = "signal"
	StepNuclear  Step = "nuclear"
	StepCleanup  Step = "cleanup"
	StepRetired  Step = "retired"
)

const (
	eventBegin    = "begin"
	eventEscalate = "escalate"
	eventClosed   = "closed"
	eventFinish   = "finish"
)

// NuclearKiller kills every process carrying the tool's worker marker.
type NuclearKiller interface {
	KillByWorkerSignature(ctx context.Context) error
}

// Config bounds the ladder.
type Config struct {
	// Timeout bounds the whole retirement.
	Timeout time.Duration
	// GracefulTimeout bounds the graceful close step.
	GracefulTimeout time.Duration
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// RemoveAttempts is how many times the scratch directory removal is tried.
	RemoveAttempts int
}

// DefaultConfig returns the stock bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		GracefulTimeout: 10 * time.Second,
		GracePeriod:     3 * time.Second,
		RemoveAttempts:  3,
	}
}

// Result describes what happened while retiring one worker.
type Result struct {
	WorkerID       string        `json:"worker_id"`
	BrowserClosed  bool          `json:"browser_closed"`
	ScratchRemoved bool          `json:"scratch_removed"`
	TerminatedBy   Step          `json:"terminated_by,omitempty"`
	Steps          []Step        `json:"steps"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

func (r *Result) addError(step Step, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
}

// Escalator retires workers. procs and nuclear may be nil, in which case the
// corresponding rungs are skipped.
type Escalator struct {
	cfg     Config
	procs   proc.Table
	nuclear NuclearKiller
}

// NewEscalator creates an escalator, filling unset bounds from DefaultConfig.
func NewEscalator(cfg Config, procs proc.Table, nuclear NuclearKiller) *Escalator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.RemoveAttempts <= 0 {
		cfg.RemoveAttempts = def.RemoveAttempts
	}
	return &Escalator{cfg: cfg, procs: procs, nuclear: nuclear}
}

func newLadder(result *Result) *fsm.FSM {
	return fsm.NewFSM(
		string(StepIdle),
		fsm.Events{
			{Name: eventBegin, Src: []string{string(StepIdle)}, Dst: string(StepGraceful)},
			{Name: eventEscalate, Src: []string{string(StepGraceful)}, Dst: string(StepSignal)},
			{Name: eventEscalate, Src: []string{string(StepSignal)}, Dst: string(StepNuclear)},
			{Name: eventClosed, Src: []string{string(StepIdle), string(StepGraceful), string(StepSignal), string(StepNuclear)}, Dst: string(StepCleanup)},
			{Name: eventFinish, Src: []string{string(StepCleanup)}, Dst: string(StepRetired)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if Step(e.Dst) != StepRetired {
					result.Steps = append(result.Steps, Step(e.Dst))
				}
			},
		},
	)
}

// Retire closes the worker's engine and removes its scratch directory. It
// never panics and returns within the configured timeout plus the cleanup
// time. Retiring an already retired worker only re-checks the scratch
// directory.
func (e *Escalator) Retire(ctx context.Context, w *worker.Worker) (result Result) {
	start := time.Now()
	result.WorkerID = w.ID()
	logger := log.With().Str("worker_id", w.ID()).Str("scratch_dir", w.ScratchDir()).Logger()

	ladder := newLadder(&result)
	fire := func(event string) {
		if err := ladder.Event(context.WithoutCancel(ctx), event); err != nil {
			logger.Debug().Err(err).Str("event", event).Msg("Termination ladder transition rejected")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			result.addError(Step(ladder.Current()), fmt.Errorf("panic: %v", r))
			logger.Error().Interface("panic", r).Msg("Recovered from panic while retiring worker")
			e.cleanup(w, &result)
		}
		result.Duration = time.Since(start)
	}()

	if w.Retired() {
		result.BrowserClosed = true
		fire(eventClosed)
		e.cleanup(w, &result)
		fire(eventFinish)
		return result
	}

	boundedCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	// rootPID is dropped once the primary is seen gone, as the pid may be reused.
	rootPID, _ := w.PID()
	fire(eventBegin)
	for Step(ladder.Current()) != StepCleanup {
		step := Step(ladder.Current())
		var (
			closed bool
			err    error
		)
		switch step {
		case StepGraceful:
			var primaryGone bool
			closed, primaryGone, err = e.graceful(boundedCtx, w)
			if primaryGone {
				rootPID = 0
			}
		case StepSignal:
			closed, err = e.signal(boundedCtx, w, rootPID)
		case StepNuclear:
			closed, err = e.nuke(boundedCtx, w, rootPID)
		}
		if err != nil {
			result.addError(step, err)
			logger.Debug().Err(err).Str("step", string(step)).Msg("Termination step failed")
		}
		if closed {
			result.BrowserClosed = true
			result.TerminatedBy = step
			fire(eventClosed)
			break
		}
		if step == StepNuclear {
			logger.Error().Strs("errors", result.Errors).Msg("Worker could not be confirmed closed")
			fire(eventClosed)
			break
		}
		fire(eventEscalate)
	}

	e.cleanup(w, &result)
	fire(eventFinish)

	logger.Info().
		Bool("browser_closed", result.BrowserClosed).
		Bool("scratch_removed", result.ScratchRemoved).
		Str("terminated_by", string(result.TerminatedBy)).
		Int("urls_processed", w.URLsProcessed()).
		Dur("age", time.Since(w.CreatedAt())).
		Msg("Worker retired")
	return result
}

// graceful closes every page and asks the engine to shut down, then waits for
// the primary process to exit. primaryGone reports that the primary process
// had already exited before anything was attempted.
func (e *Escalator) graceful(ctx context.Context, w *worker.Worker) (closed, primaryGone bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GracefulTimeout)
	defer cancel()

	pid, hasPID := w.PID()
	if hasPID && e.procs != nil {
		alive, err := e.procs.Alive(ctx, pid)
		if err == nil && !alive {
			return false, true, fmt.Errorf("primary process %d already exited", pid)
		}
	}

	handle := w.Handle()
	if handle == nil || !handle.IsConnected() {
		return false, false, errors.New("transport already disconnected")
	}

	profile := w.Profile()
	pages, err := lib.DoWorkWithTimeout(ctx, profile.Enumerate, handle.Pages)
	if err != nil {
		log.Debug().Err(err).Str("worker_id", w.ID()).Msg("Could not list pages before shutdown")
	}
	for _, page := range pages {
		if err := lib.RunWithTimeout(ctx, profile.ClosePage, page.Close); err != nil {
			log.Debug().Err(err).Str("worker_id", w.ID()).Msg("Could not close page before shutdown")
		}
	}

	if err := handle.Shutdown(ctx); err != nil {
		return false, false, fmt.Errorf("shutdown: %w", err)
	}
	if !hasPID || e.procs == nil {
		return true, false, nil
	}
	if e.waitExited(ctx, pid) {
		return true, false, nil
	}
	return false, false, fmt.Errorf("primary process %d still running after shutdown", pid)
}

// signal terminates every process carrying the worker's scratch directory in
// its command line plus the process tree under rootPID, if any.
func (e *Escalator) signal(ctx context.Context, w *worker.Worker, rootPID int) (bool, error) {
	if e.procs == nil {
		return false, errors.New("process table unavailable")
	}
	if _, err := KillBySignature(ctx, e.procs, proc.Signature(w.ScratchDir()), rootPID, e.cfg.GracePeriod); err != nil {
		return false, err
	}
	return true, nil
}

// KillBySignature sends SIGTERM to every process matching sig or descending
// from rootPID, waits up to grace, then SIGKILLs the survivors. It returns how
// many processes were found. Processes that exit on their own are not errors.
func KillBySignature(ctx context.Context, procs proc.Table, sig proc.Signature, rootPID int, grace time.Duration) (int, error) {
	found, err := procs.Find(ctx, sig, rootPID)
	if err != nil {
		return 0, fmt.Errorf("listing worker processes: %w", err)
	}
	if len(found) == 0 {
		return 0, nil
	}

	for _, p := range found {
		if err := p.Terminate(ctx); err != nil && !proc.IsGone(err) {
			log.Debug().Err(err).Int32("pid", p.PID()).Msg("SIGTERM failed")
		}
	}

	survivors := waitSurvivors(ctx, found, grace)
	if len(survivors) == 0 {
		return len(found), nil
	}
	for _, p := range survivors {
		if err := p.Kill(ctx); err != nil && !proc.IsGone(err) {
			log.Debug().Err(err).Int32("pid", p.PID()).Msg("SIGKILL failed")
		}
	}

	survivors = waitSurvivors(ctx, survivors, 500*time.Millisecond)
	if len(survivors) > 0 {
		return len(found), fmt.Errorf("%d processes survived SIGKILL", len(survivors))
	}
	return len(found), nil
}

// nuke runs the pattern kill and reports whether no worker process is left.
func (e *Escalator) nuke(ctx context.Context, w *worker.Worker, rootPID int) (bool, error) {
	if e.nuclear == nil {
		return false, errors.New("no nuclear killer configured")
	}
	if err := e.nuclear.KillByWorkerSignature(ctx); err != nil {
		return false, err
	}
	if e.procs == nil {
		return true, nil
	}
	procs, err := e.procs.Find(ctx, proc.Signature(w.ScratchDir()), rootPID)
	if err != nil {
		return true, nil
	}
	if survivors := waitSurvivors(ctx, procs, 500*time.Millisecond); len(survivors) > 0 {
		return false, fmt.Errorf("%d processes survived the pattern kill", len(survivors))
	}
	return true, nil
}

// cleanup always runs: disconnect, remove the scratch directory, mark retired.
func (e *Escalator) cleanup(w *worker.Worker, result *Result) {
	if handle := w.Handle(); handle != nil {
		if err := handle.Disconnect(); err != nil {
			result.addError(StepCleanup, fmt.Errorf("disconnect: %w", err))
		}
	}
	if err := removeScratch(w.ScratchDir(), e.cfg.RemoveAttempts); err != nil {
		result.addError(StepCleanup, err)
	} else {
		result.ScratchRemoved = true
	}
	w.MarkRetired()
}

func removeScratch(dir string, attempts int) error {
	if dir == "" {
		return nil
	}
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = os.RemoveAll(dir); err == nil {
			if _, statErr := os.Stat(dir); errors.Is(statErr, os.ErrNotExist) {
				return nil
			}
			err = fmt.Errorf("scratch directory %s still present", dir)
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("removing scratch directory: %w", err)
}

func (e *Escalator) waitExited(ctx context.Context, pid int) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		alive, err := e.procs.Alive(ctx, pid)
		if err == nil && !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// waitSurvivors polls procs until all exited or wait elapsed and returns the
// ones still running.
func waitSurvivors(ctx context.Context, procs []proc.Process, wait time.Duration) []proc.Process {
	deadline := time.Now().Add(wait)
	for {
		var survivors []proc.Process
		for _, p := range procs {
			running, err := p.IsRunning(ctx)
			if err == nil && running {
				survivors = append(survivors, p)
			}
		}
		if len(survivors) == 0 || !time.Now().Before(deadline) {
			return survivors
		}
		select {
		case <-ctx.Done():
			return survivors
		case <-time.After(50 * time.Millisecond):
		}
		procs = survivors
	}
}
