// Package scheduler runs task groups against the current worker under a
// concurrency ceiling shared by the whole run.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/pyneda/rodwarden/pkg/task"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the admission limit used when none is configured.
const DefaultConcurrency = 6

// Scheduler admits tasks in submission order and collects their outcomes by
// task index.
type Scheduler struct {
	limit  int
	sem    *semaphore.Weighted
	runner task.Runner
}

// New creates a scheduler admitting at most limit tasks at once.
func New(limit int, runner task.Runner) *Scheduler {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Scheduler{limit: limit, sem: semaphore.NewWeighted(int64(limit)), runner: runner}
}

// Limit returns the admission limit.
func (s *Scheduler) Limit() int {
	return s.limit
}

// RunGroup runs every task of g against w and returns once all of them
// finished. outcomes[i] always belongs to g.Tasks[i]. A failing or panicking
// task never affects its siblings. Tasks that could not be admitted because
// ctx was cancelled are reported as failed.
func (s *Scheduler) RunGroup(ctx context.Context, w *worker.Worker, g task.Group) []task.Outcome {
	outcomes := make([]task.Outcome, len(g.Tasks))
	wg := conc.NewWaitGroup()

	for i, t := range g.Tasks {
		if t.Config == (task.Config{}) {
			t.Config = g.Config
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(g.Tasks); j++ {
				outcomes[j] = task.Failed(g.Tasks[j], fmt.Errorf("not admitted: %w", err))
				outcomes[j].WorkerID = w.ID()
			}
			break
		}
		i, t := i, t
		wg.Go(func() {
			defer s.sem.Release(1)
			outcomes[i] = s.run(ctx, w, t)
			w.RecordURL()
		})
	}
	wg.Wait()

	log.Debug().
		Str("group", g.Name).
		Str("worker_id", w.ID()).
		Int("tasks", len(g.Tasks)).
		Int("urls_processed", w.URLsProcessed()).
		Msg("Group finished")
	return outcomes
}

func (s *Scheduler) run(ctx context.Context, w *worker.Worker, t task.Task) (outcome task.Outcome) {
	start := time.Now()
	if recovered := panics.Try(func() {
		outcome = s.runner.Run(ctx, w.Handle(), t)
	}); recovered != nil {
		log.Error().Str("target", t.Target).Str("panic", recovered.String()).Msg("Task panicked")
		outcome = task.Failed(t, recovered.AsError())
		outcome.Duration = time.Since(start)
	}
	outcome.Task = t
	outcome.WorkerID = w.ID()
	return outcome
}
