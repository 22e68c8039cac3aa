package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pyneda/rodwarden/pkg/browser"
	"github.com/pyneda/rodwarden/pkg/browser/browsertest"
	"github.com/pyneda/rodwarden/pkg/supervisor/health"
	"github.com/pyneda/rodwarden/pkg/supervisor/restart"
	"github.com/pyneda/rodwarden/pkg/supervisor/scheduler"
	"github.com/pyneda/rodwarden/pkg/supervisor/termination"
	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/pyneda/rodwarden/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAssessor replays reports in order, then reports healthy.
type scriptedAssessor struct {
	reports []health.Report
	calls   int
}

func (a *scriptedAssessor) Assess(ctx context.Context, w *worker.Worker) health.Report {
	defer func() { a.calls++ }()
	if a.calls < len(a.reports) {
		r := a.reports[a.calls]
		r.WorkerID = w.ID()
		return r
	}
	return health.Report{WorkerID: w.ID(), Overall: health.VerdictHealthy}
}

type recordingJournal struct {
	mu      sync.Mutex
	started []string
	retired map[string]string
}

func (j *recordingJournal) RecordWorkerStarted(id string, pid int, scratchDir string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, id)
	return nil
}

func (j *recordingJournal) RecordWorkerRetired(id string, urls int, reason string, browserClosed, scratchRemoved bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.retired == nil {
		j.retired = make(map[string]string)
	}
	j.retired[id] = reason
	return nil
}

// flakyFactory fails every creation after the first ok ones.
type flakyFactory struct {
	inner *worker.Factory
	ok    int
	calls int
}

func (f *flakyFactory) Create(ctx context.Context) (*worker.Worker, error) {
	f.calls++
	if f.calls > f.ok {
		return nil, worker.ErrSpawn
	}
	return f.inner.Create(ctx)
}

type harness struct {
	root      string
	engine    *browsertest.Engine
	factory   *worker.Factory
	assessor  *scriptedAssessor
	journal   *recordingJournal
	runner    task.RunnerFunc
	groupWIDs []string
	urls      []int
}

func newHarness(t *testing.T) *harness {
	root := t.TempDir()
	engine := browsertest.NewEngine(100)
	h := &harness{
		root:     root,
		engine:   engine,
		factory:  worker.NewFactory(engine, worker.FactoryConfig{ScratchRoot: root, BaseTimeout: 200 * time.Millisecond}),
		assessor: &scriptedAssessor{},
		journal:  &recordingJournal{},
		runner: func(ctx context.Context, handle browser.Handle, tk task.Task) task.Outcome {
			return task.Outcome{Success: true}
		},
	}
	return h
}

func (h *harness) supervisor(cfg restart.Config, factory Factory) *Supervisor {
	if factory == nil {
		factory = h.factory
	}
	var s *Supervisor
	s = New(Config{Restart: cfg, RetireTimeout: 5 * time.Second}, Deps{
		Assessor:  h.assessor,
		Factory:   factory,
		Retirer:   termination.NewEscalator(termination.Config{GracePeriod: 50 * time.Millisecond}, nil, nil),
		Scheduler: scheduler.New(2, h.runner),
		Journal:   h.journal,
		OnGroup: func(g task.Group, outcomes []task.Outcome) {
			h.groupWIDs = append(h.groupWIDs, outcomes[0].WorkerID)
			h.urls = append(h.urls, s.Status().URLsProcessed)
		},
	})
	return s
}

func singleTaskGroups(n int) []task.Group {
	groups := make([]task.Group, n)
	for i := range groups {
		groups[i] = task.NewGroup("g", task.Config{}, "https://example.com")
	}
	return groups
}

func assertScratchRootEmpty(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunScheduledRestarts(t *testing.T) {
	h := newHarness(t)
	cfg := restart.DefaultConfig()
	cfg.Interval = 5

	stats, err := h.supervisor(cfg, nil).Run(context.Background(), singleTaskGroups(12))
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Restarts)
	assert.Equal(t, 2, stats.ScheduledRestarts)
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, 12, stats.Tasks)
	assert.Equal(t, 12, stats.Successes)

	require.Len(t, h.groupWIDs, 12)
	for i := 1; i < 12; i++ {
		changed := h.groupWIDs[i] != h.groupWIDs[i-1]
		assert.Equal(t, i == 5 || i == 10, changed, "group %d", i)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 1, 2, 3, 4, 5, 1, 2}, h.urls)

	for _, handle := range h.engine.Spawned {
		assert.Equal(t, 1, handle.ShutdownCalls())
	}
	assertScratchRootEmpty(t, h.root)
	assert.Len(t, h.journal.started, 3)
	assert.Len(t, h.journal.retired, 3)
}

func TestRunCriticalProbeRestartsOnce(t *testing.T) {
	h := newHarness(t)
	h.assessor.reports = []health.Report{
		{Overall: health.VerdictHealthy},
		{Overall: health.VerdictHealthy},
		{Overall: health.VerdictCritical, CriticalError: true, NeedsRestart: true, Error: "target closed"},
		{Overall: health.VerdictHealthy},
	}
	cfg := restart.DefaultConfig()
	cfg.Interval = 0

	stats, err := h.supervisor(cfg, nil).Run(context.Background(), singleTaskGroups(4))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Restarts)
	assert.Equal(t, 1, stats.HealthRestarts)
	assert.Equal(t, 4, h.assessor.calls)
	require.Len(t, h.groupWIDs, 4)
	assert.Equal(t, h.groupWIDs[0], h.groupWIDs[1])
	assert.NotEqual(t, h.groupWIDs[1], h.groupWIDs[2])
	assert.Equal(t, h.groupWIDs[2], h.groupWIDs[3])
	assert.Contains(t, h.journal.retired[h.groupWIDs[1]], "critical protocol error")
}

func TestRunEmergencyRestartAfterCriticalOutcome(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	calls := 0
	h.runner = func(ctx context.Context, handle browser.Handle, tk task.Task) task.Outcome {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return task.Failed(tk, browser.ErrTargetClosed)
		}
		return task.Outcome{Success: true}
	}
	cfg := restart.DefaultConfig()
	cfg.Interval = 0

	stats, err := h.supervisor(cfg, nil).Run(context.Background(), singleTaskGroups(3))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.EmergencyRestarts)
	assert.Equal(t, 1, stats.CriticalOutcomes)
	assert.Equal(t, 1, stats.Failures)
	assert.NotEqual(t, h.groupWIDs[0], h.groupWIDs[1])
	assert.Equal(t, h.groupWIDs[1], h.groupWIDs[2])
	assertScratchRootEmpty(t, h.root)
}

func TestRunCriticalOutcomeInLastGroupDoesNotSpawn(t *testing.T) {
	h := newHarness(t)
	h.runner = func(ctx context.Context, handle browser.Handle, tk task.Task) task.Outcome {
		return task.Failed(tk, browser.ErrConnectionClosed)
	}

	stats, err := h.supervisor(restart.DefaultConfig(), nil).Run(context.Background(), singleTaskGroups(1))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Restarts)
	assert.Equal(t, 1, stats.Workers)
}

func TestRunGroupIsNeverSplit(t *testing.T) {
	h := newHarness(t)
	cfg := restart.DefaultConfig()
	cfg.Interval = 3
	groups := []task.Group{
		task.NewGroup("a", task.Config{}, "1", "2"),
		task.NewGroup("b", task.Config{}, "3", "4", "5", "6"),
		task.NewGroup("c", task.Config{}, "7"),
	}
	var perGroup [][]string
	s := h.supervisor(cfg, nil)
	s.deps.OnGroup = func(g task.Group, outcomes []task.Outcome) {
		var ids []string
		for _, o := range outcomes {
			ids = append(ids, o.WorkerID)
		}
		perGroup = append(perGroup, ids)
	}

	stats, err := s.Run(context.Background(), groups)
	require.NoError(t, err)

	for _, ids := range perGroup {
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	}
	assert.Equal(t, perGroup[0][0], perGroup[1][0], "2 URLs are below the interval")
	assert.NotEqual(t, perGroup[1][0], perGroup[2][0])
	assert.Equal(t, 1, stats.ScheduledRestarts)
}

func TestRunInitialSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.SpawnErr = browsertest.ErrBoom

	stats, err := h.supervisor(restart.DefaultConfig(), nil).Run(context.Background(), singleTaskGroups(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrSpawn))
	assert.Equal(t, 0, stats.Workers)
	assert.Equal(t, 0, stats.Groups)
	assertScratchRootEmpty(t, h.root)
}

func TestRunSpawnFailureDuringRestartIsFatal(t *testing.T) {
	h := newHarness(t)
	cfg := restart.DefaultConfig()
	cfg.Interval = 2

	stats, err := h.supervisor(cfg, &flakyFactory{inner: h.factory, ok: 1}).Run(context.Background(), singleTaskGroups(5))
	require.ErrorIs(t, err, worker.ErrSpawn)
	assert.Equal(t, 2, stats.Groups)
	assert.Equal(t, 1, stats.Restarts)
	assertScratchRootEmpty(t, h.root)
}

func TestRunCancelledStillRetires(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := h.supervisor(restart.DefaultConfig(), nil)
	s.deps.OnGroup = func(g task.Group, outcomes []task.Outcome) {
		cancel()
	}

	stats, err := s.Run(ctx, singleTaskGroups(5))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Groups)
	require.Len(t, h.engine.Spawned, 1)
	assert.False(t, h.engine.Spawned[0].IsConnected())
	assertScratchRootEmpty(t, h.root)
	assert.False(t, s.Status().Running)
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t)
	s := h.supervisor(restart.DefaultConfig(), nil)
	var during Status
	s.deps.OnGroup = func(g task.Group, outcomes []task.Outcome) {
		during = s.Status()
	}

	stats, err := s.Run(context.Background(), singleTaskGroups(1))
	require.NoError(t, err)

	assert.True(t, during.Running)
	assert.NotEmpty(t, during.WorkerID)
	require.NotNil(t, during.WorkerStarted)
	assert.False(t, during.WorkerStarted.After(time.Now()))
	assert.Equal(t, 1, during.URLsProcessed)
	require.NotNil(t, during.LastReport)
	assert.Equal(t, health.VerdictHealthy, during.LastReport.Overall)

	after := s.Status()
	assert.False(t, after.Running)
	assert.Empty(t, after.WorkerID)
	assert.Nil(t, after.WorkerStarted)
	assert.Equal(t, stats.Tasks, after.Stats.Tasks)
}

func TestStatsFormatting(t *testing.T) {
	s := Stats{Groups: 2, Tasks: 3, Restarts: 1, ScheduledRestarts: 1}
	assert.Contains(t, s.String(), "Restarts: 1 (scheduled 1")
	assert.Len(t, s.TableRow(), len(s.TableHeaders()))
	assert.Contains(t, s.Pretty(), "Groups")
}
