package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pyneda/rodwarden/pkg/browser"
	"github.com/pyneda/rodwarden/pkg/browser/browsertest"
	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/pyneda/rodwarden/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newWorker(t *testing.T) *worker.Worker {
	return worker.New("w1", browsertest.NewHandle(10), t.TempDir(), browser.NewTimeoutProfile(0, false), 3)
}

// tracker measures how many tasks run at the same time.
type tracker struct {
	current atomic.Int32
	max     atomic.Int32
	mu      sync.Mutex
	started []string
}

func (tr *tracker) enter(target string) {
	n := tr.current.Add(1)
	for {
		m := tr.max.Load()
		if n <= m || tr.max.CompareAndSwap(m, n) {
			break
		}
	}
	tr.mu.Lock()
	tr.started = append(tr.started, target)
	tr.mu.Unlock()
}

func (tr *tracker) leave() {
	tr.current.Add(-1)
}

func targets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://%d.example", i)
	}
	return out
}

func TestRunGroupSequentialWithLimitOne(t *testing.T) {
	tr := &tracker{}
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		tr.enter(tk.Target)
		defer tr.leave()
		time.Sleep(20 * time.Millisecond)
		if tk.Index == 0 {
			return task.Failed(tk, browsertest.ErrBoom)
		}
		return task.Outcome{Success: true}
	})
	w := newWorker(t)
	g := task.NewGroup("pair", task.Config{}, "https://first.example", "https://second.example")

	outcomes := New(1, runner).RunGroup(context.Background(), w, g)

	require.Len(t, outcomes, 2)
	assert.Equal(t, int32(1), tr.max.Load())
	assert.Equal(t, []string{"https://first.example", "https://second.example"}, tr.started)
	assert.False(t, outcomes[0].Success)
	assert.Equal(t, "https://first.example", outcomes[0].Task.Target)
	assert.True(t, outcomes[1].Success)
	assert.Equal(t, "https://second.example", outcomes[1].Task.Target)
	assert.Equal(t, "w1", outcomes[1].WorkerID)
	assert.Equal(t, 2, w.URLsProcessed())
}

func TestRunGroupKeepsSubmissionIndex(t *testing.T) {
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		// Later tasks finish first.
		time.Sleep(time.Duration(10-tk.Index) * 5 * time.Millisecond)
		return task.Outcome{Success: true}
	})
	w := newWorker(t)
	g := task.NewGroup("order", task.Config{}, targets(10)...)

	outcomes := New(10, runner).RunGroup(context.Background(), w, g)

	require.Len(t, outcomes, 10)
	for i, o := range outcomes {
		assert.Equal(t, i, o.Task.Index)
		assert.Equal(t, g.Tasks[i].Target, o.Task.Target)
	}
}

func TestRunGroupRespectsLimit(t *testing.T) {
	tr := &tracker{}
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		tr.enter(tk.Target)
		defer tr.leave()
		time.Sleep(10 * time.Millisecond)
		return task.Outcome{Success: true}
	})
	w := newWorker(t)

	s := New(3, runner)
	assert.Equal(t, 3, s.Limit())
	outcomes := s.RunGroup(context.Background(), w, task.NewGroup("g", task.Config{}, targets(12)...))

	assert.Len(t, outcomes, 12)
	assert.LessOrEqual(t, tr.max.Load(), int32(3))
	assert.Equal(t, 12, w.URLsProcessed())
}

func TestNewDefaultsLimit(t *testing.T) {
	assert.Equal(t, DefaultConcurrency, New(0, nil).Limit())
}

func TestLimitIsSharedAcrossGroups(t *testing.T) {
	tr := &tracker{}
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		tr.enter(tk.Target)
		defer tr.leave()
		time.Sleep(10 * time.Millisecond)
		return task.Outcome{Success: true}
	})
	s := New(2, runner)
	w := newWorker(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunGroup(context.Background(), w, task.NewGroup("g", task.Config{}, targets(4)...))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, tr.max.Load(), int32(2))
	assert.Equal(t, 12, w.URLsProcessed())
}

func TestRunGroupCapturesPanics(t *testing.T) {
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		if tk.Index == 1 {
			panic("engine exploded")
		}
		return task.Outcome{Success: true}
	})
	w := newWorker(t)

	outcomes := New(2, runner).RunGroup(context.Background(), w, task.NewGroup("g", task.Config{}, targets(3)...))

	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Success)
	assert.False(t, outcomes[1].Success)
	assert.Contains(t, outcomes[1].Error, "engine exploded")
	assert.True(t, outcomes[2].Success)
	assert.Equal(t, 3, w.URLsProcessed())
}

func TestRunGroupFailuresDoNotCancelSiblings(t *testing.T) {
	var calls atomic.Int32
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		calls.Add(1)
		if ctx.Err() != nil {
			return task.Failed(tk, ctx.Err())
		}
		return task.Failed(tk, browser.ErrTargetClosed)
	})
	w := newWorker(t)

	outcomes := New(2, runner).RunGroup(context.Background(), w, task.NewGroup("g", task.Config{}, targets(5)...))

	assert.Equal(t, int32(5), calls.Load())
	for _, o := range outcomes {
		assert.True(t, o.CriticalError)
	}
}

func TestRunGroupCancelledAdmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return task.Failed(tk, ctx.Err())
	})
	w := newWorker(t)
	go func() {
		<-started
		cancel()
	}()

	outcomes := New(1, runner).RunGroup(ctx, w, task.NewGroup("g", task.Config{}, targets(3)...))

	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.False(t, o.Success, "task %d", i)
		assert.True(t, errors.Is(o.Err, context.Canceled), "task %d", i)
		assert.Equal(t, i, o.Task.Index)
	}
	assert.Equal(t, 1, w.URLsProcessed())
}

func TestRunGroupAppliesGroupConfig(t *testing.T) {
	var seen atomic.Int64
	runner := task.RunnerFunc(func(ctx context.Context, h browser.Handle, tk task.Task) task.Outcome {
		seen.Store(int64(tk.Config.Timeout))
		return task.Outcome{Success: true}
	})
	g := task.Group{Name: "g", Config: task.Config{Timeout: 7 * time.Second}, Tasks: []task.Task{{Target: "https://a.example"}}}

	New(1, runner).RunGroup(context.Background(), newWorker(t), g)
	assert.Equal(t, int64(7*time.Second), seen.Load())
}
