// Package worker holds the supervised browser worker and the factory creating it.
package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyneda/rodwarden/pkg/browser"
)

// Worker is one automation-engine process plus its private scratch directory.
// It is owned by the supervisor loop; only the URL counter is touched
// concurrently, by the scheduler.
type Worker struct {
	id         string
	handle     browser.Handle
	scratchDir string
	profile    browser.TimeoutProfile
	createdAt  time.Time

	urls    atomic.Int64
	window  *OutcomeWindow
	retired atomic.Bool
}

// New wraps an already spawned handle.
func New(id string, handle browser.Handle, scratchDir string, profile browser.TimeoutProfile, windowSize int) *Worker {
	return &Worker{
		id:         id,
		handle:     handle,
		scratchDir: scratchDir,
		profile:    profile,
		createdAt:  time.Now(),
		window:     NewOutcomeWindow(windowSize),
	}
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.id
}

// Handle returns the engine handle.
func (w *Worker) Handle() browser.Handle {
	return w.handle
}

// ScratchDir returns the private scratch root.
func (w *Worker) ScratchDir() string {
	return w.scratchDir
}

// Profile returns the timeouts resolved for this worker's engine.
func (w *Worker) Profile() browser.TimeoutProfile {
	return w.profile
}

// CreatedAt returns when the worker was spawned.
func (w *Worker) CreatedAt() time.Time {
	return w.createdAt
}

// PID returns the primary engine process id.
func (w *Worker) PID() (int, bool) {
	if w.handle == nil {
		return 0, false
	}
	return w.handle.PID()
}

// RecordURL counts one processed URL and returns the new total. Safe for
// concurrent use.
func (w *Worker) RecordURL() int {
	return int(w.urls.Add(1))
}

// URLsProcessed returns how many URLs were processed since this worker started.
func (w *Worker) URLsProcessed() int {
	return int(w.urls.Load())
}

// Window returns the rolling window of recent task outcomes.
func (w *Worker) Window() *OutcomeWindow {
	return w.window
}

// MarkRetired flags the worker as terminated. It returns false if it already was.
func (w *Worker) MarkRetired() bool {
	return !w.retired.Swap(true)
}

// Retired reports whether the worker went through termination.
func (w *Worker) Retired() bool {
	return w.retired.Load()
}

// OutcomeWindow keeps the success flag of the last N completed tasks.
type OutcomeWindow struct {
	mu      sync.Mutex
	size    int
	results []bool
}

// NewOutcomeWindow creates a window holding at most size outcomes.
func NewOutcomeWindow(size int) *OutcomeWindow {
	if size < 1 {
		size = 1
	}
	return &OutcomeWindow{size: size, results: make([]bool, 0, size)}
}

// Record appends an outcome, evicting the oldest when full.
func (ow *OutcomeWindow) Record(success bool) {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	if len(ow.results) == ow.size {
		copy(ow.results, ow.results[1:])
		ow.results = ow.results[:ow.size-1]
	}
	ow.results = append(ow.results, success)
}

// Recent returns the recorded outcomes, oldest first.
func (ow *OutcomeWindow) Recent() []bool {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	out := make([]bool, len(ow.results))
	copy(out, ow.results)
	return out
}

// Failures returns how many of the recorded outcomes failed.
func (ow *OutcomeWindow) Failures() int {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	n := 0
	for _, ok := range ow.results {
		if !ok {
			n++
		}
	}
	return n
}
