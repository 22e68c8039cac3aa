// Package task defines the units of work executed against a browser worker.
package task

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/browser"
)

// DefaultTimeout bounds a task whose group sets no timeout.
const DefaultTimeout = 30 * time.Second

// Config is shared by every task of a group.
type Config struct {
	Timeout time.Duration `json:"timeout"`
	// Settle is how long a page is left open after load before it is closed.
	Settle          time.Duration `json:"settle"`
	CollectRequests bool          `json:"collect_requests"`
}

// Task is one target to visit.
type Task struct {
	Index  int    `json:"index"`
	Target string `json:"target"`
	Config Config `json:"-"`
}

// Group is an ordered batch of tasks sharing a configuration. A group always
// runs to completion on a single worker.
type Group struct {
	Name   string `json:"name"`
	Config Config `json:"config"`
	Tasks  []Task `json:"tasks"`
}

// NewGroup builds a group whose tasks carry cfg.
func NewGroup(name string, cfg Config, targets ...string) Group {
	g := Group{Name: name, Config: cfg, Tasks: make([]Task, 0, len(targets))}
	for i, target := range targets {
		g.Tasks = append(g.Tasks, Task{Index: i, Target: target, Config: cfg})
	}
	return g
}

// Outcome is the result of one task. CriticalError means the worker itself
// is suspect, not just this task.
type Outcome struct {
	Task          Task          `json:"task"`
	WorkerID      string        `json:"worker_id"`
	Success       bool          `json:"success"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
	CriticalError bool          `json:"critical_error"`
	Requests      []string      `json:"requests,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Failed builds a failed outcome for t, flagging transport failures as critical
// unless they only follow from the caller's context being cancelled.
func Failed(t Task, err error) Outcome {
	o := Outcome{Task: t, Err: err, CriticalError: browser.IsCritical(err) && !browser.IsCanceled(err)}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Runner executes a single task against a worker's engine handle.
type Runner interface {
	Run(ctx context.Context, handle browser.Handle, t Task) Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, handle browser.Handle, t Task) Outcome

func (f RunnerFunc) Run(ctx context.Context, handle browser.Handle, t Task) Outcome {
	return f(ctx, handle, t)
}

func (o Outcome) status() string {
	switch {
	case o.Success:
		return "ok"
	case o.CriticalError:
		return "critical"
	default:
		return "failed"
	}
}

func (o Outcome) String() string {
	return fmt.Sprintf("Target: %s, Status: %s, Requests: %d, Duration: %s, Error: %s",
		o.Task.Target, o.status(), len(o.Requests), o.Duration, o.Error)
}

func (o Outcome) Pretty() string {
	color := lib.Green
	if !o.Success {
		color = lib.Red
	}
	return lib.PrettyFields(
		lib.Field{Label: "Target", Value: o.Task.Target},
		lib.Field{Label: "Status", Value: lib.Colorize(o.status(), color)},
		lib.Field{Label: "Requests", Value: strings.Join(o.Requests, ", ")},
		lib.Field{Label: "Duration", Value: o.Duration},
		lib.Field{Label: "Error", Value: o.Error},
	)
}

func (o Outcome) TableHeaders() []string {
	return []string{"Target", "Status", "Requests", "Duration", "Worker", "Error"}
}

func (o Outcome) TableRow() []string {
	return []string{
		o.Task.Target,
		o.status(),
		fmt.Sprintf("%d", len(o.Requests)),
		o.Duration.Round(time.Millisecond).String(),
		o.WorkerID,
		o.Error,
	}
}
