// Package proctest provides an in-memory process table for tests.
package proctest

import (
	"context"
	"errors"
	"sync"

	"github.com/pyneda/rodwarden/pkg/proc"
)

// Process is a fake process. A process with IgnoreTerm survives SIGTERM.
type Process struct {
	table      *Table
	Pid        int32
	Cmdline    string
	Parent     int32
	RSS        uint64
	IgnoreTerm bool
	IgnoreKill bool

	terminated bool
	killed     bool
}

func (p *Process) PID() int32 {
	return p.Pid
}

func (p *Process) IsRunning(ctx context.Context) (bool, error) {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	_, ok := p.table.procs[p.Pid]
	return ok, nil
}

func (p *Process) Terminate(ctx context.Context) error {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	if _, ok := p.table.procs[p.Pid]; !ok {
		return proc.ErrGone
	}
	p.terminated = true
	if !p.IgnoreTerm {
		delete(p.table.procs, p.Pid)
	}
	return nil
}

func (p *Process) Kill(ctx context.Context) error {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	if _, ok := p.table.procs[p.Pid]; !ok {
		return proc.ErrGone
	}
	p.killed = true
	if !p.IgnoreKill {
		delete(p.table.procs, p.Pid)
	}
	return nil
}

// Terminated reports whether SIGTERM was delivered.
func (p *Process) Terminated() bool {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	return p.terminated
}

// Killed reports whether SIGKILL was delivered.
func (p *Process) Killed() bool {
	p.table.mu.Lock()
	defer p.table.mu.Unlock()
	return p.killed
}

// Table is a fake proc.Table.
type Table struct {
	mu    sync.Mutex
	procs map[int32]*Process

	FindErr   error
	AliveErr  error
	MemoryErr error
	FindCalls int
	// AfterAlive runs after every Alive answer, outside the table lock.
	AfterAlive func(pid int, alive bool)
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{procs: make(map[int32]*Process)}
}

// Add registers a running process.
func (t *Table) Add(pid, parent int32, cmdline string) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Process{table: t, Pid: pid, Parent: parent, Cmdline: cmdline}
	t.procs[pid] = p
	return p
}

// Exit removes a process as if it exited on its own.
func (t *Table) Exit(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Running returns the number of live processes.
func (t *Table) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

func (t *Table) Alive(ctx context.Context, pid int) (bool, error) {
	t.mu.Lock()
	if t.AliveErr != nil {
		t.mu.Unlock()
		return false, t.AliveErr
	}
	_, ok := t.procs[int32(pid)]
	hook := t.AfterAlive
	t.mu.Unlock()
	if hook != nil {
		hook(pid, ok)
	}
	return ok, nil
}

func (t *Table) Find(ctx context.Context, sig proc.Signature, rootPID int) ([]proc.Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FindCalls++
	if t.FindErr != nil {
		return nil, t.FindErr
	}
	selected := make(map[int32]*Process)
	for pid, p := range t.procs {
		if sig.Matches(p.Cmdline) {
			selected[pid] = p
		}
	}
	if root, ok := t.procs[int32(rootPID)]; ok {
		queue := []*Process{root}
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			selected[p.Pid] = p
			for _, candidate := range t.procs {
				if candidate.Parent == p.Pid {
					if _, seen := selected[candidate.Pid]; !seen {
						queue = append(queue, candidate)
					}
				}
			}
		}
	}
	result := make([]proc.Process, 0, len(selected))
	for _, p := range selected {
		result = append(result, p)
	}
	return result, nil
}

func (t *Table) ResidentMemory(ctx context.Context, rootPID int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.MemoryErr != nil {
		return 0, t.MemoryErr
	}
	root, ok := t.procs[int32(rootPID)]
	if !ok {
		return 0, errors.New("no such process")
	}
	total := root.RSS
	for _, p := range t.procs {
		if p.Parent == root.Pid {
			total += p.RSS
		}
	}
	return total, nil
}

var _ proc.Table = (*Table)(nil)
