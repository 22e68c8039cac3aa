// Package proc inspects and signals OS processes belonging to browser workers.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Signature is a command line fragment identifying worker processes.
type Signature string

// Matches reports whether cmdline carries the signature.
func (s Signature) Matches(cmdline string) bool {
	return s != "" && strings.Contains(cmdline, string(s))
}

// Process is a signalable OS process.
type Process interface {
	PID() int32
	IsRunning(ctx context.Context) (bool, error)
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
}

// Table gives access to the host process table.
type Table interface {
	Alive(ctx context.Context, pid int) (bool, error)
	// Find returns every process whose command line matches sig, plus rootPID
	// and all of its descendants when rootPID > 0.
	Find(ctx context.Context, sig Signature, rootPID int) ([]Process, error)
	// ResidentMemory returns the summed RSS in bytes of rootPID and its descendants.
	ResidentMemory(ctx context.Context, rootPID int) (uint64, error)
}

// ErrGone is returned by fakes and wrappers when the process already exited.
var ErrGone = errors.New("process already exited")

// IsGone reports whether err only says the process no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone) ||
		errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, syscall.ESRCH)
}

// System is the Table backed by gopsutil.
type System struct{}

// NewSystem returns the host process table.
func NewSystem() *System {
	return &System{}
}

func (s *System) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return exists, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if IsGone(err) {
			return false, nil
		}
		return false, err
	}
	return running(ctx, p)
}

func (s *System) Find(ctx context.Context, sig Signature, rootPID int) ([]Process, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	children := make(map[int32][]*process.Process)
	byPID := make(map[int32]*process.Process, len(all))
	for _, p := range all {
		byPID[p.Pid] = p
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			children[ppid] = append(children[ppid], p)
		}
	}

	selected := make(map[int32]*process.Process)
	self := int32(os.Getpid())
	for _, p := range all {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if sig.Matches(cmdline) {
			selected[p.Pid] = p
		}
	}
	if rootPID > 0 {
		if root, ok := byPID[int32(rootPID)]; ok {
			collectTree(root, children, selected)
		}
	}

	result := make([]Process, 0, len(selected))
	for _, p := range selected {
		result = append(result, &systemProcess{p: p})
	}
	return result, nil
}

func (s *System) ResidentMemory(ctx context.Context, rootPID int) (uint64, error) {
	root, err := process.NewProcessWithContext(ctx, int32(rootPID))
	if err != nil {
		return 0, err
	}
	info, err := root.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	total := info.RSS
	descendants, err := root.ChildrenWithContext(ctx)
	for err == nil && len(descendants) > 0 {
		var next []*process.Process
		for _, child := range descendants {
			if mi, merr := child.MemoryInfoWithContext(ctx); merr == nil {
				total += mi.RSS
			}
			if grandChildren, cerr := child.ChildrenWithContext(ctx); cerr == nil {
				next = append(next, grandChildren...)
			}
		}
		descendants = next
	}
	return total, nil
}

func collectTree(root *process.Process, children map[int32][]*process.Process, selected map[int32]*process.Process) {
	visited := make(map[int32]bool)
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if visited[p.Pid] {
			continue
		}
		visited[p.Pid] = true
		selected[p.Pid] = p
		queue = append(queue, children[p.Pid]...)
	}
}

func running(ctx context.Context, p *process.Process) (bool, error) {
	ok, err := p.IsRunningWithContext(ctx)
	if err != nil {
		if IsGone(err) {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	if status, err := p.StatusWithContext(ctx); err == nil {
		for _, st := range status {
			if st == process.Zombie {
				return false, nil
			}
		}
	}
	return true, nil
}

type systemProcess struct {
	p *process.Process
}

func (sp *systemProcess) PID() int32 {
	return sp.p.Pid
}

func (sp *systemProcess) IsRunning(ctx context.Context) (bool, error) {
	return running(ctx, sp.p)
}

func (sp *systemProcess) Terminate(ctx context.Context) error {
	return sp.p.TerminateWithContext(ctx)
}

func (sp *systemProcess) Kill(ctx context.Context) error {
	return sp.p.KillWithContext(ctx)
}
