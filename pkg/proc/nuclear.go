package proc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// PatternKiller kills every process whose full command line matches Pattern.
// It is the last rung of the termination ladder.
type PatternKiller struct {
	Pattern string
	// Command defaults to pkill.
	Command string
}

// NewPatternKiller returns a killer for the given worker marker.
func NewPatternKiller(pattern string) *PatternKiller {
	return &PatternKiller{Pattern: pattern, Command: "pkill"}
}

// KillByWorkerSignature sends SIGKILL to every matching process. Having no
// matching process is a success.
func (k *PatternKiller) KillByWorkerSignature(ctx context.Context) error {
	if k.Pattern == "" {
		return errors.New("refusing to kill with an empty pattern")
	}
	command := k.Command
	if command == "" {
		command = "pkill"
	}
	err := exec.CommandContext(ctx, command, "-KILL", "-f", k.Pattern).Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		// pkill exits with 1 when nothing matched
		return nil
	}
	return fmt.Errorf("%s -f %q: %w", command, k.Pattern, err)
}
