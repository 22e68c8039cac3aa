package termination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// SweepResult describes an emergency sweep.
type SweepResult struct {
	Killed  bool     `json:"killed"`
	Removed []string `json:"removed"`
	Errors  []string `json:"errors,omitempty"`
}

// Sweep kills every process carrying the worker marker and removes every
// scratch directory under root whose name starts with marker. It is used when
// no per-worker state can be trusted anymore.
func Sweep(ctx context.Context, root, marker string, killer NuclearKiller) SweepResult {
	var result SweepResult
	if killer != nil {
		if err := killer.KillByWorkerSignature(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", StepNuclear, err))
		} else {
			result.Killed = true
		}
	}

	if root == "" || marker == "" {
		return result
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("reading %s: %v", root, err))
		}
		return result
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), marker) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := RemoveScratchDir(dir); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Removed = append(result.Removed, dir)
	}
	log.Warn().
		Bool("killed", result.Killed).
		Int("removed", len(result.Removed)).
		Strs("errors", result.Errors).
		Msg("Emergency sweep finished")
	return result
}

// RemoveScratchDir removes dir with the default retry count. A missing
// directory is not an error.
func RemoveScratchDir(dir string) error {
	return removeScratch(dir, DefaultConfig().RemoveAttempts)
}
