package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/browser"
	"github.com/rs/zerolog/log"
)

// ErrSpawn wraps every failure to create a worker. It is the only error the
// supervisor treats as fatal.
var ErrSpawn = errors.New("failed to spawn worker")

// FactoryConfig configures worker creation.
type FactoryConfig struct {
	// ScratchRoot is the parent of every worker's scratch directory.
	ScratchRoot string
	Launch      browser.LaunchOptions
	BaseTimeout time.Duration
	// SlowEngines is a semver constraint selecting engines that get the slow timeout profile.
	SlowEngines string
	WindowSize  int
}

// Factory creates fresh, isolated workers.
type Factory struct {
	cfg    FactoryConfig
	engine browser.Engine
}

// NewFactory returns a factory spawning workers through engine.
func NewFactory(engine browser.Engine, cfg FactoryConfig) *Factory {
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.Launch.Marker == "" {
		cfg.Launch.Marker = browser.DefaultMarker
	}
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 3
	}
	return &Factory{cfg: cfg, engine: engine}
}

// Create allocates a scratch directory, spawns the engine into it and
// resolves the worker's timeout profile.
func (f *Factory) Create(ctx context.Context) (*Worker, error) {
	id := uuid.NewString()
	if err := os.MkdirAll(f.cfg.ScratchRoot, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating scratch root: %w", ErrSpawn, err)
	}
	scratchDir, err := os.MkdirTemp(f.cfg.ScratchRoot, fmt.Sprintf("%s-%s-", f.cfg.Launch.Marker, id[:8]))
	if err != nil {
		return nil, fmt.Errorf("%w: creating scratch dir: %w", ErrSpawn, err)
	}

	handle, err := f.engine.Spawn(ctx, scratchDir, f.cfg.Launch)
	if err != nil {
		if rmErr := os.RemoveAll(scratchDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("scratch_dir", scratchDir).Msg("Could not remove scratch dir of failed spawn")
		}
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	product, err := lib.DoWorkWithTimeout(ctx, f.cfg.BaseTimeout, handle.Version)
	if err != nil {
		log.Warn().Err(err).Str("worker_id", id).Msg("Could not read engine version, using regular timeouts")
	}
	profile := browser.ResolveTimeoutProfile(f.cfg.BaseTimeout, product, f.cfg.SlowEngines)

	w := New(id, handle, scratchDir, profile, f.cfg.WindowSize)
	pid, _ := w.PID()
	log.Info().
		Str("worker_id", id).
		Int("pid", pid).
		Str("scratch_dir", scratchDir).
		Str("engine", product).
		Bool("slow_profile", profile.Slow).
		Msg("Worker created")
	return w, nil
}
