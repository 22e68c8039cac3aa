// Package health probes a browser worker and turns the probes into a verdict.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/browser"
	"github.com/pyneda/rodwarden/pkg/proc"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxPages    = 20
	DefaultProbeTarget = "about:blank"
)

// Recommendation is a human readable hint produced by a probe. Restart marks
// the ones that mandate a restart on their own.
type Recommendation struct {
	Message string `json:"message"`
	Restart bool   `json:"restart"`
}

// ProbeResult is the structured outcome of one probe pass.
type ProbeResult struct {
	Healthy         bool
	PageCount       int
	ResponseTime    time.Duration
	Err             error
	Recommendations []Recommendation
	CriticalError   bool
}

// ProbeConfig tunes the probe checks.
type ProbeConfig struct {
	MaxPages int
	Target   string
}

func (c ProbeConfig) withDefaults() ProbeConfig {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.Target == "" {
		c.Target = DefaultProbeTarget
	}
	return c
}

// Probe runs the liveness, page enumeration, page count, round-trip and
// latency checks against handle. Every check is bounded by the profile and
// nothing escapes as a panic or error return.
func Probe(ctx context.Context, handle browser.Handle, profile browser.TimeoutProfile, procs proc.Table, cfg ProbeConfig) (result ProbeResult) {
	cfg = cfg.withDefaults()
	result.Healthy = true
	defer func() {
		if r := recover(); r != nil {
			result.Healthy = false
			result.CriticalError = true
			result.Err = fmt.Errorf("probe panicked: %v", r)
		}
	}()

	// Liveness
	pid, ok := handle.PID()
	if !ok {
		result.Healthy = false
		result.CriticalError = true
		result.Err = browser.ErrNoProcess
		return result
	}
	if procs != nil {
		alive, err := lib.DoWorkWithTimeout(ctx, profile.Base, func(ctx context.Context) (bool, error) {
			return procs.Alive(ctx, pid)
		})
		switch {
		case err != nil:
			log.Debug().Err(err).Int("pid", pid).Msg("Could not inspect worker process, continuing with protocol checks")
		case !alive:
			result.Healthy = false
			result.CriticalError = true
			result.Err = fmt.Errorf("%w: pid %d", browser.ErrNoProcess, pid)
			return result
		}
	}

	// Enumerate pages
	pages, err := lib.DoWorkWithTimeout(ctx, profile.Enumerate, handle.Pages)
	if err != nil {
		result.CriticalError = true
		result.Err = fmt.Errorf("enumerating pages: %w", err)
		return result
	}
	result.PageCount = len(pages)

	// Open page count
	if result.PageCount > cfg.MaxPages {
		result.Recommendations = append(result.Recommendations, Recommendation{
			Message: fmt.Sprintf("restart required: %d open pages exceed %d, possible page leak", result.PageCount, cfg.MaxPages),
			Restart: true,
		})
	}

	// Round trip
	start := time.Now()
	if err := roundTrip(ctx, handle, profile, cfg.Target); err != nil {
		result.Err = fmt.Errorf("round-trip probe: %w", err)
		if browser.IsCritical(err) {
			result.CriticalError = true
			return result
		}
		result.Recommendations = append(result.Recommendations, Recommendation{
			Message: fmt.Sprintf("restart required: round-trip probe failed: %v", err),
			Restart: true,
		})
		return result
	}
	result.ResponseTime = time.Since(start)

	// Latency
	if result.ResponseTime > profile.LatencyWarn {
		result.Recommendations = append(result.Recommendations, Recommendation{
			Message: fmt.Sprintf("slow response: round trip took %dms, monitor closely", result.ResponseTime.Milliseconds()),
		})
	}
	return result
}

func roundTrip(ctx context.Context, handle browser.Handle, profile browser.TimeoutProfile, target string) error {
	page, err := lib.DoWorkWithTimeoutRelease(ctx, profile.CreatePage, handle.NewPage, func(late browser.Page) {
		closeCtx, cancel := context.WithTimeout(context.Background(), profile.ClosePage)
		defer cancel()
		if err := late.Close(closeCtx); err != nil {
			log.Debug().Err(err).Msg("Could not close page created after the probe gave up")
		}
	})
	if err != nil {
		return fmt.Errorf("creating page: %w", err)
	}

	navErr := lib.RunWithTimeout(ctx, profile.Navigate, func(ctx context.Context) error {
		return page.Navigate(ctx, target)
	})
	closeErr := closePage(ctx, page, profile)
	if navErr != nil {
		return fmt.Errorf("navigating to %s: %w", target, navErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing page: %w", closeErr)
	}
	return nil
}

// closePage closes page within ClosePage, retrying once within EmergencyClose.
func closePage(ctx context.Context, page browser.Page, profile browser.TimeoutProfile) error {
	err := lib.RunWithTimeout(ctx, profile.ClosePage, page.Close)
	if err == nil {
		return nil
	}
	log.Debug().Err(err).Msg("Page close failed, trying emergency close")
	if emergencyErr := lib.RunWithTimeout(ctx, profile.EmergencyClose, page.Close); emergencyErr != nil {
		return err
	}
	return nil
}
