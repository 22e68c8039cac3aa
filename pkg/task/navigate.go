package task

import (
	"context"
	"fmt"
	"time"

	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/browser"
	"github.com/rs/zerolog/log"
)

// NavigateRunner opens a fresh page per task, loads the target and closes the
// page again. When the page supports it, every request issued while loading
// is collected into the outcome.
type NavigateRunner struct {
	// CloseTimeout bounds closing the task page.
	CloseTimeout time.Duration
}

// NewNavigateRunner returns a runner with default bounds.
func NewNavigateRunner() *NavigateRunner {
	return &NavigateRunner{CloseTimeout: 5 * time.Second}
}

func (r *NavigateRunner) Run(ctx context.Context, handle browser.Handle, t Task) Outcome {
	start := time.Now()
	timeout := t.Config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// A timed out visit still gets closeTimeout to close its page before Run returns.
	requests, err := lib.DoWorkWithTimeoutDrain(ctx, timeout, r.closeTimeout(), func(ctx context.Context) ([]string, error) {
		return r.visit(ctx, handle, t)
	})
	if err != nil {
		o := Failed(t, err)
		o.Duration = time.Since(start)
		// Timeouts fail the task, never the worker.
		if lib.IsTimeout(err) {
			o.CriticalError = false
		}
		log.Debug().Err(err).Str("target", t.Target).Bool("critical", o.CriticalError).Msg("Task failed")
		return o
	}
	return Outcome{
		Task:     t,
		Success:  true,
		Requests: requests,
		Duration: time.Since(start),
	}
}

func (r *NavigateRunner) visit(ctx context.Context, handle browser.Handle, t Task) (requests []string, err error) {
	page, err := handle.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.closeTimeout())
		defer cancel()
		if closeErr := page.Close(closeCtx); closeErr != nil {
			log.Debug().Err(closeErr).Str("target", t.Target).Msg("Could not close task page")
			if err == nil && browser.IsCritical(closeErr) {
				err = fmt.Errorf("closing page: %w", closeErr)
			}
		}
	}()

	if collector, ok := page.(browser.RequestCollector); ok && t.Config.CollectRequests {
		requests, err = collector.NavigateAndCollect(ctx, t.Target)
	} else {
		err = page.Navigate(ctx, t.Target)
	}
	if err != nil {
		return requests, fmt.Errorf("navigating to %s: %w", t.Target, err)
	}

	if t.Config.Settle > 0 {
		select {
		case <-time.After(t.Config.Settle):
		case <-ctx.Done():
			return requests, ctx.Err()
		}
	}
	return requests, nil
}

func (r *NavigateRunner) closeTimeout() time.Duration {
	if r.CloseTimeout <= 0 {
		return 5 * time.Second
	}
	return r.CloseTimeout
}
