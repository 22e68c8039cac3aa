// Package restart decides whether a worker must be replaced before the next group.
package restart

import (
	"fmt"
	"time"

	"github.com/pyneda/rodwarden/pkg/supervisor/health"
)

// Kind classifies why a restart was requested.
type Kind string

const (
	KindNone      Kind = ""
	KindCritical  Kind = "critical"
	KindHealth    Kind = "health"
	KindScheduled Kind = "scheduled"
	KindLatency   Kind = "latency"
	KindFailures  Kind = "failures"
)

// Config holds the restart thresholds.
type Config struct {
	// Interval is the number of URLs after which a worker is recycled. Zero or
	// negative disables scheduled restarts.
	Interval int
	// LatencyCeiling is the probe round-trip time above which the worker is
	// replaced. Zero uses the ceiling carried by the report, which follows the
	// worker's engine version, and DefaultLatencyCeiling when that is unset too.
	LatencyCeiling     time.Duration
	FailureWindow      int
	FailureThreshold   int
	MinURLsForFailures int
}

// DefaultLatencyCeiling applies when neither the config nor the report sets a ceiling.
const DefaultLatencyCeiling = 3 * time.Second

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:           50,
		FailureWindow:      3,
		FailureThreshold:   2,
		MinURLsForFailures: 5,
	}
}

// Decision is the result of Decide.
type Decision struct {
	ShouldRestart bool
	Reason        string
	Kind          Kind
}

// Decide evaluates the rules in priority order: critical protocol errors,
// restart-mandating health findings, the URL interval, latency and finally the
// recent failure rate. recent holds task outcomes oldest first, true meaning
// success.
func Decide(report health.Report, urls int, recent []bool, cfg Config) Decision {
	if report.CriticalError || report.Overall == health.VerdictCritical {
		reason := "critical protocol error"
		if report.Error != "" {
			reason = fmt.Sprintf("critical protocol error: %s", report.Error)
		}
		return Decision{ShouldRestart: true, Reason: reason, Kind: KindCritical}
	}

	if report.NeedsRestart {
		return Decision{ShouldRestart: true, Reason: report.TopRestartReason(), Kind: KindHealth}
	}

	if cfg.Interval > 0 && urls >= cfg.Interval {
		return Decision{
			ShouldRestart: true,
			Reason:        fmt.Sprintf("scheduled cleanup after %d URLs", urls),
			Kind:          KindScheduled,
		}
	}

	ceiling := cfg.LatencyCeiling
	if ceiling <= 0 {
		ceiling = report.Metrics.LatencyCeiling
	}
	if ceiling <= 0 {
		ceiling = DefaultLatencyCeiling
	}
	if report.Metrics.ResponseTime > ceiling {
		return Decision{
			ShouldRestart: true,
			Reason:        fmt.Sprintf("slow response: %dms exceeds %dms", report.Metrics.ResponseTime.Milliseconds(), ceiling.Milliseconds()),
			Kind:          KindLatency,
		}
	}

	if cfg.FailureWindow > 0 && cfg.FailureThreshold > 0 && urls > cfg.MinURLsForFailures {
		if failures := countFailures(recent, cfg.FailureWindow); failures >= cfg.FailureThreshold {
			return Decision{
				ShouldRestart: true,
				Reason:        fmt.Sprintf("multiple recent failures: %d of the last %d tasks", failures, cfg.FailureWindow),
				Kind:          KindFailures,
			}
		}
	}

	return Decision{}
}

func countFailures(recent []bool, window int) int {
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	failures := 0
	for _, ok := range recent {
		if !ok {
			failures++
		}
	}
	return failures
}
