package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/pyneda/rodwarden/lib"
)

// Verdict is the overall health state of a worker.
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictDegraded  Verdict = "degraded"
	VerdictCritical  Verdict = "critical"
	VerdictUnhealthy Verdict = "unhealthy"
)

// Metrics are the raw probe measurements behind a report.
type Metrics struct {
	PageCount    int           `json:"page_count"`
	ResponseTime time.Duration `json:"response_time"`
	MemoryRSS    uint64        `json:"memory_rss"`
	MemoryKnown  bool          `json:"memory_known"`
	// LatencyCeiling is the worker's engine-adjusted round-trip limit.
	LatencyCeiling time.Duration `json:"latency_ceiling"`
}

// Report is the immutable result of one assessment pass.
type Report struct {
	WorkerID        string           `json:"worker_id"`
	Overall         Verdict          `json:"overall"`
	NeedsRestart    bool             `json:"needs_restart"`
	CriticalError   bool             `json:"critical_error"`
	Error           string           `json:"error,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
	Metrics         Metrics          `json:"metrics"`
	AssessedAt      time.Time        `json:"assessed_at"`
}

// Aggregate combines a probe result and extra recommendations into a report.
func Aggregate(probe ProbeResult, extra ...Recommendation) Report {
	r := Report{
		CriticalError: probe.CriticalError,
		Metrics: Metrics{
			PageCount:    probe.PageCount,
			ResponseTime: probe.ResponseTime,
		},
		AssessedAt: time.Now(),
	}
	if probe.Err != nil {
		r.Error = probe.Err.Error()
	}
	r.Recommendations = append(r.Recommendations, probe.Recommendations...)
	r.Recommendations = append(r.Recommendations, extra...)

	switch {
	case !probe.Healthy:
		r.Overall = VerdictUnhealthy
		r.NeedsRestart = true
	case probe.CriticalError:
		r.Overall = VerdictCritical
		r.NeedsRestart = true
	case len(r.Recommendations) > 0:
		r.Overall = VerdictDegraded
		for _, rec := range r.Recommendations {
			if rec.Restart {
				r.NeedsRestart = true
				break
			}
		}
	default:
		r.Overall = VerdictHealthy
	}
	return r
}

// TopRestartReason returns the first restart-mandating recommendation, or the
// overall verdict when there is none.
func (r Report) TopRestartReason() string {
	for _, rec := range r.Recommendations {
		if rec.Restart {
			return rec.Message
		}
	}
	if r.Error != "" {
		return fmt.Sprintf("worker %s: %s", r.Overall, r.Error)
	}
	return fmt.Sprintf("worker %s", r.Overall)
}

func (r Report) recommendationMessages() []string {
	messages := make([]string, 0, len(r.Recommendations))
	for _, rec := range r.Recommendations {
		messages = append(messages, rec.Message)
	}
	return messages
}

func (r Report) memory() string {
	if !r.Metrics.MemoryKnown {
		return "unknown"
	}
	return fmt.Sprintf("%dMB", r.Metrics.MemoryRSS/(1024*1024))
}

func (r Report) String() string {
	return fmt.Sprintf("Worker: %s, Overall: %s, Needs restart: %t, Pages: %d, Response time: %s, Memory: %s, Recommendations: %s",
		r.WorkerID, r.Overall, r.NeedsRestart, r.Metrics.PageCount, r.Metrics.ResponseTime, r.memory(), strings.Join(r.recommendationMessages(), "; "))
}

func (r Report) Pretty() string {
	color := lib.Green
	switch r.Overall {
	case VerdictDegraded:
		color = lib.Yellow
	case VerdictCritical, VerdictUnhealthy:
		color = lib.Red
	}
	return lib.PrettyFields(
		lib.Field{Label: "Worker", Value: r.WorkerID},
		lib.Field{Label: "Overall", Value: lib.Colorize(string(r.Overall), color)},
		lib.Field{Label: "Needs restart", Value: r.NeedsRestart},
		lib.Field{Label: "Pages", Value: r.Metrics.PageCount},
		lib.Field{Label: "Response time", Value: r.Metrics.ResponseTime},
		lib.Field{Label: "Memory", Value: r.memory()},
		lib.Field{Label: "Error", Value: r.Error},
		lib.Field{Label: "Recommendations", Value: strings.Join(r.recommendationMessages(), "; ")},
	)
}

func (r Report) TableHeaders() []string {
	return []string{"Worker", "Overall", "Restart", "Pages", "Response", "Memory", "Recommendations"}
}

func (r Report) TableRow() []string {
	return []string{
		r.WorkerID,
		string(r.Overall),
		fmt.Sprintf("%t", r.NeedsRestart),
		fmt.Sprintf("%d", r.Metrics.PageCount),
		r.Metrics.ResponseTime.String(),
		r.memory(),
		strings.Join(r.recommendationMessages(), "; "),
	}
}
