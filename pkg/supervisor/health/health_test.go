package health

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/browser"
	"github.com/pyneda/rodwarden/pkg/browser/browsertest"
	"github.com/pyneda/rodwarden/pkg/proc/proctest"
	"github.com/pyneda/rodwarden/pkg/supervisor/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastProfile() browser.TimeoutProfile {
	return browser.TimeoutProfile{
		Base:           200 * time.Millisecond,
		Enumerate:      200 * time.Millisecond,
		CreatePage:     200 * time.Millisecond,
		Navigate:       200 * time.Millisecond,
		ClosePage:      200 * time.Millisecond,
		EmergencyClose: 100 * time.Millisecond,
		LatencyWarn:    time.Second,
		LatencyCeiling: 2 * time.Second,
	}
}

func TestProbeHealthy(t *testing.T) {
	table := proctest.NewTable()
	table.Add(10, 1, "chrome --user-data-dir=/tmp/x")
	h := browsertest.NewHandle(10)
	h.AddPages(2)

	result := Probe(context.Background(), h, fastProfile(), table, ProbeConfig{})
	assert.True(t, result.Healthy)
	assert.False(t, result.CriticalError)
	assert.NoError(t, result.Err)
	assert.Equal(t, 2, result.PageCount)
	assert.Empty(t, result.Recommendations)
	assert.Equal(t, 2, h.OpenPages(), "probe page must be closed")
}

func TestProbeWithoutProcessIsCritical(t *testing.T) {
	t.Run("no pid", func(t *testing.T) {
		result := Probe(context.Background(), browsertest.NewHandle(0), fastProfile(), nil, ProbeConfig{})
		assert.False(t, result.Healthy)
		assert.True(t, result.CriticalError)
		assert.ErrorIs(t, result.Err, browser.ErrNoProcess)
	})

	t.Run("process exited", func(t *testing.T) {
		table := proctest.NewTable()
		result := Probe(context.Background(), browsertest.NewHandle(10), fastProfile(), table, ProbeConfig{})
		assert.False(t, result.Healthy)
		assert.True(t, result.CriticalError)
		assert.ErrorIs(t, result.Err, browser.ErrNoProcess)
	})
}

func TestProbePageLeak(t *testing.T) {
	h := browsertest.NewHandle(10)
	h.AddPages(25)

	result := Probe(context.Background(), h, fastProfile(), nil, ProbeConfig{MaxPages: 20})
	assert.True(t, result.Healthy)
	assert.Equal(t, 25, result.PageCount)
	require.Len(t, result.Recommendations, 1)
	assert.True(t, result.Recommendations[0].Restart)
	assert.Contains(t, result.Recommendations[0].Message, "25 open pages")
}

func TestProbeEnumerateTimeoutIsCritical(t *testing.T) {
	h := browsertest.NewHandle(10)
	h.ListDelay = time.Second

	result := Probe(context.Background(), h, fastProfile(), nil, ProbeConfig{})
	assert.True(t, result.CriticalError)
	assert.True(t, lib.IsTimeout(result.Err))
}

func TestProbeRoundTripTimeoutMandatesRestart(t *testing.T) {
	h := browsertest.NewHandle(10)
	h.NavigateDelay = time.Second

	result := Probe(context.Background(), h, fastProfile(), nil, ProbeConfig{})
	assert.True(t, result.Healthy)
	assert.False(t, result.CriticalError)
	assert.True(t, lib.IsTimeout(result.Err))
	require.Len(t, result.Recommendations, 1)
	assert.True(t, result.Recommendations[0].Restart)
	assert.Equal(t, 0, h.OpenPages())
}

func TestProbeClosesPageCreatedAfterTimeout(t *testing.T) {
	h := browsertest.NewHandle(10)
	h.NewPageDelay = 400 * time.Millisecond
	h.NewPageIgnoresCancel = true

	result := Probe(context.Background(), h, fastProfile(), nil, ProbeConfig{})
	assert.True(t, lib.IsTimeout(result.Err))
	assert.Eventually(t, func() bool {
		return h.PagesCreated() == 1 && h.OpenPages() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProbeCriticalRoundTripError(t *testing.T) {
	h := browsertest.NewHandle(10)
	h.NavigateErr = browser.ErrTargetClosed

	result := Probe(context.Background(), h, fastProfile(), nil, ProbeConfig{})
	assert.True(t, result.CriticalError)
	assert.ErrorIs(t, result.Err, browser.ErrTargetClosed)
	assert.Empty(t, result.Recommendations)
}

func TestProbeNonCriticalRoundTripError(t *testing.T) {
	h := browsertest.NewHandle(10)
	h.NewPageErr = browsertest.ErrBoom

	result := Probe(context.Background(), h, fastProfile(), nil, ProbeConfig{})
	assert.False(t, result.CriticalError)
	require.Len(t, result.Recommendations, 1)
	assert.True(t, result.Recommendations[0].Restart)
}

func TestProbeSlowResponse(t *testing.T) {
	h := browsertest.NewHandle(10)
	h.NavigateDelay = 20 * time.Millisecond
	profile := fastProfile()
	profile.LatencyWarn = time.Millisecond

	result := Probe(context.Background(), h, profile, nil, ProbeConfig{})
	assert.True(t, result.Healthy)
	assert.GreaterOrEqual(t, result.ResponseTime, 20*time.Millisecond)
	require.Len(t, result.Recommendations, 1)
	assert.False(t, result.Recommendations[0].Restart)
	assert.True(t, strings.HasPrefix(result.Recommendations[0].Message, "slow response"))
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name        string
		probe       ProbeResult
		extra       []Recommendation
		overall     Verdict
		needRestart bool
	}{
		{
			name:    "healthy",
			probe:   ProbeResult{Healthy: true},
			overall: VerdictHealthy,
		},
		{
			name:        "unhealthy",
			probe:       ProbeResult{Healthy: false, CriticalError: true},
			overall:     VerdictUnhealthy,
			needRestart: true,
		},
		{
			name:        "critical",
			probe:       ProbeResult{Healthy: true, CriticalError: true},
			overall:     VerdictCritical,
			needRestart: true,
		},
		{
			name:    "soft recommendation",
			probe:   ProbeResult{Healthy: true, Recommendations: []Recommendation{{Message: "slow response"}}},
			overall: VerdictDegraded,
		},
		{
			name:        "restart recommendation from memory",
			probe:       ProbeResult{Healthy: true},
			extra:       []Recommendation{{Message: "high memory usage", Restart: true}},
			overall:     VerdictDegraded,
			needRestart: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Aggregate(tt.probe, tt.extra...)
			assert.Equal(t, tt.overall, r.Overall)
			assert.Equal(t, tt.needRestart, r.NeedsRestart)
			assert.False(t, r.AssessedAt.IsZero())
		})
	}
}

func TestTopRestartReason(t *testing.T) {
	r := Report{
		Overall: VerdictDegraded,
		Recommendations: []Recommendation{
			{Message: "slow response"},
			{Message: "high memory usage: 1200MB, restart required", Restart: true},
		},
	}
	assert.Equal(t, "high memory usage: 1200MB, restart required", r.TopRestartReason())

	r = Report{Overall: VerdictUnhealthy, Error: "no process"}
	assert.Equal(t, "worker unhealthy: no process", r.TopRestartReason())
}

func TestAssessorMemory(t *testing.T) {
	tests := []struct {
		name        string
		rssMB       uint64
		memErr      error
		known       bool
		needRestart bool
		overall     Verdict
	}{
		{name: "normal", rssMB: 200, known: true, overall: VerdictHealthy},
		{name: "elevated", rssMB: 600, known: true, overall: VerdictDegraded},
		{name: "high", rssMB: 1200, known: true, overall: VerdictDegraded, needRestart: true},
		{name: "unknown", memErr: browsertest.ErrBoom, known: false, overall: VerdictHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := proctest.NewTable()
			table.Add(10, 1, "chrome").RSS = tt.rssMB * megabyte
			table.MemoryErr = tt.memErr
			w := worker.New("w1", browsertest.NewHandle(10), t.TempDir(), fastProfile(), 3)

			report := NewAssessor(AssessorConfig{}, table).Assess(context.Background(), w)
			assert.Equal(t, "w1", report.WorkerID)
			assert.Equal(t, tt.known, report.Metrics.MemoryKnown)
			assert.Equal(t, tt.needRestart, report.NeedsRestart)
			assert.Equal(t, tt.overall, report.Overall)
		})
	}
}

func TestAssessorCarriesEngineLatencyCeiling(t *testing.T) {
	profile := fastProfile()
	profile.LatencyCeiling = 4 * time.Second
	w := worker.New("w1", browsertest.NewHandle(10), t.TempDir(), profile, 3)

	report := NewAssessor(AssessorConfig{}, nil).Assess(context.Background(), w)
	assert.Equal(t, 4*time.Second, report.Metrics.LatencyCeiling)
}

func TestAssessorIncludesChildMemory(t *testing.T) {
	table := proctest.NewTable()
	table.Add(10, 1, "chrome").RSS = 700 * megabyte
	table.Add(11, 10, "chrome --type=renderer").RSS = 400 * megabyte
	w := worker.New("w1", browsertest.NewHandle(10), t.TempDir(), fastProfile(), 3)

	report := NewAssessor(AssessorConfig{}, table).Assess(context.Background(), w)
	assert.True(t, report.NeedsRestart)
	assert.Contains(t, report.TopRestartReason(), "1100MB")
}

func TestReportFormatting(t *testing.T) {
	r := Report{WorkerID: "w1", Overall: VerdictHealthy}
	assert.Contains(t, r.String(), "Worker: w1")
	assert.Contains(t, r.String(), "Memory: unknown")
	assert.Contains(t, r.Pretty(), "w1")
	assert.Len(t, r.TableRow(), len(r.TableHeaders()))
}
