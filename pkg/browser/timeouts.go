package browser

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
)

// DefaultSlowEngines matches engine versions with a known slower protocol
// turnaround (the new headless mode shipped as the default).
const DefaultSlowEngines = ">= 132.0.0"

// TimeoutProfile holds every timeout used against one worker. It is resolved
// once per worker from the engine version and threaded through all timed
// operations.
type TimeoutProfile struct {
	Base           time.Duration
	Slow           bool
	Version        string
	Enumerate      time.Duration
	CreatePage     time.Duration
	Navigate       time.Duration
	ClosePage      time.Duration
	EmergencyClose time.Duration
	// LatencyWarn is the round-trip time above which a soft recommendation is emitted.
	LatencyWarn time.Duration
	// LatencyCeiling is the round-trip time above which a restart is warranted.
	LatencyCeiling time.Duration
}

// NewTimeoutProfile builds the profile for base, scaled for slow engines.
func NewTimeoutProfile(base time.Duration, slow bool) TimeoutProfile {
	if base <= 0 {
		base = 5 * time.Second
	}
	p := TimeoutProfile{
		Base:           base,
		Slow:           slow,
		Enumerate:      base,
		CreatePage:     scale(base, 1.5),
		Navigate:       base,
		ClosePage:      5 * time.Second,
		EmergencyClose: 3 * time.Second,
		LatencyWarn:    2 * time.Second,
		LatencyCeiling: 3 * time.Second,
	}
	if slow {
		p.Enumerate = scale(base, 1.6)
		p.CreatePage = scale(base, 2)
		p.LatencyWarn = 3 * time.Second
		p.LatencyCeiling = 4 * time.Second
	}
	return p
}

var productVersionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// ParseEngineVersion extracts a semantic version from an engine product string
// such as "HeadlessChrome/126.0.6478.126". Only the first three components are kept.
func ParseEngineVersion(product string) (*semver.Version, error) {
	m := productVersionRe.FindStringSubmatch(product)
	if m == nil {
		return nil, fmt.Errorf("no version found in %q", product)
	}
	return semver.NewVersion(fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3]))
}

// ResolveTimeoutProfile picks the profile for the engine reporting product.
// An unparsable version or constraint falls back to the regular profile.
func ResolveTimeoutProfile(base time.Duration, product, slowConstraint string) TimeoutProfile {
	if slowConstraint == "" {
		slowConstraint = DefaultSlowEngines
	}
	slow := false
	v, err := ParseEngineVersion(product)
	if err == nil {
		if c, cerr := semver.NewConstraint(slowConstraint); cerr == nil {
			slow = c.Check(v)
		}
	}
	p := NewTimeoutProfile(base, slow)
	if v != nil {
		p.Version = v.String()
	}
	return p
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
