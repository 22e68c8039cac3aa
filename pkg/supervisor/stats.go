package supervisor

import (
	"fmt"
	"time"

	"github.com/pyneda/rodwarden/lib"
	"github.com/pyneda/rodwarden/pkg/supervisor/restart"
	"github.com/pyneda/rodwarden/pkg/task"
)

// Stats summarises a run.
type Stats struct {
	Groups            int           `json:"groups"`
	Tasks             int           `json:"tasks"`
	Successes         int           `json:"successes"`
	Failures          int           `json:"failures"`
	CriticalOutcomes  int           `json:"critical_outcomes"`
	Workers           int           `json:"workers"`
	Restarts          int           `json:"restarts"`
	ScheduledRestarts int           `json:"scheduled_restarts"`
	HealthRestarts    int           `json:"health_restarts"`
	EmergencyRestarts int           `json:"emergency_restarts"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

func (s *Stats) recordOutcomes(outcomes []task.Outcome) (critical bool) {
	s.Groups++
	for _, o := range outcomes {
		s.Tasks++
		switch {
		case o.Success:
			s.Successes++
			tasksTotal.WithLabelValues("success").Inc()
		case o.CriticalError:
			s.Failures++
			s.CriticalOutcomes++
			critical = true
			tasksTotal.WithLabelValues("critical").Inc()
		default:
			s.Failures++
			tasksTotal.WithLabelValues("failure").Inc()
		}
	}
	return critical
}

// emergencyKind labels restarts caused by a critical task outcome.
const emergencyKind restart.Kind = "emergency"

func (s *Stats) recordRestart(kind restart.Kind) {
	s.Restarts++
	switch kind {
	case restart.KindScheduled:
		s.ScheduledRestarts++
	case emergencyKind:
		s.EmergencyRestarts++
	default:
		s.HealthRestarts++
	}
	restartsTotal.WithLabelValues(string(kind)).Inc()
}

func (s Stats) String() string {
	return fmt.Sprintf("Groups: %d, Tasks: %d, Successes: %d, Failures: %d, Critical: %d, Workers: %d, Restarts: %d (scheduled %d, health %d, emergency %d), Duration: %s",
		s.Groups, s.Tasks, s.Successes, s.Failures, s.CriticalOutcomes, s.Workers,
		s.Restarts, s.ScheduledRestarts, s.HealthRestarts, s.EmergencyRestarts, s.Duration.Round(time.Millisecond))
}

func (s Stats) Pretty() string {
	return lib.PrettyFields(
		lib.Field{Label: "Groups", Value: s.Groups},
		lib.Field{Label: "Tasks", Value: s.Tasks},
		lib.Field{Label: "Successes", Value: lib.Colorize(fmt.Sprintf("%d", s.Successes), lib.Green)},
		lib.Field{Label: "Failures", Value: lib.Colorize(fmt.Sprintf("%d", s.Failures), lib.Red)},
		lib.Field{Label: "Critical outcomes", Value: s.CriticalOutcomes},
		lib.Field{Label: "Workers", Value: s.Workers},
		lib.Field{Label: "Restarts", Value: fmt.Sprintf("%d (scheduled %d, health %d, emergency %d)", s.Restarts, s.ScheduledRestarts, s.HealthRestarts, s.EmergencyRestarts)},
		lib.Field{Label: "Duration", Value: s.Duration.Round(time.Millisecond)},
	)
}

func (s Stats) TableHeaders() []string {
	return []string{"Groups", "Tasks", "Successes", "Failures", "Critical", "Workers", "Restarts", "Scheduled", "Health", "Emergency", "Duration"}
}

func (s Stats) TableRow() []string {
	return []string{
		fmt.Sprintf("%d", s.Groups),
		fmt.Sprintf("%d", s.Tasks),
		fmt.Sprintf("%d", s.Successes),
		fmt.Sprintf("%d", s.Failures),
		fmt.Sprintf("%d", s.CriticalOutcomes),
		fmt.Sprintf("%d", s.Workers),
		fmt.Sprintf("%d", s.Restarts),
		fmt.Sprintf("%d", s.ScheduledRestarts),
		fmt.Sprintf("%d", s.HealthRestarts),
		fmt.Sprintf("%d", s.EmergencyRestarts),
		s.Duration.Round(time.Millisecond).String(),
	}
}
