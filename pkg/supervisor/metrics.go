package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "rodwarden"
	subsystem = "supervisor"

	restartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Worker restarts by kind",
		},
		[]string{"kind"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Completed tasks by result",
		},
		[]string{"result"},
	)

	assessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "assessments_total",
			Help:      "Health assessments by overall verdict",
		},
		[]string{"overall"},
	)

	probeResponseSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probe_response_seconds",
			Help:      "Round-trip time of the health probe",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		},
	)

	escalationTerminalStep = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "escalation_terminal_step_total",
			Help:      "Termination ladder step that confirmed the engine closed",
		},
		[]string{"step"},
	)

	spawnFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Worker spawn failures",
		},
	)
)
