package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed poll cycles.
	// Labels: result (success, error)
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchd",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles",
		},
		[]string{"result"},
	)

	// CycleDuration tracks how long one poll cycle takes.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchd",
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of poll cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TransitionsTotal counts label state transitions.
	// Labels: to (target state)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchd",
			Subsystem: "poller",
			Name:      "transitions_total",
			Help:      "Total number of lifecycle transitions applied",
		},
		[]string{"to"},
	)

	// TurnsTotal counts agent turn executions.
	// Labels: result (changed, unchanged, failed)
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchd",
			Subsystem: "poller",
			Name:      "turns_total",
			Help:      "Total number of agent turns executed",
		},
		[]string{"result"},
	)

	// MergeDecisions counts merge engine verdicts.
	// Labels: decision (hold, promote, auto_merge)
	MergeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchd",
			Subsystem: "merge",
			Name:      "decisions_total",
			Help:      "Total number of merge engine decisions",
		},
		[]string{"decision"},
	)

	// StallsTotal counts stall detections.
	StallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchd",
			Subsystem: "poller",
			Name:      "stalls_total",
			Help:      "Total number of stalled work items detected",
		},
	)

	// RunningItems reports how many work items currently hold a WIP slot.
	RunningItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchd",
			Subsystem: "poller",
			Name:      "running_items",
			Help:      "Number of work items currently admitted under the WIP cap",
		},
	)
)
