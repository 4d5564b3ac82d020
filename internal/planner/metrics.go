package planner

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the metrics of the planner.
type Metrics struct {
	// Computations counts the plan computations by outcome: "success",
	// "infeasible", "unknown", "inconsistent" or "error".
	Computations *prometheus.CounterVec
	// ComputeDuration observes the wall-clock time of successful computations.
	ComputeDuration prometheus.Histogram
	// Partitions observes the number of partitions of each computation.
	Partitions prometheus.Histogram
	// Actions counts the planned actions by kind.
	Actions *prometheus.CounterVec
	// SearchNodes counts the search nodes explored over every partition.
	SearchNodes prometheus.Counter
	// PlanDuration observes the makespan of the computed plans.
	PlanDuration prometheus.Histogram
}

// NewMetrics creates the planner metrics and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Computations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replan",
			Subsystem: "planner",
			Name:      "computations_total",
			Help:      "Plan computations by outcome.",
		}, []string{"outcome"}),
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replan",
			Subsystem: "planner",
			Name:      "compute_duration_seconds",
			Help:      "Time spent computing a plan.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Partitions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replan",
			Subsystem: "planner",
			Name:      "partitions",
			Help:      "Number of independent sub-problems per computation.",
			Buckets:   prometheus.LinearBuckets(1, 2, 8),
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replan",
			Subsystem: "planner",
			Name:      "actions_total",
			Help:      "Planned actions by kind.",
		}, []string{"kind"}),
		SearchNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replan",
			Subsystem: "solver",
			Name:      "nodes_total",
			Help:      "Search nodes explored.",
		}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replan",
			Subsystem: "planner",
			Name:      "plan_duration",
			Help:      "Makespan of the computed plans, in duration units.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Computations, m.ComputeDuration, m.Partitions, m.Actions, m.SearchNodes, m.PlanDuration)
	}
	return m
}
