package optimizer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	solveLatency     *prometheus.HistogramVec
	solvesTotal      *prometheus.CounterVec
	validityFailures *prometheus.CounterVec
	lastObjective    prometheus.Gauge
	searchNodes      prometheus.Histogram
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.HistogramVec, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Gauge, prometheus.Histogram) {
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ems_solve_duration_seconds",
			Help:    "Duration of dispatch model solves",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	total := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ems_solves_total",
			Help: "Number of dispatch model solves by solver status",
		},
		[]string{"status"},
	)
	invalid := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ems_physical_validity_failures_total",
			Help: "Number of dispatch results rejected by post-solve checks",
		},
		[]string{"check"},
	)
	obj := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ems_dispatch_objective",
			Help: "Objective value of the last optimal dispatch",
		},
	)
	nodes := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ems_solve_nodes",
			Help:    "LP relaxations solved per dispatch model",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	return lat, total, invalid, obj, nodes
}

func init() {
	solveLatency, solvesTotal, validityFailures, lastObjective, searchNodes = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers optimizer metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(solveLatency, solvesTotal, validityFailures, lastObjective, searchNodes)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	solveLatency, solvesTotal, validityFailures, lastObjective, searchNodes = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
