package simulation

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal   *prometheus.CounterVec
	currentState prometheus.Gauge
)

func newCollectors() (*prometheus.CounterVec, prometheus.Gauge) {
	steps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ems_controller_steps_total",
			Help: "Controller steps by terminal state",
		},
		[]string{"state"},
	)
	state := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ems_controller_state",
			Help: "Current controller state",
		},
	)
	return steps, state
}

func init() {
	stepsTotal, currentState = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers controller metrics on reg, or on the default
// registerer when reg is nil.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(stepsTotal, currentState)
}

// ResetMetrics reinitializes the collectors for tests.
func ResetMetrics(reg prometheus.Registerer) {
	stepsTotal, currentState = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
