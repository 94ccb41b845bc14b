// Package metrics exports dispatch results and controller events to
// Prometheus.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/simulation"
)

// PromSink records dispatch results and controller transitions in
// Prometheus metrics.
type PromSink struct {
	results     prometheus.Counter
	imported    prometheus.Gauge
	exported    prometheus.Gauge
	cost        prometheus.Gauge
	targetSOC   prometheus.Gauge
	periods     prometheus.Gauge
	transitions *prometheus.CounterVec
}

// NewPromSink registers the sink metrics on the default Prometheus registerer.
// The Prometheus server should be started separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Metrics
// already registered by an earlier sink are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ems_dispatch_results_total",
			Help: "Number of validated dispatch results",
		}),
		imported: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ems_dispatch_grid_import_kwh",
			Help: "Energy bought from the grid over the last planned interval",
		}),
		exported: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ems_dispatch_grid_export_kwh",
			Help: "Energy sold to the grid over the last planned interval",
		}),
		cost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ems_dispatch_cost",
			Help: "Net grid cost of the last dispatch",
		}),
		targetSOC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ems_battery_target_soc",
			Help: "Battery state of charge targeted at the end of the first period",
		}),
		periods: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ems_dispatch_periods",
			Help: "Number of periods in the last planned interval",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_controller_transitions_total",
			Help: "Controller state transitions observed on the event bus",
		}, []string{"from", "to"}),
	}
	var err error
	if s.results, err = register(reg, s.results); err != nil {
		return nil, err
	}
	if s.imported, err = register(reg, s.imported); err != nil {
		return nil, err
	}
	if s.exported, err = register(reg, s.exported); err != nil {
		return nil, err
	}
	if s.cost, err = register(reg, s.cost); err != nil {
		return nil, err
	}
	if s.targetSOC, err = register(reg, s.targetSOC); err != nil {
		return nil, err
	}
	if s.periods, err = register(reg, s.periods); err != nil {
		return nil, err
	}
	if s.transitions, err = register(reg, s.transitions); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Write implements results.Sink.
func (s *PromSink) Write(_ context.Context, r *optimizer.DispatchResult) error {
	var imported, exported float64
	for t := range r.Buy {
		imported += r.Buy[t]
		exported += r.Sell[t]
	}
	s.results.Inc()
	s.imported.Set(imported)
	s.exported.Set(exported)
	s.cost.Set(r.Objective)
	s.periods.Set(float64(r.Periods()))
	if r.HasBattery() {
		s.targetSOC.Set(r.TargetSOC)
	}
	return nil
}

// RecordTransition counts a controller transition.
func (s *PromSink) RecordTransition(ev simulation.StateEvent) error {
	s.transitions.WithLabelValues(ev.From.String(), ev.To.String()).Inc()
	return nil
}
