package metrics

import (
	"context"
	"errors"

	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/results"
	"github.com/kilianp07/ems/core/simulation"
)

// MultiSink fans dispatch results out to multiple sinks.
type MultiSink struct {
	Sinks []results.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...results.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// Write forwards r to every sink, even after a failure, and joins the errors.
func (m *MultiSink) Write(ctx context.Context, r *optimizer.DispatchResult) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordTransition forwards ev to the sinks recording transitions.
func (m *MultiSink) RecordTransition(ev simulation.StateEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(TransitionRecorder); ok {
			if err := rec.RecordTransition(ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
