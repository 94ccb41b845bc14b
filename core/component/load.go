package component

import (
	"context"
	"fmt"

	"github.com/kilianp07/ems/core/timeutil"
)

// FixLoad is a non-flexible consumption forecast from its own history.
type FixLoad struct {
	Base
	Source Source

	forecast []float64
}

// NewFixLoad validates src and returns the load.
func NewFixLoad(name string, src Source) (*FixLoad, error) {
	if err := src.validate(); err != nil {
		return nil, fmt.Errorf("fix load %s: %w", name, err)
	}
	return &FixLoad{Base: newBase(name, KindLoad, SubtypeFix), Source: src}, nil
}

// Forecast computes and stores the per-period energy demand over iv.
func (l *FixLoad) Forecast(ctx context.Context, iv timeutil.Interval, step timeutil.Step) ([]float64, error) {
	own, ok := l.Step()
	values, err := l.Source.run(ctx, own, ok, iv, step)
	if err != nil {
		return nil, fmt.Errorf("fix load %s: %w", l.Name(), err)
	}
	l.forecast = values
	return values, nil
}

// LastForecast returns the forecast of the current step, nil after Clear.
func (l *FixLoad) LastForecast() []float64 { return l.forecast }

// Clear implements Component.
func (l *FixLoad) Clear() { l.forecast = nil }
