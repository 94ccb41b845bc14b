package component

import (
	"context"
	"fmt"

	"github.com/kilianp07/ems/core/timeutil"
)

// StochasticGenerator is a non-dispatchable source such as a PV array.
type StochasticGenerator struct {
	Base
	Source Source
	// MaxPowerKW caps the forecast when positive.
	MaxPowerKW float64

	forecast []float64
}

// NewStochasticGenerator validates src and returns the generator.
func NewStochasticGenerator(name string, maxPowerKW float64, src Source) (*StochasticGenerator, error) {
	if err := src.validate(); err != nil {
		return nil, fmt.Errorf("generator %s: %w", name, err)
	}
	if maxPowerKW < 0 {
		return nil, fmt.Errorf("generator %s: max power must not be negative", name)
	}
	return &StochasticGenerator{
		Base:       newBase(name, KindGenerator, SubtypeStochastic),
		Source:     src,
		MaxPowerKW: maxPowerKW,
	}, nil
}

// Forecast computes and stores the per-period generation over iv.
func (g *StochasticGenerator) Forecast(ctx context.Context, iv timeutil.Interval, step timeutil.Step) ([]float64, error) {
	own, ok := g.Step()
	values, err := g.Source.run(ctx, own, ok, iv, step)
	if err != nil {
		return nil, fmt.Errorf("generator %s: %w", g.Name(), err)
	}
	g.forecast = ClampCapacity(values, g.MaxPowerKW*step.Hours())
	return g.forecast, nil
}

// LastForecast returns the forecast of the current step, nil after Clear.
func (g *StochasticGenerator) LastForecast() []float64 { return g.forecast }

// Clear implements Component.
func (g *StochasticGenerator) Clear() { g.forecast = nil }

// ClampCapacity bounds every value to [0, upper]. A non-positive upper only
// removes negative values.
func ClampCapacity(values []float64, upper float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		switch {
		case v < 0:
			v = 0
		case upper > 0 && v > upper:
			v = upper
		}
		out[i] = v
	}
	return out
}
