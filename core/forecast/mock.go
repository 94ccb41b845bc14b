package forecast

import (
	"context"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/timeutil"
)

// MockProvider returns deterministic forecasts.
type MockProvider struct {
	// Values are repeated cyclically to cover the requested interval.
	Values []float64
	Err    error
	Calls  int
}

// Forecast implements Provider.
func (m *MockProvider) Forecast(ctx context.Context, iv timeutil.Interval, _ data.Table, _ string, step timeutil.Step) (timeutil.Series, error) {
	m.Calls++
	if m.Err != nil {
		return timeutil.Series{}, m.Err
	}
	if err := ctx.Err(); err != nil {
		return timeutil.Series{}, err
	}
	n := timeutil.Periods(iv, step)
	out := timeutil.Series{Start: iv.Start, Step: step.Duration(), Values: make([]float64, n)}
	if len(m.Values) == 0 {
		return out, nil
	}
	for i := range out.Values {
		out.Values[i] = m.Values[i%len(m.Values)]
	}
	return out, nil
}
