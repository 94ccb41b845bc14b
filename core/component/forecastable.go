package component

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/forecast"
	"github.com/kilianp07/ems/core/timeutil"
)

// Source describes where a forecastable component learns from.
type Source struct {
	// HistoricalLabel is the series being forecast.
	HistoricalLabel string
	// RegressorLabels are extra columns handed to the forecaster.
	RegressorLabels []string
	// TrainingSpan is the number of historical periods used for training.
	TrainingSpan int
	// Gap is the number of periods between the training data and the
	// forecast start.
	Gap   int
	Data  data.Provider
	Model forecast.Provider
	// PostProcess, when set, adjusts the forecast before it is stored.
	PostProcess func([]float64) []float64
}

func (s Source) validate() error {
	if s.HistoricalLabel == "" {
		return errors.New("historical label is required")
	}
	if s.TrainingSpan <= 0 {
		return errors.New("training span must be positive")
	}
	if s.Gap < 0 {
		return errors.New("gap must not be negative")
	}
	if s.Data == nil || s.Model == nil {
		return errors.New("data provider and forecast model are required")
	}
	return nil
}

// HistoricalInterval returns the training window that ends gap periods
// before start and spans TrainingSpan periods.
func (s Source) HistoricalInterval(start time.Time, step timeutil.Step) timeutil.Interval {
	d := step.Duration()
	return timeutil.NewInterval(
		start.Add(-time.Duration(s.Gap+s.TrainingSpan)*d),
		start.Add(-time.Duration(s.Gap)*d),
	)
}

// run fetches history, forecasts at the component step and brings the result
// onto the system grid. Energy values are rescaled when upsampling.
func (s Source) run(ctx context.Context, own timeutil.Step, hasOwn bool, iv timeutil.Interval, step timeutil.Step) ([]float64, error) {
	fstep := step
	if hasOwn {
		fstep = own
	}
	if fstep.Seconds() < step.Seconds() {
		return nil, fmt.Errorf("%w: component step %s finer than system step %s", timeutil.ErrConfiguration, fstep, step)
	}
	labels := append([]string{s.HistoricalLabel}, s.RegressorLabels...)
	hist, err := s.Data.Series(ctx, labels, s.HistoricalInterval(iv.Start, fstep))
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", s.HistoricalLabel, err)
	}
	series, err := s.Model.Forecast(ctx, iv, hist, s.HistoricalLabel, fstep)
	if err != nil {
		return nil, fmt.Errorf("forecast %s: %w", s.HistoricalLabel, err)
	}
	if fstep.Seconds() != step.Seconds() {
		series, err = timeutil.Upsample(series, step.Duration(), iv, true)
		if err != nil {
			return nil, err
		}
	}
	values := series.Values
	if s.PostProcess != nil {
		values = s.PostProcess(values)
	}
	if n := timeutil.Periods(iv, step); len(values) != n {
		return nil, fmt.Errorf("forecast %s has %d values, want %d", s.HistoricalLabel, len(values), n)
	}
	return values, nil
}
