package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/timeutil"
)

// ErrNoHistory is returned when a forecaster has nothing to learn from.
var ErrNoHistory = errors.New("no historical data")

// Provider predicts a series covering exactly iv from historical data.
type Provider interface {
	Forecast(ctx context.Context, iv timeutil.Interval, history data.Table, target string, step timeutil.Step) (timeutil.Series, error)
}

// SeasonalMean predicts each period as the mean of the historical samples
// taken at the same offset within Season. Weights decay geometrically with
// the age of the sample when Decay is in (0,1).
type SeasonalMean struct {
	Season time.Duration
	Decay  float64
}

// NewSeasonalMean returns a daily seasonal forecaster without decay.
func NewSeasonalMean() SeasonalMean { return SeasonalMean{Season: 24 * time.Hour} }

// Forecast implements Provider.
func (s SeasonalMean) Forecast(ctx context.Context, iv timeutil.Interval, history data.Table, target string, step timeutil.Step) (timeutil.Series, error) {
	if err := ctx.Err(); err != nil {
		return timeutil.Series{}, err
	}
	col, err := history.Column(target)
	if err != nil {
		return timeutil.Series{}, err
	}
	if len(col) == 0 {
		return timeutil.Series{}, fmt.Errorf("%w for %s", ErrNoHistory, target)
	}
	season := s.Season
	if season <= 0 {
		season = 24 * time.Hour
	}
	overall := stat.Mean(col, nil)
	stamps := timeutil.Timestamps(iv, step)
	out := timeutil.Series{Start: iv.Start, Step: step.Duration(), Values: make([]float64, len(stamps))}
	for i, t := range stamps {
		var xs, ws []float64
		for j, h := range history.Index {
			d := t.Sub(h)
			if d <= 0 || d%season != 0 {
				continue
			}
			xs = append(xs, col[j])
			ws = append(ws, s.weight(int(d/season)))
		}
		if len(xs) == 0 {
			out.Values[i] = overall
			continue
		}
		out.Values[i] = stat.Mean(xs, ws)
	}
	return out, nil
}

func (s SeasonalMean) weight(age int) float64 {
	if s.Decay <= 0 || s.Decay >= 1 {
		return 1
	}
	w := 1.0
	for i := 1; i < age; i++ {
		w *= s.Decay
	}
	return w
}
