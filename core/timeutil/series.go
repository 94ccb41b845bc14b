package timeutil

import (
	"fmt"
	"time"
)

// Series is a regularly sampled sequence starting at Start.
type Series struct {
	Start  time.Time
	Step   time.Duration
	Values []float64
}

// End returns the instant right after the last sample period.
func (s Series) End() time.Time {
	return s.Start.Add(time.Duration(len(s.Values)) * s.Step)
}

// At returns the value of the period containing t, forward filling past the
// last sample. ok is false when t precedes the series.
func (s Series) At(t time.Time) (float64, bool) {
	if len(s.Values) == 0 || s.Step <= 0 || t.Before(s.Start) {
		return 0, false
	}
	k := int(t.Sub(s.Start) / s.Step)
	if k >= len(s.Values) {
		k = len(s.Values) - 1
	}
	return s.Values[k], true
}

// Upsample replicates a coarse series onto a finer grid covering iv.
// When scale is set the values are multiplied by target/source, which
// spreads extensive quantities such as energy over the smaller periods.
// Intensive quantities such as prices are replicated unchanged otherwise.
func Upsample(s Series, target time.Duration, iv Interval, scale bool) (Series, error) {
	if target <= 0 || s.Step <= 0 {
		return Series{}, fmt.Errorf("%w: steps must be positive", ErrConfiguration)
	}
	if target > s.Step {
		return Series{}, fmt.Errorf("%w: downsampling from %s to %s is not supported", ErrConfiguration, s.Step, target)
	}
	if iv.Start.Before(s.Start) {
		return Series{}, fmt.Errorf("%w: interval starts at %s before series start %s",
			ErrInvalidTime, iv.Start.Format(time.RFC3339), s.Start.Format(time.RFC3339))
	}
	factor := 1.0
	if scale {
		factor = float64(target) / float64(s.Step)
	}
	out := Series{Start: iv.Start, Step: target}
	for t := iv.Start; t.Before(iv.End); t = t.Add(target) {
		v, _ := s.At(t)
		out.Values = append(out.Values, v*factor)
	}
	return out, nil
}
