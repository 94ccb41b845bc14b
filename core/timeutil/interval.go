package timeutil

import (
	"fmt"
	"math"
	"time"
)

// LocalLayout is the human readable form used when displaying local instants.
const LocalLayout = "2006-01-02 15:04:05 MST"

// Interval is a half-open window [Start, End) of UTC instants.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval returns the interval with both ends converted to UTC.
func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// Contains reports whether t lies in [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// ToLocalString formats t in loc for display.
func ToLocalString(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(LocalLayout)
}

// Periods returns the number of step sized periods needed to cover [Start, End).
func Periods(iv Interval, step Step) int {
	d := iv.Duration()
	if d <= 0 || step.Seconds() == 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds() / float64(step.Seconds())))
}

// Timestamps returns the start of each period of iv.
func Timestamps(iv Interval, step Step) []time.Time {
	n := Periods(iv, step)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = iv.Start.Add(time.Duration(i) * step.Duration())
	}
	return out
}

type intervalChecks struct {
	now       time.Time
	past      bool
	future    bool
	oclock    bool
	dropLast  *Step
	zeroBelow Unit
}

// IntervalOption enables one check or transformation in ValidateInterval.
type IntervalOption func(*intervalChecks)

// RequirePast fails validation when an end of the interval is after now.
func RequirePast(now time.Time) IntervalOption {
	return func(c *intervalChecks) { c.past, c.now = true, now }
}

// RequireFuture fails validation when an end of the interval is before now.
func RequireFuture(now time.Time) IntervalOption {
	return func(c *intervalChecks) { c.future, c.now = true, now }
}

// RequireOClock fails validation unless both ends sit on an hour boundary.
func RequireOClock() IntervalOption {
	return func(c *intervalChecks) { c.oclock = true }
}

// DropLastStep moves the end back by one step so that a closed end
// received from a collaborator can be handled as exclusive.
func DropLastStep(step Step) IntervalOption {
	return func(c *intervalChecks) { c.dropLast = &step }
}

// ZeroBelow truncates both ends, zeroing the given unit and every finer
// field. ZeroBelow(Minutes) truncates to the hour.
func ZeroBelow(u Unit) IntervalOption {
	return func(c *intervalChecks) { c.zeroBelow = u }
}

// ValidateInterval checks iv against the given options and returns the
// possibly adjusted interval. Checks run in a fixed order: ordering,
// o'clock, drop-last-step, truncation, then past/future.
func ValidateInterval(iv Interval, opts ...IntervalOption) (Interval, error) {
	var c intervalChecks
	for _, o := range opts {
		o(&c)
	}
	if c.past && c.future {
		return iv, fmt.Errorf("%w: past and future requirements are exclusive", ErrConfiguration)
	}
	iv = NewInterval(iv.Start, iv.End)
	if iv.Start.After(iv.End) {
		return iv, fmt.Errorf("%w: start %s after end %s", ErrInvalidTime, iv.Start, iv.End)
	}
	if c.oclock {
		for _, t := range []time.Time{iv.Start, iv.End} {
			if !t.Equal(t.Truncate(time.Hour)) {
				return iv, fmt.Errorf("%w: %s is not an o'clock time", ErrInvalidTime, t.Format(time.RFC3339Nano))
			}
		}
	}
	if c.dropLast != nil {
		if err := c.dropLast.Validate(); err != nil {
			return iv, err
		}
		iv.End = iv.End.Add(-c.dropLast.Duration())
	}
	if c.zeroBelow != 0 {
		trunc, err := truncation(c.zeroBelow)
		if err != nil {
			return iv, err
		}
		iv.Start = iv.Start.Truncate(trunc)
		iv.End = iv.End.Truncate(trunc)
	}
	if c.past || c.future {
		now := c.now.UTC()
		for _, t := range []time.Time{iv.Start, iv.End} {
			if c.past && t.After(now) {
				return iv, fmt.Errorf("%w: %s is not in the past", ErrInvalidTime, t.Format(time.RFC3339))
			}
			if c.future && t.Before(now) {
				return iv, fmt.Errorf("%w: %s is not in the future", ErrInvalidTime, t.Format(time.RFC3339))
			}
		}
	}
	return iv, nil
}

// truncation maps the zeroed unit to the Truncate argument that clears it
// and every finer field.
func truncation(u Unit) (time.Duration, error) {
	switch u {
	case Seconds:
		return time.Minute, nil
	case Minutes:
		return time.Hour, nil
	case Hours:
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown unit for truncation", ErrConfiguration)
	}
}
