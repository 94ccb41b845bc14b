package timeutil

import (
	"fmt"
	"math"
	"time"
)

// NextStepBoundary returns the first point of the step grid at or after now.
// The grid is anchored to the top of now's hour.
func NextStepBoundary(now time.Time, step Step) time.Time {
	now = now.UTC()
	hour := now.Truncate(time.Hour)
	elapsed := int64(math.Ceil(now.Sub(hour).Seconds()))
	secs := int64(step.Seconds())
	if secs <= 0 {
		return now
	}
	n := (elapsed + secs - 1) / secs
	return hour.Add(time.Duration(n*secs) * time.Second)
}

// FollowingLocalMidnightUTC returns, in UTC, the local midnight that starts
// the day daysAhead+1 days after now's local date in loc. The offset used is
// the one in force at that midnight.
func FollowingLocalMidnightUTC(now time.Time, loc *time.Location, daysAhead int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+daysAhead+1, 0, 0, 0, 0, loc).UTC()
}

// LocalClock is a time of day without a date, e.g. a price publication time.
type LocalClock struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock parses "15:04" or "15:04:05".
func ParseClock(text string) (LocalClock, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, text); err == nil {
			return LocalClock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return LocalClock{}, fmt.Errorf("%w: malformed time of day %q", ErrConfiguration, text)
}

// Reached reports whether the local time of day of t is at or after c.
func (c LocalClock) Reached(t time.Time) bool {
	h, m, s := t.Clock()
	return h*3600+m*60+s >= c.Hour*3600+c.Minute*60+c.Second
}

func (c LocalClock) String() string {
	return time.Date(0, 1, 1, c.Hour, c.Minute, c.Second, 0, time.UTC).Format("15:04:05")
}
