package simulation

import (
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/system"
	"github.com/kilianp07/ems/core/timeutil"
)

// EndPolicy decides where the planning interval of a step ends.
type EndPolicy interface {
	ResolveEnd(now, start time.Time, loc *time.Location, reg *system.Registry) (time.Time, error)
	String() string
}

type fixed time.Duration

// Fixed ends the interval length after its start.
func Fixed(length time.Duration) EndPolicy { return fixed(length) }

func (f fixed) ResolveEnd(_, start time.Time, _ *time.Location, _ *system.Registry) (time.Time, error) {
	if f <= 0 {
		return time.Time{}, fmt.Errorf("%w: non-positive simulation length %s", timeutil.ErrConfiguration, time.Duration(f))
	}
	return start.Add(time.Duration(f)), nil
}

func (f fixed) String() string { return "fixed(" + time.Duration(f).String() + ")" }

type pricesAvailability struct{}

// PricesAvailability ends the interval at the last local midnight covered by
// published prices: the coming one before the grid's publication time, the
// one after once next-day prices are out. It requires a grid.
func PricesAvailability() EndPolicy { return pricesAvailability{} }

func (pricesAvailability) ResolveEnd(now, _ time.Time, _ *time.Location, reg *system.Registry) (time.Time, error) {
	if reg == nil {
		return time.Time{}, fmt.Errorf("%w: prices availability needs a system", timeutil.ErrConfiguration)
	}
	g, err := reg.Grid()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: prices availability: %w", timeutil.ErrConfiguration, err)
	}
	days := 0
	if g.NextDayPricesPublished(now) {
		days = 1
	}
	return timeutil.FollowingLocalMidnightUTC(now, g.Location, days), nil
}

func (pricesAvailability) String() string { return "prices_availability" }

type midnightAhead int

// MidnightAhead ends the interval at the local midnight days+1 days after
// the local date of now, in the controller location.
func MidnightAhead(days int) EndPolicy { return midnightAhead(days) }

func (m midnightAhead) ResolveEnd(now, _ time.Time, loc *time.Location, _ *system.Registry) (time.Time, error) {
	if m < 0 {
		return time.Time{}, fmt.Errorf("%w: negative days ahead %d", timeutil.ErrConfiguration, int(m))
	}
	return timeutil.FollowingLocalMidnightUTC(now, loc, int(m)), nil
}

func (m midnightAhead) String() string { return fmt.Sprintf("midnight_ahead(%d)", int(m)) }

// ParsePolicy builds a policy from its configuration name.
func ParsePolicy(name string, length time.Duration, days int) (EndPolicy, error) {
	switch name {
	case "fixed":
		return Fixed(length), nil
	case "prices_availability":
		return PricesAvailability(), nil
	case "midnight_ahead":
		return MidnightAhead(days), nil
	}
	return nil, fmt.Errorf("%w: unknown end policy %q", timeutil.ErrConfiguration, name)
}
