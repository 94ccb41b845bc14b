package simulation

import (
	"time"

	"github.com/kilianp07/ems/core/timeutil"
)

// State is the phase a controller step has reached.
type State int

const (
	Idle State = iota
	IntervalResolved
	Forecasted
	Optimized
	Validated
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case IntervalResolved:
		return "interval_resolved"
	case Forecasted:
		return "forecasted"
	case Optimized:
		return "optimized"
	case Validated:
		return "validated"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen before Clear.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// StateEvent is published on every transition.
type StateEvent struct {
	RunID    string
	Interval timeutil.Interval
	From     State
	To       State
	At       time.Time
	// Err is set on transitions to Failed.
	Err error
}
