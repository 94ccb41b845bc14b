package timeutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrConfiguration is returned for malformed steps, intervals or options.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidTime is returned when an instant violates an interval requirement.
	ErrInvalidTime = errors.New("invalid time")
)

const (
	// MinStepSeconds is the smallest accepted control step.
	MinStepSeconds = 60
	// MaxStepSeconds is the largest accepted control step.
	MaxStepSeconds = 3600
)

// Unit is the unit of a Step.
type Unit int

const (
	Seconds Unit = iota + 1
	Minutes
	Hours
)

// String returns the canonical short spelling of the unit.
func (u Unit) String() string {
	switch u {
	case Seconds:
		return "s"
	case Minutes:
		return "m"
	case Hours:
		return "h"
	default:
		return "unknown"
	}
}

// Seconds returns the length of one unit in seconds.
func (u Unit) Seconds() int {
	switch u {
	case Seconds:
		return 1
	case Minutes:
		return 60
	case Hours:
		return 3600
	default:
		return 0
	}
}

var unitSpellings = map[string]Unit{
	"s":       Seconds,
	"S":       Seconds,
	"sec":     Seconds,
	"secs":    Seconds,
	"second":  Seconds,
	"seconds": Seconds,
	"m":       Minutes,
	"T":       Minutes,
	"min":     Minutes,
	"mins":    Minutes,
	"minute":  Minutes,
	"minutes": Minutes,
	"h":       Hours,
	"H":       Hours,
	"hour":    Hours,
	"hours":   Hours,
}

// Step is a control step made of an integer magnitude and a unit.
type Step struct {
	Value int
	Unit  Unit
}

// NewStep validates value and unit and returns the corresponding Step.
func NewStep(value int, unit Unit) (Step, error) {
	s := Step{Value: value, Unit: unit}
	if err := s.Validate(); err != nil {
		return Step{}, err
	}
	return s, nil
}

// MustStep is NewStep for constants known to be valid. It panics otherwise.
func MustStep(text string) Step {
	s, err := ParseStep(text)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseStep parses strings such as "15m", "1h" or "300s".
func ParseStep(text string) (Step, error) {
	t := strings.TrimSpace(text)
	i := 0
	for i < len(t) && t[i] >= '0' && t[i] <= '9' {
		i++
	}
	if i == 0 || i == len(t) {
		return Step{}, fmt.Errorf("%w: malformed step %q", ErrConfiguration, text)
	}
	value, err := strconv.Atoi(t[:i])
	if err != nil {
		return Step{}, fmt.Errorf("%w: malformed step %q: %v", ErrConfiguration, text, err)
	}
	unit, ok := unitSpellings[t[i:]]
	if !ok {
		return Step{}, fmt.Errorf("%w: unknown unit %q in step %q", ErrConfiguration, t[i:], text)
	}
	return NewStep(value, unit)
}

// Validate checks the step lies in [1m, 1h] and evenly divides an hour.
func (s Step) Validate() error {
	if s.Unit.Seconds() == 0 {
		return fmt.Errorf("%w: unknown step unit", ErrConfiguration)
	}
	secs := s.Seconds()
	if secs < MinStepSeconds || secs > MaxStepSeconds {
		return fmt.Errorf("%w: step %s must be between 1 minute and 1 hour", ErrConfiguration, s)
	}
	if MaxStepSeconds%secs != 0 {
		return fmt.Errorf("%w: step %s does not divide one hour evenly", ErrConfiguration, s)
	}
	return nil
}

// Seconds returns the step length in seconds.
func (s Step) Seconds() int { return s.Value * s.Unit.Seconds() }

// Duration returns the step as a time.Duration.
func (s Step) Duration() time.Duration { return time.Duration(s.Seconds()) * time.Second }

// Hours returns the step length as a fraction of an hour.
func (s Step) Hours() float64 { return float64(s.Seconds()) / 3600 }

// IsZero reports whether the step is unset.
func (s Step) IsZero() bool { return s.Value == 0 && s.Unit == 0 }

// String renders the canonical form accepted by ParseStep.
func (s Step) String() string { return strconv.Itoa(s.Value) + s.Unit.String() }
