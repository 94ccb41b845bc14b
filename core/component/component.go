package component

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/ems/core/timeutil"
)

// ErrNotSupported is returned by component variants that exist in the model
// but cannot be forecast or optimized yet.
var ErrNotSupported = errors.New("component not supported")

// ID identifies a component inside one registry.
type ID uint64

// Kind is the electrical role of a component.
type Kind int

const (
	KindGenerator Kind = iota + 1
	KindLoad
	KindBattery
	KindGrid
)

func (k Kind) String() string {
	switch k {
	case KindGenerator:
		return "generator"
	case KindLoad:
		return "load"
	case KindBattery:
		return "battery"
	case KindGrid:
		return "grid"
	default:
		return "unknown"
	}
}

// Subtype refines generators and loads.
type Subtype int

const (
	SubtypeNone Subtype = iota
	SubtypeStochastic
	SubtypeDispatchable
	SubtypeFix
	SubtypeInterruptible
	SubtypeSchedulable
)

func (s Subtype) String() string {
	switch s {
	case SubtypeStochastic:
		return "stochastic"
	case SubtypeDispatchable:
		return "dispatchable"
	case SubtypeFix:
		return "fix"
	case SubtypeInterruptible:
		return "interruptible"
	case SubtypeSchedulable:
		return "schedulable"
	default:
		return "none"
	}
}

// Component is the common surface of every system element.
type Component interface {
	ID() ID
	Name() string
	Kind() Kind
	Subtype() Subtype
	// Step returns the component specific step, if any.
	Step() (timeutil.Step, bool)
	// Bind assigns the identity allocated by the owning registry.
	Bind(id ID) error
	// Clear drops transient per-step state.
	Clear()
}

// Forecaster is implemented by components that produce a per-period energy
// vector for an interval.
type Forecaster interface {
	Component
	Forecast(ctx context.Context, iv timeutil.Interval, step timeutil.Step) ([]float64, error)
	LastForecast() []float64
}

// Base carries the identity and static description shared by all variants.
type Base struct {
	name    string
	kind    Kind
	subtype Subtype
	step    timeutil.Step
	id      ID
	bound   bool
}

func newBase(name string, kind Kind, subtype Subtype) Base {
	return Base{name: name, kind: kind, subtype: subtype}
}

func (b *Base) ID() ID { return b.id }

func (b *Base) Name() string { return b.name }

func (b *Base) Kind() Kind { return b.kind }

func (b *Base) Subtype() Subtype { return b.subtype }

func (b *Base) Step() (timeutil.Step, bool) {
	return b.step, !b.step.IsZero()
}

// SetStep overrides the system step for this component.
func (b *Base) SetStep(s timeutil.Step) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b.step = s
	return nil
}

// Bind implements Component. A component can only belong to one registry.
func (b *Base) Bind(id ID) error {
	if b.bound {
		return fmt.Errorf("component %s already bound to id %d", b.name, b.id)
	}
	b.id, b.bound = id, true
	return nil
}

func (b *Base) String() string {
	if b.subtype == SubtypeNone {
		return fmt.Sprintf("%s(%s#%d)", b.kind, b.name, b.id)
	}
	return fmt.Sprintf("%s/%s(%s#%d)", b.kind, b.subtype, b.name, b.id)
}
