package component

import (
	"context"
	"fmt"

	"github.com/kilianp07/ems/core/timeutil"
)

// Unsupported represents the dispatchable generator, interruptible load and
// schedulable load variants. They can be registered so that composition flags
// reflect them, but any attempt to forecast or optimize them fails with
// ErrNotSupported.
type Unsupported struct {
	Base
}

// NewDispatchableGenerator returns a placeholder dispatchable generator.
func NewDispatchableGenerator(name string) *Unsupported {
	return &Unsupported{Base: newBase(name, KindGenerator, SubtypeDispatchable)}
}

// NewInterruptibleLoad returns a placeholder interruptible load.
func NewInterruptibleLoad(name string) *Unsupported {
	return &Unsupported{Base: newBase(name, KindLoad, SubtypeInterruptible)}
}

// NewSchedulableLoad returns a placeholder schedulable load.
func NewSchedulableLoad(name string) *Unsupported {
	return &Unsupported{Base: newBase(name, KindLoad, SubtypeSchedulable)}
}

// Forecast always fails.
func (u *Unsupported) Forecast(context.Context, timeutil.Interval, timeutil.Step) ([]float64, error) {
	return nil, fmt.Errorf("%w: %s %s", ErrNotSupported, u.Subtype(), u.Kind())
}

func (u *Unsupported) LastForecast() []float64 { return nil }

func (u *Unsupported) Clear() {}
