package system

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kilianp07/ems/core/component"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/timeutil"
)

var (
	// ErrComposition is returned for duplicate singletons and for systems
	// lacking a source or a load.
	ErrComposition = errors.New("composition error")
	// ErrLookup is returned when a singleton component is absent.
	ErrLookup = errors.New("lookup error")
)

// Flags summarise which kinds of components are present.
type Flags struct {
	HasEnergySource           bool
	HasLoad                   bool
	HasFixLoads               bool
	HasInterruptibleLoads     bool
	HasSchedulableLoads       bool
	HasStochasticGenerators   bool
	HasDispatchableGenerators bool
	HasBattery                bool
	HasExternalGrid           bool
}

// Registry owns the components of one system and allocates their ids.
type Registry struct {
	name       string
	log        logger.Logger
	nextID     component.ID
	components map[component.ID]component.Component
	byKind     map[component.Kind]map[component.Subtype][]component.ID
	batteryID  component.ID
	gridID     component.ID
	flags      Flags

	fixLoad    []float64
	generation []float64
}

// New returns an empty registry. A nil logger disables logging.
func New(name string, log logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		name:       name,
		log:        log,
		components: make(map[component.ID]component.Component),
		byKind:     make(map[component.Kind]map[component.Subtype][]component.ID),
	}
}

// Name returns the system name.
func (r *Registry) Name() string { return r.name }

// Register stores c under a fresh id and updates the flags. A second battery
// or grid is rejected with ErrComposition.
func (r *Registry) Register(c component.Component) (component.ID, error) {
	if c == nil {
		return 0, fmt.Errorf("%w: nil component", ErrComposition)
	}
	switch c.Kind() {
	case component.KindBattery:
		if r.flags.HasBattery {
			return 0, fmt.Errorf("%w: system %s already has a battery", ErrComposition, r.name)
		}
	case component.KindGrid:
		if r.flags.HasExternalGrid {
			return 0, fmt.Errorf("%w: system %s already has an external grid", ErrComposition, r.name)
		}
	case component.KindGenerator, component.KindLoad:
	default:
		return 0, fmt.Errorf("%w: unknown component kind %d", ErrComposition, c.Kind())
	}
	id := r.nextID + 1
	if err := c.Bind(id); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrComposition, err)
	}
	r.nextID = id
	r.components[id] = c
	if r.byKind[c.Kind()] == nil {
		r.byKind[c.Kind()] = make(map[component.Subtype][]component.ID)
	}
	r.byKind[c.Kind()][c.Subtype()] = append(r.byKind[c.Kind()][c.Subtype()], id)
	r.updateFlags(c, id)
	r.log.Debugw("component registered", map[string]any{
		"system": r.name, "id": id, "name": c.Name(), "kind": c.Kind().String(), "subtype": c.Subtype().String(),
	})
	return id, nil
}

func (r *Registry) updateFlags(c component.Component, id component.ID) {
	f := &r.flags
	switch c.Kind() {
	case component.KindGenerator:
		f.HasEnergySource = true
		switch c.Subtype() {
		case component.SubtypeStochastic:
			f.HasStochasticGenerators = true
		case component.SubtypeDispatchable:
			f.HasDispatchableGenerators = true
		}
	case component.KindLoad:
		f.HasLoad = true
		switch c.Subtype() {
		case component.SubtypeFix:
			f.HasFixLoads = true
		case component.SubtypeInterruptible:
			f.HasInterruptibleLoads = true
		case component.SubtypeSchedulable:
			f.HasSchedulableLoads = true
		}
	case component.KindBattery:
		f.HasBattery = true
		r.batteryID = id
	case component.KindGrid:
		f.HasEnergySource = true
		f.HasExternalGrid = true
		r.gridID = id
	}
}

// Flags returns the composition flags.
func (r *Registry) Flags() Flags { return r.flags }

// Get returns the component with the given id.
func (r *Registry) Get(id component.ID) (component.Component, error) {
	c, ok := r.components[id]
	if !ok {
		return nil, fmt.Errorf("%w: no component with id %d", ErrLookup, id)
	}
	return c, nil
}

// Components returns every component ordered by id.
func (r *Registry) Components() []component.Component {
	ids := make([]component.ID, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]component.Component, len(ids))
	for i, id := range ids {
		out[i] = r.components[id]
	}
	return out
}

// Battery returns the registered battery.
func (r *Registry) Battery() (*component.Battery, error) {
	if !r.flags.HasBattery {
		return nil, fmt.Errorf("%w: system %s has no battery", ErrLookup, r.name)
	}
	b, ok := r.components[r.batteryID].(*component.Battery)
	if !ok {
		return nil, fmt.Errorf("%w: component %d is not a battery", ErrLookup, r.batteryID)
	}
	return b, nil
}

// Grid returns the registered external grid.
func (r *Registry) Grid() (*component.ExternalGrid, error) {
	if !r.flags.HasExternalGrid {
		return nil, fmt.Errorf("%w: system %s has no external grid", ErrLookup, r.name)
	}
	g, ok := r.components[r.gridID].(*component.ExternalGrid)
	if !ok {
		return nil, fmt.Errorf("%w: component %d is not an external grid", ErrLookup, r.gridID)
	}
	return g, nil
}

// ValidateComposition requires at least one source and one load.
func (r *Registry) ValidateComposition() error {
	if !r.flags.HasEnergySource {
		return fmt.Errorf("%w: system %s needs an external grid or a generator", ErrComposition, r.name)
	}
	if !r.flags.HasLoad {
		return fmt.Errorf("%w: system %s needs at least one load", ErrComposition, r.name)
	}
	return nil
}

// AggregateFixLoad sums the forecasts of every fix load over iv.
func (r *Registry) AggregateFixLoad(ctx context.Context, iv timeutil.Interval, step timeutil.Step) ([]float64, error) {
	v, err := r.aggregate(ctx, component.KindLoad, component.SubtypeFix, iv, step)
	if err != nil {
		return nil, err
	}
	r.fixLoad = v
	return v, nil
}

// AggregateStochasticGeneration sums the forecasts of every stochastic
// generator over iv.
func (r *Registry) AggregateStochasticGeneration(ctx context.Context, iv timeutil.Interval, step timeutil.Step) ([]float64, error) {
	v, err := r.aggregate(ctx, component.KindGenerator, component.SubtypeStochastic, iv, step)
	if err != nil {
		return nil, err
	}
	r.generation = v
	return v, nil
}

func (r *Registry) aggregate(ctx context.Context, kind component.Kind, sub component.Subtype, iv timeutil.Interval, step timeutil.Step) ([]float64, error) {
	periods := timeutil.Periods(iv, step)
	total := make([]float64, periods)
	for _, id := range r.byKind[kind][sub] {
		f, ok := r.components[id].(component.Forecaster)
		if !ok {
			return nil, fmt.Errorf("%w: component %d cannot forecast", component.ErrNotSupported, id)
		}
		v, err := f.Forecast(ctx, iv, step)
		if err != nil {
			return nil, err
		}
		if len(v) != periods {
			return nil, fmt.Errorf("component %s forecast has %d periods, want %d", f.Name(), len(v), periods)
		}
		for i := range total {
			total[i] += v[i]
		}
	}
	return total, nil
}

// FixLoad returns the last aggregated fix load, nil after Clear.
func (r *Registry) FixLoad() []float64 { return r.fixLoad }

// StochasticGeneration returns the last aggregated generation, nil after Clear.
func (r *Registry) StochasticGeneration() []float64 { return r.generation }

// Prepare validates the composition and refreshes every transient input of
// the optimizer for iv: aggregated forecasts, battery SOC bounds and prices.
func (r *Registry) Prepare(ctx context.Context, iv timeutil.Interval, step timeutil.Step, now time.Time) error {
	if err := r.ValidateComposition(); err != nil {
		return err
	}
	if _, err := r.AggregateFixLoad(ctx, iv, step); err != nil {
		return err
	}
	if _, err := r.AggregateStochasticGeneration(ctx, iv, step); err != nil {
		return err
	}
	if r.flags.HasBattery {
		b, err := r.Battery()
		if err != nil {
			return err
		}
		if err := b.Prepare(ctx, now); err != nil {
			return err
		}
	}
	if r.flags.HasExternalGrid {
		g, err := r.Grid()
		if err != nil {
			return err
		}
		if err := g.FetchPrices(ctx, iv, step); err != nil {
			return err
		}
	}
	r.log.Infof("system %s prepared for %s", r.name, iv)
	return nil
}

// Clear resets transient state. Components and flags are kept.
func (r *Registry) Clear() {
	r.fixLoad, r.generation = nil, nil
	for _, c := range r.components {
		c.Clear()
	}
}
