package app

import (
	"fmt"

	"github.com/kilianp07/ems/config"
	"github.com/kilianp07/ems/core/component"
	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/forecast"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/system"
	"github.com/kilianp07/ems/core/timeutil"
)

type stepper interface {
	SetStep(timeutil.Step) error
}

func source(c config.SourceConfig, provider data.Provider) (component.Source, error) {
	model, err := forecast.New(c.Forecaster)
	if err != nil {
		return component.Source{}, err
	}
	return component.Source{
		HistoricalLabel: c.Label,
		RegressorLabels: c.Regressors,
		TrainingSpan:    c.TrainingSpan,
		Gap:             c.Gap,
		Data:            provider,
		Model:           model,
	}, nil
}

func setStep(c stepper, text string) error {
	if text == "" {
		return nil
	}
	s, err := timeutil.ParseStep(text)
	if err != nil {
		return err
	}
	return c.SetStep(s)
}

// BuildSystem registers the configured components on a new registry. Every
// label is read through provider.
func BuildSystem(cfg config.SystemConfig, provider data.Provider, log logger.Logger) (*system.Registry, error) {
	reg := system.New(cfg.Name, log)
	var comps []component.Component
	for _, l := range cfg.Loads {
		switch l.Type {
		case "interruptible":
			comps = append(comps, component.NewInterruptibleLoad(l.Name))
		case "schedulable":
			comps = append(comps, component.NewSchedulableLoad(l.Name))
		default:
			src, err := source(l.Source, provider)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", l.Name, err)
			}
			load, err := component.NewFixLoad(l.Name, src)
			if err != nil {
				return nil, err
			}
			if err := setStep(load, l.Source.Step); err != nil {
				return nil, fmt.Errorf("load %s: %w", l.Name, err)
			}
			comps = append(comps, load)
		}
	}
	for _, g := range cfg.Generators {
		if g.Type == "dispatchable" {
			comps = append(comps, component.NewDispatchableGenerator(g.Name))
			continue
		}
		src, err := source(g.Source, provider)
		if err != nil {
			return nil, fmt.Errorf("generator %s: %w", g.Name, err)
		}
		gen, err := component.NewStochasticGenerator(g.Name, g.MaxPowerKW, src)
		if err != nil {
			return nil, err
		}
		if err := setStep(gen, g.Source.Step); err != nil {
			return nil, fmt.Errorf("generator %s: %w", g.Name, err)
		}
		comps = append(comps, gen)
	}
	if b := cfg.Battery; b != nil {
		bat, err := component.NewBattery(b.Name, b.Params(), provider)
		if err != nil {
			return nil, err
		}
		comps = append(comps, bat)
	}
	if g := cfg.Grid; g != nil {
		p, err := g.Params()
		if err != nil {
			return nil, fmt.Errorf("grid %s: %w", g.Name, err)
		}
		var model forecast.Provider
		if !p.PricesKnownInAdvance {
			if model, err = forecast.New(g.Forecaster); err != nil {
				return nil, fmt.Errorf("grid %s: %w", g.Name, err)
			}
		}
		grid, err := component.NewExternalGrid(g.Name, p, provider, model)
		if err != nil {
			return nil, err
		}
		comps = append(comps, grid)
	}
	for _, c := range comps {
		if _, err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if err := reg.ValidateComposition(); err != nil {
		return nil, err
	}
	return reg, nil
}
