package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/optimizer"
	"github.com/kilianp07/ems/core/simulation"
	"github.com/kilianp07/ems/core/timeutil"
	"github.com/kilianp07/ems/infra/solver"
)

// EndConfig selects how far ahead each step plans.
type EndConfig struct {
	// Policy is one of fixed, prices_availability or midnight_ahead.
	Policy string        `json:"policy"`
	Length time.Duration `json:"length"`
	Days   int           `json:"days"`
}

// SolverConfig tunes the optimizer and its branch-and-bound backend.
type SolverConfig struct {
	Timeout  time.Duration `json:"timeout"`
	InfoPath string        `json:"info_path"`
	MaxNodes int           `json:"max_nodes"`
	Gap      float64       `json:"gap"`
}

// SimulationConfig holds the controller settings.
type SimulationConfig struct {
	Step     string    `json:"step"`
	End      EndConfig `json:"end"`
	Location string    `json:"location"`
	// Every is the rolling step of the serve loop, the step by default.
	Every  time.Duration `json:"every"`
	Solver SolverConfig  `json:"solver"`
}

// SetDefaults applies sane defaults.
func (c *SimulationConfig) SetDefaults() {
	if c.Step == "" {
		c.Step = "1h"
	}
	if c.End.Policy == "" {
		c.End.Policy = "fixed"
	}
	if c.End.Policy == "fixed" && c.End.Length <= 0 {
		c.End.Length = 24 * time.Hour
	}
	if c.Location == "" {
		c.Location = "UTC"
	}
	if c.Every <= 0 {
		if s, err := timeutil.ParseStep(c.Step); err == nil {
			c.Every = s.Duration()
		}
	}
	if c.Solver.Timeout <= 0 {
		c.Solver.Timeout = 30 * time.Second
	}
}

// Validate checks that the step, policy and location resolve.
func (c SimulationConfig) Validate() error {
	if _, err := c.ParsedStep(); err != nil {
		return err
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.Loc(); err != nil {
		return err
	}
	if c.Every <= 0 {
		return errors.New("every must be positive")
	}
	return nil
}

// ParsedStep returns the validated optimization step.
func (c SimulationConfig) ParsedStep() (timeutil.Step, error) {
	return timeutil.ParseStep(c.Step)
}

// Policy returns the configured end policy.
func (c SimulationConfig) Policy() (simulation.EndPolicy, error) {
	return simulation.ParsePolicy(c.End.Policy, c.End.Length, c.End.Days)
}

// Loc loads the controller time zone.
func (c SimulationConfig) Loc() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: location %q: %w", timeutil.ErrConfiguration, c.Location, err)
	}
	return loc, nil
}

// OptimizerConfig maps the solver section onto the optimizer.
func (c SimulationConfig) OptimizerConfig() optimizer.Config {
	return optimizer.Config{Timeout: c.Solver.Timeout, InfoPath: c.Solver.InfoPath}
}

// SolverOptions maps the solver section onto the backend options. Zero
// values keep the backend defaults.
func (c SimulationConfig) SolverOptions() solver.Options {
	return solver.Options{MaxNodes: c.Solver.MaxNodes, Gap: c.Solver.Gap}
}
