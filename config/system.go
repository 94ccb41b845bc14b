package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ems/core/component"
	"github.com/kilianp07/ems/core/factory"
	"github.com/kilianp07/ems/core/timeutil"
)

// SourceConfig describes the history and forecaster of a forecastable
// component.
type SourceConfig struct {
	Label        string   `json:"label"`
	Regressors   []string `json:"regressors"`
	TrainingSpan int      `json:"training_span"`
	Gap          int      `json:"gap"`
	// Step is the native resolution of the component, the system step when
	// empty.
	Step       string               `json:"step"`
	Forecaster factory.ModuleConfig `json:"forecaster"`
}

// LoadConfig describes one load. Type is fix, interruptible or schedulable.
type LoadConfig struct {
	Name   string       `json:"name"`
	Type   string       `json:"type"`
	Source SourceConfig `json:"source"`
}

// GeneratorConfig describes one generator. Type is stochastic or
// dispatchable.
type GeneratorConfig struct {
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	MaxPowerKW float64      `json:"max_power_kw"`
	Source     SourceConfig `json:"source"`
}

// BatteryConfig mirrors component.BatteryParams.
type BatteryConfig struct {
	Name                string   `json:"name"`
	CapacityKWh         float64  `json:"capacity_kwh"`
	MaxChargeKW         float64  `json:"max_charge_kw"`
	MaxDischargeKW      float64  `json:"max_discharge_kw"`
	ChargeEfficiency    float64  `json:"charge_efficiency"`
	DischargeEfficiency float64  `json:"discharge_efficiency"`
	SOCMin              float64  `json:"soc_min"`
	SOCMax              float64  `json:"soc_max"`
	InitialSOC          float64  `json:"initial_soc"`
	InitialSOCLabel     string   `json:"initial_soc_label"`
	TerminalSOC         float64  `json:"terminal_soc"`
	FinalSOCLabels      []string `json:"final_soc_labels"`
}

// Params converts the section to component parameters.
func (c BatteryConfig) Params() component.BatteryParams {
	return component.BatteryParams{
		CapacityKWh:         c.CapacityKWh,
		MaxChargeKW:         c.MaxChargeKW,
		MaxDischargeKW:      c.MaxDischargeKW,
		ChargeEfficiency:    c.ChargeEfficiency,
		DischargeEfficiency: c.DischargeEfficiency,
		SOCMin:              c.SOCMin,
		SOCMax:              c.SOCMax,
		InitialSOC:          c.InitialSOC,
		InitialSOCLabel:     c.InitialSOCLabel,
		TerminalSOC:         c.TerminalSOC,
		FinalSOCLabels:      c.FinalSOCLabels,
	}
}

// GridConfig mirrors component.GridParams with text forms for clock and
// location.
type GridConfig struct {
	Name                 string               `json:"name"`
	MaxPowerKW           float64              `json:"max_power_kw"`
	MaxSellingKW         float64              `json:"max_selling_kw"`
	PurchaseLabel        string               `json:"purchase_label"`
	SellLabel            string               `json:"sell_label"`
	PriceStep            time.Duration        `json:"price_step"`
	PublicationTime      string               `json:"publication_time"`
	Location             string               `json:"location"`
	PricesKnownInAdvance bool                 `json:"prices_known_in_advance"`
	TrainingSpan         int                  `json:"training_span"`
	Gap                  int                  `json:"gap"`
	Forecaster           factory.ModuleConfig `json:"forecaster"`
}

// Params converts the section to component parameters.
func (c GridConfig) Params() (component.GridParams, error) {
	clock, err := timeutil.ParseClock(c.PublicationTime)
	if err != nil {
		return component.GridParams{}, err
	}
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return component.GridParams{}, fmt.Errorf("%w: grid location %q: %w", timeutil.ErrConfiguration, c.Location, err)
	}
	return component.GridParams{
		MaxPowerKW:           c.MaxPowerKW,
		MaxSellingKW:         c.MaxSellingKW,
		PurchaseLabel:        c.PurchaseLabel,
		SellLabel:            c.SellLabel,
		PriceStep:            c.PriceStep,
		PublicationTime:      clock,
		Location:             loc,
		PricesKnownInAdvance: c.PricesKnownInAdvance,
		TrainingSpan:         c.TrainingSpan,
		Gap:                  c.Gap,
	}, nil
}

// SystemConfig lists the components of the building.
type SystemConfig struct {
	Name       string            `json:"name"`
	Loads      []LoadConfig      `json:"loads"`
	Generators []GeneratorConfig `json:"generators"`
	Battery    *BatteryConfig    `json:"battery"`
	Grid       *GridConfig       `json:"grid"`
}

// SetDefaults applies sane defaults.
func (c *SystemConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "building"
	}
	for i := range c.Loads {
		if c.Loads[i].Type == "" {
			c.Loads[i].Type = "fix"
		}
		if c.Loads[i].Name == "" {
			c.Loads[i].Name = fmt.Sprintf("load%d", i)
		}
	}
	for i := range c.Generators {
		if c.Generators[i].Type == "" {
			c.Generators[i].Type = "stochastic"
		}
		if c.Generators[i].Name == "" {
			c.Generators[i].Name = fmt.Sprintf("generator%d", i)
		}
	}
	if b := c.Battery; b != nil {
		if b.Name == "" {
			b.Name = "battery"
		}
		if b.ChargeEfficiency == 0 {
			b.ChargeEfficiency = 1
		}
		if b.DischargeEfficiency == 0 {
			b.DischargeEfficiency = 1
		}
		if b.SOCMax == 0 {
			b.SOCMax = 1
		}
	}
	if g := c.Grid; g != nil {
		if g.Name == "" {
			g.Name = "grid"
		}
		if g.PriceStep <= 0 {
			g.PriceStep = time.Hour
		}
		if g.PublicationTime == "" {
			g.PublicationTime = "13:00"
		}
		if g.Location == "" {
			g.Location = "UTC"
		}
	}
}

// Validate checks the static shape of the system. Physical parameters are
// validated again by the components.
func (c SystemConfig) Validate() error {
	if len(c.Loads) == 0 {
		return errors.New("at least one load is required")
	}
	if len(c.Generators) == 0 && c.Battery == nil && c.Grid == nil {
		return errors.New("at least one energy source is required")
	}
	for _, l := range c.Loads {
		switch l.Type {
		case "fix", "interruptible", "schedulable":
		default:
			return fmt.Errorf("load %s: unknown type %q", l.Name, l.Type)
		}
	}
	for _, g := range c.Generators {
		switch g.Type {
		case "stochastic", "dispatchable":
		default:
			return fmt.Errorf("generator %s: unknown type %q", g.Name, g.Type)
		}
	}
	if c.Battery != nil {
		if err := c.Battery.Params().Validate(); err != nil {
			return fmt.Errorf("battery %s: %w", c.Battery.Name, err)
		}
	}
	if c.Grid != nil {
		p, err := c.Grid.Params()
		if err != nil {
			return fmt.Errorf("grid %s: %w", c.Grid.Name, err)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("grid %s: %w", c.Grid.Name, err)
		}
	}
	return nil
}

// DataConfig holds the in-memory data source.
type DataConfig struct {
	// Constants serve fixed values for labels, both as points and as flat
	// series, for instance a regulated tariff.
	Constants map[string]float64 `json:"constants"`
	// Step is the resolution of the constant series.
	Step time.Duration `json:"step"`
}

// SetDefaults applies sane defaults.
func (c *DataConfig) SetDefaults() {
	if c.Step <= 0 {
		c.Step = time.Hour
	}
}
