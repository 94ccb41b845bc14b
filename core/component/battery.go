package component

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/timeutil"
)

// Terminal SOC policy used when the target is derived from the solar outlook.
const (
	finalSOCHorizon   = 48 * time.Hour
	highSolarMean     = 225.0
	moderateSolarMean = 175.0
	highSolarSOC      = 0.4
	moderateSolarSOC  = 0.6
	lowSolarSOC       = 0.8
)

// BatteryParams are the static characteristics of a storage unit. SOC values
// are fractions of CapacityKWh.
type BatteryParams struct {
	CapacityKWh         float64
	MaxChargeKW         float64
	MaxDischargeKW      float64
	ChargeEfficiency    float64
	DischargeEfficiency float64
	SOCMin              float64
	SOCMax              float64
	// InitialSOC is used when InitialSOCLabel is empty.
	InitialSOC      float64
	InitialSOCLabel string
	// TerminalSOC is used when FinalSOCLabels is empty.
	TerminalSOC    float64
	FinalSOCLabels []string
}

// Validate checks physical consistency.
func (p BatteryParams) Validate() error {
	switch {
	case p.CapacityKWh <= 0:
		return errors.New("capacity must be positive")
	case p.MaxChargeKW <= 0 || p.MaxDischargeKW <= 0:
		return errors.New("charge and discharge rates must be positive")
	case p.ChargeEfficiency <= 0 || p.ChargeEfficiency > 1:
		return errors.New("charge efficiency must be in (0,1]")
	case p.DischargeEfficiency <= 0 || p.DischargeEfficiency > 1:
		return errors.New("discharge efficiency must be in (0,1]")
	case p.SOCMin < 0 || p.SOCMax > 1 || p.SOCMin > p.SOCMax:
		return errors.New("soc bounds must satisfy 0 <= min <= max <= 1")
	}
	if p.InitialSOCLabel == "" && (p.InitialSOC < p.SOCMin || p.InitialSOC > p.SOCMax) {
		return fmt.Errorf("initial soc %.3f outside [%.3f, %.3f]", p.InitialSOC, p.SOCMin, p.SOCMax)
	}
	if len(p.FinalSOCLabels) == 0 && (p.TerminalSOC < p.SOCMin || p.TerminalSOC > p.SOCMax) {
		return fmt.Errorf("terminal soc %.3f outside [%.3f, %.3f]", p.TerminalSOC, p.SOCMin, p.SOCMax)
	}
	return nil
}

// Battery is a storage unit. The initial and terminal SOC are refreshed
// every step and reset by Clear.
type Battery struct {
	Base
	BatteryParams
	Data data.Provider

	soc0      float64
	socL      float64
	prepared  bool
	targetSOC float64
	hasTarget bool
}

// NewBattery validates p. The provider may be nil when no label is used.
func NewBattery(name string, p BatteryParams, provider data.Provider) (*Battery, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("battery %s: %w", name, err)
	}
	if provider == nil && (p.InitialSOCLabel != "" || len(p.FinalSOCLabels) > 0) {
		return nil, fmt.Errorf("battery %s: data provider required for soc labels", name)
	}
	return &Battery{Base: newBase(name, KindBattery, SubtypeNone), BatteryParams: p, Data: provider}, nil
}

// Prepare reads the initial SOC and assesses the terminal target for the
// step starting at now.
func (b *Battery) Prepare(ctx context.Context, now time.Time) error {
	soc0 := b.BatteryParams.InitialSOC
	if b.InitialSOCLabel != "" {
		v, err := b.Data.Point(ctx, b.InitialSOCLabel)
		if err != nil {
			return fmt.Errorf("battery %s initial soc: %w", b.Name(), err)
		}
		soc0 = v
	}
	socL := b.BatteryParams.TerminalSOC
	if len(b.FinalSOCLabels) > 0 {
		v, err := b.AssessFinalSOC(ctx, now)
		if err != nil {
			return err
		}
		socL = v
	}
	b.soc0 = math.Min(math.Max(soc0, b.SOCMin), b.SOCMax)
	b.socL = math.Min(math.Max(socL, b.SOCMin), b.SOCMax)
	b.prepared = true
	return nil
}

// AssessFinalSOC maps the mean solar outlook of the next two days to a
// terminal SOC: sunnier days need less stored energy.
func (b *Battery) AssessFinalSOC(ctx context.Context, now time.Time) (float64, error) {
	iv := timeutil.NewInterval(now, now.Add(finalSOCHorizon))
	tbl, err := b.Data.Series(ctx, b.FinalSOCLabels, iv)
	if err != nil {
		return 0, fmt.Errorf("battery %s final soc: %w", b.Name(), err)
	}
	var xs []float64
	for _, l := range b.FinalSOCLabels {
		col, err := tbl.Column(l)
		if err != nil {
			return 0, err
		}
		xs = append(xs, col...)
	}
	if len(xs) == 0 {
		return 0, fmt.Errorf("%w: no solar outlook for battery %s", data.ErrDataAccess, b.Name())
	}
	mean := stat.Mean(xs, nil)
	switch {
	case mean >= highSolarMean:
		return highSolarSOC, nil
	case mean >= moderateSolarMean:
		return moderateSolarSOC, nil
	default:
		return lowSolarSOC, nil
	}
}

// InitialSOC returns the SOC at the start of the current step.
func (b *Battery) InitialSOC() (float64, bool) { return b.soc0, b.prepared }

// TerminalSOC returns the lower bound on the SOC at the end of the horizon.
func (b *Battery) TerminalSOC() (float64, bool) { return b.socL, b.prepared }

// SetTargetSOC records the SOC the battery should reach after one period.
func (b *Battery) SetTargetSOC(v float64) { b.targetSOC, b.hasTarget = v, true }

// TargetSOC returns the last recorded target.
func (b *Battery) TargetSOC() (float64, bool) { return b.targetSOC, b.hasTarget }

// MaxChargeEnergy is the energy that can enter the battery in one period.
func (b *Battery) MaxChargeEnergy(step timeutil.Step) float64 { return b.MaxChargeKW * step.Hours() }

// MaxDischargeEnergy is the energy that can leave the battery in one period.
func (b *Battery) MaxDischargeEnergy(step timeutil.Step) float64 {
	return b.MaxDischargeKW * step.Hours()
}

// SOCToEnergy converts a SOC change into the energy exchanged with the
// system. Positive energy leaves the battery.
func (b *Battery) SOCToEnergy(delta float64) float64 {
	if delta <= 0 {
		return -delta * b.CapacityKWh * b.DischargeEfficiency
	}
	return -delta * b.CapacityKWh / b.ChargeEfficiency
}

// EnergyToSOC is the inverse of SOCToEnergy.
func (b *Battery) EnergyToSOC(energy float64) float64 {
	if energy >= 0 {
		return -energy / b.DischargeEfficiency / b.CapacityKWh
	}
	return -energy * b.ChargeEfficiency / b.CapacityKWh
}

// DeterminePower returns the average power in kW needed to move from the
// initial SOC to target within d. Positive power discharges the battery.
func (b *Battery) DeterminePower(target float64, d time.Duration) (float64, error) {
	if !b.prepared {
		return 0, fmt.Errorf("battery %s has no initial soc", b.Name())
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: non-positive duration %s", timeutil.ErrConfiguration, d)
	}
	b.SetTargetSOC(target)
	return b.SOCToEnergy(target-b.soc0) * float64(time.Hour) / float64(d), nil
}

// Clear implements Component.
func (b *Battery) Clear() {
	b.soc0, b.socL, b.prepared = 0, 0, false
	b.targetSOC, b.hasTarget = 0, false
}
