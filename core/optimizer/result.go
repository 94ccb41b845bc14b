package optimizer

import (
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/ems/core/milp"
	"github.com/kilianp07/ems/core/timeutil"
)

// Default tolerances of Extract and Validate.
const (
	ExclusionTolerance = 1e-5
	BalanceTolerance   = 1e-2
)

// SolverStatus records how the solve ended.
type SolverStatus struct {
	Status  milp.Status
	Summary string
	Detail  string
	Nodes   int
}

// BatteryState is the battery data a result is checked against.
type BatteryState struct {
	Name                string
	CapacityKWh         float64
	ChargeEfficiency    float64
	DischargeEfficiency float64
	InitialSOC          float64
	TerminalSOC         float64
}

// DispatchResult is the decision of one step. Energies are in kWh per
// period; flows are positive when energy enters the building.
type DispatchResult struct {
	// RunID identifies the rolling run that produced the result, empty for
	// single steps run outside a controller.
	RunID      string
	Interval   timeutil.Interval
	Step       timeutil.Step
	Timestamps []time.Time

	Load               []float64
	GenerationForecast []float64
	// Generation is the dispatched stochastic generation, below the
	// forecast when curtailed.
	Generation []float64

	Buy, Sell         []float64
	Charge, Discharge []float64
	// PowerSupplyFlow is buy − sell.
	PowerSupplyFlow []float64
	// BatteryEnergyFlow is discharge − charge.
	BatteryEnergyFlow []float64

	// SOC has one sample more than there are periods.
	SOC       []float64
	TargetSOC float64
	Battery   *BatteryState

	BuyPrices  []float64
	SellPrices []float64

	Objective float64
	Status    SolverStatus
}

// Periods returns the number of periods of r.
func (r *DispatchResult) Periods() int { return len(r.Timestamps) }

// HasBattery reports whether the result carries a SOC trajectory.
func (r *DispatchResult) HasBattery() bool { return r.Battery != nil }

// Extract reads the solution back into a DispatchResult. Split pairs are
// recombined into signed flows after checking they are mutually exclusive.
func Extract(m *Model, sol milp.Solution, tol float64) (*DispatchResult, error) {
	if tol <= 0 {
		tol = ExclusionTolerance
	}
	n := m.Periods
	if len(sol.Values) != len(m.Problem.Vars) {
		return nil, fmt.Errorf("%w: solution has %d values for %d variables", ErrSolver, len(sol.Values), len(m.Problem.Vars))
	}
	r := &DispatchResult{
		Interval:           m.Interval,
		Step:               m.Step,
		Timestamps:         timeutil.Timestamps(m.Interval, m.Step),
		Load:               m.Load,
		GenerationForecast: m.Generation,
		Generation:         make([]float64, n),
		Buy:                make([]float64, n),
		Sell:               make([]float64, n),
		Charge:             make([]float64, n),
		Discharge:          make([]float64, n),
		PowerSupplyFlow:    make([]float64, n),
		BatteryEnergyFlow:  make([]float64, n),
		BuyPrices:          m.BuyPrices,
		SellPrices:         m.SellPrices,
		Objective:          sol.Objective,
		Status:             SolverStatus{Status: sol.Status, Summary: sol.Status.String(), Detail: sol.Detail, Nodes: sol.Nodes},
	}
	copy(r.Generation, m.Generation)
	if m.curtail != nil {
		for t := 0; t < n; t++ {
			r.Generation[t] = sol.Value(m.curtail[t])
		}
	}
	if m.buy != nil {
		for t := 0; t < n; t++ {
			flow, err := signed(sol.Value(m.buy[t]), sol.Value(m.sell[t]), tol)
			if err != nil {
				return nil, fmt.Errorf("grid period %d: %w", t, err)
			}
			r.Buy[t], r.Sell[t], r.PowerSupplyFlow[t] = sol.Value(m.buy[t]), sol.Value(m.sell[t]), flow
		}
	}
	if m.charge != nil {
		for t := 0; t < n; t++ {
			flow, err := signed(sol.Value(m.discharge[t]), sol.Value(m.charge[t]), tol)
			if err != nil {
				return nil, fmt.Errorf("battery period %d: %w", t, err)
			}
			r.Charge[t], r.Discharge[t], r.BatteryEnergyFlow[t] = sol.Value(m.charge[t]), sol.Value(m.discharge[t]), flow
		}
		r.SOC = make([]float64, n+1)
		for t := range r.SOC {
			r.SOC[t] = sol.Value(m.soc[t])
		}
		r.TargetSOC = r.SOC[1]
		b := m.Battery
		soc0, _ := b.InitialSOC()
		socL, _ := b.TerminalSOC()
		r.Battery = &BatteryState{
			Name:                b.Name(),
			CapacityKWh:         b.CapacityKWh,
			ChargeEfficiency:    b.ChargeEfficiency,
			DischargeEfficiency: b.DischargeEfficiency,
			InitialSOC:          soc0,
			TerminalSOC:         math.Max(b.SOCMin, socL),
		}
	}
	return r, nil
}

// signed returns pos − neg when at most one of them is strictly positive.
func signed(pos, neg, tol float64) (float64, error) {
	if pos > tol && neg > tol {
		return 0, fmt.Errorf("%w: both directions active (%g, %g)", ErrPhysicalValidity, pos, neg)
	}
	return pos - neg, nil
}

// Validate recomputes the energy balance and the SOC recursion from r.
func Validate(r *DispatchResult, tol float64) error {
	if tol <= 0 {
		tol = BalanceTolerance
	}
	n := r.Periods()
	for t := 0; t < n; t++ {
		res := r.Generation[t] + r.PowerSupplyFlow[t] + r.BatteryEnergyFlow[t] - r.Load[t]
		if math.Abs(res) > tol {
			validityFailures.WithLabelValues("balance").Inc()
			return fmt.Errorf("%w: energy balance residual %g at period %d", ErrPhysicalValidity, res, t)
		}
	}
	b := r.Battery
	if b == nil {
		return nil
	}
	if len(r.SOC) != n+1 {
		validityFailures.WithLabelValues("soc").Inc()
		return fmt.Errorf("%w: %d soc samples for %d periods", ErrPhysicalValidity, len(r.SOC), n)
	}
	if math.Abs(r.SOC[0]-b.InitialSOC) > tol {
		validityFailures.WithLabelValues("soc").Inc()
		return fmt.Errorf("%w: initial soc %g differs from %g", ErrPhysicalValidity, r.SOC[0], b.InitialSOC)
	}
	for t := 0; t < n; t++ {
		res := b.CapacityKWh*(r.SOC[t+1]-r.SOC[t]) + r.Discharge[t]/b.DischargeEfficiency - r.Charge[t]*b.ChargeEfficiency
		if math.Abs(res) > tol {
			validityFailures.WithLabelValues("soc").Inc()
			return fmt.Errorf("%w: soc recursion residual %g at period %d", ErrPhysicalValidity, res, t)
		}
	}
	if r.SOC[n] < b.TerminalSOC-tol {
		validityFailures.WithLabelValues("soc").Inc()
		return fmt.Errorf("%w: final soc %g below target %g", ErrPhysicalValidity, r.SOC[n], b.TerminalSOC)
	}
	return nil
}
