package optimizer

import (
	"fmt"
	"math"

	"github.com/kilianp07/ems/core/component"
	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/milp"
	"github.com/kilianp07/ems/core/system"
	"github.com/kilianp07/ems/core/timeutil"
)

// Inputs locate the step being optimized.
type Inputs struct {
	Interval timeutil.Interval
	Step     timeutil.Step
}

// Model is the dispatch MILP of one step together with the data it was built
// from. Variable slices are nil for absent components.
type Model struct {
	Problem  *milp.Problem
	Interval timeutil.Interval
	Step     timeutil.Step
	Periods  int
	Flags    system.Flags

	Load       []float64
	Generation []float64
	BuyPrices  []float64
	SellPrices []float64

	Battery     *component.Battery
	Curtailable bool

	buy, sell, yGrid   []milp.VarID
	charge, discharge  []milp.VarID
	yBat, soc, curtail []milp.VarID
}

// Build formulates the dispatch problem for the prepared registry. The
// registry must have run Prepare for the same interval.
func Build(reg *system.Registry, in Inputs) (*Model, error) {
	if err := reg.ValidateComposition(); err != nil {
		return nil, err
	}
	flags := reg.Flags()
	switch {
	case flags.HasDispatchableGenerators:
		return nil, fmt.Errorf("%w: dispatchable generators cannot be optimized yet", component.ErrNotSupported)
	case flags.HasInterruptibleLoads:
		return nil, fmt.Errorf("%w: interruptible loads cannot be optimized yet", component.ErrNotSupported)
	case flags.HasSchedulableLoads:
		return nil, fmt.Errorf("%w: schedulable loads cannot be optimized yet", component.ErrNotSupported)
	}
	periods := timeutil.Periods(in.Interval, in.Step)
	if periods == 0 {
		return nil, fmt.Errorf("%w: interval %s holds no %s period", timeutil.ErrConfiguration, in.Interval, in.Step)
	}
	load, gen := reg.FixLoad(), reg.StochasticGeneration()
	if len(load) != periods || len(gen) != periods {
		return nil, fmt.Errorf("%w: forecasts cover %d/%d periods, want %d; prepare the system first",
			timeutil.ErrConfiguration, len(load), len(gen), periods)
	}

	m := &Model{
		Problem:    milp.NewProblem(fmt.Sprintf("%s_%s", reg.Name(), in.Interval.Start.Format("20060102T1504"))),
		Interval:   in.Interval,
		Step:       in.Step,
		Periods:    periods,
		Flags:      flags,
		Load:       load,
		Generation: gen,
	}
	p := m.Problem
	// Per-period terms of the energy balance, moved to the left hand side.
	balance := make([][]milp.Term, periods)
	rhs := make([]float64, periods)
	copy(rhs, load)

	if flags.HasExternalGrid {
		g, err := reg.Grid()
		if err != nil {
			return nil, err
		}
		if err := m.addGrid(g, balance); err != nil {
			return nil, err
		}
	}
	if flags.HasBattery {
		b, err := reg.Battery()
		if err != nil {
			return nil, err
		}
		if err := m.addBattery(b, balance); err != nil {
			return nil, err
		}
	}
	m.Curtailable = flags.HasStochasticGenerators && !flags.HasExternalGrid
	if m.Curtailable {
		m.curtail = make([]milp.VarID, periods)
		for t := 0; t < periods; t++ {
			m.curtail[t] = p.AddContinuous(fmt.Sprintf("gen_%d", t), 0, gen[t])
			balance[t] = append(balance[t], milp.T(m.curtail[t], 1))
		}
	} else {
		for t := 0; t < periods; t++ {
			rhs[t] -= gen[t]
		}
	}
	for t := 0; t < periods; t++ {
		p.AddRow(fmt.Sprintf("balance_%d", t), milp.Equal, rhs[t], balance[t]...)
	}
	return m, nil
}

func (m *Model) addGrid(g *component.ExternalGrid, balance [][]milp.Term) error {
	p, n := m.Problem, m.Periods
	buyPrices, sellPrices := g.PurchasePrices(), g.SellingPrices()
	if len(buyPrices) != n || len(sellPrices) != n {
		return fmt.Errorf("%w: grid %s has %d/%d prices, want %d", data.ErrDataAccess, g.Name(), len(buyPrices), len(sellPrices), n)
	}
	bigM := g.MaxBuyEnergy(m.Step)
	maxSell := g.MaxSellEnergy(m.Step)
	m.BuyPrices, m.SellPrices = buyPrices, sellPrices
	m.buy, m.sell, m.yGrid = make([]milp.VarID, n), make([]milp.VarID, n), make([]milp.VarID, n)
	for t := 0; t < n; t++ {
		pb, ps := buyPrices[t], sellPrices[t]
		if math.IsNaN(pb) || math.IsNaN(ps) || math.IsInf(pb, -1) || math.IsInf(ps, -1) {
			return fmt.Errorf("%w: grid %s has invalid prices %g/%g at period %d", data.ErrDataAccess, g.Name(), pb, ps, t)
		}
		buyUB, sellUB := bigM, maxSell
		if math.IsInf(pb, 1) {
			buyUB, pb = 0, 0
		}
		if math.IsInf(ps, 1) {
			sellUB, ps = 0, 0
		}
		m.buy[t] = p.AddContinuous(fmt.Sprintf("buy_%d", t), 0, buyUB)
		m.sell[t] = p.AddContinuous(fmt.Sprintf("sell_%d", t), 0, sellUB)
		m.yGrid[t] = p.AddBinary(fmt.Sprintf("y_grid_%d", t))
		p.AddRow(fmt.Sprintf("grid_buy_switch_%d", t), milp.GreaterEq, 0,
			milp.T(m.yGrid[t], bigM), milp.T(m.buy[t], -1))
		p.AddRow(fmt.Sprintf("grid_sell_switch_%d", t), milp.GreaterEq, -bigM,
			milp.T(m.yGrid[t], -bigM), milp.T(m.sell[t], -1))
		p.AddObjective(milp.T(m.buy[t], pb), milp.T(m.sell[t], -ps))
		balance[t] = append(balance[t], milp.T(m.buy[t], 1), milp.T(m.sell[t], -1))
	}
	return nil
}

func (m *Model) addBattery(b *component.Battery, balance [][]milp.Term) error {
	soc0, ok := b.InitialSOC()
	if !ok {
		return fmt.Errorf("%w: battery %s has no initial soc; prepare the system first", timeutil.ErrConfiguration, b.Name())
	}
	socL, _ := b.TerminalSOC()
	p, n := m.Problem, m.Periods
	mc, md := b.MaxChargeEnergy(m.Step), b.MaxDischargeEnergy(m.Step)
	m.Battery = b
	m.charge, m.discharge, m.yBat = make([]milp.VarID, n), make([]milp.VarID, n), make([]milp.VarID, n)
	m.soc = make([]milp.VarID, n+1)
	for t := 0; t <= n; t++ {
		lower := b.SOCMin
		if t == n {
			lower = math.Max(b.SOCMin, socL)
		}
		m.soc[t] = p.AddContinuous(fmt.Sprintf("soc_%d", t), lower, b.SOCMax)
	}
	p.Fix(m.soc[0], soc0)
	for t := 0; t < n; t++ {
		m.charge[t] = p.AddContinuous(fmt.Sprintf("charge_%d", t), 0, mc)
		m.discharge[t] = p.AddContinuous(fmt.Sprintf("discharge_%d", t), 0, md)
		m.yBat[t] = p.AddBinary(fmt.Sprintf("y_bat_%d", t))
		p.AddRow(fmt.Sprintf("bat_charge_switch_%d", t), milp.GreaterEq, 0,
			milp.T(m.yBat[t], mc), milp.T(m.charge[t], -1))
		p.AddRow(fmt.Sprintf("bat_discharge_switch_%d", t), milp.GreaterEq, -md,
			milp.T(m.yBat[t], -md), milp.T(m.discharge[t], -1))
		p.AddRow(fmt.Sprintf("soc_balance_%d", t), milp.Equal, 0,
			milp.T(m.soc[t+1], b.CapacityKWh),
			milp.T(m.soc[t], -b.CapacityKWh),
			milp.T(m.discharge[t], 1/b.DischargeEfficiency),
			milp.T(m.charge[t], -b.ChargeEfficiency),
		)
		balance[t] = append(balance[t], milp.T(m.discharge[t], 1), milp.T(m.charge[t], -1))
	}
	return nil
}
