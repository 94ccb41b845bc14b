package optimizer

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ems/core/component"
	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/forecast"
	"github.com/kilianp07/ems/core/milp"
	"github.com/kilianp07/ems/core/system"
	"github.com/kilianp07/ems/core/timeutil"
	"github.com/kilianp07/ems/infra/solver"
)

var (
	t0   = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	hour = timeutil.MustStep("1h")
)

type fixture struct {
	data *data.MemoryProvider
	reg  *system.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := data.NewMemoryProvider(time.Hour)
	m.SetConstant("load", 0)
	m.SetConstant("pv", 0)
	m.SetConstant("buy", 0.10)
	return &fixture{data: m, reg: system.New("home", nil)}
}

func (f *fixture) load(t *testing.T, v float64) {
	t.Helper()
	l, err := component.NewFixLoad("load", component.Source{
		HistoricalLabel: "load", TrainingSpan: 24, Data: f.data, Model: &forecast.MockProvider{Values: []float64{v}},
	})
	require.NoError(t, err)
	_, err = f.reg.Register(l)
	require.NoError(t, err)
}

func (f *fixture) pv(t *testing.T, v float64) {
	t.Helper()
	g, err := component.NewStochasticGenerator("pv", 0, component.Source{
		HistoricalLabel: "pv", TrainingSpan: 24, Data: f.data, Model: &forecast.MockProvider{Values: []float64{v}},
	})
	require.NoError(t, err)
	_, err = f.reg.Register(g)
	require.NoError(t, err)
}

func (f *fixture) grid(t *testing.T) {
	t.Helper()
	g, err := component.NewExternalGrid("grid", component.GridParams{
		MaxPowerKW: 10, PurchaseLabel: "buy", PriceStep: time.Hour, PricesKnownInAdvance: true,
	}, f.data, nil)
	require.NoError(t, err)
	_, err = f.reg.Register(g)
	require.NoError(t, err)
}

func (f *fixture) battery(t *testing.T, p component.BatteryParams) *component.Battery {
	t.Helper()
	b, err := component.NewBattery("battery", p, nil)
	require.NoError(t, err)
	_, err = f.reg.Register(b)
	require.NoError(t, err)
	return b
}

func (f *fixture) prepare(t *testing.T, periods int) Inputs {
	t.Helper()
	iv := timeutil.NewInterval(t0, t0.Add(time.Duration(periods)*time.Hour))
	require.NoError(t, f.reg.Prepare(context.Background(), iv, hour, t0))
	return Inputs{Interval: iv, Step: hour}
}

func newOptimizer(cfg Config) *Optimizer {
	ResetMetrics(prometheus.NewRegistry())
	return New(solver.New(solver.Options{}, nil), cfg, nil)
}

func TestFixLoadFromGrid(t *testing.T) {
	f := newFixture(t)
	f.load(t, 5)
	f.grid(t)
	in := f.prepare(t, 24)

	o := newOptimizer(Config{})
	r, err := o.Run(context.Background(), f.reg, in)
	require.NoError(t, err)
	require.Equal(t, 24, r.Periods())
	for i := 0; i < 24; i++ {
		assert.InDelta(t, 5, r.Buy[i], 1e-6)
		assert.InDelta(t, 0, r.Sell[i], 1e-6)
		assert.InDelta(t, 5, r.PowerSupplyFlow[i], 1e-6)
		assert.True(t, math.IsInf(r.SellPrices[i], 1))
	}
	assert.InDelta(t, 24*0.5, r.Objective, 1e-6)
	assert.Equal(t, milp.StatusOptimal, r.Status.Status)
	assert.Equal(t, "optimal", r.Status.Summary)
	assert.False(t, r.HasBattery())
	assert.Nil(t, r.SOC)
	assert.Equal(t, t0.Add(23*time.Hour), r.Timestamps[23])
	assert.Same(t, r, o.Result())
	assert.Equal(t, 1.0, testutil.ToFloat64(solvesTotal.WithLabelValues("optimal")))
	assert.InDelta(t, 12, testutil.ToFloat64(lastObjective), 1e-6)
}

func TestBatteryShiftsPurchases(t *testing.T) {
	f := newFixture(t)
	f.data.SetSeries("buy", timeutil.Series{Start: t0, Step: time.Hour, Values: []float64{0.1, 0.3}})
	f.load(t, 1)
	f.grid(t)
	b := f.battery(t, component.BatteryParams{
		CapacityKWh: 10, MaxChargeKW: 2, MaxDischargeKW: 2, ChargeEfficiency: 1, DischargeEfficiency: 1,
		SOCMax: 1, InitialSOC: 0.5, TerminalSOC: 0.5,
	})
	in := f.prepare(t, 2)

	r, err := newOptimizer(Config{}).Run(context.Background(), f.reg, in)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, r.Objective, 1e-6)
	assert.InDelta(t, 2, r.Buy[0], 1e-6)
	assert.InDelta(t, 0, r.Buy[1], 1e-6)
	assert.InDelta(t, -1, r.BatteryEnergyFlow[0], 1e-6)
	assert.InDelta(t, 1, r.BatteryEnergyFlow[1], 1e-6)
	require.Len(t, r.SOC, 3)
	assert.InDelta(t, 0.5, r.SOC[0], 1e-9)
	assert.InDelta(t, 0.6, r.SOC[1], 1e-6)
	assert.InDelta(t, 0.5, r.SOC[2], 1e-6)
	assert.InDelta(t, 0.6, r.TargetSOC, 1e-6)
	target, ok := b.TargetSOC()
	assert.True(t, ok)
	assert.InDelta(t, 0.6, target, 1e-6)

	for i := range r.Timestamps {
		assert.LessOrEqual(t, math.Min(r.Buy[i], r.Sell[i]), ExclusionTolerance)
		assert.LessOrEqual(t, math.Min(r.Charge[i], r.Discharge[i]), ExclusionTolerance)
	}
}

func TestCurtailmentWithoutGrid(t *testing.T) {
	f := newFixture(t)
	f.load(t, 1)
	f.pv(t, 3)
	f.battery(t, component.BatteryParams{
		CapacityKWh: 10, MaxChargeKW: 1, MaxDischargeKW: 1, ChargeEfficiency: 0.95, DischargeEfficiency: 0.95,
		SOCMax: 1, InitialSOC: 0.5,
	})
	in := f.prepare(t, 2)

	r, err := newOptimizer(Config{}).Run(context.Background(), f.reg, in)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3}, r.GenerationForecast)
	for i := range r.Timestamps {
		assert.LessOrEqual(t, r.Generation[i], 3+1e-6)
		assert.GreaterOrEqual(t, r.Generation[i], -1e-9)
		assert.InDelta(t, 0, r.PowerSupplyFlow[i], 1e-12)
		assert.InDelta(t, r.Load[i], r.Generation[i]+r.BatteryEnergyFlow[i], 1e-6)
	}
	assert.InDelta(t, 0, r.Objective, 1e-9)
}

func TestBuildRejectsUnsupportedComponents(t *testing.T) {
	f := newFixture(t)
	f.load(t, 1)
	f.grid(t)
	_, err := f.reg.Register(component.NewSchedulableLoad("washer"))
	require.NoError(t, err)
	_, err = Build(f.reg, Inputs{Interval: timeutil.NewInterval(t0, t0.Add(time.Hour)), Step: hour})
	assert.ErrorIs(t, err, component.ErrNotSupported)
}

func TestBuildRequiresPreparedSystem(t *testing.T) {
	f := newFixture(t)
	f.load(t, 1)
	f.grid(t)
	_, err := Build(f.reg, Inputs{Interval: timeutil.NewInterval(t0, t0.Add(time.Hour)), Step: hour})
	assert.ErrorIs(t, err, timeutil.ErrConfiguration)

	empty := system.New("empty", nil)
	_, err = Build(empty, Inputs{Interval: timeutil.NewInterval(t0, t0.Add(time.Hour)), Step: hour})
	assert.ErrorIs(t, err, system.ErrComposition)
}

func TestBuildShape(t *testing.T) {
	f := newFixture(t)
	f.load(t, 1)
	f.grid(t)
	f.battery(t, component.BatteryParams{
		CapacityKWh: 10, MaxChargeKW: 2, MaxDischargeKW: 4, ChargeEfficiency: 0.9, DischargeEfficiency: 0.8,
		SOCMin: 0.1, SOCMax: 0.9, InitialSOC: 0.5, TerminalSOC: 0.3,
	})
	in := f.prepare(t, 3)
	m, err := Build(f.reg, in)
	require.NoError(t, err)

	p := m.Problem
	assert.Equal(t, 3, m.Periods)
	assert.Equal(t, 6, p.NumIntegers())
	assert.Len(t, m.soc, 4)
	assert.Equal(t, 0.5, p.Vars[m.soc[0]].Lower)
	assert.Equal(t, 0.5, p.Vars[m.soc[0]].Upper)
	assert.Equal(t, 0.3, p.Vars[m.soc[3]].Lower)
	assert.Equal(t, 0.1, p.Vars[m.soc[2]].Lower)
	assert.Equal(t, 10.0, p.Vars[m.buy[0]].Upper)
	assert.Equal(t, 0.0, p.Vars[m.sell[0]].Upper, "selling is disabled")
	assert.Equal(t, 2.0, p.Vars[m.charge[0]].Upper)
	assert.Equal(t, 4.0, p.Vars[m.discharge[0]].Upper)

	var buf strings.Builder
	require.NoError(t, WriteModel(&buf, m))
	assert.Contains(t, buf.String(), "soc_balance_0: 10 soc_1 - 10 soc_0 + 1.25 discharge_0 - 0.9 charge_0 = 0")
	assert.Contains(t, buf.String(), "grid_buy_switch_2: 10 y_grid_2 - buy_2 >= 0")
}

func TestSolveFailureIsSolverError(t *testing.T) {
	f := newFixture(t)
	f.load(t, 1)
	f.grid(t)
	in := f.prepare(t, 2)
	dir := t.TempDir()

	infeasible := milp.SolverFunc(func(context.Context, *milp.Problem) (milp.Solution, error) {
		return milp.Solution{Status: milp.StatusInfeasible, Detail: "no point"}, nil
	})
	ResetMetrics(prometheus.NewRegistry())
	o := New(infeasible, Config{InfoPath: dir}, nil)
	_, err := o.Run(context.Background(), f.reg, in)
	assert.ErrorIs(t, err, ErrSolver)
	assert.Contains(t, err.Error(), "no point")
	assert.Nil(t, o.Result())

	dump, err := os.ReadFile(filepath.Join(dir, o.Model().Problem.Name+".lp"))
	require.NoError(t, err)
	assert.Contains(t, string(dump), "balance_1: buy_1 - sell_1 = 1")
	assert.Equal(t, 1.0, testutil.ToFloat64(solvesTotal.WithLabelValues("infeasible")))
}

func TestSolveTimeout(t *testing.T) {
	f := newFixture(t)
	f.load(t, 1)
	f.grid(t)
	in := f.prepare(t, 1)

	hang := milp.SolverFunc(func(ctx context.Context, _ *milp.Problem) (milp.Solution, error) {
		<-ctx.Done()
		return milp.Solution{Status: milp.StatusOther, Detail: "interrupted"}, ctx.Err()
	})
	o := New(hang, Config{Timeout: 10 * time.Millisecond}, nil)
	_, err := o.Run(context.Background(), f.reg, in)
	assert.ErrorIs(t, err, ErrSolver)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// day prepares a full day of battery, grid and solar at step with selling
// allowed, an evening load peak and hourly prices.
func day(t *testing.T, step timeutil.Step) (*fixture, Inputs) {
	t.Helper()
	n, h := int(24*time.Hour/step.Duration()), step.Hours()
	load, pv := make([]float64, n), make([]float64, n)
	for i := range load {
		at := float64(i) * h
		load[i] = (0.8 + 0.5*math.Cos(2*math.Pi*(at-19)/24)) * h
		pv[i] = math.Max(0, 4*math.Sin(math.Pi*(at-6)/12)) * h
	}
	buy, sell := make([]float64, 24), make([]float64, 24)
	for i := range buy {
		buy[i] = 0.2 + 0.1*math.Sin(2*math.Pi*(float64(i)-13)/24)
		sell[i] = buy[i] / 2
	}

	f := newFixture(t)
	f.data.SetSeries("buy", timeutil.Series{Start: t0, Step: time.Hour, Values: buy})
	f.data.SetSeries("sell", timeutil.Series{Start: t0, Step: time.Hour, Values: sell})
	l, err := component.NewFixLoad("load", component.Source{
		HistoricalLabel: "load", TrainingSpan: 24, Data: f.data, Model: &forecast.MockProvider{Values: load},
	})
	require.NoError(t, err)
	g, err := component.NewStochasticGenerator("pv", 0, component.Source{
		HistoricalLabel: "pv", TrainingSpan: 24, Data: f.data, Model: &forecast.MockProvider{Values: pv},
	})
	require.NoError(t, err)
	grid, err := component.NewExternalGrid("grid", component.GridParams{
		MaxPowerKW: 9, MaxSellingKW: 6, PurchaseLabel: "buy", SellLabel: "sell",
		PriceStep: time.Hour, PricesKnownInAdvance: true,
	}, f.data, nil)
	require.NoError(t, err)
	for _, c := range []component.Component{l, g, grid} {
		_, err = f.reg.Register(c)
		require.NoError(t, err)
	}
	f.battery(t, component.BatteryParams{
		CapacityKWh: 10, MaxChargeKW: 3, MaxDischargeKW: 3, ChargeEfficiency: 0.95, DischargeEfficiency: 0.95,
		SOCMin: 0.1, SOCMax: 0.9, InitialSOC: 0.5, TerminalSOC: 0.5,
	})
	iv := timeutil.NewInterval(t0, t0.Add(24*time.Hour))
	require.NoError(t, f.reg.Prepare(context.Background(), iv, step, t0))
	return f, Inputs{Interval: iv, Step: step}
}

func TestSubHourSteps(t *testing.T) {
	for _, tc := range []struct {
		step    string
		periods int
	}{
		{"30m", 48},
		{"15m", 96},
		{"5m", 288},
	} {
		t.Run(tc.step, func(t *testing.T) {
			if tc.periods > 96 && testing.Short() {
				t.Skip("long horizon")
			}
			f, in := day(t, timeutil.MustStep(tc.step))

			r, err := newOptimizer(Config{Timeout: 30 * time.Second}).Run(context.Background(), f.reg, in)
			require.NoError(t, err)
			require.Equal(t, milp.StatusOptimal, r.Status.Status, r.Status.Detail)
			require.Equal(t, tc.periods, r.Periods())
			require.Len(t, r.SOC, tc.periods+1)
			for i := 0; i < tc.periods; i++ {
				assert.InDelta(t, 0, r.Buy[i]*r.Sell[i], 1e-9, "grid at %d", i)
				assert.InDelta(t, 0, r.Charge[i]*r.Discharge[i], 1e-9, "battery at %d", i)
				assert.InDelta(t, r.Load[i], r.Generation[i]+r.PowerSupplyFlow[i]+r.BatteryEnergyFlow[i], 1e-6, "balance at %d", i)
			}
			assert.GreaterOrEqual(t, r.SOC[tc.periods], 0.5-1e-6)
		})
	}
}

func TestSolveTimeoutWithBranchAndBound(t *testing.T) {
	f, in := day(t, timeutil.MustStep("5m"))
	o := newOptimizer(Config{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := o.Run(context.Background(), f.reg, in)
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrSolver)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second)
}

func TestExtractRejectsSimultaneousFlows(t *testing.T) {
	f := newFixture(t)
	f.load(t, 1)
	f.grid(t)
	in := f.prepare(t, 1)
	m, err := Build(f.reg, in)
	require.NoError(t, err)

	values := make([]float64, len(m.Problem.Vars))
	values[m.buy[0]], values[m.sell[0]] = 2, 1
	_, err = Extract(m, milp.Solution{Status: milp.StatusOptimal, Values: values}, 0)
	assert.ErrorIs(t, err, ErrPhysicalValidity)

	values[m.sell[0]] = 1e-7
	r, err := Extract(m, milp.Solution{Status: milp.StatusOptimal, Values: values}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2, r.PowerSupplyFlow[0], 1e-6)

	_, err = Extract(m, milp.Solution{Status: milp.StatusOptimal}, 0)
	assert.ErrorIs(t, err, ErrSolver)
}

func TestValidate(t *testing.T) {
	ResetMetrics(prometheus.NewRegistry())
	r := &DispatchResult{
		Timestamps:        []time.Time{t0, t0.Add(time.Hour)},
		Load:              []float64{1, 1},
		Generation:        []float64{0, 0},
		PowerSupplyFlow:   []float64{2, 0},
		BatteryEnergyFlow: []float64{-1, 1},
		Charge:            []float64{1, 0},
		Discharge:         []float64{0, 1},
		SOC:               []float64{0.5, 0.6, 0.5},
		Battery:           &BatteryState{CapacityKWh: 10, ChargeEfficiency: 1, DischargeEfficiency: 1, InitialSOC: 0.5, TerminalSOC: 0.5},
	}
	require.NoError(t, Validate(r, 0))

	r.PowerSupplyFlow[1] = 0.5
	assert.ErrorIs(t, Validate(r, 0), ErrPhysicalValidity)
	assert.Equal(t, 1.0, testutil.ToFloat64(validityFailures.WithLabelValues("balance")))
	r.PowerSupplyFlow[1] = 0

	r.SOC[2] = 0.45
	assert.ErrorIs(t, Validate(r, 0), ErrPhysicalValidity)
	r.SOC[2] = 0.5

	r.Battery.TerminalSOC = 0.7
	assert.ErrorIs(t, Validate(r, 0), ErrPhysicalValidity)
	r.Battery.TerminalSOC = 0.5

	r.SOC = r.SOC[:2]
	assert.ErrorIs(t, Validate(r, 0), ErrPhysicalValidity)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	f.load(t, 5)
	f.grid(t)
	in := f.prepare(t, 2)
	o := newOptimizer(Config{})
	_, err := o.Run(context.Background(), f.reg, in)
	require.NoError(t, err)
	require.NotNil(t, o.Model())

	o.Clear()
	assert.Nil(t, o.Model())
	assert.Nil(t, o.Result())
}
