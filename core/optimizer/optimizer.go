// Package optimizer builds, solves and checks the dispatch MILP of one step.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/milp"
	"github.com/kilianp07/ems/core/system"
)

var (
	// ErrSolver is returned when the solve does not end optimal, including
	// on timeout.
	ErrSolver = errors.New("solver error")
	// ErrPhysicalValidity is returned when a solution breaks mutual exclusion,
	// the energy balance or the SOC recursion.
	ErrPhysicalValidity = errors.New("physical validity error")
)

// Config tunes an Optimizer.
type Config struct {
	// Timeout bounds each solve. Zero means no limit.
	Timeout time.Duration
	// InfoPath is a directory receiving a readable dump of models that
	// failed to solve. Empty disables dumps.
	InfoPath           string
	ExclusionTolerance float64
	BalanceTolerance   float64
}

// Optimizer turns a prepared registry into a validated DispatchResult.
type Optimizer struct {
	solver milp.Solver
	cfg    Config
	log    logger.Logger

	model  *Model
	result *DispatchResult
}

// New returns an Optimizer delegating the numeric solve to solver.
func New(solver milp.Solver, cfg Config, log logger.Logger) *Optimizer {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ExclusionTolerance <= 0 {
		cfg.ExclusionTolerance = ExclusionTolerance
	}
	if cfg.BalanceTolerance <= 0 {
		cfg.BalanceTolerance = BalanceTolerance
	}
	return &Optimizer{solver: solver, cfg: cfg, log: log}
}

// Build formulates the model and keeps it as the current one.
func (o *Optimizer) Build(reg *system.Registry, in Inputs) (*Model, error) {
	m, err := Build(reg, in)
	if err != nil {
		return nil, err
	}
	o.model = m
	o.log.Debugw("dispatch model built", map[string]any{
		"problem":  m.Problem.Name,
		"periods":  m.Periods,
		"vars":     len(m.Problem.Vars),
		"rows":     len(m.Problem.Rows),
		"binaries": m.Problem.NumIntegers(),
	})
	return m, nil
}

// Solve runs the solver under the configured timeout. Anything but an
// optimal status is an ErrSolver.
func (o *Optimizer) Solve(ctx context.Context, m *Model) (milp.Solution, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	sol, err := o.solver.Solve(ctx, m.Problem)
	solveLatency.WithLabelValues(sol.Status.String()).Observe(time.Since(start).Seconds())
	solvesTotal.WithLabelValues(sol.Status.String()).Inc()
	searchNodes.Observe(float64(sol.Nodes))
	if err != nil {
		o.log.Errorf("solve %s aborted: %v (%s)", m.Problem.Name, err, sol.Detail)
		o.dump(m)
		return sol, fmt.Errorf("%w: %s: %w", ErrSolver, sol.Status, err)
	}
	if sol.Status != milp.StatusOptimal {
		o.log.Errorf("solve %s ended %s: %s", m.Problem.Name, sol.Status, sol.Detail)
		o.dump(m)
		return sol, fmt.Errorf("%w: status %s: %s", ErrSolver, sol.Status, sol.Detail)
	}
	lastObjective.Set(sol.Objective)
	o.log.Infow("dispatch solved", map[string]any{
		"problem":   m.Problem.Name,
		"objective": sol.Objective,
		"nodes":     sol.Nodes,
		"elapsed":   time.Since(start).String(),
	})
	return sol, nil
}

// Extract reads sol back into a result for m.
func (o *Optimizer) Extract(m *Model, sol milp.Solution) (*DispatchResult, error) {
	r, err := Extract(m, sol, o.cfg.ExclusionTolerance)
	if err != nil {
		if errors.Is(err, ErrPhysicalValidity) {
			validityFailures.WithLabelValues("exclusion").Inc()
		}
		return nil, err
	}
	return r, nil
}

// Validate checks r against the energy balance and the SOC recursion.
func (o *Optimizer) Validate(r *DispatchResult) error {
	return Validate(r, o.cfg.BalanceTolerance)
}

// Run builds, solves, extracts and validates the dispatch of one step. The
// registry must have been prepared for in.Interval. On success the result
// is kept until Clear and the battery target SOC is updated.
func (o *Optimizer) Run(ctx context.Context, reg *system.Registry, in Inputs) (*DispatchResult, error) {
	m, err := o.Build(reg, in)
	if err != nil {
		return nil, err
	}
	sol, err := o.Solve(ctx, m)
	if err != nil {
		return nil, err
	}
	r, err := o.Extract(m, sol)
	if err != nil {
		o.log.Errorf("extract %s: %v", m.Problem.Name, err)
		return nil, err
	}
	if err := o.Validate(r); err != nil {
		o.log.Errorf("validate %s: %v", m.Problem.Name, err)
		return nil, err
	}
	o.Commit(m, r)
	return r, nil
}

// Commit keeps r as the result of the current step and hands its target SOC
// to the battery of m.
func (o *Optimizer) Commit(m *Model, r *DispatchResult) {
	if m.Battery != nil && r.HasBattery() {
		m.Battery.SetTargetSOC(r.TargetSOC)
	}
	o.model, o.result = m, r
}

// Model returns the model of the current step, nil after Clear.
func (o *Optimizer) Model() *Model { return o.model }

// Result returns the result of the current step, nil after Clear.
func (o *Optimizer) Result() *DispatchResult { return o.result }

// Clear drops the model and result of the current step.
func (o *Optimizer) Clear() {
	o.model, o.result = nil, nil
}

// WriteModel writes a readable form of m to w.
func WriteModel(w io.Writer, m *Model) error {
	_, err := io.WriteString(w, m.Problem.String())
	return err
}

func (o *Optimizer) dump(m *Model) {
	if o.cfg.InfoPath == "" {
		return
	}
	if err := os.MkdirAll(o.cfg.InfoPath, 0o755); err != nil {
		o.log.Warnf("model dump: %v", err)
		return
	}
	path := filepath.Join(o.cfg.InfoPath, m.Problem.Name+".lp")
	f, err := os.Create(path)
	if err != nil {
		o.log.Warnf("model dump: %v", err)
		return
	}
	defer f.Close()
	if err := WriteModel(f, m); err != nil {
		o.log.Warnf("model dump: %v", err)
		return
	}
	o.log.Infof("model %s written to %s", m.Problem.Name, path)
}
