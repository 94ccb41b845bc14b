package solver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kilianp07/ems/core/milp"
)

// simplex solves a fresh tableau. Tests override it to simulate failures.
var simplex = solveTableau

var (
	errInfeasible = errors.New("relaxation infeasible")
	errUnbounded  = errors.New("relaxation unbounded")
	errDrift      = errors.New("reoptimized point drifted")
)

// relaxation is the LP relaxation of a problem under node bounds. tab is the
// optimal tableau, handed to a child node for a warm start.
type relaxation struct {
	x   []float64
	obj float64
	tab *tableau
}

// relax solves the LP relaxation of p with bounds lb/ub replacing the
// variable bounds. A warm tableau from the parent node is reoptimized in
// place with the dual simplex; any failure other than infeasibility or
// cancellation falls back to a fresh solve.
func relax(ctx context.Context, p *milp.Problem, lb, ub []float64, warm *tableau, tol float64) (relaxation, error) {
	if warm != nil && warm.restrict(lb, ub) {
		rel, err := reoptimize(ctx, p, warm, tol)
		if err == nil || errors.Is(err, errInfeasible) || ctx.Err() != nil {
			return rel, err
		}
	}
	t, err := newTableau(p, lb, ub, tol)
	if err != nil {
		return relaxation{}, err
	}
	if err := runSimplex(ctx, t); err != nil {
		return relaxation{}, err
	}
	return finish(p, t, tol, errInfeasible)
}

func reoptimize(ctx context.Context, p *milp.Problem, t *tableau, tol float64) (relaxation, error) {
	if err := t.dual(ctx); err != nil {
		return relaxation{}, err
	}
	// Clears reduced costs that drifted across zero during the dual pass.
	if err := t.primal(ctx, t.cost); err != nil {
		if errors.Is(err, errUnbounded) {
			return relaxation{}, fmt.Errorf("%w: %v", errDrift, err)
		}
		return relaxation{}, err
	}
	return finish(p, t, tol, errDrift)
}

func runSimplex(ctx context.Context, t *tableau) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("simplex: %v", r)
		}
	}()
	err = simplex(ctx, t)
	switch {
	case err == nil, errors.Is(err, errInfeasible), errors.Is(err, errUnbounded), ctx.Err() != nil:
		return err
	default:
		return fmt.Errorf("simplex: %w", err)
	}
}

// finish reads the point off t and checks it against every row, reporting
// residual when it does not hold.
func finish(p *milp.Problem, t *tableau, tol float64, residual error) (relaxation, error) {
	x := t.point()
	if v := violation(p, x, t.lb, t.ub); v > feasTol(tol) {
		return relaxation{}, fmt.Errorf("%w: residual %g after solve", residual, v)
	}
	return relaxation{x: x, obj: p.Eval(x), tab: t}, nil
}

func feasTol(tol float64) float64 { return math.Max(1e-6, 1e3*tol) }

func constantRowHolds(sense milp.Sense, rhs, tol float64) bool {
	switch sense {
	case milp.LessEq:
		return 0 <= rhs+tol
	case milp.GreaterEq:
		return 0 >= rhs-tol
	default:
		return math.Abs(rhs) <= tol
	}
}

// violation is milp.Problem.Violation under node bounds, ignoring
// integrality.
func violation(p *milp.Problem, x, lb, ub []float64) float64 {
	var worst float64
	for j := range x {
		worst = math.Max(worst, lb[j]-x[j])
		worst = math.Max(worst, x[j]-ub[j])
	}
	for _, r := range p.Rows {
		var lhs float64
		for _, t := range r.Terms {
			lhs += t.Coef * x[t.Var]
		}
		switch r.Sense {
		case milp.LessEq:
			worst = math.Max(worst, lhs-r.RHS)
		case milp.GreaterEq:
			worst = math.Max(worst, r.RHS-lhs)
		default:
			worst = math.Max(worst, math.Abs(lhs-r.RHS))
		}
	}
	return worst
}
