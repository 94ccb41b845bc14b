package solver

import (
	"math"

	"github.com/kilianp07/ems/core/milp"
)

// roundInPlace tries to move every fractional integer variable of x to an
// integer without leaving the feasible region, keeping the continuous
// variables where the relaxation put them. It returns the rounded point and
// whether all integer variables could be rounded.
func roundInPlace(p *milp.Problem, x, lb, ub []float64, intTol, feasTol float64) ([]float64, bool) {
	x = append([]float64(nil), x...)
	act := make([]float64, len(p.Rows))
	occ := make([][]occurrence, len(p.Vars))
	for i, r := range p.Rows {
		for _, t := range r.Terms {
			act[i] += t.Coef * x[t.Var]
			if t.Coef != 0 {
				occ[t.Var] = append(occ[t.Var], occurrence{row: i, coef: t.Coef})
			}
		}
	}
	cost := make([]float64, len(p.Vars))
	for _, t := range p.Objective {
		cost[t.Var] += t.Coef
	}

	for progress := true; progress; {
		progress = false
		for j, v := range p.Vars {
			if !v.Integer || isIntegral(x[j], intTol) {
				continue
			}
			up, down := math.Ceil(x[j])-x[j], x[j]-math.Floor(x[j])
			upRoom, downRoom := ub[j]-x[j], x[j]-lb[j]
			for _, o := range occ[j] {
				r := p.Rows[o.row]
				u, d := room(r.Sense, r.RHS, act[o.row], o.coef, feasTol)
				upRoom, downRoom = math.Min(upRoom, u), math.Min(downRoom, d)
			}
			canUp, canDown := upRoom >= up-feasTol, downRoom >= down-feasTol
			var delta float64
			switch {
			case canUp && canDown:
				delta = -down
				if cost[j]*up < -cost[j]*down {
					delta = up
				}
			case canUp:
				delta = up
			case canDown:
				delta = -down
			default:
				continue
			}
			x[j] += delta
			x[j] = math.Round(x[j])
			for _, o := range occ[j] {
				act[o.row] += o.coef * delta
			}
			progress = true
		}
	}
	for j, v := range p.Vars {
		if v.Integer && !isIntegral(x[j], intTol) {
			return nil, false
		}
	}
	return x, true
}

type occurrence struct {
	row  int
	coef float64
}

// room returns how far a variable with coefficient a may move up and down
// before the row is violated.
func room(sense milp.Sense, rhs, act, a, tol float64) (up, down float64) {
	up, down = math.Inf(1), math.Inf(1)
	switch sense {
	case milp.Equal:
		return 0, 0
	case milp.LessEq:
		slack := math.Max(rhs-act, 0) + tol
		if a > 0 {
			up = slack / a
		} else {
			down = slack / -a
		}
	case milp.GreaterEq:
		surplus := math.Max(act-rhs, 0) + tol
		if a > 0 {
			down = surplus / a
		} else {
			up = surplus / -a
		}
	}
	return up, down
}

func isIntegral(v, tol float64) bool {
	return math.Abs(v-math.Round(v)) <= tol
}

// mostFractional returns the integer variable farthest from an integer, or
// -1 when x is integral.
func mostFractional(p *milp.Problem, x []float64, tol float64) int {
	best, dist := -1, tol
	for j, v := range p.Vars {
		if !v.Integer {
			continue
		}
		if d := math.Abs(x[j] - math.Round(x[j])); d > dist {
			best, dist = j, d
		}
	}
	return best
}
