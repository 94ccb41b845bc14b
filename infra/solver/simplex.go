package solver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/ems/core/milp"
)

const (
	pivotTol  = 1e-9
	primalTol = 1e-9
	dropTol   = 1e-14
	// degenerateRun is the number of consecutive zero-length steps after
	// which pricing switches to Bland's rule.
	degenerateRun = 50
)

var errIterations = errors.New("iteration limit reached")

// tableau is a dense bounded-variable simplex tableau B⁻¹A. Columns are the
// free problem variables, then one slack per inequality row, then the
// artificials of phase one. Variable bounds stay on the columns instead of
// becoming rows; a nonbasic column sits at one of its bounds.
type tableau struct {
	m, n   int
	a      []float64 // m×n, row major
	beta   []float64 // value of the basic column of each row
	d      []float64 // reduced costs
	cost   []float64
	basis  []int
	pos    []int // row of a basic column, -1 otherwise
	lo, hi []float64
	upper  []bool // nonbasic column sits at hi
	art    int    // first artificial column

	// col maps a problem variable to its column, -1 when it is not one.
	col []int
	// fixed holds the value of problem variables that are not columns.
	fixed  []float64
	lb, ub []float64
	optTol float64
	nz     []int
}

// newTableau builds the phase one tableau of p under node bounds lb/ub.
// Fixed variables and variables that appear in no row are settled here and
// never become columns.
func newTableau(p *milp.Problem, lb, ub []float64, tol float64) (*tableau, error) {
	nv := len(p.Vars)
	t := &tableau{
		col:    make([]int, nv),
		fixed:  make([]float64, nv),
		lb:     append([]float64(nil), lb...),
		ub:     append([]float64(nil), ub...),
		optTol: tol,
	}
	cost := make([]float64, nv)
	for _, term := range p.Objective {
		cost[term.Var] += term.Coef
	}
	used := make([]bool, nv)
	for _, r := range p.Rows {
		for _, term := range r.Terms {
			if term.Coef != 0 {
				used[term.Var] = true
			}
		}
	}

	free := 0
	for j := 0; j < nv; j++ {
		t.col[j], t.fixed[j] = -1, lb[j]
		switch {
		case ub[j]-lb[j] <= tol:
		case !used[j] && math.IsInf(ub[j], 1):
			// Appears in no row: it sits at its lower bound unless the
			// objective pulls it upward without limit.
			if cost[j] < 0 {
				return nil, fmt.Errorf("%w: variable %d", errUnbounded, j)
			}
		case !used[j] && cost[j] >= 0:
		case !used[j]:
			t.fixed[j] = ub[j]
		default:
			t.col[j] = free
			free++
		}
	}

	// Rows are kept as coef·x + slack = rhs with ≥ rows negated, and rhs
	// already net of every variable at its starting value.
	type pending struct {
		coef []float64
		rhs  float64
		eq   bool
	}
	var rows []pending
	slacks, arts := 0, 0
	for _, r := range p.Rows {
		coef := make([]float64, free)
		rhs := r.RHS
		for _, term := range r.Terms {
			if k := t.col[term.Var]; k >= 0 {
				coef[k] += term.Coef
				rhs -= term.Coef * lb[term.Var]
			} else {
				rhs -= term.Coef * t.fixed[term.Var]
			}
		}
		if free == 0 || floats.Norm(coef, math.Inf(1)) <= tol {
			if !constantRowHolds(r.Sense, rhs, feasTol(tol)) {
				return nil, fmt.Errorf("%w: row %s has no free variable left and cannot hold", errInfeasible, r.Name)
			}
			continue
		}
		if r.Sense == milp.GreaterEq {
			floats.Scale(-1, coef)
			rhs = -rhs
		}
		row := pending{coef: coef, rhs: rhs, eq: r.Sense == milp.Equal}
		if !row.eq {
			slacks++
		}
		if row.eq || rhs < 0 {
			arts++
		}
		rows = append(rows, row)
	}

	t.m, t.n, t.art = len(rows), free+slacks+arts, free+slacks
	t.a = make([]float64, t.m*t.n)
	t.beta = make([]float64, t.m)
	t.basis = make([]int, t.m)
	t.pos = make([]int, t.n)
	t.lo, t.hi = make([]float64, t.n), make([]float64, t.n)
	t.upper = make([]bool, t.n)
	t.cost = make([]float64, t.n)
	t.d = make([]float64, t.n)
	for k := range t.pos {
		t.pos[k] = -1
	}
	for j, k := range t.col {
		if k >= 0 {
			t.lo[k], t.hi[k], t.cost[k] = lb[j], ub[j], cost[j]
		}
	}
	for k := free; k < t.n; k++ {
		t.hi[k] = math.Inf(1)
	}
	s, a := free, t.art
	for i, r := range rows {
		row := t.row(i)
		sign := 1.0
		if r.rhs < 0 {
			sign = -1
		}
		floats.AddScaled(row[:free], sign, r.coef)
		basic := -1
		if !r.eq {
			row[s] = sign
			if r.rhs >= 0 {
				basic = s
			}
			s++
		}
		if basic < 0 {
			row[a] = 1
			basic = a
			a++
		}
		t.basis[i], t.pos[basic] = basic, i
		t.beta[i] = sign * r.rhs
	}
	return t, nil
}

func (t *tableau) row(i int) []float64 { return t.a[i*t.n : (i+1)*t.n : (i+1)*t.n] }

func (t *tableau) value(k int) float64 {
	switch {
	case t.pos[k] >= 0:
		return t.beta[t.pos[k]]
	case t.upper[k]:
		return t.hi[k]
	default:
		return t.lo[k]
	}
}

func (t *tableau) iterationLimit() int { return 20*(t.m+t.n) + 1000 }

// solveTableau runs both phases of the primal simplex on a fresh tableau.
func solveTableau(ctx context.Context, t *tableau) error {
	if t.art < t.n {
		phase1 := make([]float64, t.n)
		for k := t.art; k < t.n; k++ {
			phase1[k] = 1
		}
		if err := t.primal(ctx, phase1); err != nil {
			return err
		}
		var short float64
		for i, k := range t.basis {
			if k >= t.art {
				short += t.beta[i]
			}
		}
		if short > feasTol(t.optTol) {
			return fmt.Errorf("%w: phase one ends %g short", errInfeasible, short)
		}
		t.dropArtificials()
	}
	return t.primal(ctx, t.cost)
}

// price recomputes the reduced costs of c for the current basis.
func (t *tableau) price(c []float64) {
	copy(t.d, c)
	for i, k := range t.basis {
		if ck := c[k]; ck != 0 {
			floats.AddScaled(t.d, -ck, t.row(i))
		}
	}
	for _, k := range t.basis {
		t.d[k] = 0
	}
}

// primal minimizes c from a primal feasible basis. ctx is checked on every
// iteration.
func (t *tableau) primal(ctx context.Context, c []float64) error {
	t.price(c)
	limit := t.iterationLimit()
	degenerate := 0
	for it := 0; ; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if it > limit {
			return errIterations
		}
		q := t.entering(degenerate > degenerateRun)
		if q < 0 {
			return nil
		}
		dir := 1.0
		if t.upper[q] {
			dir = -1
		}
		r, theta := t.ratio(q, dir)
		span := t.hi[q] - t.lo[q]
		switch {
		case r < 0 && math.IsInf(span, 1):
			return errUnbounded
		case r < 0 || span <= theta:
			// The entering column reaches its other bound first.
			t.move(q, dir*span)
			t.upper[q] = !t.upper[q]
			theta = span
		default:
			l := t.basis[r]
			target := t.lo[l]
			if dir*t.a[r*t.n+q] < 0 {
				target = t.hi[l]
			}
			t.exchange(r, q, target)
		}
		if theta <= 1e-12 {
			degenerate++
		} else {
			degenerate = 0
		}
	}
}

// entering picks the nonbasic column with the steepest improving reduced
// cost, or the first improving one under Bland's rule.
func (t *tableau) entering(bland bool) int {
	q, best := -1, t.optTol
	for k := 0; k < t.n; k++ {
		if t.pos[k] >= 0 || t.lo[k] == t.hi[k] {
			continue
		}
		score := -t.d[k]
		if t.upper[k] {
			score = t.d[k]
		}
		if score <= t.optTol {
			continue
		}
		if bland {
			return k
		}
		if score > best {
			q, best = k, score
		}
	}
	return q
}

// ratio returns the row that blocks column q moving in direction dir first
// and the step length, or -1 when no row blocks it. Ties go to the larger
// pivot.
func (t *tableau) ratio(q int, dir float64) (int, float64) {
	r, theta, piv := -1, math.Inf(1), 0.0
	for i := 0; i < t.m; i++ {
		alpha := dir * t.a[i*t.n+q]
		if math.Abs(alpha) <= pivotTol {
			continue
		}
		k := t.basis[i]
		var lim float64
		if alpha > 0 {
			lim = (t.beta[i] - t.lo[k]) / alpha
		} else {
			if math.IsInf(t.hi[k], 1) {
				continue
			}
			lim = (t.hi[k] - t.beta[i]) / -alpha
		}
		lim = math.Max(lim, 0)
		switch {
		case lim < theta-1e-12:
			r, theta, piv = i, lim, math.Abs(alpha)
		case lim <= theta+1e-12 && math.Abs(alpha) > piv:
			r, theta, piv = i, math.Min(lim, theta), math.Abs(alpha)
		}
	}
	return r, theta
}

// dual restores primal feasibility after bounds were tightened, keeping the
// reduced costs dual feasible.
func (t *tableau) dual(ctx context.Context) error {
	t.price(t.cost)
	limit := t.iterationLimit()
	for it := 0; ; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if it > limit {
			return errIterations
		}
		r, worst, increase := -1, primalTol, false
		for i, k := range t.basis {
			if v := t.lo[k] - t.beta[i]; v > worst {
				r, worst, increase = i, v, true
			}
			if v := t.beta[i] - t.hi[k]; v > worst {
				r, worst, increase = i, v, false
			}
		}
		if r < 0 {
			return nil
		}
		row := t.row(r)
		q, best, piv := -1, math.Inf(1), 0.0
		for k := 0; k < t.n; k++ {
			if t.pos[k] >= 0 || t.lo[k] == t.hi[k] {
				continue
			}
			alpha := row[k]
			if math.Abs(alpha) <= pivotTol {
				continue
			}
			// The basic column moves by -alpha per unit of column k.
			if (alpha < 0) != (!t.upper[k] == increase) {
				continue
			}
			ratio := math.Abs(t.d[k]) / math.Abs(alpha)
			if ratio < best-1e-12 || (ratio <= best+1e-12 && math.Abs(alpha) > piv) {
				q, best, piv = k, math.Min(ratio, best), math.Abs(alpha)
			}
		}
		if q < 0 {
			if worst <= feasTol(t.optTol) {
				// Rounding noise; the point is checked against the rows.
				return nil
			}
			return fmt.Errorf("%w: row %d cannot reach its bounds", errInfeasible, r)
		}
		l := t.basis[r]
		target := t.hi[l]
		if increase {
			target = t.lo[l]
		}
		t.exchange(r, q, target)
	}
}

// move shifts nonbasic column q by delta and updates the basic values.
func (t *tableau) move(q int, delta float64) {
	for i := 0; i < t.m; i++ {
		if f := t.a[i*t.n+q]; f != 0 {
			t.beta[i] -= f * delta
		}
	}
}

// exchange moves column q until the basic column of row r reaches target,
// then swaps them.
func (t *tableau) exchange(r, q int, target float64) {
	delta := (t.beta[r] - target) / t.a[r*t.n+q]
	v := t.value(q) + delta
	t.move(q, delta)
	l := t.basis[r]
	t.upper[l] = target == t.hi[l] && t.lo[l] != t.hi[l]
	t.pivot(r, q)
	t.beta[r] = v
}

func (t *tableau) pivot(r, q int) {
	pr := t.row(r)
	floats.Scale(1/pr[q], pr)
	pr[q] = 1
	t.nz = t.nz[:0]
	for k, v := range pr {
		if v != 0 {
			t.nz = append(t.nz, k)
		}
	}
	sparse := len(t.nz) < t.n/4
	eliminate := func(row []float64) {
		f := row[q]
		if f == 0 {
			return
		}
		if sparse {
			for _, k := range t.nz {
				v := row[k] - f*pr[k]
				if math.Abs(v) < dropTol {
					v = 0
				}
				row[k] = v
			}
		} else {
			floats.AddScaled(row, -f, pr)
		}
		row[q] = 0
	}
	for i := 0; i < t.m; i++ {
		if i != r {
			eliminate(t.row(i))
		}
	}
	eliminate(t.d)
	l := t.basis[r]
	t.pos[l], t.pos[q], t.basis[r] = -1, r, q
	if l >= t.art {
		// Artificials never come back once out of the basis.
		t.hi[l] = 0
	}
}

// dropArtificials pivots the artificials left at zero out of the basis,
// drops the rows where that is impossible since they are redundant, and
// removes every artificial column.
func (t *tableau) dropArtificials() {
	keep := make([]bool, t.m)
	rows := 0
	for i := 0; i < t.m; i++ {
		keep[i] = true
		if t.basis[i] >= t.art {
			row := t.row(i)
			q, best := -1, 1e-7
			for k := 0; k < t.art; k++ {
				if t.pos[k] < 0 && math.Abs(row[k]) > best {
					q, best = k, math.Abs(row[k])
				}
			}
			if q < 0 {
				keep[i] = false
				continue
			}
			t.exchange(i, q, 0)
		}
		rows++
	}

	n := t.art
	a := make([]float64, rows*n)
	beta := make([]float64, 0, rows)
	basis := make([]int, 0, rows)
	for i := 0; i < t.m; i++ {
		if keep[i] {
			copy(a[len(basis)*n:], t.row(i)[:n])
			basis = append(basis, t.basis[i])
			beta = append(beta, t.beta[i])
		}
	}
	t.m, t.n = rows, n
	t.a, t.beta, t.basis = a, beta, basis
	t.pos, t.lo, t.hi, t.upper = t.pos[:n], t.lo[:n], t.hi[:n], t.upper[:n]
	t.cost, t.d = t.cost[:n], t.d[:n]
	for k := range t.pos {
		t.pos[k] = -1
	}
	for i, k := range basis {
		t.pos[k] = i
	}
}

// restrict moves the tableau to the node bounds lb/ub. It reports false and
// leaves the tableau untouched when the bounds changed on a variable that is
// not a column.
func (t *tableau) restrict(lb, ub []float64) bool {
	for j, k := range t.col {
		if k < 0 && (lb[j] != t.lb[j] || ub[j] != t.ub[j]) {
			return false
		}
	}
	for j, k := range t.col {
		if k < 0 || (lb[j] == t.lb[j] && ub[j] == t.ub[j]) {
			continue
		}
		before := t.value(k)
		t.lo[k], t.hi[k] = lb[j], ub[j]
		if t.pos[k] >= 0 {
			continue
		}
		if math.IsInf(t.hi[k], 1) {
			t.upper[k] = false
		}
		if delta := t.value(k) - before; delta != 0 {
			t.move(k, delta)
		}
	}
	copy(t.lb, lb)
	copy(t.ub, ub)
	return true
}

// point returns the problem variables at the current basis.
func (t *tableau) point() []float64 {
	x := make([]float64, len(t.col))
	for j, k := range t.col {
		if k < 0 {
			x[j] = t.fixed[j]
			continue
		}
		// Pivoting can land a hair outside the box.
		x[j] = math.Min(math.Max(t.value(k), t.lb[j]), t.ub[j])
	}
	return x
}

func (t *tableau) clone() *tableau {
	c := *t
	c.a = append([]float64(nil), t.a...)
	c.beta = append([]float64(nil), t.beta...)
	c.d = append([]float64(nil), t.d...)
	c.basis = append([]int(nil), t.basis...)
	c.pos = append([]int(nil), t.pos...)
	c.lo = append([]float64(nil), t.lo...)
	c.hi = append([]float64(nil), t.hi...)
	c.upper = append([]bool(nil), t.upper...)
	c.lb = append([]float64(nil), t.lb...)
	c.ub = append([]float64(nil), t.ub...)
	c.nz = nil
	return &c
}
