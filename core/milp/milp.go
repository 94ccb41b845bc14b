// Package milp describes mixed-integer linear programs and the solver
// contract used by the dispatch optimizer.
package milp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrInvalidProblem is returned by Validate.
var ErrInvalidProblem = errors.New("invalid problem")

// Sense is the relation of a row to its right hand side.
type Sense int

const (
	LessEq Sense = iota
	Equal
	GreaterEq
)

func (s Sense) String() string {
	switch s {
	case LessEq:
		return "<="
	case Equal:
		return "="
	case GreaterEq:
		return ">="
	default:
		return fmt.Sprintf("Sense(%d)", int(s))
	}
}

// VarID indexes a variable of a Problem.
type VarID int

// Var is a decision variable. Lower must be finite, Upper may be +Inf.
type Var struct {
	Name    string
	Lower   float64
	Upper   float64
	Integer bool
}

// Term is coef·var.
type Term struct {
	Var  VarID
	Coef float64
}

// T builds a Term.
func T(v VarID, coef float64) Term { return Term{Var: v, Coef: coef} }

// Row is a linear constraint Σ terms (sense) RHS.
type Row struct {
	Name  string
	Terms []Term
	Sense Sense
	RHS   float64
}

// Problem is a minimization problem.
type Problem struct {
	Name      string
	Vars      []Var
	Rows      []Row
	Objective []Term
}

// NewProblem returns an empty problem.
func NewProblem(name string) *Problem {
	return &Problem{Name: name}
}

// AddVar appends a variable and returns its id.
func (p *Problem) AddVar(name string, lower, upper float64, integer bool) VarID {
	p.Vars = append(p.Vars, Var{Name: name, Lower: lower, Upper: upper, Integer: integer})
	return VarID(len(p.Vars) - 1)
}

// AddContinuous adds a continuous variable in [lower, upper].
func (p *Problem) AddContinuous(name string, lower, upper float64) VarID {
	return p.AddVar(name, lower, upper, false)
}

// AddBinary adds a {0,1} variable.
func (p *Problem) AddBinary(name string) VarID {
	return p.AddVar(name, 0, 1, true)
}

// Fix pins v to value.
func (p *Problem) Fix(v VarID, value float64) {
	p.Vars[v].Lower, p.Vars[v].Upper = value, value
}

// AddRow appends a constraint.
func (p *Problem) AddRow(name string, sense Sense, rhs float64, terms ...Term) {
	p.Rows = append(p.Rows, Row{Name: name, Terms: terms, Sense: sense, RHS: rhs})
}

// AddObjective adds terms to the minimized objective.
func (p *Problem) AddObjective(terms ...Term) {
	p.Objective = append(p.Objective, terms...)
}

// NumIntegers counts the integer variables.
func (p *Problem) NumIntegers() int {
	n := 0
	for _, v := range p.Vars {
		if v.Integer {
			n++
		}
	}
	return n
}

// Validate checks bounds, coefficients and variable references.
func (p *Problem) Validate() error {
	for i, v := range p.Vars {
		if math.IsNaN(v.Lower) || math.IsNaN(v.Upper) || math.IsInf(v.Lower, 0) {
			return fmt.Errorf("%w: variable %s has bounds [%g, %g]", ErrInvalidProblem, p.varName(VarID(i)), v.Lower, v.Upper)
		}
		if v.Lower > v.Upper {
			return fmt.Errorf("%w: variable %s has lower %g above upper %g", ErrInvalidProblem, p.varName(VarID(i)), v.Lower, v.Upper)
		}
	}
	check := func(where string, terms []Term) error {
		for _, t := range terms {
			if t.Var < 0 || int(t.Var) >= len(p.Vars) {
				return fmt.Errorf("%w: %s references unknown variable %d", ErrInvalidProblem, where, t.Var)
			}
			if math.IsNaN(t.Coef) || math.IsInf(t.Coef, 0) {
				return fmt.Errorf("%w: %s has coefficient %g on %s", ErrInvalidProblem, where, t.Coef, p.varName(t.Var))
			}
		}
		return nil
	}
	if err := check("objective", p.Objective); err != nil {
		return err
	}
	for _, r := range p.Rows {
		if err := check("row "+r.Name, r.Terms); err != nil {
			return err
		}
		if math.IsNaN(r.RHS) || math.IsInf(r.RHS, 0) {
			return fmt.Errorf("%w: row %s has right hand side %g", ErrInvalidProblem, r.Name, r.RHS)
		}
	}
	return nil
}

// Eval returns the objective value of x.
func (p *Problem) Eval(x []float64) float64 {
	var f float64
	for _, t := range p.Objective {
		f += t.Coef * x[t.Var]
	}
	return f
}

// Violation returns the largest bound, row or integrality violation of x.
func (p *Problem) Violation(x []float64) float64 {
	var worst float64
	for i, v := range p.Vars {
		worst = math.Max(worst, v.Lower-x[i])
		worst = math.Max(worst, x[i]-v.Upper)
		if v.Integer {
			worst = math.Max(worst, math.Abs(x[i]-math.Round(x[i])))
		}
	}
	for _, r := range p.Rows {
		var lhs float64
		for _, t := range r.Terms {
			lhs += t.Coef * x[t.Var]
		}
		switch r.Sense {
		case LessEq:
			worst = math.Max(worst, lhs-r.RHS)
		case GreaterEq:
			worst = math.Max(worst, r.RHS-lhs)
		default:
			worst = math.Max(worst, math.Abs(lhs-r.RHS))
		}
	}
	return worst
}

func (p *Problem) varName(v VarID) string {
	if int(v) < len(p.Vars) && p.Vars[v].Name != "" {
		return p.Vars[v].Name
	}
	return fmt.Sprintf("x%d", int(v))
}

// String renders the problem in an LP-file like layout for debugging.
func (p *Problem) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\\ Problem: %s\nMinimize\n obj: %s\nSubject To\n", p.Name, p.expr(p.Objective))
	for i, r := range p.Rows {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("r%d", i)
		}
		fmt.Fprintf(&b, " %s: %s %s %s\n", name, p.expr(r.Terms), r.Sense, num(r.RHS))
	}
	b.WriteString("Bounds\n")
	var ints []string
	for i, v := range p.Vars {
		n := p.varName(VarID(i))
		switch {
		case v.Lower == v.Upper:
			fmt.Fprintf(&b, " %s = %s\n", n, num(v.Lower))
		case math.IsInf(v.Upper, 1):
			fmt.Fprintf(&b, " %s >= %s\n", n, num(v.Lower))
		default:
			fmt.Fprintf(&b, " %s <= %s <= %s\n", num(v.Lower), n, num(v.Upper))
		}
		if v.Integer {
			ints = append(ints, n)
		}
	}
	if len(ints) > 0 {
		sort.Strings(ints)
		fmt.Fprintf(&b, "General\n %s\n", strings.Join(ints, " "))
	}
	b.WriteString("End\n")
	return b.String()
}

func (p *Problem) expr(terms []Term) string {
	if len(terms) == 0 {
		return "0"
	}
	var b strings.Builder
	for i, t := range terms {
		c := t.Coef
		switch {
		case i == 0 && c < 0:
			b.WriteString("- ")
			c = -c
		case i > 0 && c < 0:
			b.WriteString(" - ")
			c = -c
		case i > 0:
			b.WriteString(" + ")
		}
		if c != 1 {
			b.WriteString(num(c))
			b.WriteByte(' ')
		}
		b.WriteString(p.varName(t.Var))
	}
	return b.String()
}

func num(v float64) string {
	return fmt.Sprintf("%.6g", v)
}

// Status is the termination status of a solve.
type Status int

const (
	StatusOptimal Status = iota
	StatusInfeasible
	StatusOther
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusInfeasible:
		return "infeasible"
	default:
		return "other"
	}
}

// Solution is what a Solver returns. Values is indexed by VarID and may be
// empty when no feasible point is known.
type Solution struct {
	Status    Status
	Objective float64
	Values    []float64
	// Detail is a human readable account of the termination.
	Detail string
	Nodes  int
}

// Value returns the value of v, 0 when no values are available.
func (s Solution) Value(v VarID) float64 {
	if int(v) >= len(s.Values) {
		return 0
	}
	return s.Values[v]
}

// Solver solves a Problem. A cancelled context stops the search; the
// returned Solution then has StatusOther and the error is the context error.
type Solver interface {
	Solve(ctx context.Context, p *Problem) (Solution, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, p *Problem) (Solution, error)

// Solve implements Solver.
func (f SolverFunc) Solve(ctx context.Context, p *Problem) (Solution, error) { return f(ctx, p) }
