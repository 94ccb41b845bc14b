// Package solver provides a milp.Solver: branch and bound over a
// bounded-variable simplex.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/milp"
)

// Options tune the branch-and-bound search.
type Options struct {
	// Tolerance is the optimality tolerance of the simplex pricing.
	Tolerance float64
	// IntegralityTol is how far from an integer a value may be and still
	// count as integral.
	IntegralityTol float64
	// Gap is the absolute objective improvement required to replace the
	// incumbent or keep a node.
	Gap float64
	// MaxNodes bounds the number of LP relaxations solved.
	MaxNodes int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{Tolerance: 1e-9, IntegralityTol: 1e-6, Gap: 1e-7, MaxNodes: 2000}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.IntegralityTol <= 0 {
		o.IntegralityTol = d.IntegralityTol
	}
	if o.Gap <= 0 {
		o.Gap = d.Gap
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = d.MaxNodes
	}
	return o
}

// BranchAndBound is a depth-first branch-and-bound over LP relaxations.
// Child nodes reoptimize their parent's tableau with the dual simplex, so a
// dive costs a handful of pivots per level.
type BranchAndBound struct {
	opts Options
	log  logger.Logger
}

// New returns a solver. A nil logger disables logging.
func New(opts Options, log logger.Logger) *BranchAndBound {
	if log == nil {
		log = logger.Nop()
	}
	return &BranchAndBound{opts: opts.withDefaults(), log: log}
}

// node is an unsolved subproblem. bound is the objective of its parent's
// relaxation; warm, when set, is a tableau the node may reoptimize.
type node struct {
	lb, ub []float64
	bound  float64
	warm   *tableau
	cloned bool
	depth  int
}

// cloneBudget caps the tableau entries held by nodes waiting on the stack.
const cloneBudget = 1 << 24

type search struct {
	p        *milp.Problem
	opts     Options
	nodes    int
	best     []float64
	bestObj  float64
	lastErr  error
	maxDepth int
	held     int
}

// Solve implements milp.Solver.
func (s *BranchAndBound) Solve(ctx context.Context, p *milp.Problem) (milp.Solution, error) {
	start := time.Now()
	if err := p.Validate(); err != nil {
		return milp.Solution{Status: milp.StatusOther, Detail: err.Error()}, err
	}
	lb, ub := make([]float64, len(p.Vars)), make([]float64, len(p.Vars))
	for j, v := range p.Vars {
		lb[j], ub[j] = v.Lower, v.Upper
		if v.Integer {
			lb[j], ub[j] = math.Ceil(lb[j]-s.opts.IntegralityTol), math.Floor(ub[j]+s.opts.IntegralityTol)
		}
		if lb[j] > ub[j] {
			return milp.Solution{Status: milp.StatusInfeasible, Detail: fmt.Sprintf("variable %d has an empty integer range", j)}, nil
		}
	}

	sr := &search{p: p, opts: s.opts, bestObj: math.Inf(1)}
	stack := []node{{lb: lb, ub: ub, bound: math.Inf(-1)}}
	limit := false
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return sr.interrupted(err)
		}
		nd := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if nd.cloned {
			sr.held -= len(nd.warm.a)
		}
		if sr.pruned(nd.bound) {
			continue
		}
		if sr.nodes >= s.opts.MaxNodes {
			limit = true
			break
		}
		rel, err := relax(ctx, p, nd.lb, nd.ub, nd.warm, s.opts.Tolerance)
		sr.nodes++
		if nd.depth > sr.maxDepth {
			sr.maxDepth = nd.depth
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sr.interrupted(ctxErr)
			}
			if sr.nodes == 1 {
				sol := sr.failure(err)
				s.log.Debugw("root relaxation failed", map[string]any{"problem": p.Name, "status": sol.Status.String(), "detail": sol.Detail})
				return sol, nil
			}
			sr.lastErr = err
			continue
		}
		if sr.pruned(rel.obj) {
			continue
		}
		if x, ok := roundInPlace(p, rel.x, nd.lb, nd.ub, s.opts.IntegralityTol, feasTol(s.opts.Tolerance)); ok {
			sr.offer(x)
		}
		j := mostFractional(p, rel.x, s.opts.IntegralityTol)
		if j < 0 {
			sr.offer(rel.x)
			continue
		}
		if sr.pruned(rel.obj) {
			continue
		}
		stack = append(stack, sr.branch(nd, rel, j)...)
	}

	var sol milp.Solution
	switch {
	case limit && sr.best != nil:
		sol = sr.solution(milp.StatusOther, fmt.Sprintf("node limit %d reached with incumbent %g", s.opts.MaxNodes, sr.bestObj))
	case limit:
		sol = sr.solution(milp.StatusOther, fmt.Sprintf("node limit %d reached without a feasible point", s.opts.MaxNodes))
	case sr.best != nil:
		sol = sr.solution(milp.StatusOptimal, fmt.Sprintf("optimal after %d nodes", sr.nodes))
	case sr.lastErr != nil && !errors.Is(sr.lastErr, errInfeasible):
		sol = sr.solution(milp.StatusOther, fmt.Sprintf("search ended without a feasible point: %v", sr.lastErr))
	default:
		sol = sr.solution(milp.StatusInfeasible, fmt.Sprintf("no integer feasible point after %d nodes", sr.nodes))
	}
	s.log.Debugw("branch and bound finished", map[string]any{
		"problem":   p.Name,
		"status":    sol.Status.String(),
		"nodes":     sr.nodes,
		"depth":     sr.maxDepth,
		"objective": sol.Objective,
		"elapsed":   time.Since(start).String(),
	})
	return sol, nil
}

// branch splits nd on variable j. The child on the side x[j] rounds to comes
// last so that it is explored first, reoptimizing the parent's tableau; its
// sibling gets a copy while the clone budget allows.
func (sr *search) branch(nd node, rel relaxation, j int) []node {
	v := rel.x[j]
	kids := make([]node, 2)
	for i, up := range []bool{false, true} {
		lb := append([]float64(nil), nd.lb...)
		ub := append([]float64(nil), nd.ub...)
		if up {
			lb[j] = math.Ceil(v)
		} else {
			ub[j] = math.Floor(v)
		}
		kids[i] = node{lb: lb, ub: ub, bound: rel.obj, depth: nd.depth + 1}
	}
	if v-math.Floor(v) < 0.5 {
		kids[0], kids[1] = kids[1], kids[0]
	}
	if size := len(rel.tab.a); sr.held+size <= cloneBudget {
		kids[0].warm, kids[0].cloned = rel.tab.clone(), true
		sr.held += size
	}
	kids[1].warm = rel.tab
	return kids
}

func (sr *search) interrupted(err error) (milp.Solution, error) {
	return sr.solution(milp.StatusOther, fmt.Sprintf("interrupted after %d nodes: %v", sr.nodes, err)), err
}

func (sr *search) pruned(bound float64) bool {
	return sr.best != nil && bound >= sr.bestObj-sr.opts.Gap
}

// offer records x as the incumbent when it improves on it.
func (sr *search) offer(x []float64) {
	x = append([]float64(nil), x...)
	for j, v := range sr.p.Vars {
		if v.Integer {
			x[j] = math.Round(x[j])
		}
	}
	obj := sr.p.Eval(x)
	if sr.best == nil || obj < sr.bestObj-sr.opts.Gap {
		sr.best, sr.bestObj = x, obj
	}
}

func (sr *search) solution(st milp.Status, detail string) milp.Solution {
	sol := milp.Solution{Status: st, Detail: detail, Nodes: sr.nodes, Objective: math.NaN()}
	if sr.best != nil {
		sol.Values, sol.Objective = sr.best, sr.bestObj
	}
	return sol
}

func (sr *search) failure(err error) milp.Solution {
	switch {
	case errors.Is(err, errInfeasible):
		return sr.solution(milp.StatusInfeasible, err.Error())
	case errors.Is(err, errUnbounded):
		return sr.solution(milp.StatusOther, "unbounded: "+err.Error())
	default:
		return sr.solution(milp.StatusOther, err.Error())
	}
}
