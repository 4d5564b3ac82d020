package cp

import (
	"context"
	"fmt"
	"time"
)

// VarSelector picks the next variable to branch on among the unfixed ones of a
// phase. It returns nil when the phase is complete.
type VarSelector func(vars []*IntVar) *IntVar

// ValueSelector picks the value tried first on a variable.
type ValueSelector func(v *IntVar) int

// Phase is a group of variables branched on together, before the next phase.
type Phase struct {
	Name  string
	Vars  []*IntVar
	Var   VarSelector
	Value ValueSelector
}

// InputOrder selects the first unfixed variable.
func InputOrder(vars []*IntVar) *IntVar {
	for _, v := range vars {
		if !v.IsFixed() {
			return v
		}
	}
	return nil
}

// MinDomain selects the unfixed variable with the smallest domain.
func MinDomain(vars []*IntVar) *IntVar {
	var best *IntVar
	for _, v := range vars {
		if !v.IsFixed() && (best == nil || v.Size() < best.Size()) {
			best = v
		}
	}
	return best
}

// MinValue tries the lower bound first.
func MinValue(v *IntVar) int { return v.Min() }

// MaxValue tries the upper bound first.
func MaxValue(v *IntVar) int { return v.Max() }

// Prefer tries the first value returned by prefs that is still in the domain,
// then falls back to the lower bound.
func Prefer(prefs func(v *IntVar) []int) ValueSelector {
	return func(v *IntVar) int {
		for _, x := range prefs(v) {
			if v.Contains(x) {
				return x
			}
		}
		return v.Min()
	}
}

// Status tells how a search ended.
type Status int

const (
	StatusUnknown Status = iota
	StatusInfeasible
	StatusFeasible
	StatusOptimal
)

func (s Status) String() string {
	switch s {
	case StatusInfeasible:
		return "infeasible"
	case StatusFeasible:
		return "feasible"
	case StatusOptimal:
		return "optimal"
	default:
		return "unknown"
	}
}

// Options drive a search.
type Options struct {
	// Objective is minimized when set. Otherwise the first solution is returned.
	Objective *IntVar
	// TimeLimit stops the search once elapsed, 0 means none.
	TimeLimit time.Duration
	// NodeLimit stops the search after that many decisions, 0 means none.
	NodeLimit int
}

// Stats sums up a search.
type Stats struct {
	Nodes      int
	Backtracks int
	Solutions  int
	Elapsed    time.Duration
	// Objective is the cost of the best solution, when there is an objective.
	Objective int
	// Limited tells the search was interrupted before it completed.
	Limited bool
}

func (s Stats) String() string {
	return fmt.Sprintf("nodes=%d backtracks=%d solutions=%d objective=%d elapsed=%s",
		s.Nodes, s.Backtracks, s.Solutions, s.Objective, s.Elapsed)
}

// Solution holds the value of every variable of a store.
type Solution struct {
	values []int
}

// Value returns the value v takes in the solution.
func (s *Solution) Value(v *IntVar) int { return s.values[v.id] }

// Result is the outcome of Solve.
type Result struct {
	Status   Status
	Stats    Stats
	Solution *Solution
}

type search struct {
	ctx      context.Context
	s        *Store
	phases   []Phase
	opts     Options
	deadline time.Time

	best    *Solution
	cost    int
	stats   Stats
	stopped bool
}

// Solve explores the store depth-first, branching on the phases in order, then on
// any variable left unfixed. With an objective the search is a branch and bound:
// each solution tightens the objective for the rest of the exploration. The store
// is back to its root state when Solve returns.
func (s *Store) Solve(ctx context.Context, phases []Phase, opts Options) Result {
	sr := &search{ctx: ctx, s: s, opts: opts}
	sr.phases = append(append([]Phase(nil), phases...), Phase{
		Name: "remaining", Vars: s.vars, Var: InputOrder, Value: MinValue,
	})
	begin := time.Now()
	if opts.TimeLimit > 0 {
		sr.deadline = begin.Add(opts.TimeLimit)
	}

	s.push()
	if err := s.Propagate(); err == nil {
		sr.explore()
	}
	s.pop()
	sr.stats.Elapsed = time.Since(begin)

	res := Result{Stats: sr.stats, Solution: sr.best}
	switch {
	case sr.best != nil && opts.Objective != nil && !sr.stats.Limited:
		res.Status = StatusOptimal
	case sr.best != nil:
		res.Status = StatusFeasible
	case sr.stats.Limited:
		res.Status = StatusUnknown
	default:
		res.Status = StatusInfeasible
	}
	return res
}

func (sr *search) halted() bool {
	if sr.stopped {
		return true
	}
	limited := sr.ctx.Err() != nil ||
		(!sr.deadline.IsZero() && time.Now().After(sr.deadline)) ||
		(sr.opts.NodeLimit > 0 && sr.stats.Nodes >= sr.opts.NodeLimit)
	if limited {
		sr.stats.Limited = true
		sr.stopped = true
	}
	return sr.stopped
}

func (sr *search) explore() {
	if sr.halted() {
		return
	}
	if obj := sr.opts.Objective; obj != nil && sr.best != nil {
		if err := obj.SetMax(sr.cost - 1); err != nil {
			sr.stats.Backtracks++
			return
		}
	}
	if err := sr.s.Propagate(); err != nil {
		sr.stats.Backtracks++
		return
	}
	v, val := sr.decision()
	if v == nil {
		sr.record()
		return
	}
	sr.stats.Nodes++
	sr.branch(func() error { return v.Fix(val) })
	if sr.halted() {
		return
	}
	sr.branch(func() error { return v.Remove(val) })
}

func (sr *search) branch(decide func() error) {
	sr.s.push()
	defer sr.s.pop()
	if err := decide(); err != nil {
		sr.stats.Backtracks++
		return
	}
	sr.explore()
}

func (sr *search) decision() (*IntVar, int) {
	for _, ph := range sr.phases {
		selectVar := ph.Var
		if selectVar == nil {
			selectVar = InputOrder
		}
		v := selectVar(ph.Vars)
		if v == nil {
			continue
		}
		val := v.Min()
		if ph.Value != nil {
			val = ph.Value(v)
		}
		// Only bounds can be refuted on an interval domain.
		if !v.Contains(val) || (!v.Enumerated() && val != v.Min() && val != v.Max()) {
			val = v.Min()
		}
		return v, val
	}
	return nil, 0
}

func (sr *search) record() {
	sol := &Solution{values: make([]int, len(sr.s.vars))}
	for i, v := range sr.s.vars {
		sol.values[i] = v.Value()
	}
	sr.best = sol
	sr.stats.Solutions++
	if obj := sr.opts.Objective; obj != nil {
		sr.cost = obj.Value()
		sr.stats.Objective = sr.cost
		return
	}
	sr.stopped = true
}
