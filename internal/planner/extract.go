package planner

import (
	"fmt"

	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/model"
	"github.com/limiquantix/replan/internal/placement"
	"github.com/limiquantix/replan/internal/plan"
)

// extract turns a solved problem into a plan and checks it: every action takes
// time, the plan lasts exactly the solved makespan, the destination reaches the
// requested states without overloaded node and satisfies every constraint.
// Any failure is an InconsistentSolutionError.
func extract(p *model.Problem, sol *model.Solution, cs []placement.Constraint) (*plan.TimedReconfigurationPlan, error) {
	out := plan.New(p.Source)
	value := sol.Value

	// boots first, then VMs, then shutdowns
	for _, a := range p.NodeActions() {
		if a.Booting() && value(a.State) == 1 {
			out.Add(&plan.Action{Kind: plan.ActionStartup, Node: a.Node,
				Start: value(a.Start), Finish: value(a.Start) + value(a.Duration)})
		}
	}
	for _, a := range p.VMActions() {
		out.Add(vmActions(p, a, value)...)
	}
	for _, a := range p.NodeActions() {
		if a.ShuttingDown() && value(a.State) == 0 {
			out.Add(&plan.Action{Kind: plan.ActionShutdown, Node: a.Node,
				Start: value(a.Start), Finish: value(a.Start) + value(a.Duration)})
		}
	}

	for _, a := range out.Actions {
		if a.Duration() <= 0 && a.Kind != plan.ActionInstantiate {
			return nil, inconsistent(p, "%s lasts %d", a, a.Duration())
		}
	}
	if end := value(p.End); out.Duration() != end {
		return nil, inconsistent(p, "plan lasts %d but the makespan is %d", out.Duration(), end)
	}

	dst, err := out.Apply(p.Source)
	if err != nil {
		return nil, inconsistent(p, "%v", err)
	}
	out.Destination = dst
	if err := checkTargets(p, sol, dst); err != nil {
		return nil, err
	}
	if err := checkDestination(dst, cs); err != nil {
		return nil, inconsistentPartition(p, err)
	}

	out.Stats = plan.Stats{
		Partitions: 1,
		Nodes:      sol.Stats.Nodes,
		Backtracks: sol.Stats.Backtracks,
		Solutions:  sol.Stats.Solutions,
		Objective:  value(p.GlobalCost),
		Elapsed:    sol.Stats.Elapsed,
		Optimal:    sol.Status == cp.StatusOptimal,
	}
	return out, nil
}

// vmActions returns the concrete actions of a VM action model.
func vmActions(p *model.Problem, a *model.VMAction, value func(*cp.IntVar) int) []*plan.Action {
	if a.Kind == model.VMNoop {
		return nil
	}
	start := value(a.Start)
	finish := start + value(a.Duration)
	var src, dst *domain.Node
	if a.HasSource {
		src = p.NodeAt(a.Source)
	}
	if a.Demanding != nil {
		dst = p.NodeAt(value(a.Demanding.Host))
	}
	action := &plan.Action{VM: a.VM, Source: src, Destination: dst, Start: start, Finish: finish}

	switch a.Kind {
	case model.VMMigratable, model.VMReInstantiate:
		if value(a.Stay) == 1 {
			return nil
		}
		action.Kind = plan.ActionMigration
		if a.Kind == model.VMReInstantiate {
			action.Kind = plan.ActionReInstantiation
		}
	case model.VMResume:
		action.Kind = plan.ActionResume
	case model.VMRun:
		action.Kind = plan.ActionRun
		if a.ForgeDuration > 0 {
			forge := &plan.Action{Kind: plan.ActionInstantiate, VM: a.VM, Start: start, Finish: start + a.ForgeDuration}
			action.Start = forge.Finish
			return []*plan.Action{forge, action}
		}
	case model.VMSuspend:
		action.Kind = plan.ActionSuspend
		action.Destination = src
	case model.VMStop:
		action.Kind = plan.ActionStop
	case model.VMInstantiate:
		action.Kind = plan.ActionInstantiate
	}
	return []*plan.Action{action}
}

// checkTargets makes sure every VM and node reached the state and the host the
// solver decided.
func checkTargets(p *model.Problem, sol *model.Solution, dst *domain.Configuration) error {
	for _, a := range p.VMActions() {
		if got := dst.VMState(a.VM.ID); got != a.To {
			return inconsistent(p, "vm %s ends %s instead of %s", a.VM.ID, got, a.To)
		}
		if a.Demanding == nil {
			continue
		}
		want := p.NodeAt(sol.Value(a.Demanding.Host)).ID
		if host, _ := dst.Location(a.VM.ID); host != want {
			return inconsistent(p, "vm %s ends on %s instead of %s", a.VM.ID, host, want)
		}
	}
	for _, a := range p.NodeActions() {
		if online := dst.IsOnline(a.Node.ID); online != (sol.Value(a.State) == 1) {
			return inconsistent(p, "node %s ends %s", a.Node.ID, dst.NodeState(a.Node.ID))
		}
	}
	return nil
}

// checkDestination rejects overloaded nodes and violated constraints.
func checkDestination(dst *domain.Configuration, cs []placement.Constraint) error {
	for _, m := range []domain.Metric{domain.MetricConsumption, domain.MetricDemand} {
		if over := dst.OverloadedNodes(m); len(over) > 0 {
			return &domain.InconsistentSolutionError{Reason: fmt.Sprintf("overloaded nodes %v in the destination", over.IDs())}
		}
	}
	for _, c := range cs {
		if !c.IsSatisfied(dst) {
			return &domain.InconsistentSolutionError{Reason: c.String() + " is not satisfied by the destination"}
		}
	}
	return nil
}

func inconsistent(p *model.Problem, format string, args ...any) error {
	return &domain.InconsistentSolutionError{
		Reason: fmt.Sprintf("partition %d: ", p.Partition()) + fmt.Sprintf(format, args...),
	}
}

func inconsistentPartition(p *model.Problem, err error) error {
	return fmt.Errorf("partition %d: %w", p.Partition(), err)
}
