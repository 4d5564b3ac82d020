package model

import (
	"errors"
	"fmt"

	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
)

// selectModels picks the action model of every node and VM and evaluates the
// durations they may take. The horizon is the sum of the longest durations.
func (p *Problem) selectModels() error {
	for i, n := range p.nodes {
		a, err := p.selectNodeModel(i, n)
		if err != nil {
			return err
		}
		p.nodeActions = append(p.nodeActions, a)
		p.horizon += a.duration
	}
	for i, vm := range p.vms {
		a, err := p.selectVMModel(i, vm)
		if err != nil {
			return err
		}
		p.vmActions = append(p.vmActions, a)
		p.horizon += a.maxDuration()
	}
	return nil
}

func (p *Problem) selectNodeModel(i int, n *domain.Node) (*NodeAction, error) {
	ev := p.in.Evaluator
	online := p.Source.IsOnline(n.ID)
	on := p.in.On.Contains(n.ID)
	a := &NodeAction{Node: n, Index: i}
	if on {
		a.Preferred = 1
	}

	var err error
	switch manageable := p.in.ManageableNodes.Contains(n.ID); {
	case online && manageable:
		a.Kind = NodeShutdownable
		a.duration, err = evaluate("shutdown", n.ID, func() (int, error) { return ev.Shutdown(n) })
	case !online && manageable:
		a.Kind = NodeBootable
		a.duration, err = evaluate("startup", n.ID, func() (int, error) { return ev.Startup(n) })
	case online && on:
		a.Kind = NodeStayOnline
	case online:
		a.Kind = NodeShutdown
		a.duration, err = evaluate("shutdown", n.ID, func() (int, error) { return ev.Shutdown(n) })
	case on:
		a.Kind = NodeBoot
		a.duration, err = evaluate("startup", n.ID, func() (int, error) { return ev.Startup(n) })
	default:
		a.Kind = NodeStayOffline
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// selectVMModel picks the action model of a VM from its current and target states.
func (p *Problem) selectVMModel(i int, vm *domain.VirtualMachine) (*VMAction, error) {
	ev := p.in.Evaluator
	a := &VMAction{
		VM:    vm,
		Index: i,
		From:  p.Source.VMState(vm.ID),
		To:    p.TargetState(vm.ID),
	}
	if host, ok := p.Source.Location(vm.ID); ok {
		a.Source, a.HasSource = p.nodeIndex[host], true
	}

	var err error
	switch from, to := a.From, a.To; {
	case from == to && to != domain.VMStateRunning && to != domain.VMStateUntracked:
		a.Kind = VMNoop
	case from == domain.VMStateRunning && to == domain.VMStateRunning:
		a.Kind = VMMigratable
		a.moveDuration, err = evaluate("migration", vm.ID, func() (int, error) { return ev.Migration(vm) })
		if err == nil && vm.IsClone() {
			var reinstantiate int
			reinstantiate, err = p.reinstantiateDuration(vm)
			if err == nil && reinstantiate < a.moveDuration {
				a.Kind = VMReInstantiate
				a.moveDuration = reinstantiate
			}
		}
	case from == domain.VMStateSleeping && to == domain.VMStateRunning:
		a.Kind = VMResume
		a.moveDuration, err = evaluate("remote resume", vm.ID, func() (int, error) { return ev.ResumeRemote(vm) })
		if err == nil {
			a.stayDuration, err = evaluate("local resume", vm.ID, func() (int, error) { return ev.ResumeLocal(vm) })
		}
	case (from == domain.VMStateWaiting || from == domain.VMStateUntracked) && to == domain.VMStateRunning:
		a.Kind = VMRun
		a.moveDuration, err = evaluate("run", vm.ID, func() (int, error) { return ev.Run(vm) })
		if err == nil && from == domain.VMStateUntracked {
			a.ForgeDuration, err = evaluate("forge", vm.ID, func() (int, error) { return ev.Forge(vm) })
			a.moveDuration += a.ForgeDuration
		}
	case from == domain.VMStateRunning && to == domain.VMStateSleeping:
		a.Kind = VMSuspend
		a.moveDuration, err = evaluate("suspend", vm.ID, func() (int, error) { return ev.Suspend(vm) })
	case from == domain.VMStateRunning && to == domain.VMStateTerminated:
		a.Kind = VMStop
		a.moveDuration, err = evaluate("stop", vm.ID, func() (int, error) { return ev.Stop(vm) })
	case from == domain.VMStateUntracked && to == domain.VMStateWaiting:
		a.Kind = VMInstantiate
		a.moveDuration, err = evaluate("forge", vm.ID, func() (int, error) { return ev.Forge(vm) })
	default:
		return nil, &domain.NoAvailableTransitionError{VM: vm.ID, From: from, To: to}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// reinstantiateDuration is the time to forge a clone on the destination, run it
// and stop the original.
func (p *Problem) reinstantiateDuration(vm *domain.VirtualMachine) (int, error) {
	ev := p.in.Evaluator
	total := 0
	for _, step := range []struct {
		name string
		f    func(*domain.VirtualMachine) (int, error)
	}{
		{"forge", ev.Forge}, {"run", ev.Run}, {"stop", ev.Stop},
	} {
		d, err := evaluate(step.name, vm.ID, func() (int, error) { return step.f(vm) })
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

// evaluate runs a duration estimation and makes sure failures are reported as
// DurationEvaluationError.
func evaluate(action, subject string, f func() (int, error)) (int, error) {
	d, err := f()
	if err != nil {
		if errors.Is(err, domain.ErrDurationEvaluation) {
			return 0, err
		}
		return 0, &domain.DurationEvaluationError{Action: action, Subject: subject, Err: err}
	}
	if d < 0 {
		return 0, &domain.DurationEvaluationError{Action: action, Subject: subject,
			Err: fmt.Errorf("negative duration %d", d)}
	}
	return d, nil
}

func (p *Problem) manageable(vmID string) bool {
	return p.in.Manageable == nil || p.in.Manageable.Contains(vmID)
}

// interval creates the start and end variables of an action lasting d.
func (p *Problem) interval(name string, d *cp.IntVar) (start, end *cp.IntVar) {
	start = p.Store.NewIntVar(name+".start", 0, p.horizon)
	end = p.Store.NewIntVar(name+".end", 0, p.horizon)
	p.Store.Plus(end, start, d)
	return start, end
}

// not returns a boolean variable equal to 1 - b.
func (p *Problem) not(b *cp.IntVar) *cp.IntVar {
	nb := p.Store.NewBoolVar("not(" + b.Name() + ")")
	p.Store.Plus(p.one, b, nb)
	return nb
}

// finish returns a variable equal to end when active is 1 and to 0 when inactive is 1.
func (p *Problem) finish(name string, active, inactive, end *cp.IntVar) *cp.IntVar {
	f := p.Store.NewIntVar(name+".finish", 0, p.horizon)
	p.Store.LessOrEqual(f, 0, end)
	p.Store.ImpliesLessOrEqual(active, end, 0, f)
	p.Store.ImpliesLessOrEqual(inactive, f, 0, p.Start)
	return f
}

func (p *Problem) hostVar(a *VMAction) (*cp.IntVar, error) {
	if len(p.nodes) == 0 {
		return nil, &domain.InfeasibleError{Partition: p.in.Partition,
			Reason: fmt.Sprintf("vm %s must run but there is no node", a.VM.ID)}
	}
	all := make([]int, len(p.nodes))
	for i := range all {
		all[i] = i
	}
	host := p.Store.NewEnumVar(a.VM.ID+".host", all)
	if a.HasSource && !p.manageable(a.VM.ID) {
		if err := host.Fix(a.Source); err != nil {
			return nil, err
		}
	}
	return host, nil
}

func (p *Problem) consuming(a *VMAction, end *cp.IntVar) *Slice {
	return &Slice{
		Name:   "c(" + a.VM.ID + ")",
		Host:   p.Store.Constant(a.Source),
		Start:  p.Start,
		End:    end,
		CPU:    a.VM.CPUConsumption,
		Memory: a.VM.MemoryConsumption,
	}
}

func (p *Problem) demanding(a *VMAction, host, start *cp.IntVar) *Slice {
	return &Slice{
		Name:   "d(" + a.VM.ID + ")",
		Host:   host,
		Start:  start,
		End:    p.End,
		CPU:    a.VM.CPUDemand,
		Memory: a.VM.MemoryDemand,
	}
}

func (p *Problem) buildVMAction(a *VMAction) error {
	s := p.Store
	id := a.VM.ID
	switch a.Kind {
	case VMNoop:
		return nil

	case VMMigratable, VMReInstantiate:
		host, err := p.hostVar(a)
		if err != nil {
			return err
		}
		a.Stay = s.NewBoolVar("stay(" + id + ")")
		s.ReifEqConst(a.Stay, host, a.Source)
		a.Duration = s.NewEnumVar("d("+id+")", []int{a.moveDuration, 0})
		s.Element(a.Duration, []int{a.moveDuration, 0}, a.Stay)
		var end *cp.IntVar
		a.Start, end = p.interval(id, a.Duration)
		a.Consuming = p.consuming(a, end)
		a.Demanding = p.demanding(a, host, a.Start)
		a.Finish = p.finish(id, p.not(a.Stay), a.Stay, end)

	case VMResume:
		host, err := p.hostVar(a)
		if err != nil {
			return err
		}
		a.Stay = s.NewBoolVar("local(" + id + ")")
		s.ReifEqConst(a.Stay, host, a.Source)
		table := []int{a.moveDuration, a.stayDuration}
		a.Duration = s.NewEnumVar("d("+id+")", table)
		s.Element(a.Duration, table, a.Stay)
		a.Start, a.Finish = p.interval(id, a.Duration)
		a.Demanding = p.demanding(a, host, a.Start)

	case VMRun:
		host, err := p.hostVar(a)
		if err != nil {
			return err
		}
		a.Duration = s.Constant(a.moveDuration)
		a.Start, a.Finish = p.interval(id, a.Duration)
		a.Demanding = p.demanding(a, host, a.Start)

	case VMSuspend, VMStop:
		a.Duration = s.Constant(a.moveDuration)
		var end *cp.IntVar
		a.Start, end = p.interval(id, a.Duration)
		a.Consuming = p.consuming(a, end)
		a.Finish = end

	case VMInstantiate:
		a.Duration = s.Constant(a.moveDuration)
		a.Start, a.Finish = p.interval(id, a.Duration)
	}
	return nil
}

func (p *Problem) buildNodeAction(a *NodeAction) {
	s := p.Store
	n := a.Node
	full := func(start, end, active *cp.IntVar) *Slice {
		return &Slice{
			Name:   "n(" + n.ID + ")",
			Host:   s.Constant(a.Index),
			Start:  start,
			End:    end,
			CPU:    n.CPUCapacity(),
			Memory: n.MemoryCapacity,
			Active: active,
		}
	}
	switch a.Kind {
	case NodeStayOnline:
		a.State = s.Constant(1)

	case NodeStayOffline:
		a.State = s.Constant(0)

	case NodeBoot:
		a.State = s.Constant(1)
		a.Duration = s.Constant(a.duration)
		var end *cp.IntVar
		a.Start, end = p.interval(n.ID, a.Duration)
		a.Consuming = full(p.Start, end, nil)
		a.Finish = end

	case NodeShutdown:
		a.State = s.Constant(0)
		a.Duration = s.Constant(a.duration)
		var end *cp.IntVar
		a.Start, end = p.interval(n.ID, a.Duration)
		a.Demanding = full(a.Start, p.End, nil)
		a.Finish = end

	case NodeBootable:
		a.State = s.NewBoolVar("online(" + n.ID + ")")
		table := []int{0, a.duration}
		a.Duration = s.NewEnumVar("d("+n.ID+")", table)
		s.Element(a.Duration, table, a.State)
		var end *cp.IntVar
		a.Start, end = p.interval(n.ID, a.Duration)
		off := p.not(a.State)
		a.Consuming = full(p.Start, end, a.State)
		a.Demanding = full(p.Start, p.End, off)
		a.Finish = p.finish(n.ID, a.State, off, end)

	case NodeShutdownable:
		a.State = s.NewBoolVar("online(" + n.ID + ")")
		table := []int{a.duration, 0}
		a.Duration = s.NewEnumVar("d("+n.ID+")", table)
		s.Element(a.Duration, table, a.State)
		var end *cp.IntVar
		a.Start, end = p.interval(n.ID, a.Duration)
		off := p.not(a.State)
		a.Demanding = full(a.Start, p.End, off)
		a.Finish = p.finish(n.ID, off, a.State, end)
	}
}

// restrictOfflineNodes removes the nodes that end offline from every host domain
// and keeps online the nodes where a VM ends asleep.
func (p *Problem) restrictOfflineNodes() error {
	for _, na := range p.nodeActions {
		if !na.State.IsFixed() || na.State.Value() != 0 {
			continue
		}
		for _, va := range p.vmActions {
			if va.Demanding == nil {
				continue
			}
			if err := va.Demanding.Host.Remove(na.Index); err != nil {
				return &domain.InfeasibleError{Partition: p.in.Partition,
					Reason: fmt.Sprintf("vm %s has no online node to run on", va.VM.ID)}
			}
		}
	}
	for _, va := range p.vmActions {
		asleep := va.Kind == VMSuspend || (va.Kind == VMNoop && va.To == domain.VMStateSleeping)
		if !asleep {
			continue
		}
		na := p.nodeActions[va.Source]
		if err := na.State.Fix(1); err != nil {
			return &domain.InfeasibleError{Partition: p.in.Partition,
				Reason: fmt.Sprintf("vm %s sleeps on node %s which goes offline", va.VM.ID, na.Node.ID)}
		}
	}
	return nil
}

// postPacking posts the cumulative constraint over every slice. Node slices hold
// the full capacity of their node and are left out of the loads.
func (p *Problem) postPacking() {
	s := p.Store
	pk := cp.Packing{}
	for _, n := range p.nodes {
		cpu := s.NewIntVar("cpu("+n.ID+")", 0, n.CPUCapacity())
		mem := s.NewIntVar("mem("+n.ID+")", 0, n.MemoryCapacity)
		p.usedCPU = append(p.usedCPU, cpu)
		p.usedMemory = append(p.usedMemory, mem)
		pk.Capacities = append(pk.Capacities, []int{n.CPUCapacity(), n.MemoryCapacity})
		pk.Loads = append(pk.Loads, []*cp.IntVar{cpu, mem})
	}
	add := func(c, d *Slice, uncounted bool) {
		if c != nil {
			pk.Consuming = append(pk.Consuming, cp.Consuming{
				Host: c.Host.Value(), End: c.End, Heights: c.Heights(), Active: c.Active,
			})
		}
		if d != nil {
			pk.Demanding = append(pk.Demanding, cp.Demanding{
				Host: d.Host, Start: d.Start, Heights: d.Heights(), Active: d.Active, Uncounted: uncounted,
			})
		}
	}
	for _, a := range p.nodeActions {
		add(a.Consuming, a.Demanding, true)
	}
	for _, a := range p.vmActions {
		add(a.Consuming, a.Demanding, false)
	}
	if len(pk.Capacities) > 0 {
		s.Pack(pk)
	}
}

// postScheduling makes End the latest finish of the actions.
func (p *Problem) postScheduling() {
	finishes := []*cp.IntVar{p.Start}
	for _, a := range p.nodeActions {
		if a.Finish != nil {
			finishes = append(finishes, a.Finish)
		}
	}
	for _, a := range p.vmActions {
		if a.Finish != nil {
			finishes = append(finishes, a.Finish)
		}
	}
	p.Store.Max(p.End, finishes)
}

// postCost sums the duration of every action into GlobalCost, through partial
// sums of at most CostChunkSize terms.
func (p *Problem) postCost() {
	s := p.Store
	var costs []*cp.IntVar
	for _, a := range p.nodeActions {
		if a.Duration != nil && a.Duration.Max() > 0 {
			costs = append(costs, a.Duration)
		}
	}
	for _, a := range p.vmActions {
		if a.Duration != nil && a.Duration.Max() > 0 {
			costs = append(costs, a.Duration)
		}
	}
	upper := func(xs []*cp.IntVar) int {
		total := 0
		for _, x := range xs {
			total += x.Max()
		}
		return total
	}
	if len(costs) == 0 {
		p.GlobalCost = s.Constant(0)
		return
	}
	chunk := p.in.CostChunkSize
	if len(costs) <= chunk {
		p.GlobalCost = s.NewIntVar("globalCost", 0, upper(costs))
		s.Sum(p.GlobalCost, costs)
		return
	}
	var partials []*cp.IntVar
	for i := 0; i < len(costs); i += chunk {
		part := costs[i:min(i+chunk, len(costs))]
		v := s.NewIntVar(fmt.Sprintf("cost[%d]", i/chunk), 0, upper(part))
		s.Sum(v, part)
		partials = append(partials, v)
	}
	p.GlobalCost = s.NewIntVar("globalCost", 0, upper(partials))
	s.Sum(p.GlobalCost, partials)
}
