// Package model turns a reconfiguration request into a constraint model: one
// action model per VM and per node, the slices they reserve on the nodes, the
// packing of those slices over time and the cost to minimize.
package model

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/duration"
)

// DefaultCostChunkSize bounds the number of terms of each partial cost sum.
const DefaultCostChunkSize = 100

// Input is a reconfiguration request: the source configuration and the state
// every VM and node must reach.
type Input struct {
	Source *domain.Configuration

	Run   domain.VMSet
	Wait  domain.VMSet
	Sleep domain.VMSet
	Stop  domain.VMSet

	On  domain.NodeSet
	Off domain.NodeSet

	// Manageable restricts the VMs allowed to change host. Nil means every VM.
	Manageable domain.VMSet
	// ManageableNodes are the nodes whose final state is left to the solver. Their
	// listing in On or Off is only a preference.
	ManageableNodes domain.NodeSet

	Evaluator duration.Evaluator

	// Optimize minimizes the global cost. Otherwise the first plan found is kept.
	Optimize      bool
	CostChunkSize int

	// Partition identifies the sub-problem in errors and logs.
	Partition int
}

// Problem is the constraint model of a reconfiguration.
//
// Nodes and VMs get dense indices, assigned once in increasing ID order. The host
// variables of the slices range over node indices.
type Problem struct {
	Store  *cp.Store
	Source *domain.Configuration

	// Start is the constant 0, End the makespan of the plan.
	Start      *cp.IntVar
	End        *cp.IntVar
	GlobalCost *cp.IntVar

	in      Input
	logger  *zap.Logger
	horizon int
	one     *cp.IntVar

	nodes     []*domain.Node
	vms       []*domain.VirtualMachine
	nodeIndex map[string]int
	vmIndex   map[string]int

	vmActions   []*VMAction
	nodeActions []*NodeAction

	usedCPU    []*cp.IntVar
	usedMemory []*cp.IntVar
	idle       map[int]*cp.IntVar

	nodeGroups   [][]int
	nodeGroupIDs map[string]int
	vmGroups     map[string]*cp.IntVar
	vmGroupOrder []*cp.IntVar
	groupMembers domain.VMSet

	phases []cp.Phase
}

// New validates the input and builds the model. Validation errors are returned
// before any variable is created.
func New(in Input, logger *zap.Logger) (*Problem, error) {
	if in.Source == nil {
		return nil, fmt.Errorf("source configuration: %w", domain.ErrInvalidArgument)
	}
	if in.Evaluator == nil {
		return nil, fmt.Errorf("duration evaluator: %w", domain.ErrInvalidArgument)
	}
	if in.CostChunkSize <= 0 {
		in.CostChunkSize = DefaultCostChunkSize
	}
	if err := validate(in); err != nil {
		return nil, err
	}
	if err := checkViability(in.Source); err != nil {
		return nil, err
	}

	p := &Problem{
		Store:        cp.NewStore(),
		Source:       in.Source,
		in:           in,
		logger:       logger.With(zap.String("component", "model"), zap.Int("partition", in.Partition)),
		nodeIndex:    make(map[string]int),
		vmIndex:      make(map[string]int),
		idle:         make(map[int]*cp.IntVar),
		nodeGroupIDs: make(map[string]int),
		vmGroups:     make(map[string]*cp.IntVar),
		groupMembers: domain.NewVMSet(),
	}
	p.index()

	if err := p.selectModels(); err != nil {
		return nil, err
	}
	p.Start = p.Store.Constant(0)
	p.one = p.Store.Constant(1)
	p.End = p.Store.NewIntVar("end", 0, p.horizon)

	for _, a := range p.nodeActions {
		p.buildNodeAction(a)
	}
	for _, a := range p.vmActions {
		if err := p.buildVMAction(a); err != nil {
			return nil, err
		}
	}
	if err := p.restrictOfflineNodes(); err != nil {
		return nil, err
	}
	p.postPacking()
	p.postScheduling()
	p.postCost()

	if err := p.Store.Propagate(); err != nil {
		return nil, &domain.InfeasibleError{Partition: in.Partition, Reason: "the initial model is inconsistent"}
	}
	p.logger.Debug("Reconfiguration problem built",
		zap.Int("nodes", len(p.nodes)),
		zap.Int("vms", len(p.vms)),
		zap.Int("horizon", p.horizon),
		zap.Int("variables", len(p.Store.Vars())),
	)
	return p, nil
}

// validate checks that every VM and every node has exactly one target state.
func validate(in Input) error {
	targets := []struct {
		name string
		set  domain.VMSet
	}{
		{"run", in.Run}, {"wait", in.Wait}, {"sleep", in.Sleep}, {"stop", in.Stop},
	}
	ids := in.Source.VMs()
	for _, t := range targets {
		ids.AddAll(t.set)
	}
	for _, id := range ids.IDs() {
		var states []string
		for _, t := range targets {
			if t.set.Contains(id) {
				states = append(states, t.name)
			}
		}
		if len(states) != 1 {
			return &domain.ConfigurationStateError{Subject: id, Kind: "vm", States: states}
		}
	}

	nodes := in.Source.Nodes()
	for _, set := range []domain.NodeSet{in.On, in.Off, in.ManageableNodes} {
		for id := range set {
			if !nodes.Contains(id) {
				return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
			}
		}
	}
	for _, id := range nodes.IDs() {
		var states []string
		if in.On.Contains(id) {
			states = append(states, "on")
		}
		if in.Off.Contains(id) {
			states = append(states, "off")
		}
		if len(states) != 1 {
			return &domain.ConfigurationStateError{Subject: id, Kind: "node", States: states}
		}
	}
	return nil
}

// checkViability rejects a source configuration where a node is already overloaded.
func checkViability(src *domain.Configuration) error {
	for _, n := range src.Onlines().Sorted() {
		for _, r := range domain.Resources {
			if load := src.Load(n.ID, r, domain.MetricConsumption); load > n.Capacity(r) {
				return &domain.NonViableSourceConfigurationError{
					Node: n.ID, Resource: r, Load: load, Capacity: n.Capacity(r),
				}
			}
		}
	}
	return nil
}

func (p *Problem) index() {
	for i, n := range p.Source.Nodes().Sorted() {
		p.nodes = append(p.nodes, n)
		p.nodeIndex[n.ID] = i
	}
	all := p.Source.VMs()
	for _, set := range []domain.VMSet{p.in.Run, p.in.Wait, p.in.Sleep, p.in.Stop} {
		all.AddAll(set)
	}
	for i, vm := range all.Sorted() {
		p.vms = append(p.vms, vm)
		p.vmIndex[vm.ID] = i
	}
}

// NodeIndex returns the index of a node.
func (p *Problem) NodeIndex(id string) (int, bool) {
	i, ok := p.nodeIndex[id]
	return i, ok
}

// VMIndex returns the index of a VM.
func (p *Problem) VMIndex(id string) (int, bool) {
	i, ok := p.vmIndex[id]
	return i, ok
}

// NodeAt returns the node with the given index.
func (p *Problem) NodeAt(i int) *domain.Node { return p.nodes[i] }

// VMAt returns the VM with the given index.
func (p *Problem) VMAt(i int) *domain.VirtualMachine { return p.vms[i] }

// Nodes returns the nodes ordered by index.
func (p *Problem) Nodes() []*domain.Node { return p.nodes }

// VMs returns the VMs ordered by index.
func (p *Problem) VMs() []*domain.VirtualMachine { return p.vms }

// VMActions returns the VM action models ordered by VM index.
func (p *Problem) VMActions() []*VMAction { return p.vmActions }

// NodeActions returns the node action models ordered by node index.
func (p *Problem) NodeActions() []*NodeAction { return p.nodeActions }

// VMAction returns the action model of a VM.
func (p *Problem) VMAction(id string) (*VMAction, bool) {
	i, ok := p.vmIndex[id]
	if !ok {
		return nil, false
	}
	return p.vmActions[i], true
}

// NodeAction returns the action model of a node.
func (p *Problem) NodeAction(id string) (*NodeAction, bool) {
	i, ok := p.nodeIndex[id]
	if !ok {
		return nil, false
	}
	return p.nodeActions[i], true
}

// TargetState returns the state a VM must reach.
func (p *Problem) TargetState(id string) domain.VMState {
	switch {
	case p.in.Run.Contains(id):
		return domain.VMStateRunning
	case p.in.Wait.Contains(id):
		return domain.VMStateWaiting
	case p.in.Sleep.Contains(id):
		return domain.VMStateSleeping
	case p.in.Stop.Contains(id):
		return domain.VMStateTerminated
	}
	return domain.VMStateUntracked
}

// FutureRunnings returns the VMs that must be running at the end.
func (p *Problem) FutureRunnings() domain.VMSet { return p.in.Run.Clone() }

// Horizon returns the upper bound of every time variable.
func (p *Problem) Horizon() int { return p.horizon }

// Partition returns the identifier of the sub-problem.
func (p *Problem) Partition() int { return p.in.Partition }

// UsedCPU returns the final CPU load of a node.
func (p *Problem) UsedCPU(node int) *cp.IntVar { return p.usedCPU[node] }

// UsedMemory returns the final memory load of a node.
func (p *Problem) UsedMemory(node int) *cp.IntVar { return p.usedMemory[node] }

// IsIdle returns a boolean variable telling whether a node hosts no VM at the end.
// Every running VM is assumed to need some memory.
func (p *Problem) IsIdle(node int) *cp.IntVar {
	if b, ok := p.idle[node]; ok {
		return b
	}
	b := p.Store.NewBoolVar(fmt.Sprintf("idle(%s)", p.nodes[node].ID))
	p.Store.ReifEqConst(b, p.usedMemory[node], 0)
	p.idle[node] = b
	return b
}

// NodeGroup returns the identifier of a set of nodes, allocating it on first use.
func (p *Problem) NodeGroup(nodes domain.NodeSet) (int, error) {
	key := nodes.Key()
	if id, ok := p.nodeGroupIDs[key]; ok {
		return id, nil
	}
	members := make([]int, 0, len(nodes))
	for _, n := range nodes.Sorted() {
		i, ok := p.nodeIndex[n.ID]
		if !ok {
			return 0, fmt.Errorf("node %s: %w", n.ID, domain.ErrNotFound)
		}
		members = append(members, i)
	}
	id := len(p.nodeGroups)
	p.nodeGroups = append(p.nodeGroups, members)
	p.nodeGroupIDs[key] = id
	return id, nil
}

// NodeGroups returns the node indices of every group, by group identifier.
func (p *Problem) NodeGroups() [][]int { return p.nodeGroups }

// VMGroup returns the variable holding the node group a set of VMs is assigned
// to, allocating it on first use. The variable ranges over the given groups; a
// known set only gets its domain narrowed.
func (p *Problem) VMGroup(vms domain.VMSet, groups []int) (*cp.IntVar, error) {
	key := vms.Key()
	if g, ok := p.vmGroups[key]; ok {
		allowed := make(map[int]bool, len(groups))
		for _, id := range groups {
			allowed[id] = true
		}
		if err := g.Restrict(func(v int) bool { return allowed[v] }); err != nil {
			return nil, err
		}
		return g, nil
	}
	g := p.Store.NewEnumVar(fmt.Sprintf("group(%s)", key), groups)
	p.vmGroups[key] = g
	p.vmGroupOrder = append(p.vmGroupOrder, g)
	p.groupMembers.AddAll(vms)
	return g, nil
}

// VMGroups returns the VM group variables in allocation order.
func (p *Problem) VMGroups() []*cp.IntVar { return p.vmGroupOrder }

// GroupMembers returns the VMs belonging to at least one VM group.
func (p *Problem) GroupMembers() domain.VMSet { return p.groupMembers }

// SetPhases installs the search strategy.
func (p *Problem) SetPhases(phases []cp.Phase) { p.phases = phases }

// Phases returns the search strategy.
func (p *Problem) Phases() []cp.Phase { return p.phases }

// Solution is a solved problem.
type Solution struct {
	Status cp.Status
	Stats  cp.Stats
	sol    *cp.Solution
}

// Value returns the value of a variable of the problem.
func (s *Solution) Value(v *cp.IntVar) int { return s.sol.Value(v) }

// Solve searches for a plan within the time limit, 0 meaning no limit. It fails
// with an InfeasibleError when the problem has no solution and with an
// UnknownFeasibilityError when the limit is hit before any solution.
func (p *Problem) Solve(ctx context.Context, limit time.Duration) (*Solution, error) {
	opts := cp.Options{TimeLimit: limit}
	if p.in.Optimize {
		opts.Objective = p.GlobalCost
	}
	res := p.Store.Solve(ctx, p.phases, opts)
	p.logger.Debug("Search completed",
		zap.String("status", res.Status.String()),
		zap.Int("nodes", res.Stats.Nodes),
		zap.Int("backtracks", res.Stats.Backtracks),
		zap.Int("solutions", res.Stats.Solutions),
		zap.Duration("elapsed", res.Stats.Elapsed),
	)
	switch res.Status {
	case cp.StatusInfeasible:
		return nil, &domain.InfeasibleError{Partition: p.in.Partition}
	case cp.StatusUnknown:
		return nil, &domain.UnknownFeasibilityError{Partition: p.in.Partition, Limit: limitName(limit)}
	}
	return &Solution{Status: res.Status, Stats: res.Stats, sol: res.Solution}, nil
}

func limitName(limit time.Duration) string {
	if limit <= 0 {
		return "search"
	}
	return limit.String() + " time"
}
