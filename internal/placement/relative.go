package placement

import (
	"fmt"
	"strings"

	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/model"
)

// Among makes running VMs share exactly one group of nodes, chosen among
// candidate groups.
type Among struct {
	vms    domain.VMSet
	groups []domain.NodeSet
}

// NewAmong creates an Among constraint.
func NewAmong(vms domain.VMSet, groups []domain.NodeSet) *Among {
	return &Among{vms: vms, groups: groups}
}

func (c *Among) VMs() domain.VMSet { return c.vms }

func (c *Among) Nodes() domain.NodeSet {
	out := domain.NewNodeSet()
	for _, g := range c.groups {
		for _, n := range g {
			out.Add(n)
		}
	}
	return out
}

func (c *Among) Groups() []domain.NodeSet { return c.groups }
func (c *Among) Kind() Kind               { return Relative }

func (c *Among) String() string {
	groups := make([]string, len(c.groups))
	for i, g := range c.groups {
		groups[i] = nodesString(g)
	}
	return fmt.Sprintf("among(%s, {%s})", vmsString(c.vms), strings.Join(groups, ", "))
}

func (c *Among) Inject(p *model.Problem) error {
	if len(c.groups) == 0 {
		return fail(p, c, fmt.Errorf("no candidate group: %w", domain.ErrInvalidArgument))
	}
	if len(c.groups) == 1 {
		return NewFence(c.vms, c.groups[0]).Inject(p)
	}
	actions := futureRunnings(p, c.vms)
	if len(actions) == 0 {
		return nil
	}
	ids := make([]int, 0, len(c.groups))
	for _, g := range c.groups {
		id, err := p.NodeGroup(g)
		if err != nil {
			return fail(p, c, err)
		}
		ids = append(ids, id)
	}
	group, err := p.VMGroup(c.vms, ids)
	if err != nil {
		return fail(p, c, err)
	}
	for _, a := range actions {
		p.Store.MemberOf(group, a.Demanding.Host, p.NodeGroups())
	}
	return nil
}

func (c *Among) IsSatisfied(cfg *domain.Configuration) bool {
	hosts := runningHosts(cfg, c.vms)
	if len(hosts) == 0 {
		return true
	}
	for _, g := range c.groups {
		inside := true
		for _, host := range hosts {
			if !g.Contains(host) {
				inside = false
				break
			}
		}
		if inside {
			return true
		}
	}
	return false
}

// MisPlaced returns every running VM of the constraint when they do not share a
// group, as any of them may have to move.
func (c *Among) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	out := domain.NewVMSet()
	if c.IsSatisfied(cfg) {
		return out
	}
	for id := range runningHosts(cfg, c.vms) {
		out.Add(c.vms[id])
	}
	return out
}

// Spread makes running VMs use distinct nodes. A continuous spread also forbids
// two of them to share a node while they are relocated: a VM may only arrive on a
// node once the VM it would share it with has left.
type Spread struct {
	vms        domain.VMSet
	continuous bool
}

// NewLazySpread creates a spread only enforced on the final placement.
func NewLazySpread(vms domain.VMSet) *Spread { return &Spread{vms: vms} }

// NewContinuousSpread creates a spread enforced during the whole reconfiguration.
func NewContinuousSpread(vms domain.VMSet) *Spread { return &Spread{vms: vms, continuous: true} }

func (c *Spread) VMs() domain.VMSet     { return c.vms }
func (c *Spread) Nodes() domain.NodeSet { return domain.NewNodeSet() }
func (c *Spread) Kind() Kind            { return Relative }
func (c *Spread) Continuous() bool      { return c.continuous }

func (c *Spread) String() string {
	if c.continuous {
		return fmt.Sprintf("continuousSpread(%s)", vmsString(c.vms))
	}
	return fmt.Sprintf("lazySpread(%s)", vmsString(c.vms))
}

func (c *Spread) Inject(p *model.Problem) error {
	actions := futureRunnings(p, c.vms)
	p.Store.AllDifferent(hosts(actions))
	if c.continuous {
		precedeArrivals(p, actions, actions)
	}
	return nil
}

// precedeArrivals makes each VM of arriving wait for the departure of any VM of
// leaving currently hosted on its destination.
func precedeArrivals(p *model.Problem, arriving, leaving []*model.VMAction) {
	for _, a := range arriving {
		for _, b := range leaving {
			if a == b || b.Consuming == nil || !a.Demanding.Host.Contains(b.Source) {
				continue
			}
			same := p.Store.NewBoolVar(fmt.Sprintf("on(%s,%s)", a.VM.ID, p.NodeAt(b.Source).ID))
			p.Store.ReifEqConst(same, a.Demanding.Host, b.Source)
			p.Store.ImpliesLessOrEqual(same, b.Consuming.End, 0, a.Demanding.Start)
		}
	}
}

func (c *Spread) IsSatisfied(cfg *domain.Configuration) bool {
	return len(c.MisPlaced(cfg)) == 0
}

// MisPlaced returns the running VMs sharing a node with another VM of the spread.
func (c *Spread) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	byHost := make(map[string][]string)
	for id, host := range runningHosts(cfg, c.vms) {
		byHost[host] = append(byHost[host], id)
	}
	out := domain.NewVMSet()
	for _, ids := range byHost {
		if len(ids) > 1 {
			for _, id := range ids {
				out.Add(c.vms[id])
			}
		}
	}
	return out
}

// Split keeps groups of VMs apart: no node hosts running VMs of two groups.
type Split struct {
	groups     []domain.VMSet
	continuous bool
}

// NewLazySplit creates a split only enforced on the final placement.
func NewLazySplit(groups []domain.VMSet) *Split { return &Split{groups: groups} }

// NewContinuousSplit creates a split enforced during the whole reconfiguration.
func NewContinuousSplit(groups []domain.VMSet) *Split {
	return &Split{groups: groups, continuous: true}
}

func (c *Split) VMs() domain.VMSet {
	out := domain.NewVMSet()
	for _, g := range c.groups {
		out.AddAll(g)
	}
	return out
}

func (c *Split) Nodes() domain.NodeSet { return domain.NewNodeSet() }
func (c *Split) Kind() Kind            { return Relative }

func (c *Split) String() string {
	groups := make([]string, len(c.groups))
	for i, g := range c.groups {
		groups[i] = vmsString(g)
	}
	name := "lazySplit"
	if c.continuous {
		name = "continuousSplit"
	}
	return fmt.Sprintf("%s({%s})", name, strings.Join(groups, ", "))
}

func (c *Split) Inject(p *model.Problem) error {
	actions := make([][]*model.VMAction, len(c.groups))
	for i, g := range c.groups {
		actions[i] = futureRunnings(p, g)
	}
	for i := range actions {
		for j := i + 1; j < len(actions); j++ {
			p.Store.Disjoint(hosts(actions[i]), hosts(actions[j]))
			if c.continuous {
				precedeArrivals(p, actions[i], actions[j])
				precedeArrivals(p, actions[j], actions[i])
			}
		}
	}
	return nil
}

func (c *Split) IsSatisfied(cfg *domain.Configuration) bool {
	return len(c.MisPlaced(cfg)) == 0
}

// MisPlaced returns the running VMs hosted on a node shared by several groups.
func (c *Split) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	groupsOn := make(map[string]map[int]bool)
	hosted := make(map[string]domain.VMSet)
	for i, g := range c.groups {
		for id, host := range runningHosts(cfg, g) {
			if groupsOn[host] == nil {
				groupsOn[host] = make(map[int]bool)
				hosted[host] = domain.NewVMSet()
			}
			groupsOn[host][i] = true
			hosted[host].Add(g[id])
		}
	}
	out := domain.NewVMSet()
	for host, groups := range groupsOn {
		if len(groups) > 1 {
			out.AddAll(hosted[host])
		}
	}
	return out
}

// Gather makes running VMs share a single node.
type Gather struct {
	vms domain.VMSet
}

// NewGather creates a Gather constraint.
func NewGather(vms domain.VMSet) *Gather { return &Gather{vms: vms} }

func (c *Gather) VMs() domain.VMSet     { return c.vms }
func (c *Gather) Nodes() domain.NodeSet { return domain.NewNodeSet() }
func (c *Gather) Kind() Kind            { return Relative }
func (c *Gather) String() string        { return fmt.Sprintf("gather(%s)", vmsString(c.vms)) }

func (c *Gather) Inject(p *model.Problem) error {
	hs := hosts(futureRunnings(p, c.vms))
	for i := 1; i < len(hs); i++ {
		p.Store.Equal(hs[0], hs[i])
	}
	return nil
}

func (c *Gather) IsSatisfied(cfg *domain.Configuration) bool {
	first := ""
	for _, host := range runningHosts(cfg, c.vms) {
		if first == "" {
			first = host
		} else if host != first {
			return false
		}
	}
	return true
}

func (c *Gather) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	out := domain.NewVMSet()
	if c.IsSatisfied(cfg) {
		return out
	}
	for id := range runningHosts(cfg, c.vms) {
		out.Add(c.vms[id])
	}
	return out
}

// Lonely keeps VMs away from any VM outside the set.
type Lonely struct {
	vms domain.VMSet
}

// NewLonely creates a Lonely constraint.
func NewLonely(vms domain.VMSet) *Lonely { return &Lonely{vms: vms} }

func (c *Lonely) VMs() domain.VMSet     { return c.vms }
func (c *Lonely) Nodes() domain.NodeSet { return domain.NewNodeSet() }
func (c *Lonely) Kind() Kind            { return Relative }
func (c *Lonely) String() string        { return fmt.Sprintf("lonely(%s)", vmsString(c.vms)) }

func (c *Lonely) Inject(p *model.Problem) error {
	var mine, others []*cp.IntVar
	for _, a := range allFutureRunnings(p) {
		if c.vms.Contains(a.VM.ID) {
			mine = append(mine, a.Demanding.Host)
		} else {
			others = append(others, a.Demanding.Host)
		}
	}
	p.Store.Disjoint(mine, others)
	return nil
}

func (c *Lonely) IsSatisfied(cfg *domain.Configuration) bool {
	return len(c.MisPlaced(cfg)) == 0
}

// MisPlaced returns the VMs of the set running next to a foreign VM.
func (c *Lonely) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	out := domain.NewVMSet()
	for id, host := range runningHosts(cfg, c.vms) {
		for other := range cfg.RunningsOn(host) {
			if !c.vms.Contains(other) {
				out.Add(c.vms[id])
				break
			}
		}
	}
	return out
}

// Capacity bounds the number of running VMs hosted by a group of nodes.
type Capacity struct {
	nodes domain.NodeSet
	max   int
}

// NewCapacity creates a Capacity constraint.
func NewCapacity(nodes domain.NodeSet, limit int) *Capacity {
	return &Capacity{nodes: nodes, max: limit}
}

func (c *Capacity) VMs() domain.VMSet     { return domain.NewVMSet() }
func (c *Capacity) Nodes() domain.NodeSet { return c.nodes }
func (c *Capacity) Max() int              { return c.max }
func (c *Capacity) Kind() Kind            { return Relative }
func (c *Capacity) String() string {
	return fmt.Sprintf("capacity(%s, %d)", nodesString(c.nodes), c.max)
}

func (c *Capacity) Inject(p *model.Problem) error {
	idx, err := nodeIndices(p, c.nodes)
	if err != nil {
		return fail(p, c, err)
	}
	hs := hosts(allFutureRunnings(p))
	if c.max == 0 {
		for _, h := range hs {
			for _, n := range idx {
				if err := h.Remove(n); err != nil {
					return fail(p, c, err)
				}
			}
		}
		return nil
	}
	p.Store.AtMost(hs, idx, c.max)
	return nil
}

func (c *Capacity) IsSatisfied(cfg *domain.Configuration) bool {
	count := 0
	for id := range c.nodes {
		count += len(cfg.RunningsOn(id))
	}
	return count <= c.max
}

// MisPlaced returns every VM running on the nodes when they host too many.
func (c *Capacity) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	out := domain.NewVMSet()
	if c.IsSatisfied(cfg) {
		return out
	}
	for id := range c.nodes {
		out.AddAll(cfg.RunningsOn(id))
	}
	return out
}
