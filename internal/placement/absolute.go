package placement

import (
	"fmt"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/model"
)

// Ban prevents VMs from running on some nodes. Sleeping VMs are not concerned.
type Ban struct {
	vms   domain.VMSet
	nodes domain.NodeSet
}

// NewBan creates a Ban constraint.
func NewBan(vms domain.VMSet, nodes domain.NodeSet) *Ban {
	return &Ban{vms: vms, nodes: nodes}
}

func (c *Ban) VMs() domain.VMSet     { return c.vms }
func (c *Ban) Nodes() domain.NodeSet { return c.nodes }
func (c *Ban) Kind() Kind            { return Absolute }
func (c *Ban) String() string {
	return fmt.Sprintf("ban(%s, %s)", vmsString(c.vms), nodesString(c.nodes))
}

func (c *Ban) Inject(p *model.Problem) error {
	banned, err := nodeIndices(p, c.nodes)
	if err != nil {
		return fail(p, c, err)
	}
	for _, a := range futureRunnings(p, c.vms) {
		for _, n := range banned {
			if err := a.Demanding.Host.Remove(n); err != nil {
				return fail(p, c, err)
			}
		}
	}
	return nil
}

func (c *Ban) IsSatisfied(cfg *domain.Configuration) bool {
	return len(c.MisPlaced(cfg)) == 0
}

func (c *Ban) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	out := domain.NewVMSet()
	for id, host := range runningHosts(cfg, c.vms) {
		if c.nodes.Contains(host) {
			out.Add(c.vms[id])
		}
	}
	return out
}

// Fence confines running VMs to a group of nodes.
type Fence struct {
	vms   domain.VMSet
	nodes domain.NodeSet
}

// NewFence creates a Fence constraint.
func NewFence(vms domain.VMSet, nodes domain.NodeSet) *Fence {
	return &Fence{vms: vms, nodes: nodes}
}

func (c *Fence) VMs() domain.VMSet     { return c.vms }
func (c *Fence) Nodes() domain.NodeSet { return c.nodes }
func (c *Fence) Kind() Kind            { return Absolute }
func (c *Fence) String() string {
	return fmt.Sprintf("fence(%s, %s)", vmsString(c.vms), nodesString(c.nodes))
}

func (c *Fence) Inject(p *model.Problem) error {
	allowed, err := nodeIndices(p, c.nodes)
	if err != nil {
		return fail(p, c, err)
	}
	in := make(map[int]bool, len(allowed))
	for _, n := range allowed {
		in[n] = true
	}
	for _, a := range futureRunnings(p, c.vms) {
		if len(allowed) == 1 {
			err = a.Demanding.Host.Fix(allowed[0])
		} else {
			err = a.Demanding.Host.Restrict(func(n int) bool { return in[n] })
		}
		if err != nil {
			return fail(p, c, err)
		}
	}
	return nil
}

func (c *Fence) IsSatisfied(cfg *domain.Configuration) bool {
	return len(c.MisPlaced(cfg)) == 0
}

func (c *Fence) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	out := domain.NewVMSet()
	for id, host := range runningHosts(cfg, c.vms) {
		if !c.nodes.Contains(host) {
			out.Add(c.vms[id])
		}
	}
	return out
}

// Root prevents running VMs from being relocated.
type Root struct {
	vms domain.VMSet
}

// NewRoot creates a Root constraint.
func NewRoot(vms domain.VMSet) *Root { return &Root{vms: vms} }

func (c *Root) VMs() domain.VMSet     { return c.vms }
func (c *Root) Nodes() domain.NodeSet { return domain.NewNodeSet() }
func (c *Root) Kind() Kind            { return Absolute }
func (c *Root) String() string        { return fmt.Sprintf("root(%s)", vmsString(c.vms)) }

func (c *Root) Inject(p *model.Problem) error {
	for _, a := range futureRunnings(p, c.vms) {
		if a.Consuming == nil {
			continue
		}
		if err := a.Demanding.Host.Fix(a.Source); err != nil {
			return fail(p, c, err)
		}
	}
	return nil
}

// IsSatisfied holds on any configuration: relocations are only visible
// between two configurations.
func (c *Root) IsSatisfied(*domain.Configuration) bool { return true }

func (c *Root) MisPlaced(*domain.Configuration) domain.VMSet { return domain.NewVMSet() }

// Quarantine freezes a group of nodes: the VMs hosted there stay, no other VM
// may come.
type Quarantine struct {
	nodes domain.NodeSet
}

// NewQuarantine creates a Quarantine constraint.
func NewQuarantine(nodes domain.NodeSet) *Quarantine { return &Quarantine{nodes: nodes} }

func (c *Quarantine) VMs() domain.VMSet     { return domain.NewVMSet() }
func (c *Quarantine) Nodes() domain.NodeSet { return c.nodes }
func (c *Quarantine) Kind() Kind            { return Absolute }
func (c *Quarantine) String() string        { return fmt.Sprintf("quarantine(%s)", nodesString(c.nodes)) }

func (c *Quarantine) Inject(p *model.Problem) error {
	quarantined, err := nodeIndices(p, c.nodes)
	if err != nil {
		return fail(p, c, err)
	}
	in := make(map[int]bool, len(quarantined))
	for _, n := range quarantined {
		in[n] = true
	}
	// VMs hosted there, running or sleeping, are residents.
	for _, a := range allFutureRunnings(p) {
		if a.HasSource && in[a.Source] {
			err = a.Demanding.Host.Fix(a.Source)
		} else {
			err = a.Demanding.Host.Restrict(func(n int) bool { return !in[n] })
		}
		if err != nil {
			return fail(p, c, err)
		}
	}
	return nil
}

// IsSatisfied holds on any configuration: arrivals are only visible between two
// configurations.
func (c *Quarantine) IsSatisfied(*domain.Configuration) bool { return true }

func (c *Quarantine) MisPlaced(*domain.Configuration) domain.VMSet { return domain.NewVMSet() }

// Online forces nodes to end online.
type Online struct {
	nodes domain.NodeSet
}

// NewOnline creates an Online constraint.
func NewOnline(nodes domain.NodeSet) *Online { return &Online{nodes: nodes} }

func (c *Online) VMs() domain.VMSet     { return domain.NewVMSet() }
func (c *Online) Nodes() domain.NodeSet { return c.nodes }
func (c *Online) Kind() Kind            { return Absolute }
func (c *Online) String() string        { return fmt.Sprintf("online(%s)", nodesString(c.nodes)) }

func (c *Online) Inject(p *model.Problem) error { return pinState(p, c, c.nodes, 1) }

func (c *Online) IsSatisfied(cfg *domain.Configuration) bool {
	for id := range c.nodes {
		if !cfg.IsOnline(id) {
			return false
		}
	}
	return true
}

func (c *Online) MisPlaced(*domain.Configuration) domain.VMSet { return domain.NewVMSet() }

// Offline forces nodes to end offline.
type Offline struct {
	nodes domain.NodeSet
}

// NewOffline creates an Offline constraint.
func NewOffline(nodes domain.NodeSet) *Offline { return &Offline{nodes: nodes} }

func (c *Offline) VMs() domain.VMSet     { return domain.NewVMSet() }
func (c *Offline) Nodes() domain.NodeSet { return c.nodes }
func (c *Offline) Kind() Kind            { return Absolute }
func (c *Offline) String() string        { return fmt.Sprintf("offline(%s)", nodesString(c.nodes)) }

func (c *Offline) Inject(p *model.Problem) error { return pinState(p, c, c.nodes, 0) }

func (c *Offline) IsSatisfied(cfg *domain.Configuration) bool {
	for id := range c.nodes {
		if !cfg.IsOffline(id) {
			return false
		}
	}
	return true
}

// MisPlaced returns the VMs running or sleeping on nodes that must go offline.
func (c *Offline) MisPlaced(cfg *domain.Configuration) domain.VMSet {
	out := domain.NewVMSet()
	for id := range c.nodes {
		out.AddAll(cfg.RunningsOn(id))
		out.AddAll(cfg.SleepingsOn(id))
	}
	return out
}

func pinState(p *model.Problem, c Constraint, nodes domain.NodeSet, state int) error {
	for _, id := range nodes.IDs() {
		a, ok := p.NodeAction(id)
		if !ok {
			return fail(p, c, fmt.Errorf("node %s: %w", id, domain.ErrNotFound))
		}
		if err := a.State.Fix(state); err != nil {
			return fail(p, c, err)
		}
	}
	return nil
}
