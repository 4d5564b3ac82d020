// Package placement provides the constraints restricting where VMs may run and
// which nodes stay online.
//
// A constraint is injected into a reconfiguration problem before the search and
// checked against the resulting configuration afterwards. IsSatisfied and
// MisPlaced only look at a configuration, so they are also used to pick the VMs a
// repair has to move.
package placement

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/model"
)

// Kind tells when a constraint is injected.
type Kind int

const (
	// Absolute constraints restrict the nodes a VM may use. They are injected first.
	Absolute Kind = iota
	// Relative constraints restrict how VMs are arranged relative to each other.
	Relative
)

func (k Kind) String() string {
	if k == Absolute {
		return "absolute"
	}
	return "relative"
}

// Constraint is a placement constraint.
type Constraint interface {
	// VMs returns the VMs explicitly involved.
	VMs() domain.VMSet
	// Nodes returns the nodes explicitly involved.
	Nodes() domain.NodeSet
	// Inject restricts the problem.
	Inject(p *model.Problem) error
	// IsSatisfied checks the constraint on a configuration.
	IsSatisfied(cfg *domain.Configuration) bool
	// MisPlaced returns the VMs violating the constraint in a configuration.
	MisPlaced(cfg *domain.Configuration) domain.VMSet
	Kind() Kind
	String() string
}

// Sort returns the constraints with the absolute ones first, keeping the order
// of each kind.
func Sort(cs []Constraint) []Constraint {
	out := append([]Constraint(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// InjectAll injects the constraints into the problem, absolute ones first.
func InjectAll(p *model.Problem, cs []Constraint) error {
	for _, c := range Sort(cs) {
		if err := c.Inject(p); err != nil {
			return err
		}
	}
	return nil
}

// MisPlaced returns the VMs violating at least one of the constraints.
func MisPlaced(cfg *domain.Configuration, cs []Constraint) domain.VMSet {
	out := domain.NewVMSet()
	for _, c := range cs {
		out.AddAll(c.MisPlaced(cfg))
	}
	return out
}

// futureRunnings returns the action models of the VMs of vms that end running
// in the problem, ordered by VM ID.
func futureRunnings(p *model.Problem, vms domain.VMSet) []*model.VMAction {
	var out []*model.VMAction
	for _, id := range vms.IDs() {
		if a, ok := p.VMAction(id); ok && a.Demanding != nil {
			out = append(out, a)
		}
	}
	return out
}

// allFutureRunnings returns the action models of every VM ending running.
func allFutureRunnings(p *model.Problem) []*model.VMAction {
	var out []*model.VMAction
	for _, a := range p.VMActions() {
		if a.Demanding != nil {
			out = append(out, a)
		}
	}
	return out
}

func hosts(actions []*model.VMAction) []*cp.IntVar {
	out := make([]*cp.IntVar, len(actions))
	for i, a := range actions {
		out[i] = a.Demanding.Host
	}
	return out
}

func nodeIndices(p *model.Problem, nodes domain.NodeSet) ([]int, error) {
	out := make([]int, 0, len(nodes))
	for _, id := range nodes.IDs() {
		i, ok := p.NodeIndex(id)
		if !ok {
			return nil, fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
		}
		out = append(out, i)
	}
	return out, nil
}

// fail reports an injection error. A domain wipe-out means the constraint cannot
// be satisfied.
func fail(p *model.Problem, c Constraint, err error) error {
	if errors.Is(err, cp.ErrInconsistent) {
		return &domain.InfeasibleError{Partition: p.Partition(), Reason: c.String() + " cannot be satisfied"}
	}
	return fmt.Errorf("inject %s: %w", c, err)
}

// runningHosts maps the running VMs of vms to their host in cfg.
func runningHosts(cfg *domain.Configuration, vms domain.VMSet) map[string]string {
	out := make(map[string]string)
	for id := range vms {
		if !cfg.IsRunning(id) {
			continue
		}
		if host, ok := cfg.Location(id); ok {
			out[id] = host
		}
	}
	return out
}

func vmsString(vms domain.VMSet) string { return "{" + strings.Join(vms.IDs(), ", ") + "}" }

func nodesString(nodes domain.NodeSet) string { return "{" + strings.Join(nodes.IDs(), ", ") + "}" }
