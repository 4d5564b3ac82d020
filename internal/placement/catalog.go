package placement

import (
	"fmt"
	"sort"

	"github.com/limiquantix/replan/internal/domain"
)

// Descriptor is the serialized form of a constraint.
type Descriptor struct {
	Name   string     `json:"name" yaml:"name"`
	VMs    []string   `json:"vms,omitempty" yaml:"vms,omitempty"`
	Nodes  []string   `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Groups [][]string `json:"groups,omitempty" yaml:"groups,omitempty"`
	Max    int        `json:"max,omitempty" yaml:"max,omitempty"`
}

// Resolver looks up the VMs and nodes a descriptor refers to.
type Resolver interface {
	VM(id string) (*domain.VirtualMachine, bool)
	Node(id string) (*domain.Node, bool)
}

// Args are the resolved arguments of a descriptor.
type Args struct {
	VMs    domain.VMSet
	Nodes  domain.NodeSet
	Groups [][]string
	Max    int

	resolver Resolver
}

// VMGroups resolves the groups as sets of VMs.
func (a Args) VMGroups() ([]domain.VMSet, error) {
	out := make([]domain.VMSet, 0, len(a.Groups))
	for _, g := range a.Groups {
		set, err := resolveVMs(a.resolver, g)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, nil
}

// NodeGroups resolves the groups as sets of nodes.
func (a Args) NodeGroups() ([]domain.NodeSet, error) {
	out := make([]domain.NodeSet, 0, len(a.Groups))
	for _, g := range a.Groups {
		set, err := resolveNodes(a.resolver, g)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, nil
}

// Builder creates a constraint from resolved arguments.
type Builder func(args Args) (Constraint, error)

// Catalog maps constraint names to builders.
type Catalog struct {
	builders map[string]Builder
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{builders: make(map[string]Builder)}
}

// DefaultCatalog returns a catalog knowing every constraint of the package.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Register("ban", func(a Args) (Constraint, error) { return NewBan(a.VMs, a.Nodes), nil })
	c.Register("fence", func(a Args) (Constraint, error) { return NewFence(a.VMs, a.Nodes), nil })
	c.Register("root", func(a Args) (Constraint, error) { return NewRoot(a.VMs), nil })
	c.Register("quarantine", func(a Args) (Constraint, error) { return NewQuarantine(a.Nodes), nil })
	c.Register("online", func(a Args) (Constraint, error) { return NewOnline(a.Nodes), nil })
	c.Register("offline", func(a Args) (Constraint, error) { return NewOffline(a.Nodes), nil })
	c.Register("spread", func(a Args) (Constraint, error) { return NewContinuousSpread(a.VMs), nil })
	c.Register("continuousSpread", func(a Args) (Constraint, error) { return NewContinuousSpread(a.VMs), nil })
	c.Register("lazySpread", func(a Args) (Constraint, error) { return NewLazySpread(a.VMs), nil })
	c.Register("gather", func(a Args) (Constraint, error) { return NewGather(a.VMs), nil })
	c.Register("lonely", func(a Args) (Constraint, error) { return NewLonely(a.VMs), nil })
	c.Register("capacity", func(a Args) (Constraint, error) {
		if a.Max < 0 {
			return nil, fmt.Errorf("negative capacity %d: %w", a.Max, domain.ErrInvalidArgument)
		}
		return NewCapacity(a.Nodes, a.Max), nil
	})
	c.Register("among", func(a Args) (Constraint, error) {
		groups, err := a.NodeGroups()
		if err != nil {
			return nil, err
		}
		if len(groups) == 0 {
			return nil, fmt.Errorf("among needs at least one group: %w", domain.ErrInvalidArgument)
		}
		return NewAmong(a.VMs, groups), nil
	})
	split := func(continuous bool) Builder {
		return func(a Args) (Constraint, error) {
			groups, err := a.VMGroups()
			if err != nil {
				return nil, err
			}
			if continuous {
				return NewContinuousSplit(groups), nil
			}
			return NewLazySplit(groups), nil
		}
	}
	c.Register("split", split(true))
	c.Register("continuousSplit", split(true))
	c.Register("lazySplit", split(false))
	return c
}

// Register adds or replaces a builder.
func (c *Catalog) Register(name string, b Builder) {
	c.builders[name] = b
}

// Names returns the registered constraint names.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.builders))
	for name := range c.builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build creates the constraint described by d.
func (c *Catalog) Build(d Descriptor, r Resolver) (Constraint, error) {
	b, ok := c.builders[d.Name]
	if !ok {
		return nil, fmt.Errorf("constraint %q: %w", d.Name, domain.ErrNotFound)
	}
	vms, err := resolveVMs(r, d.VMs)
	if err != nil {
		return nil, fmt.Errorf("constraint %s: %w", d.Name, err)
	}
	nodes, err := resolveNodes(r, d.Nodes)
	if err != nil {
		return nil, fmt.Errorf("constraint %s: %w", d.Name, err)
	}
	cst, err := b(Args{VMs: vms, Nodes: nodes, Groups: d.Groups, Max: d.Max, resolver: r})
	if err != nil {
		return nil, fmt.Errorf("constraint %s: %w", d.Name, err)
	}
	return cst, nil
}

// BuildAll creates the constraints of every descriptor.
func (c *Catalog) BuildAll(ds []Descriptor, r Resolver) ([]Constraint, error) {
	out := make([]Constraint, 0, len(ds))
	for _, d := range ds {
		cst, err := c.Build(d, r)
		if err != nil {
			return nil, err
		}
		out = append(out, cst)
	}
	return out, nil
}

func resolveVMs(r Resolver, ids []string) (domain.VMSet, error) {
	out := domain.NewVMSet()
	for _, id := range ids {
		vm, ok := r.VM(id)
		if !ok {
			return nil, fmt.Errorf("vm %s: %w", id, domain.ErrNotFound)
		}
		out.Add(vm)
	}
	return out, nil
}

func resolveNodes(r Resolver, ids []string) (domain.NodeSet, error) {
	out := domain.NewNodeSet()
	for _, id := range ids {
		n, ok := r.Node(id)
		if !ok {
			return nil, fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
		}
		out.Add(n)
	}
	return out, nil
}
