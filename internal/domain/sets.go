package domain

import (
	"sort"
	"strings"
)

// NodeSet is a set of nodes keyed by ID.
type NodeSet map[string]*Node

// NewNodeSet builds a set from the given nodes.
func NewNodeSet(nodes ...*Node) NodeSet {
	s := make(NodeSet, len(nodes))
	for _, n := range nodes {
		s[n.ID] = n
	}
	return s
}

// Add inserts a node, replacing any node with the same ID.
func (s NodeSet) Add(n *Node) { s[n.ID] = n }

// Contains reports whether a node with this ID is in the set.
func (s NodeSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the nodes ordered by ID.
func (s NodeSet) Sorted() []*Node {
	out := make([]*Node, 0, len(s))
	for _, n := range s {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the sorted node IDs.
func (s NodeSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Key returns a canonical string identifying the set content.
func (s NodeSet) Key() string {
	return strings.Join(s.IDs(), ",")
}

// Clone returns a shallow copy of the set.
func (s NodeSet) Clone() NodeSet {
	c := make(NodeSet, len(s))
	for id, n := range s {
		c[id] = n
	}
	return c
}

// VMSet is a set of virtual machines keyed by ID.
type VMSet map[string]*VirtualMachine

// NewVMSet builds a set from the given VMs.
func NewVMSet(vms ...*VirtualMachine) VMSet {
	s := make(VMSet, len(vms))
	for _, vm := range vms {
		s[vm.ID] = vm
	}
	return s
}

// Add inserts a VM, replacing any VM with the same ID.
func (s VMSet) Add(vm *VirtualMachine) { s[vm.ID] = vm }

// AddAll inserts every VM of o.
func (s VMSet) AddAll(o VMSet) {
	for id, vm := range o {
		s[id] = vm
	}
}

// Contains reports whether a VM with this ID is in the set.
func (s VMSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the VMs ordered by ID.
func (s VMSet) Sorted() []*VirtualMachine {
	out := make([]*VirtualMachine, 0, len(s))
	for _, vm := range s {
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the sorted VM IDs.
func (s VMSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Key returns a canonical string identifying the set content.
func (s VMSet) Key() string {
	return strings.Join(s.IDs(), ",")
}

// Clone returns a shallow copy of the set.
func (s VMSet) Clone() VMSet {
	c := make(VMSet, len(s))
	for id, vm := range s {
		c[id] = vm
	}
	return c
}
