package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Metric selects which VM resource figure is summed when computing node loads.
type Metric int

const (
	// MetricConsumption sums the current consumption of running VMs.
	MetricConsumption Metric = iota
	// MetricDemand sums the peak demand of running VMs.
	MetricDemand
)

// Configuration is the state of a cluster: the nodes and their power state, the VMs,
// their state and their host.
//
// Every VM is in exactly one state, every node is either online or offline, and the
// host of a running or sleeping VM is always an online node. Mutators either apply
// fully or return an error without touching the configuration.
type Configuration struct {
	nodes     map[string]*Node
	nodeState map[string]NodeState

	vms      map[string]*VirtualMachine
	vmState  map[string]VMState
	location map[string]string

	runnings  map[string]VMSet
	sleepings map[string]VMSet
}

// NewConfiguration creates an empty configuration.
func NewConfiguration() *Configuration {
	return &Configuration{
		nodes:     make(map[string]*Node),
		nodeState: make(map[string]NodeState),
		vms:       make(map[string]*VirtualMachine),
		vmState:   make(map[string]VMState),
		location:  make(map[string]string),
		runnings:  make(map[string]VMSet),
		sleepings: make(map[string]VMSet),
	}
}

// AddOnline sets a node online, adding it if it is not tracked yet.
func (c *Configuration) AddOnline(n *Node) {
	c.nodes[n.ID] = n
	c.nodeState[n.ID] = NodeStateOnline
}

// AddOffline sets a node offline, adding it if it is not tracked yet.
// It fails when the node still hosts running or sleeping VMs.
func (c *Configuration) AddOffline(n *Node) error {
	if c.hosts(n.ID) {
		return fmt.Errorf("node %s hosts virtual machines: %w", n.ID, ErrConflict)
	}
	c.nodes[n.ID] = n
	c.nodeState[n.ID] = NodeStateOffline
	return nil
}

// SetRunOn sets a VM running on an online node.
func (c *Configuration) SetRunOn(vm *VirtualMachine, nodeID string) error {
	if c.nodeState[nodeID] != NodeStateOnline {
		return fmt.Errorf("unable to run %s on %s: node is not online: %w", vm.ID, nodeID, ErrConflict)
	}
	c.detach(vm.ID)
	c.vms[vm.ID] = vm
	c.vmState[vm.ID] = VMStateRunning
	c.location[vm.ID] = nodeID
	attach(c.runnings, nodeID, vm)
	return nil
}

// SetSleepOn sets a VM sleeping on an online node.
func (c *Configuration) SetSleepOn(vm *VirtualMachine, nodeID string) error {
	if c.nodeState[nodeID] != NodeStateOnline {
		return fmt.Errorf("unable to suspend %s on %s: node is not online: %w", vm.ID, nodeID, ErrConflict)
	}
	c.detach(vm.ID)
	c.vms[vm.ID] = vm
	c.vmState[vm.ID] = VMStateSleeping
	c.location[vm.ID] = nodeID
	attach(c.sleepings, nodeID, vm)
	return nil
}

// AddWaiting sets a VM waiting to be started.
func (c *Configuration) AddWaiting(vm *VirtualMachine) {
	c.detach(vm.ID)
	c.vms[vm.ID] = vm
	c.vmState[vm.ID] = VMStateWaiting
}

// SetTerminated marks a VM as terminated. The VM stays tracked without host.
func (c *Configuration) SetTerminated(vm *VirtualMachine) {
	c.detach(vm.ID)
	c.vms[vm.ID] = vm
	c.vmState[vm.ID] = VMStateTerminated
}

// RemoveVM stops tracking a VM. It returns false if the VM was not tracked.
func (c *Configuration) RemoveVM(id string) bool {
	if _, ok := c.vms[id]; !ok {
		return false
	}
	c.detach(id)
	delete(c.vms, id)
	delete(c.vmState, id)
	return true
}

// RemoveNode stops tracking a node. It returns false, without any change, if the
// node is not tracked or still hosts VMs.
func (c *Configuration) RemoveNode(id string) bool {
	if _, ok := c.nodes[id]; !ok || c.hosts(id) {
		return false
	}
	delete(c.nodes, id)
	delete(c.nodeState, id)
	return true
}

func (c *Configuration) hosts(nodeID string) bool {
	return len(c.runnings[nodeID]) > 0 || len(c.sleepings[nodeID]) > 0
}

// detach removes a VM from its current state and host index.
func (c *Configuration) detach(id string) {
	if host, ok := c.location[id]; ok {
		switch c.vmState[id] {
		case VMStateRunning:
			detachFrom(c.runnings, host, id)
		case VMStateSleeping:
			detachFrom(c.sleepings, host, id)
		}
		delete(c.location, id)
	}
	delete(c.vmState, id)
}

func attach(index map[string]VMSet, nodeID string, vm *VirtualMachine) {
	set, ok := index[nodeID]
	if !ok {
		set = make(VMSet)
		index[nodeID] = set
	}
	set.Add(vm)
}

func detachFrom(index map[string]VMSet, nodeID, id string) {
	if set, ok := index[nodeID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, nodeID)
		}
	}
}

// Node returns a tracked node.
func (c *Configuration) Node(id string) (*Node, bool) {
	n, ok := c.nodes[id]
	return n, ok
}

// VM returns a tracked VM.
func (c *Configuration) VM(id string) (*VirtualMachine, bool) {
	vm, ok := c.vms[id]
	return vm, ok
}

// NodeState returns the state of a node, NodeStateUntracked if unknown.
func (c *Configuration) NodeState(id string) NodeState { return c.nodeState[id] }

// VMState returns the state of a VM, VMStateUntracked if unknown.
func (c *Configuration) VMState(id string) VMState { return c.vmState[id] }

// Location returns the host of a running or sleeping VM.
func (c *Configuration) Location(vmID string) (string, bool) {
	host, ok := c.location[vmID]
	return host, ok
}

// Nodes returns every tracked node.
func (c *Configuration) Nodes() NodeSet {
	s := make(NodeSet, len(c.nodes))
	for id, n := range c.nodes {
		s[id] = n
	}
	return s
}

// VMs returns every tracked VM.
func (c *Configuration) VMs() VMSet {
	s := make(VMSet, len(c.vms))
	for id, vm := range c.vms {
		s[id] = vm
	}
	return s
}

// Onlines returns the online nodes.
func (c *Configuration) Onlines() NodeSet { return c.nodesIn(NodeStateOnline) }

// Offlines returns the offline nodes.
func (c *Configuration) Offlines() NodeSet { return c.nodesIn(NodeStateOffline) }

func (c *Configuration) nodesIn(state NodeState) NodeSet {
	s := make(NodeSet)
	for id, st := range c.nodeState {
		if st == state {
			s[id] = c.nodes[id]
		}
	}
	return s
}

// Runnings returns the running VMs.
func (c *Configuration) Runnings() VMSet { return c.vmsIn(VMStateRunning) }

// Waitings returns the waiting VMs.
func (c *Configuration) Waitings() VMSet { return c.vmsIn(VMStateWaiting) }

// Sleepings returns the sleeping VMs.
func (c *Configuration) Sleepings() VMSet { return c.vmsIn(VMStateSleeping) }

// Terminateds returns the terminated VMs.
func (c *Configuration) Terminateds() VMSet { return c.vmsIn(VMStateTerminated) }

func (c *Configuration) vmsIn(state VMState) VMSet {
	s := make(VMSet)
	for id, st := range c.vmState {
		if st == state {
			s[id] = c.vms[id]
		}
	}
	return s
}

// RunningsOn returns the VMs running on a node.
func (c *Configuration) RunningsOn(nodeID string) VMSet { return c.runnings[nodeID].Clone() }

// SleepingsOn returns the VMs sleeping on a node.
func (c *Configuration) SleepingsOn(nodeID string) VMSet { return c.sleepings[nodeID].Clone() }

// IsOnline reports whether the node is online.
func (c *Configuration) IsOnline(id string) bool { return c.nodeState[id] == NodeStateOnline }

// IsOffline reports whether the node is offline.
func (c *Configuration) IsOffline(id string) bool { return c.nodeState[id] == NodeStateOffline }

// IsRunning reports whether the VM is running.
func (c *Configuration) IsRunning(id string) bool { return c.vmState[id] == VMStateRunning }

// IsWaiting reports whether the VM is waiting.
func (c *Configuration) IsWaiting(id string) bool { return c.vmState[id] == VMStateWaiting }

// IsSleeping reports whether the VM is sleeping.
func (c *Configuration) IsSleeping(id string) bool { return c.vmState[id] == VMStateSleeping }

// IsTerminated reports whether the VM is terminated.
func (c *Configuration) IsTerminated(id string) bool { return c.vmState[id] == VMStateTerminated }

// Load returns the resource usage of the VMs running on a node.
func (c *Configuration) Load(nodeID string, r Resource, m Metric) int {
	total := 0
	for _, vm := range c.runnings[nodeID] {
		if m == MetricDemand {
			total += vm.Demand(r)
		} else {
			total += vm.Consumption(r)
		}
	}
	return total
}

// OverloadedNodes returns the online nodes whose load exceeds their capacity on any resource.
func (c *Configuration) OverloadedNodes(m Metric) NodeSet {
	s := make(NodeSet)
	for id, n := range c.Onlines() {
		for _, r := range Resources {
			if c.Load(id, r, m) > n.Capacity(r) {
				s[id] = n
				break
			}
		}
	}
	return s
}

// Clone returns a deep, independent copy of the configuration.
func (c *Configuration) Clone() *Configuration {
	out := NewConfiguration()
	for id, n := range c.nodes {
		out.nodes[id] = n.Clone()
		out.nodeState[id] = c.nodeState[id]
	}
	for id, vm := range c.vms {
		cp := vm.Clone()
		out.vms[id] = cp
		out.vmState[id] = c.vmState[id]
		if host, ok := c.location[id]; ok {
			out.location[id] = host
			switch c.vmState[id] {
			case VMStateRunning:
				attach(out.runnings, host, cp)
			case VMStateSleeping:
				attach(out.sleepings, host, cp)
			}
		}
	}
	return out
}

// SettleDemand makes every running VM consume its demand, the figure a
// reconfiguration packs its destination with. The VMs are replaced by copies so
// configurations sharing them are left unchanged.
func (c *Configuration) SettleDemand() {
	for id, vm := range c.vms {
		if c.vmState[id] != VMStateRunning {
			continue
		}
		if vm.CPUConsumption == vm.CPUDemand && vm.MemoryConsumption == vm.MemoryDemand {
			continue
		}
		settled := vm.Clone()
		settled.CPUConsumption = vm.CPUDemand
		settled.MemoryConsumption = vm.MemoryDemand
		host := c.location[id]
		detachFrom(c.runnings, host, id)
		c.vms[id] = settled
		attach(c.runnings, host, settled)
	}
}

// Equals reports whether both configurations track the same nodes and VMs, in the
// same states and at the same locations.
func (c *Configuration) Equals(o *Configuration) bool {
	if o == nil || len(c.nodeState) != len(o.nodeState) || len(c.vmState) != len(o.vmState) {
		return false
	}
	for id, st := range c.nodeState {
		if o.nodeState[id] != st {
			return false
		}
	}
	for id, st := range c.vmState {
		if o.vmState[id] != st || o.location[id] != c.location[id] {
			return false
		}
	}
	return true
}

// Fingerprint returns a stable digest of the configuration content, including
// capacities and resource figures.
func (c *Configuration) Fingerprint() string {
	h := sha256.New()
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := c.nodes[id]
		fmt.Fprintf(h, "n|%s|%s|%d|%d|%d\n", id, c.nodeState[id], n.CPUCores, n.CPUPerCore, n.MemoryCapacity)
	}
	ids = ids[:0]
	for id := range c.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		vm := c.vms[id]
		fmt.Fprintf(h, "v|%s|%s|%s|%d|%d|%d|%d\n", id, c.vmState[id], c.location[id],
			vm.CPUConsumption, vm.MemoryConsumption, vm.CPUDemand, vm.MemoryDemand)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Configuration) String() string {
	var b strings.Builder
	for _, n := range c.Nodes().Sorted() {
		fmt.Fprintf(&b, "%s %s:", n.ID, c.nodeState[n.ID])
		for _, id := range c.runnings[n.ID].IDs() {
			b.WriteString(" " + id)
		}
		for _, id := range c.sleepings[n.ID].IDs() {
			b.WriteString(" (" + id + ")")
		}
		b.WriteByte('\n')
	}
	if w := c.Waitings(); len(w) > 0 {
		b.WriteString("waiting: " + strings.Join(w.IDs(), " ") + "\n")
	}
	return b.String()
}
