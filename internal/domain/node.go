package domain

import (
	"fmt"
)

// NodeState represents the power state of a node inside a Configuration.
type NodeState int

const (
	// NodeStateUntracked is the zero value: the node is not part of the configuration.
	NodeStateUntracked NodeState = iota
	NodeStateOnline
	NodeStateOffline
)

func (s NodeState) String() string {
	switch s {
	case NodeStateOnline:
		return "ONLINE"
	case NodeStateOffline:
		return "OFFLINE"
	default:
		return "UNTRACKED"
	}
}

// Node represents a physical hypervisor host.
type Node struct {
	ID             string            `json:"id" yaml:"id"`
	CPUCores       int               `json:"cpu_cores" yaml:"cpu_cores"`
	CPUPerCore     int               `json:"cpu_per_core" yaml:"cpu_per_core"`
	MemoryCapacity int               `json:"memory_capacity" yaml:"memory_capacity"`
	PlatformID     string            `json:"platform_id,omitempty" yaml:"platform_id,omitempty"`
	HypervisorID   string            `json:"hypervisor_id,omitempty" yaml:"hypervisor_id,omitempty"`
	ManagementIP   string            `json:"management_ip,omitempty" yaml:"management_ip,omitempty"`
	MACAddress     string            `json:"mac_address,omitempty" yaml:"mac_address,omitempty"`
	Labels         map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// NewNode creates a node with the given capacities.
func NewNode(id string, cores, perCore, memory int) *Node {
	return &Node{
		ID:             id,
		CPUCores:       cores,
		CPUPerCore:     perCore,
		MemoryCapacity: memory,
	}
}

// CPUCapacity returns the total CPU capacity of the node.
func (n *Node) CPUCapacity() int {
	return n.CPUCores * n.CPUPerCore
}

// Capacity returns the node capacity for the given resource.
func (n *Node) Capacity(r Resource) int {
	if r == ResourceCPU {
		return n.CPUCapacity()
	}
	return n.MemoryCapacity
}

// Clone returns an independent copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	if n.Labels != nil {
		c.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(cpu=%dx%d, mem=%d)", n.ID, n.CPUCores, n.CPUPerCore, n.MemoryCapacity)
}

// Resource names a packed dimension.
type Resource int

const (
	ResourceCPU Resource = iota
	ResourceMemory
)

// Resources lists every packed dimension.
var Resources = []Resource{ResourceCPU, ResourceMemory}

func (r Resource) String() string {
	if r == ResourceCPU {
		return "cpu"
	}
	return "memory"
}
