package domain

import (
	"fmt"
)

// VMState represents the lifecycle state of a virtual machine inside a Configuration.
type VMState int

const (
	// VMStateUntracked is the zero value: the VM is not part of the configuration.
	VMStateUntracked VMState = iota
	VMStateRunning
	VMStateWaiting
	VMStateSleeping
	VMStateTerminated
)

func (s VMState) String() string {
	switch s {
	case VMStateRunning:
		return "RUNNING"
	case VMStateWaiting:
		return "WAITING"
	case VMStateSleeping:
		return "SLEEPING"
	case VMStateTerminated:
		return "TERMINATED"
	default:
		return "UNTRACKED"
	}
}

// OptionClone tags a VM that may be re-instantiated from its template instead of migrated.
const OptionClone = "clone"

// VirtualMachine represents a virtual machine in the system.
type VirtualMachine struct {
	ID                string            `json:"id" yaml:"id"`
	VCPUs             int               `json:"vcpus" yaml:"vcpus"`
	CPUConsumption    int               `json:"cpu_consumption" yaml:"cpu_consumption"`
	MemoryConsumption int               `json:"memory_consumption" yaml:"memory_consumption"`
	CPUDemand         int               `json:"cpu_demand" yaml:"cpu_demand"`
	MemoryDemand      int               `json:"memory_demand" yaml:"memory_demand"`
	CPUMax            int               `json:"cpu_max,omitempty" yaml:"cpu_max,omitempty"`
	TemplateID        string            `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Options           map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	HostingPlatform   string            `json:"hosting_platform,omitempty" yaml:"hosting_platform,omitempty"`
}

// NewVM creates a VM whose demand equals its consumption.
func NewVM(id string, vcpus, cpu, memory int) *VirtualMachine {
	return &VirtualMachine{
		ID:                id,
		VCPUs:             vcpus,
		CPUConsumption:    cpu,
		MemoryConsumption: memory,
		CPUDemand:         cpu,
		MemoryDemand:      memory,
	}
}

// Consumption returns the current consumption for the given resource.
func (vm *VirtualMachine) Consumption(r Resource) int {
	if r == ResourceCPU {
		return vm.CPUConsumption
	}
	return vm.MemoryConsumption
}

// Demand returns the peak demand for the given resource.
func (vm *VirtualMachine) Demand(r Resource) int {
	if r == ResourceCPU {
		return vm.CPUDemand
	}
	return vm.MemoryDemand
}

// Option returns the value of an option and whether it is set.
func (vm *VirtualMachine) Option(key string) (string, bool) {
	v, ok := vm.Options[key]
	return v, ok
}

// IsClone returns true if the VM may be re-instantiated instead of migrated.
func (vm *VirtualMachine) IsClone() bool {
	_, ok := vm.Options[OptionClone]
	return ok
}

// Clone returns an independent copy of the VM.
func (vm *VirtualMachine) Clone() *VirtualMachine {
	c := *vm
	if vm.Options != nil {
		c.Options = make(map[string]string, len(vm.Options))
		for k, v := range vm.Options {
			c.Options[k] = v
		}
	}
	return &c
}

func (vm *VirtualMachine) String() string {
	return fmt.Sprintf("%s(cpu=%d/%d, mem=%d/%d)", vm.ID, vm.CPUConsumption, vm.CPUDemand, vm.MemoryConsumption, vm.MemoryDemand)
}
