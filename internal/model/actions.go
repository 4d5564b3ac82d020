package model

import (
	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
)

// Slice is a CPU and memory reservation on a host over [Start, End).
//
// A consuming slice holds the resources of a VM on its current host from the
// beginning of the plan until the VM leaves; its host is fixed. A demanding slice
// reserves the resources on the destination host from its start until the end of
// the plan; its host is a decision variable.
type Slice struct {
	Name   string
	Host   *cp.IntVar
	Start  *cp.IntVar
	End    *cp.IntVar
	CPU    int
	Memory int
	// Active is set on optional slices, the ones of nodes whose power state is
	// decided by the solver.
	Active *cp.IntVar
}

// Heights returns the reserved amounts, in the order of domain.Resources.
func (s *Slice) Heights() []int { return []int{s.CPU, s.Memory} }

// VMActionKind enumerates the action models of a VM.
type VMActionKind int

const (
	// VMNoop keeps a waiting, sleeping or terminated VM as it is.
	VMNoop VMActionKind = iota
	// VMMigratable keeps a running VM running, possibly on another node.
	VMMigratable
	// VMReInstantiate relocates a running clone by forging, running and stopping it.
	VMReInstantiate
	// VMResume resumes a sleeping VM, locally or on another node.
	VMResume
	// VMRun starts a waiting VM, forging it first when it does not exist yet.
	VMRun
	// VMSuspend puts a running VM to sleep on its host.
	VMSuspend
	// VMStop terminates a running VM.
	VMStop
	// VMInstantiate forges a VM that ends waiting.
	VMInstantiate
)

func (k VMActionKind) String() string {
	switch k {
	case VMMigratable:
		return "migratable"
	case VMReInstantiate:
		return "re-instantiate"
	case VMResume:
		return "resume"
	case VMRun:
		return "run"
	case VMSuspend:
		return "suspend"
	case VMStop:
		return "stop"
	case VMInstantiate:
		return "instantiate"
	default:
		return "noop"
	}
}

// VMAction is the action model of a VM. The kind is chosen once at build time from
// the current and the target state of the VM; the other fields are set according
// to it.
type VMAction struct {
	Kind  VMActionKind
	VM    *domain.VirtualMachine
	Index int
	From  domain.VMState
	To    domain.VMState

	// Source is the index of the node hosting the VM in the source configuration,
	// meaningful only when HasSource is set.
	Source    int
	HasSource bool

	Consuming *Slice
	Demanding *Slice

	// Start, Duration and Finish are nil for VMNoop. Finish equals the end of the
	// action when it materializes and 0 otherwise.
	Start    *cp.IntVar
	Duration *cp.IntVar
	Finish   *cp.IntVar

	// Stay is set on a migratable or re-instantiated VM that remains on its host,
	// and on a VM resumed on the node it sleeps on.
	Stay *cp.IntVar

	// ForgeDuration is the part of a run spent forging the VM.
	ForgeDuration int

	moveDuration int
	stayDuration int
}

// Manageable reports whether the VM may be relocated.
func (a *VMAction) Manageable() bool {
	return a.Demanding != nil && !a.Demanding.Host.IsFixed()
}

func (a *VMAction) maxDuration() int {
	return max(a.moveDuration, a.stayDuration)
}

// NodeActionKind enumerates the action models of a node.
type NodeActionKind int

const (
	NodeStayOnline NodeActionKind = iota
	NodeStayOffline
	NodeBoot
	NodeShutdown
	// NodeBootable is an offline node the solver may boot.
	NodeBootable
	// NodeShutdownable is an online node the solver may shut down.
	NodeShutdownable
)

func (k NodeActionKind) String() string {
	switch k {
	case NodeStayOffline:
		return "stay-offline"
	case NodeBoot:
		return "boot"
	case NodeShutdown:
		return "shutdown"
	case NodeBootable:
		return "bootable"
	case NodeShutdownable:
		return "shutdownable"
	default:
		return "stay-online"
	}
}

// NodeAction is the action model of a node.
type NodeAction struct {
	Kind  NodeActionKind
	Node  *domain.Node
	Index int

	// State is 1 when the node ends online. It is only free for bootable and
	// shutdownable nodes.
	State *cp.IntVar
	// Preferred is the state the node is listed in, tried first by the search.
	Preferred int

	Consuming *Slice
	Demanding *Slice

	Start    *cp.IntVar
	Duration *cp.IntVar
	Finish   *cp.IntVar

	duration int
}

// Manageable reports whether the final state of the node is left to the solver.
func (a *NodeAction) Manageable() bool {
	return a.Kind == NodeBootable || a.Kind == NodeShutdownable
}

// Booting reports whether the node is offline at first and may be booted.
func (a *NodeAction) Booting() bool {
	return a.Kind == NodeBoot || a.Kind == NodeBootable
}

// ShuttingDown reports whether the node is online at first and may be shut down.
func (a *NodeAction) ShuttingDown() bool {
	return a.Kind == NodeShutdown || a.Kind == NodeShutdownable
}
