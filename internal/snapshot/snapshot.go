// Package snapshot reads and writes the YAML description of a cluster: its nodes
// and VMs with their current state, the target states and the placement
// constraints of a reconfiguration.
//
// Memory figures are stored in MiB. In YAML they may be written as plain numbers
// or as human readable sizes such as "4GiB".
package snapshot

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/placement"
	"github.com/limiquantix/replan/internal/plan"
	"github.com/limiquantix/replan/internal/planner"
)

// Size is an amount of memory in MiB.
type Size int

// UnmarshalYAML accepts a number of MiB or a size string.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		n, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", value.Value, err)
		}
		*s = Size(n)
		return nil
	}
	b, err := units.RAMInBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*s = Size(b / units.MiB)
	return nil
}

// MarshalYAML writes the size in human readable form when that form is exact.
func (s Size) MarshalYAML() (any, error) {
	h := s.String()
	if b, err := units.RAMInBytes(h); err == nil && Size(b/units.MiB) == s {
		return h, nil
	}
	return int(s), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s) * units.MiB)
}

// NodeSpec describes a node.
type NodeSpec struct {
	ID         string            `json:"id" yaml:"id"`
	Cores      int               `json:"cores" yaml:"cores"`
	CPUPerCore int               `json:"cpu_per_core" yaml:"cpu_per_core"`
	Memory     Size              `json:"memory" yaml:"memory"`
	State      string            `json:"state,omitempty" yaml:"state,omitempty"`
	Labels     map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// VMSpec describes a VM. Demands default to the consumptions.
type VMSpec struct {
	ID           string            `json:"id" yaml:"id"`
	VCPUs        int               `json:"vcpus" yaml:"vcpus"`
	CPU          int               `json:"cpu" yaml:"cpu"`
	Memory       Size              `json:"memory" yaml:"memory"`
	CPUDemand    *int              `json:"cpu_demand,omitempty" yaml:"cpu_demand,omitempty"`
	MemoryDemand *Size             `json:"memory_demand,omitempty" yaml:"memory_demand,omitempty"`
	CPUMax       int               `json:"cpu_max,omitempty" yaml:"cpu_max,omitempty"`
	State        string            `json:"state,omitempty" yaml:"state,omitempty"`
	Host         string            `json:"host,omitempty" yaml:"host,omitempty"`
	Template     string            `json:"template,omitempty" yaml:"template,omitempty"`
	Options      map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Targets lists the VMs and nodes whose state must change. The others keep
// their current state.
type Targets struct {
	Run        []string `json:"run,omitempty" yaml:"run,omitempty"`
	Wait       []string `json:"wait,omitempty" yaml:"wait,omitempty"`
	Sleep      []string `json:"sleep,omitempty" yaml:"sleep,omitempty"`
	Stop       []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	On         []string `json:"on,omitempty" yaml:"on,omitempty"`
	Off        []string `json:"off,omitempty" yaml:"off,omitempty"`
	Manageable []string `json:"manageable,omitempty" yaml:"manageable,omitempty"`
}

// Snapshot is a cluster and the reconfiguration requested on it.
type Snapshot struct {
	Nodes       []NodeSpec             `json:"nodes" yaml:"nodes"`
	VMs         []VMSpec               `json:"vms" yaml:"vms"`
	Targets     Targets                `json:"targets,omitempty" yaml:"targets,omitempty"`
	Constraints []placement.Descriptor `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Decode reads a YAML snapshot.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// Load reads a YAML snapshot from a file.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes the snapshot as YAML.
func (s *Snapshot) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return enc.Close()
}

func (n NodeSpec) node() *domain.Node {
	out := domain.NewNode(n.ID, n.Cores, n.CPUPerCore, int(n.Memory))
	out.Labels = n.Labels
	return out
}

func (v VMSpec) vm() *domain.VirtualMachine {
	out := domain.NewVM(v.ID, v.VCPUs, v.CPU, int(v.Memory))
	if v.CPUDemand != nil {
		out.CPUDemand = *v.CPUDemand
	}
	if v.MemoryDemand != nil {
		out.MemoryDemand = int(*v.MemoryDemand)
	}
	out.CPUMax = v.CPUMax
	out.TemplateID = v.Template
	out.Options = v.Options
	return out
}

// index resolves the elements of a snapshot, including the VMs that are not in
// the current configuration yet.
type index struct {
	nodes map[string]*domain.Node
	vms   map[string]*domain.VirtualMachine
}

func (i *index) VM(id string) (*domain.VirtualMachine, bool) {
	vm, ok := i.vms[id]
	return vm, ok
}

func (i *index) Node(id string) (*domain.Node, bool) {
	n, ok := i.nodes[id]
	return n, ok
}

// build creates the current configuration and the element index.
func (s *Snapshot) build() (*domain.Configuration, *index, error) {
	cfg := domain.NewConfiguration()
	idx := &index{nodes: make(map[string]*domain.Node), vms: make(map[string]*domain.VirtualMachine)}

	for _, spec := range s.Nodes {
		if spec.ID == "" {
			return nil, nil, fmt.Errorf("node without id: %w", domain.ErrInvalidArgument)
		}
		if _, dup := idx.nodes[spec.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate node %s: %w", spec.ID, domain.ErrInvalidArgument)
		}
		n := spec.node()
		idx.nodes[n.ID] = n
		switch spec.State {
		case "", "online":
			cfg.AddOnline(n)
		case "offline":
			if err := cfg.AddOffline(n); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("node %s: unknown state %q: %w", spec.ID, spec.State, domain.ErrInvalidArgument)
		}
	}

	for _, spec := range s.VMs {
		if spec.ID == "" {
			return nil, nil, fmt.Errorf("vm without id: %w", domain.ErrInvalidArgument)
		}
		if _, dup := idx.vms[spec.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate vm %s: %w", spec.ID, domain.ErrInvalidArgument)
		}
		vm := spec.vm()
		idx.vms[vm.ID] = vm
		var err error
		switch spec.State {
		case "running":
			err = cfg.SetRunOn(vm, spec.Host)
		case "sleeping":
			err = cfg.SetSleepOn(vm, spec.Host)
		case "waiting":
			cfg.AddWaiting(vm)
		case "terminated":
			cfg.SetTerminated(vm)
		case "":
			// not part of the cluster yet, a target must be given
		default:
			err = fmt.Errorf("unknown state %q: %w", spec.State, domain.ErrInvalidArgument)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("vm %s: %w", spec.ID, err)
		}
	}
	return cfg, idx, nil
}

// Configuration returns the current configuration of the cluster.
func (s *Snapshot) Configuration() (*domain.Configuration, error) {
	cfg, _, err := s.build()
	return cfg, err
}

// Request returns the reconfiguration request of the snapshot. Constraints are
// built with catalog, the default one when nil.
func (s *Snapshot) Request(catalog *placement.Catalog) (planner.Request, error) {
	cfg, idx, err := s.build()
	if err != nil {
		return planner.Request{}, err
	}
	if catalog == nil {
		catalog = placement.DefaultCatalog()
	}
	constraints, err := catalog.BuildAll(s.Constraints, idx)
	if err != nil {
		return planner.Request{}, err
	}

	req := planner.Request{
		Source:          cfg,
		Run:             domain.NewVMSet(),
		Wait:            domain.NewVMSet(),
		Sleep:           domain.NewVMSet(),
		Stop:            domain.NewVMSet(),
		On:              domain.NewNodeSet(),
		Off:             domain.NewNodeSet(),
		ManageableNodes: domain.NewNodeSet(),
		Constraints:     constraints,
	}

	// explicit targets first, every other element keeps its state
	targeted := make(map[string]bool)
	for _, t := range []struct {
		ids []string
		set domain.VMSet
	}{{s.Targets.Run, req.Run}, {s.Targets.Wait, req.Wait}, {s.Targets.Sleep, req.Sleep}, {s.Targets.Stop, req.Stop}} {
		for _, id := range t.ids {
			vm, ok := idx.VM(id)
			if !ok {
				return planner.Request{}, fmt.Errorf("target vm %s: %w", id, domain.ErrNotFound)
			}
			t.set.Add(vm)
			targeted[id] = true
		}
	}
	for id, vm := range idx.vms {
		if targeted[id] {
			continue
		}
		switch cfg.VMState(id) {
		case domain.VMStateRunning:
			req.Run.Add(vm)
		case domain.VMStateSleeping:
			req.Sleep.Add(vm)
		case domain.VMStateWaiting:
			req.Wait.Add(vm)
		case domain.VMStateTerminated:
			req.Stop.Add(vm)
		default:
			return planner.Request{}, fmt.Errorf("vm %s is not in the cluster and has no target: %w", id, domain.ErrInvalidArgument)
		}
	}

	targetedNodes := make(map[string]bool)
	for _, t := range []struct {
		ids []string
		set domain.NodeSet
	}{{s.Targets.On, req.On}, {s.Targets.Off, req.Off}, {s.Targets.Manageable, req.ManageableNodes}} {
		for _, id := range t.ids {
			n, ok := idx.Node(id)
			if !ok {
				return planner.Request{}, fmt.Errorf("target node %s: %w", id, domain.ErrNotFound)
			}
			t.set.Add(n)
		}
	}
	for _, id := range append(append([]string(nil), s.Targets.On...), s.Targets.Off...) {
		targetedNodes[id] = true
	}
	for id, n := range idx.nodes {
		if targetedNodes[id] {
			continue
		}
		if cfg.IsOnline(id) {
			req.On.Add(n)
		} else {
			req.Off.Add(n)
		}
	}
	return req, nil
}

// FromConfiguration describes cfg. The targets are left empty, so every element
// keeps its state.
func FromConfiguration(cfg *domain.Configuration, constraints []placement.Descriptor) *Snapshot {
	s := &Snapshot{Constraints: constraints}
	for _, n := range cfg.Nodes().Sorted() {
		state := "online"
		if cfg.IsOffline(n.ID) {
			state = "offline"
		}
		s.Nodes = append(s.Nodes, NodeSpec{ID: n.ID, Cores: n.CPUCores, CPUPerCore: n.CPUPerCore,
			Memory: Size(n.MemoryCapacity), State: state, Labels: n.Labels})
	}
	for _, vm := range cfg.VMs().Sorted() {
		cpuDemand, memDemand := vm.CPUDemand, Size(vm.MemoryDemand)
		spec := VMSpec{ID: vm.ID, VCPUs: vm.VCPUs, CPU: vm.CPUConsumption, Memory: Size(vm.MemoryConsumption),
			CPUDemand: &cpuDemand, MemoryDemand: &memDemand, CPUMax: vm.CPUMax, Template: vm.TemplateID, Options: vm.Options}
		switch cfg.VMState(vm.ID) {
		case domain.VMStateRunning:
			spec.State = "running"
		case domain.VMStateSleeping:
			spec.State = "sleeping"
		case domain.VMStateWaiting:
			spec.State = "waiting"
		case domain.VMStateTerminated:
			spec.State = "terminated"
		}
		spec.Host, _ = cfg.Location(vm.ID)
		s.VMs = append(s.VMs, spec)
	}
	return s
}

// EncodePlan writes the stored form of a plan as YAML.
func EncodePlan(w io.Writer, p *plan.TimedReconfigurationPlan) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p.Record()); err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	return enc.Close()
}
