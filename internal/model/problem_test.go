package model

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/duration"
)

// keepAll returns an input where every VM and node keeps its current state.
func keepAll(src *domain.Configuration) Input {
	return Input{
		Source:    src,
		Run:       src.Runnings(),
		Wait:      src.Waitings(),
		Sleep:     src.Sleepings(),
		Stop:      src.Terminateds(),
		On:        src.Onlines(),
		Off:       src.Offlines(),
		Evaluator: duration.DefaultStatic(),
		Optimize:  true,
	}
}

func mustRun(t *testing.T, c *domain.Configuration, vm *domain.VirtualMachine, node string) {
	t.Helper()
	if err := c.SetRunOn(vm, node); err != nil {
		t.Fatalf("SetRunOn(%s, %s) failed: %v", vm.ID, node, err)
	}
}

func mustBuild(t *testing.T, in Input) *Problem {
	t.Helper()
	p, err := New(in, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// failingEvaluator fails every migration estimation.
type failingEvaluator struct {
	*duration.Static
}

func (failingEvaluator) Migration(*domain.VirtualMachine) (int, error) {
	return 0, errors.New("no bandwidth figure")
}

func TestNew_IndexZeroRoundTrip(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N-a", 4, 1, 8))
	src.AddOnline(domain.NewNode("N-b", 4, 1, 8))
	mustRun(t, src, domain.NewVM("VM-a", 1, 1, 1), "N-a")
	mustRun(t, src, domain.NewVM("VM-b", 1, 1, 1), "N-b")

	p := mustBuild(t, keepAll(src))

	i, ok := p.NodeIndex("N-a")
	if !ok || i != 0 {
		t.Fatalf("NodeIndex(N-a) = %d, %v, want 0, true", i, ok)
	}
	if p.NodeAt(i).ID != "N-a" {
		t.Errorf("NodeAt(0) = %s, want N-a", p.NodeAt(i).ID)
	}
	j, ok := p.VMIndex("VM-a")
	if !ok || j != 0 {
		t.Fatalf("VMIndex(VM-a) = %d, %v, want 0, true", j, ok)
	}
	a, ok := p.VMAction("VM-a")
	if !ok || a.VM.ID != "VM-a" || a.Index != 0 {
		t.Errorf("VMAction(VM-a) returned the wrong model")
	}
	if a.Source != 0 || !a.HasSource {
		t.Errorf("VM-a source = %d (%v), want 0", a.Source, a.HasSource)
	}
	if _, ok := p.VMIndex("unknown"); ok {
		t.Error("VMIndex(unknown) must not be found")
	}
	if _, ok := p.NodeAction("unknown"); ok {
		t.Error("NodeAction(unknown) must not be found")
	}
}

func TestNew_TargetStateValidation(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	vm := domain.NewVM("VM1", 1, 1, 1)
	mustRun(t, src, vm, "N1")

	t.Run("missing", func(t *testing.T) {
		in := keepAll(src)
		in.Run = domain.NewVMSet()
		_, err := New(in, zap.NewNop())
		var stateErr *domain.ConfigurationStateError
		if !errors.As(err, &stateErr) || stateErr.Subject != "VM1" {
			t.Fatalf("expected a state error on VM1, got %v", err)
		}
	})
	t.Run("several", func(t *testing.T) {
		in := keepAll(src)
		in.Stop = domain.NewVMSet(vm)
		_, err := New(in, zap.NewNop())
		if !errors.Is(err, domain.ErrConfigurationState) {
			t.Fatalf("expected ErrConfigurationState, got %v", err)
		}
	})
	t.Run("node", func(t *testing.T) {
		in := keepAll(src)
		in.Off = src.Onlines()
		_, err := New(in, zap.NewNop())
		if !errors.Is(err, domain.ErrConfigurationState) {
			t.Fatalf("expected ErrConfigurationState, got %v", err)
		}
	})
}

func TestNew_NonViableSource(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 2, 1, 2))
	mustRun(t, src, domain.NewVM("VM1", 1, 2, 1), "N1")
	mustRun(t, src, domain.NewVM("VM2", 1, 1, 1), "N1")

	_, err := New(keepAll(src), zap.NewNop())
	var viability *domain.NonViableSourceConfigurationError
	if !errors.As(err, &viability) {
		t.Fatalf("expected NonViableSourceConfigurationError, got %v", err)
	}
	if viability.Node != "N1" || viability.Resource != domain.ResourceCPU {
		t.Errorf("unexpected error content: %v", viability)
	}
}

func TestNew_ActionModels(t *testing.T) {
	clone := domain.NewVM("clone", 1, 1, 1)
	clone.Options = map[string]string{domain.OptionClone: "true"}
	tests := []struct {
		name  string
		setup func(t *testing.T, src *domain.Configuration, in *Input)
		vm    string
		want  VMActionKind
	}{
		{
			name: "running to running",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				vm := domain.NewVM("vm", 1, 1, 1)
				mustRun(t, src, vm, "N1")
				in.Run.Add(vm)
			},
			vm: "vm", want: VMMigratable,
		},
		{
			name: "cheaper clone",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				mustRun(t, src, clone, "N1")
				in.Run.Add(clone)
				in.Evaluator = &duration.Overrides{Evaluator: duration.DefaultStatic(), VMs: map[string]int{"clone": 10}}
			},
			vm: "clone", want: VMReInstantiate,
		},
		{
			name: "sleeping to running",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				vm := domain.NewVM("vm", 1, 1, 1)
				if err := src.SetSleepOn(vm, "N1"); err != nil {
					t.Fatal(err)
				}
				in.Run.Add(vm)
			},
			vm: "vm", want: VMResume,
		},
		{
			name: "waiting to running",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				vm := domain.NewVM("vm", 1, 1, 1)
				src.AddWaiting(vm)
				in.Run.Add(vm)
			},
			vm: "vm", want: VMRun,
		},
		{
			name: "running to sleeping",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				vm := domain.NewVM("vm", 1, 1, 1)
				mustRun(t, src, vm, "N1")
				in.Sleep.Add(vm)
			},
			vm: "vm", want: VMSuspend,
		},
		{
			name: "running to terminated",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				vm := domain.NewVM("vm", 1, 1, 1)
				mustRun(t, src, vm, "N1")
				in.Stop.Add(vm)
			},
			vm: "vm", want: VMStop,
		},
		{
			name: "unknown to waiting",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				in.Wait.Add(domain.NewVM("vm", 1, 1, 1))
			},
			vm: "vm", want: VMInstantiate,
		},
		{
			name: "waiting to waiting",
			setup: func(t *testing.T, src *domain.Configuration, in *Input) {
				vm := domain.NewVM("vm", 1, 1, 1)
				src.AddWaiting(vm)
				in.Wait.Add(vm)
			},
			vm: "vm", want: VMNoop,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := domain.NewConfiguration()
			src.AddOnline(domain.NewNode("N1", 4, 1, 8))
			src.AddOnline(domain.NewNode("N2", 4, 1, 8))
			in := Input{
				Source: src, Run: domain.NewVMSet(), Wait: domain.NewVMSet(),
				Sleep: domain.NewVMSet(), Stop: domain.NewVMSet(),
				On: src.Onlines(), Evaluator: duration.DefaultStatic(),
			}
			tt.setup(t, src, &in)
			p := mustBuild(t, in)
			a, ok := p.VMAction(tt.vm)
			if !ok {
				t.Fatalf("no action model for %s", tt.vm)
			}
			if a.Kind != tt.want {
				t.Errorf("kind = %s, want %s", a.Kind, tt.want)
			}
		})
	}
}

func TestNew_RunForgesUnknownVM(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	in := keepAll(src)
	in.Run.Add(domain.NewVM("new", 1, 1, 1))

	p := mustBuild(t, in)
	a, _ := p.VMAction("new")
	if a.Kind != VMRun || a.ForgeDuration != 1 {
		t.Fatalf("expected a run with a forge, got %s with forge %d", a.Kind, a.ForgeDuration)
	}
	if a.Duration.Value() != 2 {
		t.Errorf("duration = %d, want 2", a.Duration.Value())
	}
}

func TestNew_NoAvailableTransition(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	vm := domain.NewVM("VM1", 1, 1, 1)
	if err := src.SetSleepOn(vm, "N1"); err != nil {
		t.Fatal(err)
	}
	in := keepAll(src)
	in.Sleep = domain.NewVMSet()
	in.Wait = domain.NewVMSet(vm)

	_, err := New(in, zap.NewNop())
	var transition *domain.NoAvailableTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected NoAvailableTransitionError, got %v", err)
	}
	if transition.From != domain.VMStateSleeping || transition.To != domain.VMStateWaiting {
		t.Errorf("unexpected transition %s -> %s", transition.From, transition.To)
	}
}

func TestNew_DurationEvaluationFailure(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	mustRun(t, src, domain.NewVM("VM1", 1, 1, 1), "N1")
	in := keepAll(src)
	in.Evaluator = failingEvaluator{duration.DefaultStatic()}

	_, err := New(in, zap.NewNop())
	if !errors.Is(err, domain.ErrDurationEvaluation) {
		t.Fatalf("expected ErrDurationEvaluation, got %v", err)
	}
}

func TestNew_NodeModels(t *testing.T) {
	src := domain.NewConfiguration()
	for _, id := range []string{"boot", "down", "on", "bootable", "downable"} {
		src.AddOnline(domain.NewNode(id, 4, 1, 8))
	}
	for _, id := range []string{"boot", "off", "bootable"} {
		if err := src.AddOffline(domain.NewNode(id, 4, 1, 8)); err != nil {
			t.Fatal(err)
		}
	}
	nodes := src.Nodes()
	in := keepAll(src)
	in.On = domain.NewNodeSet(nodes["boot"], nodes["on"], nodes["downable"])
	in.Off = domain.NewNodeSet(nodes["down"], nodes["off"], nodes["bootable"])
	in.ManageableNodes = domain.NewNodeSet(nodes["bootable"], nodes["downable"])

	p := mustBuild(t, in)
	want := map[string]NodeActionKind{
		"boot":     NodeBoot,
		"down":     NodeShutdown,
		"on":       NodeStayOnline,
		"off":      NodeStayOffline,
		"bootable": NodeBootable,
		"downable": NodeShutdownable,
	}
	for id, kind := range want {
		a, ok := p.NodeAction(id)
		if !ok {
			t.Fatalf("no action model for %s", id)
		}
		if a.Kind != kind {
			t.Errorf("%s: kind = %s, want %s", id, a.Kind, kind)
		}
		if a.Manageable() != (kind == NodeBootable || kind == NodeShutdownable) {
			t.Errorf("%s: unexpected manageable flag", id)
		}
	}
	if a, _ := p.NodeAction("bootable"); a.Preferred != 0 || a.State.IsFixed() {
		t.Errorf("bootable node must have a free state preferring offline")
	}
}

func TestNew_SleepingOnShutdownNode(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	if err := src.SetSleepOn(domain.NewVM("VM1", 1, 1, 1), "N1"); err != nil {
		t.Fatal(err)
	}
	in := keepAll(src)
	in.Off = in.On
	in.On = domain.NewNodeSet()

	_, err := New(in, zap.NewNop())
	if !errors.Is(err, domain.ErrInfeasible) {
		t.Fatalf("expected ErrInfeasible, got %v", err)
	}
}

func TestNew_UnmanageableVMIsPinned(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	src.AddOnline(domain.NewNode("N2", 4, 1, 8))
	mustRun(t, src, domain.NewVM("VM1", 1, 1, 1), "N1")
	mustRun(t, src, domain.NewVM("VM2", 1, 1, 1), "N2")
	in := keepAll(src)
	in.Manageable = domain.NewVMSet(src.Runnings()["VM2"])

	p := mustBuild(t, in)
	a, _ := p.VMAction("VM1")
	if a.Manageable() || a.Demanding.Host.Value() != 0 {
		t.Errorf("VM1 must be pinned on N1, host is %v", a.Demanding.Host)
	}
	b, _ := p.VMAction("VM2")
	if !b.Manageable() {
		t.Errorf("VM2 must be manageable")
	}
}

func TestGroups(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	src.AddOnline(domain.NewNode("N2", 4, 1, 8))
	vm := domain.NewVM("VM1", 1, 1, 1)
	mustRun(t, src, vm, "N1")
	p := mustBuild(t, keepAll(src))

	nodes := src.Nodes()
	g1, err := p.NodeGroup(domain.NewNodeSet(nodes["N1"]))
	if err != nil {
		t.Fatal(err)
	}
	g2, _ := p.NodeGroup(domain.NewNodeSet(nodes["N2"]))
	again, _ := p.NodeGroup(domain.NewNodeSet(nodes["N1"]))
	if g1 != 0 || g2 != 1 || again != g1 {
		t.Errorf("unexpected group ids %d %d %d", g1, g2, again)
	}
	if _, err := p.NodeGroup(domain.NewNodeSet(domain.NewNode("N9", 1, 1, 1))); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown node, got %v", err)
	}

	v, err := p.VMGroup(domain.NewVMSet(vm), []int{g1, g2})
	if err != nil {
		t.Fatal(err)
	}
	w, err := p.VMGroup(domain.NewVMSet(vm), []int{g2})
	if err != nil {
		t.Fatal(err)
	}
	if v != w || !w.IsFixed() || w.Value() != g2 {
		t.Errorf("VMGroup must be memoized and narrowed, got %v", w)
	}
	if len(p.VMGroups()) != 1 {
		t.Errorf("expected 1 vm group, got %d", len(p.VMGroups()))
	}
}

func TestCostChunking(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 8, 1, 8))
	src.AddOnline(domain.NewNode("N2", 8, 1, 8))
	for _, id := range []string{"VM1", "VM2", "VM3", "VM4", "VM5"} {
		mustRun(t, src, domain.NewVM(id, 1, 1, 1), "N1")
	}
	in := keepAll(src)
	in.CostChunkSize = 2

	p := mustBuild(t, in)
	if p.GlobalCost.Max() != 5 {
		t.Errorf("global cost upper bound = %d, want 5", p.GlobalCost.Max())
	}
	if p.Horizon() != 5 {
		t.Errorf("horizon = %d, want 5", p.Horizon())
	}
}

func TestSolve_Boot(t *testing.T) {
	src := domain.NewConfiguration()
	n := domain.NewNode("N1", 5, 1, 5)
	if err := src.AddOffline(n); err != nil {
		t.Fatal(err)
	}
	in := keepAll(src)
	in.On, in.Off = domain.NewNodeSet(n), domain.NewNodeSet()
	in.Evaluator = &duration.Overrides{Evaluator: duration.DefaultStatic(), Nodes: map[string]int{"N1": 7}}

	p := mustBuild(t, in)
	sol, err := p.Solve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	a, _ := p.NodeAction("N1")
	if got := sol.Value(a.Start); got != 0 {
		t.Errorf("boot start = %d, want 0", got)
	}
	if got := sol.Value(p.End); got != 7 {
		t.Errorf("end = %d, want 7", got)
	}
}

// A node booted for sure starts empty: its whole capacity is open to the VMs
// arriving once it is up.
func TestSolve_BootedNodeTakesFullLoad(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 1, 1, 1))
	n2 := domain.NewNode("N2", 2, 1, 2)
	if err := src.AddOffline(n2); err != nil {
		t.Fatal(err)
	}
	vm := domain.NewVM("VM1", 1, 1, 1)
	vm.CPUDemand, vm.MemoryDemand = 2, 2
	mustRun(t, src, vm, "N1")

	in := keepAll(src)
	in.On, in.Off = src.Nodes().Clone(), domain.NewNodeSet()
	in.Evaluator = &duration.Overrides{Evaluator: duration.DefaultStatic(), Nodes: map[string]int{"N2": 7}}

	p := mustBuild(t, in)
	sol, err := p.Solve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	a, _ := p.VMAction("VM1")
	if got := sol.Value(a.Demanding.Host); got != 1 {
		t.Fatalf("VM1 host = %d, want 1", got)
	}
	if got := sol.Value(a.Demanding.Start); got < 7 {
		t.Errorf("VM1 arrives at %d, before the boot ends", got)
	}
	if cpu, mem := sol.Value(p.UsedCPU(1)), sol.Value(p.UsedMemory(1)); cpu != 2 || mem != 2 {
		t.Errorf("N2 load = %d/%d, want its full capacity 2/2", cpu, mem)
	}
}

func TestSolve_DemandRepack(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 1, 1, 1))
	src.AddOnline(domain.NewNode("N2", 2, 1, 2))
	vm := domain.NewVM("VM1", 1, 1, 1)
	vm.CPUDemand = 2
	mustRun(t, src, vm, "N1")

	p := mustBuild(t, keepAll(src))
	sol, err := p.Solve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	a, _ := p.VMAction("VM1")
	if got := sol.Value(a.Demanding.Host); got != 1 {
		t.Errorf("VM1 host = %d, want 1", got)
	}
	if got := sol.Value(p.GlobalCost); got != 1 {
		t.Errorf("global cost = %d, want 1", got)
	}
}

func TestSolve_Infeasible(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 1, 1, 1))
	vm := domain.NewVM("VM1", 1, 1, 1)
	vm.MemoryDemand = 4
	mustRun(t, src, vm, "N1")

	_, err := New(keepAll(src), zap.NewNop())
	if !errors.Is(err, domain.ErrInfeasible) {
		t.Fatalf("expected ErrInfeasible, got %v", err)
	}
}
