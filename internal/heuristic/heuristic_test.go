package heuristic

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/cp"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/duration"
	"github.com/limiquantix/replan/internal/model"
	"github.com/limiquantix/replan/internal/placement"
)

func firstSolution(src *domain.Configuration) model.Input {
	return model.Input{
		Source:    src,
		Run:       src.Runnings(),
		Wait:      src.Waitings(),
		Sleep:     src.Sleepings(),
		Stop:      src.Terminateds(),
		On:        src.Onlines(),
		Off:       src.Offlines(),
		Evaluator: duration.DefaultStatic(),
	}
}

func mustRun(t *testing.T, c *domain.Configuration, vm *domain.VirtualMachine, node string) {
	t.Helper()
	if err := c.SetRunOn(vm, node); err != nil {
		t.Fatalf("SetRunOn(%s, %s) failed: %v", vm.ID, node, err)
	}
}

func build(t *testing.T, in model.Input, cs ...placement.Constraint) *model.Problem {
	t.Helper()
	p, err := model.New(in, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := placement.InjectAll(p, cs); err != nil {
		t.Fatalf("InjectAll failed: %v", err)
	}
	return p
}

func phase(t *testing.T, p *model.Problem, name string) cp.Phase {
	t.Helper()
	for _, ph := range p.Phases() {
		if ph.Name == name {
			return ph
		}
	}
	t.Fatalf("no phase %q", name)
	return cp.Phase{}
}

func TestApply_PhaseOrder(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 8))
	mustRun(t, src, domain.NewVM("VM1", 1, 1, 1), "N1")
	p := build(t, firstSolution(src))

	Apply(p)

	want := []string{"groups", "well-placed", "group-members", "bad-nodes", "waiting", "node-states", "starts", "end", "cost"}
	got := p.Phases()
	if len(got) != len(want) {
		t.Fatalf("got %d phases, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("phase %d = %s, want %s", i, got[i].Name, name)
		}
	}
}

func TestApply_WellPlacedByDecreasingMemory(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 8, 1, 16))
	src.AddOnline(domain.NewNode("N2", 8, 1, 16))
	mustRun(t, src, domain.NewVM("small", 1, 1, 1), "N1")
	mustRun(t, src, domain.NewVM("large", 1, 1, 6), "N1")
	mustRun(t, src, domain.NewVM("medium", 1, 1, 3), "N2")
	p := build(t, firstSolution(src))

	Apply(p)

	vars := phase(t, p, "well-placed").Vars
	want := []string{"large.host", "medium.host", "small.host"}
	if len(vars) != len(want) {
		t.Fatalf("got %d variables, want %d", len(vars), len(want))
	}
	for i, name := range want {
		if vars[i].Name() != name {
			t.Errorf("variable %d = %s, want %s", i, vars[i].Name(), name)
		}
	}
}

func TestApply_StaysWhenPossible(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 4))
	src.AddOnline(domain.NewNode("N2", 4, 1, 4))
	mustRun(t, src, domain.NewVM("VM1", 1, 1, 1), "N2")
	mustRun(t, src, domain.NewVM("VM2", 1, 1, 1), "N2")
	p := build(t, firstSolution(src))

	Apply(p)
	sol, err := p.Solve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if got := sol.Value(p.GlobalCost); got != 0 {
		t.Errorf("global cost = %d, want 0", got)
	}
	if got := sol.Value(p.End); got != 0 {
		t.Errorf("end = %d, want 0", got)
	}
}

func TestApply_StrategyRanksDestinations(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     string
	}{
		{StrategyBalance, "N2"},
		{StrategySpread, "N2"},
		{StrategyPack, "N3"},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			src := domain.NewConfiguration()
			for _, id := range []string{"N1", "N2", "N3"} {
				src.AddOnline(domain.NewNode(id, 8, 1, 8))
			}
			vm := domain.NewVM("VM1", 1, 1, 1)
			mustRun(t, src, vm, "N1")
			mustRun(t, src, domain.NewVM("VM2", 1, 2, 4), "N3")
			nodes := src.Nodes()
			p := build(t, firstSolution(src), placement.NewBan(domain.NewVMSet(vm), domain.NewNodeSet(nodes["N1"])))

			New(Config{Strategy: tt.strategy}, zap.NewNop()).Apply(p)
			if !contains(phase(t, p, "bad-nodes").Vars, "VM1.host") {
				t.Fatal("VM1 must be handled as a VM on a bad node")
			}
			sol, err := p.Solve(context.Background(), 0)
			if err != nil {
				t.Fatalf("Solve failed: %v", err)
			}
			a, _ := p.VMAction("VM1")
			if got := p.NodeAt(sol.Value(a.Demanding.Host)).ID; got != tt.want {
				t.Errorf("VM1 went to %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApply_PreferredNodeState(t *testing.T) {
	src := domain.NewConfiguration()
	src.AddOnline(domain.NewNode("N1", 4, 1, 4))
	src.AddOnline(domain.NewNode("N2", 4, 1, 4))
	mustRun(t, src, domain.NewVM("VM1", 1, 1, 1), "N1")
	nodes := src.Nodes()
	in := firstSolution(src)
	in.On = domain.NewNodeSet(nodes["N1"])
	in.Off = domain.NewNodeSet(nodes["N2"])
	in.ManageableNodes = src.Nodes()
	p := build(t, in)

	Apply(p)
	sol, err := p.Solve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	n1, _ := p.NodeAction("N1")
	n2, _ := p.NodeAction("N2")
	if sol.Value(n1.State) != 1 || sol.Value(n2.State) != 0 {
		t.Errorf("states = %d/%d, want 1/0", sol.Value(n1.State), sol.Value(n2.State))
	}
}

func TestEarliest(t *testing.T) {
	s := cp.NewStore()
	a := s.NewIntVar("a", 3, 9)
	b := s.NewIntVar("b", 1, 9)
	c := s.NewIntVar("c", 0, 0)
	if got := Earliest([]*cp.IntVar{a, b, c}); got != b {
		t.Errorf("Earliest = %v, want b", got)
	}
	if got := Earliest([]*cp.IntVar{c}); got != nil {
		t.Errorf("Earliest on fixed variables = %v, want nil", got)
	}
}

func contains(vars []*cp.IntVar, name string) bool {
	for _, v := range vars {
		if v.Name() == name {
			return true
		}
	}
	return false
}
