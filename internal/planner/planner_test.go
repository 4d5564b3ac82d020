package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/duration"
	"github.com/limiquantix/replan/internal/placement"
	"github.com/limiquantix/replan/internal/plan"
)

// cluster builds online nodes with 8 cores and 8 memory units.
func cluster(ids ...string) *domain.Configuration {
	c := domain.NewConfiguration()
	for _, id := range ids {
		c.AddOnline(domain.NewNode(id, 8, 1, 8))
	}
	return c
}

func run(t *testing.T, c *domain.Configuration, id, node string) *domain.VirtualMachine {
	t.Helper()
	vm := domain.NewVM(id, 1, 1, 1)
	require.NoError(t, c.SetRunOn(vm, node))
	return vm
}

func newPlanner(mutate func(*Config)) *Planner {
	cfg := DefaultConfig()
	cfg.TimeLimit = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, duration.DefaultStatic(), zap.NewNop())
}

func actionsOf(p *plan.TimedReconfigurationPlan, kind plan.ActionKind) []*plan.Action {
	var out []*plan.Action
	for _, a := range p.Actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func TestCompute_NothingToDo(t *testing.T) {
	src := cluster("N1", "N2")
	run(t, src, "VM1", "N1")
	run(t, src, "VM2", "N2")

	result, err := newPlanner(nil).Compute(context.Background(), KeepStates(src))
	require.NoError(t, err)
	assert.Empty(t, result.Actions)
	assert.Equal(t, 0, result.Duration())
	assert.True(t, result.Destination.Equals(src))
	assert.True(t, result.Stats.Optimal)
}

func TestCompute_BootNode(t *testing.T) {
	src := domain.NewConfiguration()
	n1 := domain.NewNode("N1", 5, 1, 5)
	require.NoError(t, src.AddOffline(n1))

	eval := duration.DefaultStatic()
	eval.StartupDuration = 7
	cfg := DefaultConfig()
	cfg.TimeLimit = 0
	p := New(cfg, eval, zap.NewNop())

	result, err := p.Compute(context.Background(), Request{Source: src, On: domain.NewNodeSet(n1)})
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	boot := result.Actions[0]
	assert.Equal(t, plan.ActionStartup, boot.Kind)
	assert.Equal(t, 0, boot.Start)
	assert.Equal(t, 7, boot.Finish)
	assert.Equal(t, 7, result.Duration())
	assert.True(t, result.Destination.IsOnline("N1"))
}

func TestCompute_DemandOverload(t *testing.T) {
	src := cluster("N1", "N2")
	run(t, src, "VM1", "N1")
	big := domain.NewVM("VM2", 1, 1, 1)
	big.MemoryDemand = 8
	require.NoError(t, src.SetRunOn(big, "N1"))

	result, err := newPlanner(nil).Compute(context.Background(), KeepStates(src))
	require.NoError(t, err)
	migrations := actionsOf(result, plan.ActionMigration)
	require.Len(t, migrations, 1)
	assert.Equal(t, "N1", migrations[0].Source.ID)
	assert.Equal(t, "N2", migrations[0].Destination.ID)
	assert.Equal(t, 1, result.Stats.Objective)
	assert.Empty(t, result.Destination.OverloadedNodes(domain.MetricDemand))
}

func TestCompute_Ban(t *testing.T) {
	src := cluster("N1", "N2", "N3")
	vm1 := run(t, src, "VM1", "N1")
	run(t, src, "VM2", "N2")
	ban := placement.NewBan(domain.NewVMSet(vm1), domain.NewNodeSet(src.Nodes()["N1"]))

	result, err := newPlanner(nil).Compute(context.Background(), KeepStates(src, ban))
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, plan.ActionMigration, result.Actions[0].Kind)
	assert.Equal(t, "VM1", result.Actions[0].VM.ID)
	assert.True(t, ban.IsSatisfied(result.Destination))
	host, _ := result.Destination.Location("VM2")
	assert.Equal(t, "N2", host)
}

func TestCompute_Repair(t *testing.T) {
	src := cluster("N1", "N2")
	vm1 := run(t, src, "VM1", "N1")
	run(t, src, "VM2", "N1")
	ban := placement.NewBan(domain.NewVMSet(vm1), domain.NewNodeSet(src.Nodes()["N1"]))

	req := KeepStates(src, ban).normalized()
	assert.Equal(t, []string{"VM1"}, req.repairSet().IDs())

	result, err := newPlanner(func(c *Config) { c.Repair = true }).Compute(context.Background(), KeepStates(src, ban))
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "VM1", result.Actions[0].VM.ID)
	host, _ := result.Destination.Location("VM2")
	assert.Equal(t, "N1", host)
}

func TestCompute_InvalidRequest(t *testing.T) {
	_, err := newPlanner(nil).Compute(context.Background(), Request{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	src := cluster("N1")
	vm := run(t, src, "VM1", "N1")
	req := KeepStates(src)
	req.Stop = domain.NewVMSet(vm)
	_, err = newPlanner(nil).Compute(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrConfigurationState)
}

// fencedPair builds two fenced partitions, each with a VM to move away.
func fencedPair(t *testing.T) Request {
	t.Helper()
	src := cluster("N1", "N2", "N3", "N4")
	nodes := src.Nodes()
	vm1 := run(t, src, "VM1", "N1")
	vm2 := run(t, src, "VM2", "N3")
	return KeepStates(src,
		placement.NewFence(domain.NewVMSet(vm1), domain.NewNodeSet(nodes["N1"], nodes["N2"])),
		placement.NewFence(domain.NewVMSet(vm2), domain.NewNodeSet(nodes["N3"], nodes["N4"])),
		placement.NewBan(domain.NewVMSet(vm1), domain.NewNodeSet(nodes["N1"])),
		placement.NewBan(domain.NewVMSet(vm2), domain.NewNodeSet(nodes["N3"])),
	)
}

func TestCompute_Modes(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
	}{
		{"sequential", ModeSequential},
		{"parallel", ModeParallel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlanner(func(c *Config) { c.Mode = tt.mode })
			result, err := p.Compute(context.Background(), fencedPair(t))
			require.NoError(t, err)
			assert.Equal(t, 2, result.Stats.Partitions)
			assert.Equal(t, 2, result.Stats.Objective)
			assert.Len(t, actionsOf(result, plan.ActionMigration), 2)

			host1, _ := result.Destination.Location("VM1")
			host2, _ := result.Destination.Location("VM2")
			assert.Equal(t, "N2", host1)
			assert.Equal(t, "N4", host2)
		})
	}
}

func TestCompute_WithoutPartitioning(t *testing.T) {
	p := newPlanner(func(c *Config) { c.Partitioning = false })
	result, err := p.Compute(context.Background(), fencedPair(t))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Partitions)
	assert.Len(t, result.Actions, 2)
}

func TestCompute_ReportsEveryFailingPartition(t *testing.T) {
	src := cluster("N1", "N2")
	nodes := src.Nodes()
	vm1 := run(t, src, "VM1", "N1")
	vm2 := run(t, src, "VM2", "N2")
	req := KeepStates(src,
		placement.NewFence(domain.NewVMSet(vm1), domain.NewNodeSet(nodes["N1"])),
		placement.NewFence(domain.NewVMSet(vm2), domain.NewNodeSet(nodes["N2"])),
		placement.NewBan(domain.NewVMSet(vm1), domain.NewNodeSet(nodes["N1"])),
		placement.NewBan(domain.NewVMSet(vm2), domain.NewNodeSet(nodes["N2"])),
	)

	_, err := newPlanner(nil).Compute(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInfeasible)

	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	for i, e := range errs {
		var infeasible *domain.InfeasibleError
		require.True(t, errors.As(e, &infeasible), "got %v", e)
		assert.Equal(t, i, infeasible.Partition)
	}
}

func TestSplit(t *testing.T) {
	src := cluster("N1", "N2", "N3", "N4")
	nodes := src.Nodes()
	vm1 := run(t, src, "VM1", "N1")
	run(t, src, "VM2", "N2")
	vm3 := run(t, src, "VM3", "N3")
	vm4 := run(t, src, "VM4", "N4")
	waiting := domain.NewVM("VM5", 1, 1, 1)
	src.AddWaiting(waiting)

	fence := placement.NewFence(domain.NewVMSet(vm1), domain.NewNodeSet(nodes["N1"]))
	spread := placement.NewLazySpread(domain.NewVMSet(vm3, vm4))
	parts, err := Split(KeepStates(src, fence, spread).normalized(), true)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, 0, parts[0].ID)
	assert.Equal(t, []string{"N1"}, parts[0].Nodes.IDs())
	assert.Equal(t, []string{"VM1"}, parts[0].VMs.IDs())
	assert.Equal(t, []placement.Constraint{fence}, parts[0].Constraints)

	assert.Equal(t, 1, parts[1].ID)
	assert.Equal(t, []string{"N2", "N3", "N4"}, parts[1].Nodes.IDs())
	assert.Equal(t, []string{"VM2", "VM3", "VM4", "VM5"}, parts[1].VMs.IDs())
	assert.Equal(t, []placement.Constraint{spread}, parts[1].Constraints)
}

func TestSplit_SeparateFences(t *testing.T) {
	req := fencedPair(t).normalized()
	parts, err := Split(req, true)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []string{"N1", "N2"}, parts[0].Nodes.IDs())
	assert.Equal(t, []string{"N3", "N4"}, parts[1].Nodes.IDs())
	assert.Len(t, parts[0].Constraints, 2)
	assert.Len(t, parts[1].Constraints, 2)

	disabled, err := Split(req, false)
	require.NoError(t, err)
	require.Len(t, disabled, 1)
	assert.Len(t, disabled[0].Nodes, 4)
}

func TestSplit_UnknownElement(t *testing.T) {
	src := cluster("N1")
	vm := run(t, src, "VM1", "N1")
	ghost := domain.NewNode("N9", 1, 1, 1)
	ban := placement.NewBan(domain.NewVMSet(vm), domain.NewNodeSet(ghost))

	_, err := Split(KeepStates(src, ban).normalized(), true)
	var perr *domain.PartitioningError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, "node N9", perr.Subject)
	assert.ErrorIs(t, err, domain.ErrPartitioning)
}

func TestSubConfiguration(t *testing.T) {
	src := cluster("N1", "N2")
	run(t, src, "VM1", "N1")
	run(t, src, "VM2", "N2")
	part := &Partition{
		Nodes: domain.NewNodeSet(src.Nodes()["N2"]),
		VMs:   intersectVMs(src.VMs(), domain.NewVMSet(domain.NewVM("VM2", 1, 1, 1))),
	}
	sub, err := subConfiguration(src, part)
	require.NoError(t, err)
	assert.Equal(t, []string{"N2"}, sub.Nodes().IDs())
	assert.Equal(t, []string{"VM2"}, sub.VMs().IDs())
	host, _ := sub.Location("VM2")
	assert.Equal(t, "N2", host)
}

func TestCompute_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cfg := DefaultConfig()
	cfg.TimeLimit = 0
	p := New(cfg, duration.DefaultStatic(), zap.NewNop(), WithMetrics(m))

	_, err := p.Compute(context.Background(), fencedPair(t))
	require.NoError(t, err)
	_, err = p.Compute(context.Background(), Request{})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Computations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Computations.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Actions.WithLabelValues(string(plan.ActionMigration))))
}

func TestRequest_Fingerprint(t *testing.T) {
	src := cluster("N1", "N2")
	vm1 := run(t, src, "VM1", "N1")
	ban := placement.NewBan(domain.NewVMSet(vm1), domain.NewNodeSet(src.Nodes()["N1"]))
	root := placement.NewRoot(domain.NewVMSet(vm1))

	a := KeepStates(src, ban, root).Fingerprint()
	assert.Equal(t, a, KeepStates(src, root, ban).Fingerprint())
	assert.NotEqual(t, a, KeepStates(src, ban).Fingerprint())

	moved := src.Clone()
	require.NoError(t, moved.SetRunOn(vm1, "N2"))
	assert.NotEqual(t, a, KeepStates(moved, ban, root).Fingerprint())
}
