package planner

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/plan"
)

func vmWith(id string, cpu, mem, cpuDemand, memDemand int) *domain.VirtualMachine {
	vm := domain.NewVM(id, 1, cpu, mem)
	vm.CPUDemand, vm.MemoryDemand = cpuDemand, memDemand
	return vm
}

func TestCompute_StartNextToFullNode(t *testing.T) {
	for _, optimize := range []bool{true, false} {
		t.Run(fmt.Sprintf("optimize=%v", optimize), func(t *testing.T) {
			src := domain.NewConfiguration()
			src.AddOnline(domain.NewNode("N0", 8, 1, 6))
			src.AddOnline(domain.NewNode("N1", 5, 1, 7))
			require.NoError(t, src.SetRunOn(vmWith("VM0", 2, 2, 2, 4), "N0"))
			require.NoError(t, src.SetRunOn(vmWith("VM1", 3, 1, 4, 2), "N0"))
			w0 := vmWith("W0", 1, 3, 1, 3)
			src.AddWaiting(w0)

			req := KeepStates(src)
			req.Run = src.Runnings()
			req.Run.Add(w0)
			req.Wait = domain.NewVMSet()

			result, err := newPlanner(func(c *Config) { c.Optimize = optimize }).Compute(context.Background(), req)
			require.NoError(t, err)
			runs := actionsOf(result, plan.ActionRun)
			require.Len(t, runs, 1)
			assert.Equal(t, "N1", runs[0].Destination.ID)
			assert.Empty(t, actionsOf(result, plan.ActionMigration))
			assert.Empty(t, result.Destination.OverloadedNodes(domain.MetricConsumption))
		})
	}
}

func TestCompute_DestinationConsumesDemand(t *testing.T) {
	src := domain.NewConfiguration()
	n0 := domain.NewNode("N0", 4, 1, 4)
	n1 := domain.NewNode("N1", 4, 1, 4)
	src.AddOnline(n0)
	src.AddOnline(n1)
	require.NoError(t, src.SetRunOn(vmWith("VM0", 2, 2, 1, 2), "N0"))
	require.NoError(t, src.SetRunOn(vmWith("VM1", 1, 3, 2, 1), "N1"))

	req := KeepStates(src)
	req.On = domain.NewNodeSet(n0)
	req.Off = domain.NewNodeSet(n1)

	result, err := newPlanner(nil).Compute(context.Background(), req)
	require.NoError(t, err)
	host, _ := result.Destination.Location("VM1")
	assert.Equal(t, "N0", host)
	assert.True(t, result.Destination.IsOffline("N1"))
	assert.Equal(t, 3, result.Destination.Load("N0", domain.ResourceCPU, domain.MetricConsumption))
	assert.Equal(t, 3, result.Destination.Load("N0", domain.ResourceMemory, domain.MetricConsumption))

	before, _ := src.VM("VM0")
	assert.Equal(t, 2, before.CPUConsumption, "the source keeps its figures")
}

// randomCluster fills a few nodes with VMs whose consumption fits and whose demand
// may not, then adds a spare node able to host every demand so a plan always exists.
func randomCluster(r *rand.Rand) *domain.Configuration {
	c := domain.NewConfiguration()
	totalCPU, totalMem := 0, 0
	nbNodes := 2 + r.Intn(2)
	vm := 0
	for i := 0; i < nbNodes; i++ {
		id := fmt.Sprintf("N%d", i)
		cpu, mem := 4+r.Intn(5), 4+r.Intn(5)
		c.AddOnline(domain.NewNode(id, cpu, 1, mem))
		usedCPU, usedMem := 0, 0
		for j := 0; j < 2+r.Intn(3); j++ {
			vcpu, vmem := 1+r.Intn(2), 1+r.Intn(3)
			if usedCPU+vcpu > cpu || usedMem+vmem > mem {
				break
			}
			usedCPU, usedMem = usedCPU+vcpu, usedMem+vmem
			v := vmWith(fmt.Sprintf("VM%d", vm), vcpu, vmem, max(1, vcpu+r.Intn(4)-1), max(1, vmem+r.Intn(4)-1))
			vm++
			totalCPU += v.CPUDemand
			totalMem += v.MemoryDemand
			_ = c.SetRunOn(v, id)
		}
	}
	c.AddOnline(domain.NewNode("SPARE", totalCPU, 1, totalMem))
	return c
}

// assertCapacity checks the loads every plan must respect: VMs leaving a node are
// there until their migration starts, arriving VMs are there once it finishes,
// the others hold at least the smallest of their consumption and demand.
func assertCapacity(t *testing.T, src *domain.Configuration, p *plan.TimedReconfigurationPlan) {
	t.Helper()
	moves := make(map[string]*plan.Action)
	instants := map[int]bool{0: true, p.Duration(): true}
	for _, a := range p.Actions {
		if a.Kind == plan.ActionMigration {
			moves[a.VM.ID] = a
		}
		instants[a.Start] = true
		instants[a.Finish] = true
	}
	for nodeID, node := range src.Nodes() {
		for instant := range instants {
			for _, r := range domain.Resources {
				load := 0
				for id, vm := range src.Runnings() {
					host, _ := src.Location(id)
					a, moved := moves[id]
					switch {
					case !moved && host == nodeID:
						load += min(vm.Consumption(r), vm.Demand(r))
					case moved && host == nodeID && instant < a.Start:
						load += vm.Consumption(r)
					case moved && a.Destination.ID == nodeID && instant >= a.Finish:
						load += vm.Demand(r)
					}
				}
				assert.LessOrEqual(t, load, node.Capacity(r), "%s %s at %d in\n%s", nodeID, r, instant, p)
			}
		}
	}
	assert.Empty(t, p.Destination.OverloadedNodes(domain.MetricDemand))
	assert.Empty(t, p.Destination.OverloadedNodes(domain.MetricConsumption))
}

func TestCompute_RandomRepacks(t *testing.T) {
	p := newPlanner(func(c *Config) { c.Optimize = false })
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			src := randomCluster(rand.New(rand.NewSource(seed)))
			result, err := p.Compute(context.Background(), KeepStates(src))
			require.NoError(t, err, "cluster:\n%v", src.VMs())
			assertCapacity(t, src, result)
		})
	}
}
