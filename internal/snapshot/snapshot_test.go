package snapshot

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/duration"
	"github.com/limiquantix/replan/internal/planner"
)

const cluster = `
nodes:
  - id: N1
    cores: 8
    cpu_per_core: 1
    memory: 8GiB
  - id: N2
    cores: 8
    cpu_per_core: 1
    memory: 8192
  - id: N3
    cores: 8
    cpu_per_core: 1
    memory: 8GiB
    state: offline
vms:
  - id: VM1
    vcpus: 1
    cpu: 1
    memory: 1GiB
    state: running
    host: N1
  - id: VM2
    vcpus: 1
    cpu: 1
    memory: 512MiB
    memory_demand: 2GiB
    state: running
    host: N1
  - id: VM3
    vcpus: 1
    cpu: 1
    memory: 1GiB
    state: waiting
  - id: VM4
    vcpus: 1
    cpu: 1
    memory: 1GiB
targets:
  run: [VM3, VM4]
  manageable: [N3]
constraints:
  - name: ban
    vms: [VM1]
    nodes: [N1]
  - name: among
    vms: [VM3, VM4]
    groups: [[N1], [N2, N3]]
`

func decode(t *testing.T, content string) *Snapshot {
	t.Helper()
	s, err := Decode(strings.NewReader(content))
	require.NoError(t, err)
	return s
}

func TestSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"512", 512},
		{"1GiB", 1024},
		{"1.5g", 1536},
		{"256MiB", 256},
	}
	for _, tt := range tests {
		var s Size
		require.NoError(t, yaml.Unmarshal([]byte(tt.in), &s), tt.in)
		assert.Equal(t, tt.want, s, tt.in)
	}

	var s Size
	assert.Error(t, yaml.Unmarshal([]byte("lots"), &s))
	assert.Equal(t, "2GiB", Size(2048).String())
}

func TestConfiguration(t *testing.T) {
	cfg, err := decode(t, cluster).Configuration()
	require.NoError(t, err)

	assert.Equal(t, []string{"N1", "N2"}, cfg.Onlines().IDs())
	assert.Equal(t, []string{"N3"}, cfg.Offlines().IDs())
	assert.Equal(t, []string{"VM1", "VM2"}, cfg.RunningsOn("N1").IDs())
	assert.Equal(t, []string{"VM3"}, cfg.Waitings().IDs())
	_, tracked := cfg.VM("VM4")
	assert.False(t, tracked)

	vm2, _ := cfg.VM("VM2")
	assert.Equal(t, 512, vm2.MemoryConsumption)
	assert.Equal(t, 2048, vm2.MemoryDemand)
	assert.Equal(t, 1, vm2.CPUDemand)
	n2, _ := cfg.Node("N2")
	assert.Equal(t, 8192, n2.MemoryCapacity)
}

func TestRequest(t *testing.T) {
	req, err := decode(t, cluster).Request(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"VM1", "VM2", "VM3", "VM4"}, req.Run.IDs())
	assert.Empty(t, req.Wait)
	assert.Equal(t, []string{"N1", "N2"}, req.On.IDs())
	assert.Equal(t, []string{"N3"}, req.Off.IDs())
	assert.Equal(t, []string{"N3"}, req.ManageableNodes.IDs())
	require.Len(t, req.Constraints, 2)
	assert.Contains(t, req.Constraints[0].String(), "ban")
}

func TestRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		is      error
	}{
		{"unknown node state", "nodes:\n  - {id: N1, state: dozing}\n", domain.ErrInvalidArgument},
		{"duplicate node", "nodes:\n  - {id: N1}\n  - {id: N1}\n", domain.ErrInvalidArgument},
		{"hostless running vm", "nodes:\n  - {id: N1}\nvms:\n  - {id: VM1, state: running, host: N9}\n", nil},
		{"untracked vm without target", "nodes:\n  - {id: N1}\nvms:\n  - {id: VM1}\n", domain.ErrInvalidArgument},
		{"unknown target", "nodes:\n  - {id: N1}\ntargets:\n  on: [N2]\n", domain.ErrNotFound},
		{"unknown constraint", "nodes:\n  - {id: N1}\nconstraints:\n  - {name: nope}\n", domain.ErrNotFound},
		{"constraint on unknown vm", "nodes:\n  - {id: N1}\nconstraints:\n  - {name: root, vms: [VM9]}\n", domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(t, tt.content).Request(nil)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestDecode_UnknownField(t *testing.T) {
	_, err := Decode(strings.NewReader("nodes: []\nhosts: []\n"))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	cfg, err := decode(t, cluster).Configuration()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, FromConfiguration(cfg, nil).Encode(&buf))
	again, err := Decode(&buf)
	require.NoError(t, err)
	back, err := again.Configuration()
	require.NoError(t, err)
	assert.Equal(t, cfg.Fingerprint(), back.Fingerprint())
}

func TestPlanFromSnapshot(t *testing.T) {
	req, err := decode(t, cluster).Request(nil)
	require.NoError(t, err)

	cfg := planner.DefaultConfig()
	cfg.TimeLimit = 0
	p, err := planner.New(cfg, duration.DefaultStatic(), zap.NewNop()).Compute(context.Background(), req)
	require.NoError(t, err)

	host, _ := p.Destination.Location("VM1")
	assert.NotEqual(t, "N1", host)
	h3, _ := p.Destination.Location("VM3")
	h4, _ := p.Destination.Location("VM4")
	assert.True(t, h3 == "N1" && h4 == "N1" || h3 != "N1" && h4 != "N1", "VM3 on %s, VM4 on %s", h3, h4)

	var buf bytes.Buffer
	require.NoError(t, EncodePlan(&buf, p))
	assert.Contains(t, buf.String(), "kind: migration")
	assert.Contains(t, buf.String(), "subject: VM1")
}

func TestSize_MarshalKeepsPrecision(t *testing.T) {
	for _, s := range []Size{0, 512, 2048, 10241, 1500} {
		out, err := yaml.Marshal(s)
		require.NoError(t, err)
		var back Size
		require.NoError(t, yaml.Unmarshal(out, &back))
		assert.Equal(t, s, back, "encoded as %s", out)
	}
}
