package etcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Key(t *testing.T) {
	c := &Client{prefix: "replan"}
	assert.Equal(t, "/replan/cluster/nodes/N1", c.key("cluster", "nodes", "N1"))
	assert.Equal(t, "/replan/plans", c.key("plans"))

	c = &Client{prefix: "/a/b/"}
	assert.Equal(t, "/a/b/leaders/drs", c.key("leaders", "drs"))
}

func TestAssemble(t *testing.T) {
	root := "/replan/cluster"
	entries := map[string][]byte{
		root + "/nodes/N2":           []byte(`{"id":"N2","cores":4,"cpu_per_core":1,"memory":4096}`),
		root + "/nodes/N1":           []byte(`{"id":"N1","cores":2,"cpu_per_core":2,"memory":2048}`),
		root + "/vms/VM1":            []byte(`{"id":"VM1","vcpus":1,"cpu":1,"memory":512,"state":"running","host":"N1"}`),
		root + "/constraints/spread": []byte(`{"name":"spread","vms":["VM1"]}`),
		root + "/targets":            []byte(`{"off":["N2"]}`),
		root + "/unrelated":          []byte(`garbage`),
	}

	snap, err := assemble(root, entries)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, "N1", snap.Nodes[0].ID)
	assert.Equal(t, "N2", snap.Nodes[1].ID)
	require.Len(t, snap.VMs, 1)
	assert.Equal(t, "N1", snap.VMs[0].Host)
	require.Len(t, snap.Constraints, 1)
	assert.Equal(t, []string{"N2"}, snap.Targets.Off)
}

func TestAssemble_Malformed(t *testing.T) {
	root := "/replan/cluster"
	_, err := assemble(root, map[string][]byte{
		root + "/nodes/N1": []byte(`{`),
		root + "/vms/VM1":  []byte(`[]`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), root+"/nodes/N1")
	assert.Contains(t, err.Error(), root+"/vms/VM1")
}

func TestConstraintName_KeepsOrder(t *testing.T) {
	assert.Equal(t, "0000", constraintName(0))
	assert.Less(t, constraintName(9), constraintName(10))
	assert.Less(t, constraintName(99), constraintName(100))
}
