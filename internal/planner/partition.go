package planner

import (
	"sort"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/placement"
)

// Partition is an independent sub-problem: the VMs of a partition only use its
// nodes and its constraints only involve its elements.
type Partition struct {
	ID          int
	Nodes       domain.NodeSet
	VMs         domain.VMSet
	Constraints []placement.Constraint
}

// disjointSets is a union-find over element keys.
type disjointSets struct {
	parent map[string]string
	rank   map[string]int
}

func newDisjointSets() *disjointSets {
	return &disjointSets{parent: make(map[string]string), rank: make(map[string]int)}
}

func (d *disjointSets) add(k string) {
	if _, ok := d.parent[k]; !ok {
		d.parent[k] = k
	}
}

func (d *disjointSets) has(k string) bool {
	_, ok := d.parent[k]
	return ok
}

func (d *disjointSets) find(k string) string {
	for d.parent[k] != k {
		d.parent[k] = d.parent[d.parent[k]]
		k = d.parent[k]
	}
	return k
}

func (d *disjointSets) union(a, b string) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[ra] > d.rank[rb]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
}

func nodeKey(id string) string { return "node/" + id }
func vmKey(id string) string   { return "vm/" + id }

// Split divides a request into independent partitions.
//
// Fence constraints group their VMs with their nodes. The nodes no fence covers
// form a single group with the VMs no fence covers. A VM is always grouped with
// its current host, and any other constraint merges the groups of the elements
// it involves. Without constraints, or when disabled, the whole cluster is one
// partition.
//
// Partitions are numbered by their smallest node ID, then their smallest VM ID.
func Split(req Request, enabled bool) ([]*Partition, error) {
	nodes := req.Source.Nodes()
	vms := req.vms()
	if !enabled || len(req.Constraints) == 0 {
		return []*Partition{{Nodes: nodes, VMs: vms, Constraints: req.Constraints}}, nil
	}

	sets := newDisjointSets()
	for id := range nodes {
		sets.add(nodeKey(id))
	}
	for id := range vms {
		sets.add(vmKey(id))
	}
	// every element of a constraint must be known
	for _, c := range req.Constraints {
		for _, id := range c.Nodes().IDs() {
			if !sets.has(nodeKey(id)) {
				return nil, &domain.PartitioningError{Subject: "node " + id, Reason: "referenced by " + c.String() + " but not in the cluster"}
			}
		}
		for _, id := range c.VMs().IDs() {
			if !sets.has(vmKey(id)) {
				return nil, &domain.PartitioningError{Subject: "vm " + id, Reason: "referenced by " + c.String() + " but not in the cluster"}
			}
		}
	}

	fencedNodes := domain.NewNodeSet()
	fencedVMs := domain.NewVMSet()
	var others []placement.Constraint
	for _, c := range req.Constraints {
		f, ok := c.(*placement.Fence)
		if !ok {
			others = append(others, c)
			continue
		}
		unionAll(sets, f.VMs(), f.Nodes())
		for _, n := range f.Nodes() {
			fencedNodes.Add(n)
		}
		fencedVMs.AddAll(f.VMs())
	}

	free := domain.NewNodeSet()
	for id, n := range nodes {
		if !fencedNodes.Contains(id) {
			free.Add(n)
		}
	}
	unionAll(sets, nil, free)
	freeIDs := free.IDs()
	for _, id := range vms.IDs() {
		if host, ok := req.Source.Location(id); ok {
			sets.union(vmKey(id), nodeKey(host))
			continue
		}
		if fencedVMs.Contains(id) {
			continue
		}
		// a VM without host and without fence may start anywhere outside fences
		if len(freeIDs) > 0 {
			sets.union(vmKey(id), nodeKey(freeIDs[0]))
		} else {
			unionAll(sets, domain.NewVMSet(vms[id]), nodes)
		}
	}
	for _, c := range others {
		unionAll(sets, c.VMs(), c.Nodes())
	}

	byRoot := make(map[string]*Partition)
	var parts []*Partition
	get := func(key string) *Partition {
		root := sets.find(key)
		part, ok := byRoot[root]
		if !ok {
			part = &Partition{Nodes: domain.NewNodeSet(), VMs: domain.NewVMSet()}
			byRoot[root] = part
			parts = append(parts, part)
		}
		return part
	}
	for _, n := range nodes.Sorted() {
		get(nodeKey(n.ID)).Nodes.Add(n)
	}
	for _, vm := range vms.Sorted() {
		get(vmKey(vm.ID)).VMs.Add(vm)
	}
	sort.SliceStable(parts, func(i, j int) bool { return partitionKey(parts[i]) < partitionKey(parts[j]) })
	for i, part := range parts {
		part.ID = i
	}

	for _, c := range req.Constraints {
		key := ""
		if ids := c.Nodes().IDs(); len(ids) > 0 {
			key = nodeKey(ids[0])
		} else if ids := c.VMs().IDs(); len(ids) > 0 {
			key = vmKey(ids[0])
		}
		if key == "" {
			// involves nothing explicitly: every partition gets it
			for _, part := range parts {
				part.Constraints = append(part.Constraints, c)
			}
			continue
		}
		part := byRoot[sets.find(key)]
		part.Constraints = append(part.Constraints, c)
	}
	return parts, nil
}

func unionAll(sets *disjointSets, vms domain.VMSet, nodes domain.NodeSet) {
	var keys []string
	for _, id := range nodes.IDs() {
		keys = append(keys, nodeKey(id))
	}
	for _, id := range vms.IDs() {
		keys = append(keys, vmKey(id))
	}
	for i := 1; i < len(keys); i++ {
		sets.union(keys[0], keys[i])
	}
}

// partitionKey orders partitions: the ones with nodes first, by smallest node ID.
func partitionKey(p *Partition) string {
	if ids := p.Nodes.IDs(); len(ids) > 0 {
		return "0" + ids[0]
	}
	return "1" + p.VMs.IDs()[0]
}

// subConfiguration extracts the configuration of a partition from src.
func subConfiguration(src *domain.Configuration, part *Partition) (*domain.Configuration, error) {
	out := domain.NewConfiguration()
	for _, n := range part.Nodes.Sorted() {
		if src.IsOnline(n.ID) {
			out.AddOnline(n)
		} else if err := out.AddOffline(n); err != nil {
			return nil, err
		}
	}
	for _, id := range part.VMs.IDs() {
		vm, ok := src.VM(id)
		if !ok {
			continue
		}
		var err error
		switch src.VMState(id) {
		case domain.VMStateRunning:
			host, _ := src.Location(id)
			err = out.SetRunOn(vm, host)
		case domain.VMStateSleeping:
			host, _ := src.Location(id)
			err = out.SetSleepOn(vm, host)
		case domain.VMStateWaiting:
			out.AddWaiting(vm)
		case domain.VMStateTerminated:
			out.SetTerminated(vm)
		}
		if err != nil {
			return nil, &domain.PartitioningError{Subject: "vm " + id, Reason: err.Error()}
		}
	}
	return out, nil
}

func intersectVMs(set, with domain.VMSet) domain.VMSet {
	out := domain.NewVMSet()
	for id, vm := range set {
		if with.Contains(id) {
			out.Add(vm)
		}
	}
	return out
}

func intersectNodes(set, with domain.NodeSet) domain.NodeSet {
	out := domain.NewNodeSet()
	for id, n := range set {
		if with.Contains(id) {
			out.Add(n)
		}
	}
	return out
}
