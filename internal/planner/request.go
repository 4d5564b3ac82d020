package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/placement"
)

// Request describes a reconfiguration: the current configuration, the state every
// VM and node must reach and the placement constraints to satisfy.
type Request struct {
	Source *domain.Configuration

	Run   domain.VMSet
	Wait  domain.VMSet
	Sleep domain.VMSet
	Stop  domain.VMSet

	On  domain.NodeSet
	Off domain.NodeSet

	// ManageableNodes are the nodes whose final power state is left to the planner.
	ManageableNodes domain.NodeSet

	Constraints []placement.Constraint
}

// KeepStates returns a request keeping every VM and node in its current state. The
// resulting plan only relocates VMs, to fit their demand or the constraints.
func KeepStates(src *domain.Configuration, constraints ...placement.Constraint) Request {
	return Request{
		Source:      src,
		Run:         src.Runnings(),
		Wait:        src.Waitings(),
		Sleep:       src.Sleepings(),
		Stop:        src.Terminateds(),
		On:          src.Onlines(),
		Off:         src.Offlines(),
		Constraints: constraints,
	}
}

// normalized replaces the nil sets of the request by empty ones.
func (r Request) normalized() Request {
	for _, s := range []*domain.VMSet{&r.Run, &r.Wait, &r.Sleep, &r.Stop} {
		if *s == nil {
			*s = domain.NewVMSet()
		}
	}
	for _, s := range []*domain.NodeSet{&r.On, &r.Off, &r.ManageableNodes} {
		if *s == nil {
			*s = domain.NewNodeSet()
		}
	}
	return r
}

// vms returns every VM of the source and of the targets. Target objects win over
// the source ones, as they carry the expected resource figures.
func (r Request) vms() domain.VMSet {
	out := r.Source.VMs()
	for _, set := range []domain.VMSet{r.Run, r.Wait, r.Sleep, r.Stop} {
		out.AddAll(set)
	}
	return out
}

// repairSet returns the VMs a repair may relocate: the ones violating a
// constraint, the ones on an overloaded node and the ones on a node going offline.
func (r Request) repairSet() domain.VMSet {
	src := r.Source
	out := placement.MisPlaced(src, r.Constraints)
	for id := range src.OverloadedNodes(domain.MetricDemand) {
		out.AddAll(src.RunningsOn(id))
	}
	for id := range r.Off {
		out.AddAll(src.RunningsOn(id))
	}
	for id := range r.ManageableNodes {
		if !r.On.Contains(id) {
			out.AddAll(src.RunningsOn(id))
		}
	}
	return out
}

// Fingerprint returns a stable digest of the request: the source content, the
// targets and the constraints. Requests with the same fingerprint get the same plans.
func (r Request) Fingerprint() string {
	r = r.normalized()
	h := sha256.New()
	if r.Source != nil {
		fmt.Fprintln(h, r.Source.Fingerprint())
	}
	for _, set := range []domain.VMSet{r.Run, r.Wait, r.Sleep, r.Stop} {
		fmt.Fprintln(h, set.Key())
	}
	for _, set := range []domain.NodeSet{r.On, r.Off, r.ManageableNodes} {
		fmt.Fprintln(h, set.Key())
	}
	cs := make([]string, 0, len(r.Constraints))
	for _, c := range r.Constraints {
		cs = append(cs, c.String())
	}
	sort.Strings(cs)
	for _, c := range cs {
		fmt.Fprintln(h, c)
	}
	return hex.EncodeToString(h.Sum(nil))
}
