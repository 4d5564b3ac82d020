package cp

import (
	"sort"
)

// Demanding reserves Heights on the bin selected by Host from Start until the end
// of the schedule.
type Demanding struct {
	Host    *IntVar
	Start   *IntVar
	Heights []int
	// Active, when set, is a 0/1 variable telling whether the reservation exists.
	Active *IntVar
	// Uncounted reservations hold capacity but are left out of the loads.
	Uncounted bool
}

// Consuming reserves Heights on a fixed bin from time 0 until End.
type Consuming struct {
	Host    int
	End     *IntVar
	Heights []int
	Active  *IntVar
}

// Packing is a cumulative constraint over time on several bins and dimensions: at
// every instant, the reservations alive on a bin fit its capacity. Once every
// consuming reservation is over, the bins hold the demanding reservations only,
// which is a plain multi-dimensional bin packing.
type Packing struct {
	// Capacities is indexed by bin then dimension.
	Capacities [][]int
	// Loads, when set, receives the final load of each bin and dimension.
	Loads     [][]*IntVar
	Demanding []Demanding
	Consuming []Consuming
}

type packing struct {
	Packing
	nbDims int
}

// Pack posts the packing constraint.
func (s *Store) Pack(p Packing) {
	dims := 0
	if len(p.Capacities) > 0 {
		dims = len(p.Capacities[0])
	}
	var watched []*IntVar
	for _, d := range p.Demanding {
		watched = append(watched, d.Host, d.Start)
		if d.Active != nil {
			watched = append(watched, d.Active)
		}
	}
	for _, c := range p.Consuming {
		watched = append(watched, c.End)
		if c.Active != nil {
			watched = append(watched, c.Active)
		}
	}
	for _, row := range p.Loads {
		watched = append(watched, row...)
	}
	s.Post(&packing{Packing: p, nbDims: dims}, watched...)
}

func isActive(a *IntVar) bool   { return a == nil || (a.IsFixed() && a.Value() == 1) }
func mayBeActive(a *IntVar) bool { return a == nil || a.Max() == 1 }

func (p *packing) Propagate() error {
	if err := p.final(); err != nil {
		return err
	}
	return p.timed()
}

// final packs the demanding reservations once every consuming one is over.
func (p *packing) final() error {
	nb := len(p.Capacities)
	all := make([][]int, nb)
	counted := make([][]int, nb)
	for i := range all {
		all[i] = make([]int, p.nbDims)
		counted[i] = make([]int, p.nbDims)
	}
	// placed marks the reservations summed in all, before the pruning below fixes
	// more hosts.
	placed := make([]bool, len(p.Demanding))
	for i, d := range p.Demanding {
		if isActive(d.Active) && d.Host.IsFixed() {
			placed[i] = true
			bin := d.Host.Value()
			for k, h := range d.Heights {
				all[bin][k] += h
				if !d.Uncounted {
					counted[bin][k] += h
				}
			}
		}
	}
	for bin := range all {
		for k := range all[bin] {
			capacity := p.Capacities[bin][k]
			if all[bin][k] > capacity {
				return ErrInconsistent
			}
			if p.Loads == nil {
				continue
			}
			if err := p.Loads[bin][k].SetMin(counted[bin][k]); err != nil {
				return err
			}
			if err := p.Loads[bin][k].SetMax(capacity - (all[bin][k] - counted[bin][k])); err != nil {
				return err
			}
		}
	}
	fits := func(bin int, d Demanding) bool {
		for k, h := range d.Heights {
			if all[bin][k]+h > p.Capacities[bin][k] {
				return false
			}
			if p.Loads != nil && !d.Uncounted && counted[bin][k]+h > p.Loads[bin][k].Max() {
				return false
			}
		}
		return true
	}
	for _, d := range p.Demanding {
		if !mayBeActive(d.Active) {
			continue
		}
		switch {
		case d.Host.IsFixed() && !isActive(d.Active):
			if !fits(d.Host.Value(), d) {
				if err := d.Active.Fix(0); err != nil {
					return err
				}
			}
		case !d.Host.IsFixed() && isActive(d.Active):
			if err := d.Host.Restrict(func(bin int) bool { return fits(bin, d) }); err != nil {
				return err
			}
		}
	}
	if p.Loads == nil {
		return nil
	}
	possible := make([][]int, nb)
	for i := range possible {
		possible[i] = append([]int(nil), counted[i]...)
	}
	for i, d := range p.Demanding {
		if d.Uncounted || placed[i] || !mayBeActive(d.Active) {
			continue
		}
		for _, bin := range d.Host.Values() {
			for k, h := range d.Heights {
				possible[bin][k] += h
			}
		}
	}
	for bin, row := range possible {
		for k, load := range row {
			if err := p.Loads[bin][k].SetMax(load); err != nil {
				return err
			}
		}
	}
	return nil
}

type timedItem struct {
	v       *IntVar
	heights []int
}

// timed checks the resource profile of each bin over time. The profile only
// increases when a demanding reservation starts and only decreases when a
// consuming one ends, so it is enough to check each bin at the start of each
// demanding reservation it surely hosts.
func (p *packing) timed() error {
	cons := make(map[int][]timedItem)
	dems := make(map[int][]timedItem)
	for _, c := range p.Consuming {
		if isActive(c.Active) {
			cons[c.Host] = append(cons[c.Host], timedItem{v: c.End, heights: c.Heights})
		}
	}
	for _, d := range p.Demanding {
		if isActive(d.Active) && d.Host.IsFixed() {
			bin := d.Host.Value()
			dems[bin] = append(dems[bin], timedItem{v: d.Start, heights: d.Heights})
		}
	}
	bins := make([]int, 0, len(dems))
	for bin := range dems {
		bins = append(bins, bin)
	}
	sort.Ints(bins)
	for _, bin := range bins {
		for k := 0; k < p.nbDims; k++ {
			if err := p.timedBin(bin, k, cons[bin], dems[bin]); err != nil {
				return err
			}
		}
	}
	return nil
}

// mandatoryAt returns the load surely present on a bin at time t, ignoring the
// reservation skip.
func mandatoryAt(t, dim int, cons, dems []timedItem, skip *IntVar) int {
	load := 0
	for _, c := range cons {
		if c.v != skip && c.v.Min() > t {
			load += c.heights[dim]
		}
	}
	for _, d := range dems {
		if d.v != skip && d.v.Max() <= t {
			load += d.heights[dim]
		}
	}
	return load
}

func (p *packing) timedBin(bin, dim int, cons, dems []timedItem) error {
	capacity := p.Capacities[bin][dim]
	for _, d := range dems {
		h := d.heights[dim]
		if h == 0 {
			continue
		}
		t0 := d.v.Min()
		candidates := []int{t0}
		for _, c := range cons {
			if end := c.v.Min(); end > t0 {
				candidates = append(candidates, end)
			}
		}
		sort.Ints(candidates)
		found := false
		for _, t := range candidates {
			if t > d.v.Max() {
				break
			}
			if mandatoryAt(t, dim, cons, dems, d.v)+h <= capacity {
				if err := d.v.SetMin(t); err != nil {
					return err
				}
				found = true
				break
			}
		}
		if !found {
			return ErrInconsistent
		}
	}
	// A consuming reservation that cannot coexist with what surely runs at the
	// latest start of a demanding one must be over by then.
	for _, d := range dems {
		t := d.v.Max()
		for _, c := range cons {
			h := c.heights[dim]
			if h == 0 || c.v.Min() > t || c.v.Max() <= t {
				continue
			}
			if mandatoryAt(t, dim, cons, dems, c.v)+h > capacity {
				if err := c.v.SetMax(t); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
