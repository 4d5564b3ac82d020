package cp

// allDifferent enforces pairwise distinct values by forward checking, plus a
// pigeonhole check on the union of the domains.
type allDifferent struct {
	xs []*IntVar
}

func (p *allDifferent) Propagate() error {
	for i, x := range p.xs {
		if !x.IsFixed() {
			continue
		}
		for j, y := range p.xs {
			if i != j {
				if err := y.Remove(x.Value()); err != nil {
					return err
				}
			}
		}
	}
	union := make(map[int]struct{})
	for _, x := range p.xs {
		for _, v := range x.Values() {
			union[v] = struct{}{}
		}
	}
	if len(union) < len(p.xs) {
		return ErrInconsistent
	}
	return nil
}

// AllDifferent posts pairwise distinct values over xs.
func (s *Store) AllDifferent(xs []*IntVar) {
	if len(xs) < 2 {
		return
	}
	s.Post(&allDifferent{xs: xs}, xs...)
}

// disjoint enforces that no value is taken both by a variable of as and one of bs.
type disjoint struct {
	as, bs []*IntVar
}

func (p *disjoint) Propagate() error {
	if err := removeFixed(p.as, p.bs); err != nil {
		return err
	}
	return removeFixed(p.bs, p.as)
}

func removeFixed(from, to []*IntVar) error {
	for _, x := range from {
		if !x.IsFixed() {
			continue
		}
		for _, y := range to {
			if err := y.Remove(x.Value()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Disjoint posts that the values of as and bs never overlap.
func (s *Store) Disjoint(as, bs []*IntVar) {
	if len(as) == 0 || len(bs) == 0 {
		return
	}
	s.Post(&disjoint{as: as, bs: bs}, append(append([]*IntVar{}, as...), bs...)...)
}

// atMost enforces that at most limit variables take a value in values.
type atMost struct {
	xs     []*IntVar
	values map[int]bool
	limit  int
}

func (p *atMost) Propagate() error {
	count := 0
	for _, x := range p.xs {
		if x.IsFixed() && p.values[x.Value()] {
			count++
		}
	}
	if count > p.limit {
		return ErrInconsistent
	}
	if count < p.limit {
		return nil
	}
	for _, x := range p.xs {
		if x.IsFixed() {
			continue
		}
		if err := x.Restrict(func(v int) bool { return !p.values[v] }); err != nil {
			return err
		}
	}
	return nil
}

// AtMost posts that at most limit of xs take a value in values.
func (s *Store) AtMost(xs []*IntVar, values []int, limit int) {
	set := make(map[int]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	s.Post(&atMost{xs: xs, values: set, limit: limit}, xs...)
}

// memberOf enforces x ∈ groups[g].
type memberOf struct {
	g, x   *IntVar
	groups [][]int
}

func (p *memberOf) Propagate() error {
	if err := p.g.Restrict(func(i int) bool {
		if i < 0 || i >= len(p.groups) {
			return false
		}
		for _, v := range p.groups[i] {
			if p.x.Contains(v) {
				return true
			}
		}
		return false
	}); err != nil {
		return err
	}
	allowed := make(map[int]bool)
	for _, i := range p.g.Values() {
		for _, v := range p.groups[i] {
			allowed[v] = true
		}
	}
	return p.x.Restrict(func(v int) bool { return allowed[v] })
}

// MemberOf posts that x takes a value from the group selected by g.
// Both variables must be enumerated.
func (s *Store) MemberOf(g, x *IntVar, groups [][]int) {
	s.Post(&memberOf{g: g, x: x, groups: groups}, g, x)
}
