package cp

// leq enforces x + c <= y.
type leq struct {
	x, y *IntVar
	c    int
}

func (p *leq) Propagate() error {
	if err := p.y.SetMin(p.x.Min() + p.c); err != nil {
		return err
	}
	return p.x.SetMax(p.y.Max() - p.c)
}

// LessOrEqual posts x + c <= y.
func (s *Store) LessOrEqual(x *IntVar, c int, y *IntVar) {
	s.Post(&leq{x: x, y: y, c: c}, x, y)
}

// plus enforces z = x + y.
type plus struct {
	z, x, y *IntVar
}

func (p *plus) Propagate() error {
	for {
		zl, zh, xl, xh, yl, yh := p.z.Min(), p.z.Max(), p.x.Min(), p.x.Max(), p.y.Min(), p.y.Max()
		if err := p.z.SetMin(p.x.Min() + p.y.Min()); err != nil {
			return err
		}
		if err := p.z.SetMax(p.x.Max() + p.y.Max()); err != nil {
			return err
		}
		if err := p.x.SetMin(p.z.Min() - p.y.Max()); err != nil {
			return err
		}
		if err := p.x.SetMax(p.z.Max() - p.y.Min()); err != nil {
			return err
		}
		if err := p.y.SetMin(p.z.Min() - p.x.Max()); err != nil {
			return err
		}
		if err := p.y.SetMax(p.z.Max() - p.x.Min()); err != nil {
			return err
		}
		if zl == p.z.Min() && zh == p.z.Max() && xl == p.x.Min() && xh == p.x.Max() && yl == p.y.Min() && yh == p.y.Max() {
			return nil
		}
	}
}

// Plus posts z = x + y.
func (s *Store) Plus(z, x, y *IntVar) {
	s.Post(&plus{z: z, x: x, y: y}, z, x, y)
}

// sum enforces z = sum(xs).
type sum struct {
	z  *IntVar
	xs []*IntVar
}

func (p *sum) Propagate() error {
	lo, hi := 0, 0
	for _, x := range p.xs {
		lo += x.Min()
		hi += x.Max()
	}
	if err := p.z.SetMin(lo); err != nil {
		return err
	}
	if err := p.z.SetMax(hi); err != nil {
		return err
	}
	for _, x := range p.xs {
		// Other terms contribute at least lo - x.Min() and at most hi - x.Max().
		if err := x.SetMax(p.z.Max() - (lo - x.Min())); err != nil {
			return err
		}
		if err := x.SetMin(p.z.Min() - (hi - x.Max())); err != nil {
			return err
		}
	}
	return nil
}

// Sum posts z = sum(xs).
func (s *Store) Sum(z *IntVar, xs []*IntVar) {
	s.Post(&sum{z: z, xs: xs}, append([]*IntVar{z}, xs...)...)
}

// maximum enforces z = max(xs).
type maximum struct {
	z  *IntVar
	xs []*IntVar
}

func (p *maximum) Propagate() error {
	lo, hi := p.xs[0].Min(), p.xs[0].Max()
	for _, x := range p.xs[1:] {
		lo = max(lo, x.Min())
		hi = max(hi, x.Max())
	}
	if err := p.z.SetMin(lo); err != nil {
		return err
	}
	if err := p.z.SetMax(hi); err != nil {
		return err
	}
	var support *IntVar
	supports := 0
	for _, x := range p.xs {
		if err := x.SetMax(p.z.Max()); err != nil {
			return err
		}
		if x.Max() >= p.z.Min() {
			support = x
			supports++
		}
	}
	if supports == 0 {
		return ErrInconsistent
	}
	if supports == 1 {
		return support.SetMin(p.z.Min())
	}
	return nil
}

// Max posts z = max(xs). xs must not be empty.
func (s *Store) Max(z *IntVar, xs []*IntVar) {
	s.Post(&maximum{z: z, xs: xs}, append([]*IntVar{z}, xs...)...)
}

// element enforces y = table[x].
type element struct {
	y     *IntVar
	table []int
	x     *IntVar
}

func (p *element) Propagate() error {
	if err := p.x.Restrict(func(i int) bool {
		return i >= 0 && i < len(p.table) && p.y.Contains(p.table[i])
	}); err != nil {
		return err
	}
	lo, hi := p.table[p.x.Min()], p.table[p.x.Min()]
	for _, i := range p.x.Values() {
		lo = min(lo, p.table[i])
		hi = max(hi, p.table[i])
	}
	if err := p.y.SetMin(lo); err != nil {
		return err
	}
	if err := p.y.SetMax(hi); err != nil {
		return err
	}
	if p.y.Enumerated() {
		return p.y.Restrict(func(v int) bool {
			for _, i := range p.x.Values() {
				if p.table[i] == v {
					return true
				}
			}
			return false
		})
	}
	return nil
}

// Element posts y = table[x]. x must be enumerated.
func (s *Store) Element(y *IntVar, table []int, x *IntVar) {
	s.Post(&element{y: y, table: table, x: x}, y, x)
}

// reifEqConst enforces b <=> (x == c).
type reifEqConst struct {
	b, x *IntVar
	c    int
}

func (p *reifEqConst) Propagate() error {
	switch {
	case p.b.IsFixed() && p.b.Value() == 1:
		return p.x.Fix(p.c)
	case p.b.IsFixed():
		return p.x.Remove(p.c)
	case !p.x.Contains(p.c):
		return p.b.Fix(0)
	case p.x.IsFixed():
		return p.b.Fix(1)
	}
	return nil
}

// ReifEqConst posts b <=> (x == c).
func (s *Store) ReifEqConst(b, x *IntVar, c int) {
	s.Post(&reifEqConst{b: b, x: x, c: c}, b, x)
}

// reifEqVar enforces b <=> (x == y).
type reifEqVar struct {
	b, x, y *IntVar
}

func (p *reifEqVar) Propagate() error {
	if p.b.IsFixed() {
		if p.b.Value() == 1 {
			return equalize(p.x, p.y)
		}
		if p.x.IsFixed() {
			return p.y.Remove(p.x.Value())
		}
		if p.y.IsFixed() {
			return p.x.Remove(p.y.Value())
		}
		return nil
	}
	if p.x.IsFixed() && p.y.IsFixed() {
		if p.x.Value() == p.y.Value() {
			return p.b.Fix(1)
		}
		return p.b.Fix(0)
	}
	if !intersects(p.x, p.y) {
		return p.b.Fix(0)
	}
	return nil
}

// ReifEqVar posts b <=> (x == y).
func (s *Store) ReifEqVar(b, x, y *IntVar) {
	s.Post(&reifEqVar{b: b, x: x, y: y}, b, x, y)
}

// equal enforces x == y.
type equal struct {
	x, y *IntVar
}

func (p *equal) Propagate() error { return equalize(p.x, p.y) }

// Equal posts x == y.
func (s *Store) Equal(x, y *IntVar) {
	s.Post(&equal{x: x, y: y}, x, y)
}

func equalize(x, y *IntVar) error {
	if err := x.SetMin(y.Min()); err != nil {
		return err
	}
	if err := x.SetMax(y.Max()); err != nil {
		return err
	}
	if err := y.SetMin(x.Min()); err != nil {
		return err
	}
	if err := y.SetMax(x.Max()); err != nil {
		return err
	}
	if err := x.Restrict(y.Contains); err != nil {
		return err
	}
	return y.Restrict(x.Contains)
}

func intersects(x, y *IntVar) bool {
	lo, hi := max(x.Min(), y.Min()), min(x.Max(), y.Max())
	for v := lo; v <= hi; v++ {
		if x.Contains(v) && y.Contains(v) {
			return true
		}
	}
	return false
}

// notEqual enforces x != y.
type notEqual struct {
	x, y *IntVar
}

func (p *notEqual) Propagate() error {
	if p.x.IsFixed() {
		if err := p.y.Remove(p.x.Value()); err != nil {
			return err
		}
	}
	if p.y.IsFixed() {
		return p.x.Remove(p.y.Value())
	}
	return nil
}

// NotEqual posts x != y.
func (s *Store) NotEqual(x, y *IntVar) {
	s.Post(&notEqual{x: x, y: y}, x, y)
}

// impliesLeq enforces b == 1 => x + c <= y.
type impliesLeq struct {
	b, x, y *IntVar
	c       int
}

func (p *impliesLeq) Propagate() error {
	if p.b.IsFixed() {
		if p.b.Value() == 0 {
			return nil
		}
		if err := p.y.SetMin(p.x.Min() + p.c); err != nil {
			return err
		}
		return p.x.SetMax(p.y.Max() - p.c)
	}
	if p.x.Min()+p.c > p.y.Max() {
		return p.b.Fix(0)
	}
	return nil
}

// ImpliesLessOrEqual posts b == 1 => x + c <= y.
func (s *Store) ImpliesLessOrEqual(b, x *IntVar, c int, y *IntVar) {
	s.Post(&impliesLeq{b: b, x: x, y: y, c: c}, b, x, y)
}
