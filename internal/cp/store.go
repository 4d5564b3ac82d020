// Package cp is a small finite-domain constraint engine: integer variables with
// trailed domains, propagators run to a fixpoint, and a depth-first
// branch-and-bound search driven by pluggable phases.
//
// It only covers what reconfiguration planning needs. Propagators are stateless:
// they recompute their reasoning from the variable domains each time they run.
package cp

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// ErrInconsistent is returned by domain operations and propagators when a domain
// becomes empty.
var ErrInconsistent = errors.New("cp: inconsistent domain")

// maxEnumerated bounds the size of domains stored as bitsets.
const maxEnumerated = 1 << 16

// Propagator filters the domains of the variables it watches.
type Propagator interface {
	Propagate() error
}

// IntVar is an integer variable. Its domain is either an interval [lo, hi] or an
// enumerated set of values stored as a bitset relative to base.
type IntVar struct {
	id   int
	name string
	s    *Store

	lo, hi int
	size   int
	base   int
	bits   []uint64

	stamp    int
	watchers []*registration
}

type registration struct {
	p      Propagator
	queued bool
}

type trailEntry struct {
	v            *IntVar
	lo, hi, size int
	bits         []uint64
	stamp        int
}

// Store owns variables, propagators and the trail used to backtrack.
type Store struct {
	vars  []*IntVar
	regs  []*registration
	queue []*registration

	trail []trailEntry
	marks []int
	depth int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Vars returns every variable of the store.
func (s *Store) Vars() []*IntVar { return s.vars }

func (s *Store) newVar(name string) *IntVar {
	v := &IntVar{id: len(s.vars), name: name, s: s, stamp: -1}
	s.vars = append(s.vars, v)
	return v
}

// NewIntVar creates a variable with the interval domain [lo, hi].
func (s *Store) NewIntVar(name string, lo, hi int) *IntVar {
	if lo > hi {
		panic(fmt.Sprintf("cp: empty domain [%d, %d] for %s", lo, hi, name))
	}
	v := s.newVar(name)
	v.lo, v.hi, v.size = lo, hi, hi-lo+1
	return v
}

// NewEnumVar creates a variable whose domain is the given set of values.
func (s *Store) NewEnumVar(name string, values []int) *IntVar {
	if len(values) == 0 {
		panic("cp: empty domain for " + name)
	}
	lo, hi := math.MaxInt, math.MinInt
	for _, x := range values {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	if hi-lo+1 > maxEnumerated {
		panic(fmt.Sprintf("cp: domain of %s is too wide to enumerate", name))
	}
	v := s.newVar(name)
	v.base = lo
	v.bits = make([]uint64, (hi-lo)/64+1)
	for _, x := range values {
		v.bits[(x-lo)/64] |= 1 << uint((x-lo)%64)
	}
	v.lo, v.hi = lo, hi
	for _, w := range v.bits {
		v.size += bits.OnesCount64(w)
	}
	return v
}

// NewBoolVar creates a 0/1 variable.
func (s *Store) NewBoolVar(name string) *IntVar {
	return s.NewEnumVar(name, []int{0, 1})
}

// Constant creates a fixed variable.
func (s *Store) Constant(c int) *IntVar {
	return s.NewIntVar(fmt.Sprintf("cst(%d)", c), c, c)
}

// Post registers a propagator on the variables it watches and queues it.
// The store is propagated by the next call to Propagate or by the search.
func (s *Store) Post(p Propagator, watched ...*IntVar) {
	r := &registration{p: p}
	s.regs = append(s.regs, r)
	for _, v := range watched {
		v.watchers = append(v.watchers, r)
	}
	s.enqueue(r)
}

func (s *Store) enqueue(r *registration) {
	if !r.queued {
		r.queued = true
		s.queue = append(s.queue, r)
	}
}

// Propagate runs the queued propagators until a fixpoint is reached.
func (s *Store) Propagate() error {
	for len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		r.queued = false
		if err := r.p.Propagate(); err != nil {
			for _, q := range s.queue {
				q.queued = false
			}
			s.queue = s.queue[:0]
			return err
		}
	}
	return nil
}

// push opens a new world: every domain change can be undone by pop.
func (s *Store) push() {
	s.depth++
	s.marks = append(s.marks, len(s.trail))
}

// pop restores the domains as they were at the matching push.
func (s *Store) pop() {
	mark := s.marks[len(s.marks)-1]
	s.marks = s.marks[:len(s.marks)-1]
	for i := len(s.trail) - 1; i >= mark; i-- {
		e := s.trail[i]
		v := e.v
		v.lo, v.hi, v.size, v.stamp = e.lo, e.hi, e.size, e.stamp
		if e.bits != nil {
			copy(v.bits, e.bits)
		}
	}
	s.trail = s.trail[:mark]
	s.depth--
}

func (v *IntVar) save() {
	if v.stamp == v.s.depth {
		return
	}
	e := trailEntry{v: v, lo: v.lo, hi: v.hi, size: v.size, stamp: v.stamp}
	if v.bits != nil {
		e.bits = append([]uint64(nil), v.bits...)
	}
	v.s.trail = append(v.s.trail, e)
	v.stamp = v.s.depth
}

func (v *IntVar) notify() {
	for _, r := range v.watchers {
		v.s.enqueue(r)
	}
}

// Name returns the variable name.
func (v *IntVar) Name() string { return v.name }

// ID returns the variable index inside its store.
func (v *IntVar) ID() int { return v.id }

// Min returns the smallest value of the domain.
func (v *IntVar) Min() int { return v.lo }

// Max returns the largest value of the domain.
func (v *IntVar) Max() int { return v.hi }

// Size returns the number of values of the domain.
func (v *IntVar) Size() int { return v.size }

// IsFixed reports whether the domain is a single value.
func (v *IntVar) IsFixed() bool { return v.lo == v.hi }

// Value returns the value of a fixed variable.
func (v *IntVar) Value() int {
	if !v.IsFixed() {
		panic("cp: variable " + v.name + " is not fixed")
	}
	return v.lo
}

// Enumerated reports whether holes can be punched in the domain.
func (v *IntVar) Enumerated() bool { return v.bits != nil }

// Contains reports whether x belongs to the domain.
func (v *IntVar) Contains(x int) bool {
	if x < v.lo || x > v.hi {
		return false
	}
	if v.bits == nil {
		return true
	}
	i := x - v.base
	return v.bits[i/64]&(1<<uint(i%64)) != 0
}

// Values returns the values of the domain in increasing order.
func (v *IntVar) Values() []int {
	out := make([]int, 0, v.size)
	for x := v.lo; x <= v.hi; x++ {
		if v.Contains(x) {
			out = append(out, x)
		}
	}
	return out
}

// Next returns the smallest value of the domain strictly greater than x.
func (v *IntVar) Next(x int) (int, bool) {
	for y := max(x+1, v.lo); y <= v.hi; y++ {
		if v.Contains(y) {
			return y, true
		}
	}
	return 0, false
}

// SetMin removes every value lower than x.
func (v *IntVar) SetMin(x int) error {
	if x <= v.lo {
		return nil
	}
	if x > v.hi {
		return ErrInconsistent
	}
	v.save()
	if v.bits == nil {
		v.size -= x - v.lo
		v.lo = x
	} else {
		for y := v.lo; y < x; y++ {
			if v.Contains(y) {
				v.clear(y)
			}
		}
		v.lo = x
		v.shrink()
	}
	v.notify()
	return nil
}

// SetMax removes every value greater than x.
func (v *IntVar) SetMax(x int) error {
	if x >= v.hi {
		return nil
	}
	if x < v.lo {
		return ErrInconsistent
	}
	v.save()
	if v.bits == nil {
		v.size -= v.hi - x
		v.hi = x
	} else {
		for y := x + 1; y <= v.hi; y++ {
			if v.Contains(y) {
				v.clear(y)
			}
		}
		v.hi = x
		v.shrink()
	}
	v.notify()
	return nil
}

// Fix reduces the domain to x.
func (v *IntVar) Fix(x int) error {
	if !v.Contains(x) {
		return ErrInconsistent
	}
	if v.IsFixed() {
		return nil
	}
	if err := v.SetMin(x); err != nil {
		return err
	}
	return v.SetMax(x)
}

// Remove removes x from the domain. On an interval domain only a bound can be
// removed; removing an inner value is a no-op.
func (v *IntVar) Remove(x int) error {
	if !v.Contains(x) {
		return nil
	}
	if v.lo == v.hi {
		return ErrInconsistent
	}
	switch {
	case x == v.lo:
		return v.SetMin(x + 1)
	case x == v.hi:
		return v.SetMax(x - 1)
	case v.bits == nil:
		return nil
	}
	v.save()
	v.clear(x)
	v.notify()
	return nil
}

// Restrict keeps only the values accepted by keep.
func (v *IntVar) Restrict(keep func(int) bool) error {
	for x := v.lo; x <= v.hi; x++ {
		if v.Contains(x) && !keep(x) {
			if err := v.Remove(x); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *IntVar) clear(x int) {
	i := x - v.base
	v.bits[i/64] &^= 1 << uint(i%64)
	v.size--
}

// shrink moves the bounds of an enumerated domain to its extreme values.
func (v *IntVar) shrink() {
	for v.lo <= v.hi && !v.Contains(v.lo) {
		v.lo++
	}
	for v.hi >= v.lo && !v.Contains(v.hi) {
		v.hi--
	}
}

func (v *IntVar) String() string {
	if v.IsFixed() {
		return fmt.Sprintf("%s=%d", v.name, v.lo)
	}
	if v.bits == nil || v.size == v.hi-v.lo+1 {
		return fmt.Sprintf("%s[%d..%d]", v.name, v.lo, v.hi)
	}
	return fmt.Sprintf("%s%v", v.name, v.Values())
}
