// Package arena provides a fixed-capacity slot pool addressed by 1-based
// indices, with the freelist threaded through the slots themselves.
//
// References are plain integers so that one record can sit on several
// intrusive lists at once without aliasing pointers, and allocation never
// touches the heap after construction.
package arena

import (
	"fortio.org/safecast"

	"ksched/internal/fault"
)

// Ref addresses a slot. Nil (0) is the null reference.
type Ref uint32

// Nil is the null reference.
const Nil Ref = 0

// IsValid reports whether r is not Nil.
func (r Ref) IsValid() bool { return r != Nil }

type slot[T any] struct {
	value    T
	nextFree Ref
	live     bool
}

// Pool is a fixed-capacity arena of T.
type Pool[T any] struct {
	slots []slot[T]
	free  Ref
	used  int
}

// NewPool creates a pool with room for capacity values, all initially free.
// Allocation hands out slots in ascending index order until the first Free.
func NewPool[T any](capacity int) *Pool[T] {
	if capacity < 0 {
		capacity = 0
	}
	if _, err := safecast.Conv[uint32](capacity); err != nil {
		fault.Raise(fault.BadRef, "arena capacity %d does not fit a reference: %v", capacity, err)
	}
	p := &Pool[T]{slots: make([]slot[T], capacity)}
	// thread the freelist back to front so the lowest index comes out first
	for i := capacity; i > 0; i-- {
		p.slots[i-1].nextFree = p.free
		p.free = Ref(i)
	}
	return p
}

// Alloc takes a free slot, zeroes it and returns its reference.
// ok is false when the pool is exhausted.
func (p *Pool[T]) Alloc() (ref Ref, ok bool) {
	if p.free == Nil {
		return Nil, false
	}
	ref = p.free
	s := &p.slots[ref-1]
	p.free = s.nextFree
	var zero T
	s.value = zero
	s.nextFree = Nil
	s.live = true
	p.used++
	return ref, true
}

// Free returns a live slot to the freelist.
func (p *Pool[T]) Free(ref Ref) {
	s := p.slot(ref)
	var zero T
	s.value = zero
	s.live = false
	s.nextFree = p.free
	p.free = ref
	p.used--
}

// Get returns the value stored in a live slot. Nil yields nil.
func (p *Pool[T]) Get(ref Ref) *T {
	if ref == Nil {
		return nil
	}
	return &p.slot(ref).value
}

// Live reports whether ref addresses an allocated slot.
func (p *Pool[T]) Live(ref Ref) bool {
	if ref == Nil || int(ref) > len(p.slots) {
		return false
	}
	return p.slots[ref-1].live
}

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int { return len(p.slots) }

// Len returns the number of allocated slots.
func (p *Pool[T]) Len() int { return p.used }

// Available returns the number of free slots.
func (p *Pool[T]) Available() int { return len(p.slots) - p.used }

// FreeRefs walks the freelist. Used by invariant checks.
func (p *Pool[T]) FreeRefs() []Ref {
	out := make([]Ref, 0, p.Available())
	for r := p.free; r != Nil && len(out) <= len(p.slots); r = p.slots[r-1].nextFree {
		out = append(out, r)
	}
	return out
}

// LiveRefs returns every allocated reference in index order.
func (p *Pool[T]) LiveRefs() []Ref {
	out := make([]Ref, 0, p.used)
	for i := range p.slots {
		if p.slots[i].live {
			out = append(out, Ref(i+1))
		}
	}
	return out
}

func (p *Pool[T]) slot(ref Ref) *slot[T] {
	if ref == Nil || int(ref) > len(p.slots) {
		fault.Raise(fault.BadRef, "reference %d outside arena of %d", ref, len(p.slots))
	}
	s := &p.slots[ref-1]
	if !s.live {
		fault.Raise(fault.BadRef, "reference %d is not allocated", ref)
	}
	return s
}
