package arena

import (
	"testing"

	"ksched/internal/fault"
)

func TestAllocAscendingThenExhausted(t *testing.T) {
	p := NewPool[int](3)
	for want := Ref(1); want <= 3; want++ {
		got, ok := p.Alloc()
		if !ok || got != want {
			t.Fatalf("alloc: want %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := p.Alloc(); ok {
		t.Fatalf("expected exhaustion")
	}
	if p.Len() != 3 || p.Available() != 0 {
		t.Fatalf("unexpected counts len=%d avail=%d", p.Len(), p.Available())
	}
}

func TestFreeReusesSlotAndZeroes(t *testing.T) {
	p := NewPool[int](2)
	a, _ := p.Alloc()
	*p.Get(a) = 42
	p.Free(a)
	if p.Live(a) {
		t.Fatalf("freed slot still live")
	}
	b, ok := p.Alloc()
	if !ok || b != a {
		t.Fatalf("expected freed slot %d to be reused, got %d", a, b)
	}
	if *p.Get(b) != 0 {
		t.Fatalf("reused slot not zeroed: %d", *p.Get(b))
	}
}

func TestFreeListAndLiveAreDisjoint(t *testing.T) {
	p := NewPool[string](5)
	var refs []Ref
	for range 4 {
		r, _ := p.Alloc()
		refs = append(refs, r)
	}
	p.Free(refs[1])
	p.Free(refs[3])

	seen := map[Ref]bool{}
	for _, r := range p.LiveRefs() {
		seen[r] = true
	}
	for _, r := range p.FreeRefs() {
		if seen[r] {
			t.Fatalf("ref %d both live and free", r)
		}
		seen[r] = true
	}
	if len(seen) != p.Cap() {
		t.Fatalf("live+free should cover the arena: %d of %d", len(seen), p.Cap())
	}
}

func TestDoubleFreeFaults(t *testing.T) {
	p := NewPool[int](1)
	r, _ := p.Alloc()
	p.Free(r)
	err := fault.Catch(func() { p.Free(r) })
	f, ok := fault.As(err)
	if !ok || f.Code != fault.BadRef {
		t.Fatalf("expected BadRef fault, got %v", err)
	}
}

func TestGetNil(t *testing.T) {
	p := NewPool[int](1)
	if p.Get(Nil) != nil {
		t.Fatalf("Get(Nil) should be nil")
	}
}
