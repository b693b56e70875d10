// Package event parks threads on named conditions and releases them when a
// producer signals the condition.
//
// Every active wait is one WaitRecord that sits on two intrusive lists at
// once: the per-kind list walked by producers, and the waiting thread's own
// chain walked on cancellation. Both memberships are always added and removed
// together, and all records come from one fixed arena.
package event

import (
	"fmt"
	"strconv"

	"ksched/internal/arena"
	"ksched/internal/evkind"
	"ksched/internal/fault"
	"ksched/internal/thread"
	"ksched/internal/trace"
)

// WakeBatch is the number of waiters collected per pass in Wake before the
// scan restarts from the head of the list.
const WakeBatch = 8

// Object narrows a wait to one resource instance within a kind.
type Object uint64

// AnyObject matches every producer of the kind.
const AnyObject Object = 0

// WaitRecord binds one thread to one (kind, object) pair.
type WaitRecord struct {
	TID    thread.ID
	Kind   evkind.Kind
	Object Object

	// per-kind list
	Prev arena.Ref
	Next arena.Ref
	// per-thread chain
	TNext arena.Ref
}

// WaitObject asks to wait for every kind in Events on Object.
// An empty Events mask blocks the thread with no wake condition.
type WaitObject struct {
	Events evkind.Mask
	Object Object
}

// Scheduler receives the state transitions the table decides on.
type Scheduler interface {
	SetReady(t *thread.Thread)
	SetBlocked(t *thread.Thread)
}

// Threads resolves the thread identities stored in wait records.
type Threads interface {
	Lookup(id thread.ID) *thread.Thread
	All() []*thread.Thread
}

type waitList struct {
	head arena.Ref
	tail arena.Ref
}

// Table holds one wait list per kind plus the wait-record arena.
// It is not synchronised; the kernel calls it inside its critical section.
type Table struct {
	lists   []waitList
	waits   *arena.Pool[WaitRecord]
	sched   Scheduler
	threads Threads
	tracer  trace.Tracer

	woken     uint64
	exhausted uint64
}

// Option configures a Table.
type Option func(*Table)

// WithTracer routes event trace points to t.
func WithTracer(t trace.Tracer) Option {
	return func(tb *Table) { tb.tracer = trace.Or(t) }
}

// New creates a table for kinds event kinds backed by slots wait records.
func New(kinds, slots int, sched Scheduler, threads Threads, opts ...Option) *Table {
	if kinds <= 0 || kinds > evkind.MaxKinds {
		fault.Raise(fault.InvalidKind, "event table needs 1..%d kinds, got %d", evkind.MaxKinds, kinds)
	}
	tb := &Table{
		lists:   make([]waitList, kinds),
		waits:   arena.NewPool[WaitRecord](slots),
		sched:   sched,
		threads: threads,
		tracer:  trace.Nop,
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// Kinds returns the number of event kinds in the table.
func (tb *Table) Kinds() int { return len(tb.lists) }

// WaitOne registers t on (kind, object) and blocks it. It returns false,
// changing nothing, when no wait record is free.
func (tb *Table) WaitOne(t *thread.Thread, kind evkind.Kind, object Object) bool {
	tb.checkKind(kind)
	if _, ok := tb.link(t, kind, object); !ok {
		tb.exhausted++
		trace.Point(tb.tracer, trace.ScopeEvent, "wait-exhausted", t.String(), "kind", kind.String())
		return false
	}
	tb.sched.SetBlocked(t)
	return true
}

// WaitMany registers t on every (kind, object) pair of objs, all or nothing.
// If a record cannot be allocated, the records added by this call are
// released again, t keeps its previous waits and state, and false is
// returned. On success t is blocked once. An entry with an empty mask
// blocks t without registering anything.
func (tb *Table) WaitMany(t *thread.Thread, objs []WaitObject) bool {
	for _, o := range objs {
		tb.checkMask(o.Events)
	}
	mark := t.WaitTail
	block := false
	for _, o := range objs {
		if o.Events == 0 {
			block = true
			continue
		}
		for k := range tb.lists {
			kind := evkind.Kind(k)
			if !o.Events.Has(kind) {
				continue
			}
			if _, ok := tb.link(t, kind, o.Object); !ok {
				tb.exhausted++
				n := tb.truncate(t, mark)
				trace.Point(tb.tracer, trace.ScopeEvent, "wait-rollback", t.String(), "released", strconv.Itoa(n))
				return false
			}
			block = true
		}
	}
	if block {
		tb.sched.SetBlocked(t)
	}
	return true
}

// Wake releases every thread waiting on kind for object or for AnyObject.
// Waiters are released in registration order, at most WakeBatch per pass;
// a full batch is flushed and the scan restarts from the head, which only
// terminates because every flush shortens the list. It returns the number
// of threads released.
func (tb *Table) Wake(kind evkind.Kind, object Object) int {
	tb.checkKind(kind)
	var batch [WakeBatch]thread.ID
	n, woken := 0, 0
	l := &tb.lists[kind]
	for ref := l.head; ref.IsValid(); {
		w := tb.waits.Get(ref)
		if w.Object == AnyObject || w.Object == object {
			if n == len(batch) {
				woken += tb.release(batch[:n])
				n = 0
				ref = l.head
				continue
			}
			batch[n] = w.TID
			n++
		}
		ref = w.Next
	}
	woken += tb.release(batch[:n])
	if woken > 0 && trace.Enabled(tb.tracer, trace.ScopeEvent) {
		trace.Point(tb.tracer, trace.ScopeEvent, "wake", kind.String(),
			"object", strconv.FormatUint(uint64(object), 10), "woken", strconv.Itoa(woken))
	}
	return woken
}

// WakeMultiKind calls Wake for each kind in mask.
func (tb *Table) WakeMultiKind(mask evkind.Mask, object Object) int {
	tb.checkMask(mask)
	woken := 0
	for k := range tb.lists {
		if mask.Has(evkind.Kind(k)) {
			woken += tb.Wake(evkind.Kind(k), object)
		}
	}
	return woken
}

// WakeThreadIfWaiting releases t if it waits on any kind in mask.
func (tb *Table) WakeThreadIfWaiting(t *thread.Thread, mask evkind.Mask) bool {
	if t.Events&mask == 0 {
		return false
	}
	return tb.RemoveThread(t)
}

// WaitsFor reports whether t waits on any kind in mask.
func (tb *Table) WaitsFor(t *thread.Thread, mask evkind.Mask) bool {
	return t.Events&mask != 0
}

// RemoveThread cancels every wait of t and makes it ready. Calling it for a
// thread without waits does nothing. It reports whether t had waits.
func (tb *Table) RemoveThread(t *thread.Thread) bool {
	if t.Events == 0 {
		if t.WaitHead.IsValid() {
			fault.Raise(fault.Inconsistent, "thread %s has wait records but an empty mask", t)
		}
		return false
	}
	if t.State != thread.Blocked {
		fault.Raise(fault.InvalidTransition, "thread %s waits on %s but is %s", t, t.Events, t.State)
	}
	tb.unlinkAll(t)
	tb.sched.SetReady(t)
	return true
}

// Detach cancels every wait of t without touching its scheduling state.
// It returns the number of records released.
func (tb *Table) Detach(t *thread.Thread) int {
	return tb.unlinkAll(t)
}

// Waiter describes one record of a wait list.
type Waiter struct {
	TID    thread.ID
	Object Object
}

// Waiters returns the wait list of kind in registration order.
func (tb *Table) Waiters(kind evkind.Kind) []Waiter {
	tb.checkKind(kind)
	var out []Waiter
	for ref := tb.lists[kind].head; ref.IsValid(); {
		w := tb.waits.Get(ref)
		out = append(out, Waiter{TID: w.TID, Object: w.Object})
		ref = w.Next
	}
	return out
}

// ThreadWaits returns the (kind, object) pairs t waits on, in chain order.
func (tb *Table) ThreadWaits(t *thread.Thread) []WaitRecord {
	var out []WaitRecord
	for ref := t.WaitHead; ref.IsValid(); {
		w := tb.waits.Get(ref)
		out = append(out, *w)
		ref = w.TNext
	}
	return out
}

// Stats reports table counters.
type Stats struct {
	SlotsInUse int
	SlotsCap   int
	Woken      uint64
	Exhausted  uint64
}

// Stats returns a copy of the counters.
func (tb *Table) Stats() Stats {
	return Stats{
		SlotsInUse: tb.waits.Len(),
		SlotsCap:   tb.waits.Cap(),
		Woken:      tb.woken,
		Exhausted:  tb.exhausted,
	}
}

// link appends a record for (kind, object) to both lists. An identical
// record already held by t is reused.
func (tb *Table) link(t *thread.Thread, kind evkind.Kind, object Object) (arena.Ref, bool) {
	if t.Events.Has(kind) {
		for ref := t.WaitHead; ref.IsValid(); {
			w := tb.waits.Get(ref)
			if w.Kind == kind && w.Object == object {
				return ref, true
			}
			ref = w.TNext
		}
	}
	ref, ok := tb.waits.Alloc()
	if !ok {
		return arena.Nil, false
	}
	w := tb.waits.Get(ref)
	w.TID = t.ID
	w.Kind = kind
	w.Object = object

	l := &tb.lists[kind]
	w.Prev = l.tail
	if l.tail.IsValid() {
		tb.waits.Get(l.tail).Next = ref
	} else {
		l.head = ref
	}
	l.tail = ref

	if t.WaitTail.IsValid() {
		tb.waits.Get(t.WaitTail).TNext = ref
	} else {
		t.WaitHead = ref
	}
	t.WaitTail = ref
	t.Events |= kind.Bit()

	if trace.Enabled(tb.tracer, trace.ScopeEvent) {
		trace.Point(tb.tracer, trace.ScopeEvent, "wait", t.String(),
			"kind", kind.String(), "object", strconv.FormatUint(uint64(object), 10))
	}
	return ref, true
}

// unlinkAll releases every record of t.
func (tb *Table) unlinkAll(t *thread.Thread) int {
	n := 0
	for ref := t.WaitHead; ref.IsValid(); {
		next := tb.waits.Get(ref).TNext
		tb.unlink(ref)
		ref = next
		n++
	}
	t.WaitHead = arena.Nil
	t.WaitTail = arena.Nil
	t.Events = 0
	return n
}

// truncate releases the records of t registered after mark and rebuilds
// its mask from what remains.
func (tb *Table) truncate(t *thread.Thread, mark arena.Ref) int {
	first := t.WaitHead
	if mark.IsValid() {
		first = tb.waits.Get(mark).TNext
		tb.waits.Get(mark).TNext = arena.Nil
	} else {
		t.WaitHead = arena.Nil
	}
	t.WaitTail = mark

	n := 0
	for ref := first; ref.IsValid(); {
		next := tb.waits.Get(ref).TNext
		tb.unlink(ref)
		ref = next
		n++
	}

	t.Events = 0
	for ref := t.WaitHead; ref.IsValid(); {
		w := tb.waits.Get(ref)
		t.Events |= w.Kind.Bit()
		ref = w.TNext
	}
	return n
}

// unlink takes a record out of its kind list and frees it. The caller
// fixes up the thread chain.
func (tb *Table) unlink(ref arena.Ref) {
	w := tb.waits.Get(ref)
	l := &tb.lists[w.Kind]
	if w.Prev.IsValid() {
		tb.waits.Get(w.Prev).Next = w.Next
	} else {
		l.head = w.Next
	}
	if w.Next.IsValid() {
		tb.waits.Get(w.Next).Prev = w.Prev
	} else {
		l.tail = w.Prev
	}
	tb.waits.Free(ref)
}

// release removes every listed thread from all its waits.
func (tb *Table) release(ids []thread.ID) int {
	woken := 0
	for _, id := range ids {
		t := tb.threads.Lookup(id)
		if t == nil {
			fault.Raise(fault.Inconsistent, "wait record for unknown thread %d", id)
		}
		if tb.RemoveThread(t) {
			woken++
		}
	}
	tb.woken += uint64(woken)
	return woken
}

func (tb *Table) checkKind(kind evkind.Kind) {
	if int(kind) >= len(tb.lists) {
		fault.Raise(fault.InvalidKind, "event kind %d outside table of %d kinds", kind, len(tb.lists))
	}
}

func (tb *Table) checkMask(mask evkind.Mask) {
	if len(tb.lists) < evkind.MaxKinds && mask>>uint(len(tb.lists)) != 0 {
		fault.Raise(fault.InvalidKind, "event mask %#x has kinds outside table of %d kinds", uint32(mask), len(tb.lists))
	}
}

// Verify checks that both memberships of every record agree, that masks
// match chains, that waiting threads are blocked, and that the freelist
// holds exactly the unused records.
func (tb *Table) Verify() error {
	listed := make(map[arena.Ref]bool, tb.waits.Len())
	for k := range tb.lists {
		l := tb.lists[k]
		prev := arena.Nil
		for ref := l.head; ref.IsValid(); {
			if listed[ref] {
				return fmt.Errorf("event: record %d appears twice in lists (kind %s)", ref, evkind.Kind(k))
			}
			if !tb.waits.Live(ref) {
				return fmt.Errorf("event: free record %d linked in %s", ref, evkind.Kind(k))
			}
			w := tb.waits.Get(ref)
			if int(w.Kind) != k {
				return fmt.Errorf("event: record %d of kind %s linked in %s", ref, w.Kind, evkind.Kind(k))
			}
			if w.Prev != prev {
				return fmt.Errorf("event: record %d prev=%d, want %d", ref, w.Prev, prev)
			}
			listed[ref] = true
			prev = ref
			ref = w.Next
		}
		if prev != l.tail {
			return fmt.Errorf("event: %s tail=%d but last record is %d", evkind.Kind(k), l.tail, prev)
		}
	}
	if len(listed) != tb.waits.Len() {
		return fmt.Errorf("event: %d records allocated but %d listed", tb.waits.Len(), len(listed))
	}

	chained := 0
	for _, t := range tb.threads.All() {
		var mask evkind.Mask
		last := arena.Nil
		for ref := t.WaitHead; ref.IsValid(); {
			if !listed[ref] {
				return fmt.Errorf("event: thread %s chains record %d that is in no list", t, ref)
			}
			w := tb.waits.Get(ref)
			if w.TID != t.ID {
				return fmt.Errorf("event: thread %s chains record %d owned by %d", t, ref, w.TID)
			}
			mask |= w.Kind.Bit()
			last = ref
			chained++
			if chained > len(listed) {
				return fmt.Errorf("event: thread chains contain a cycle")
			}
			ref = w.TNext
		}
		if last != t.WaitTail {
			return fmt.Errorf("event: thread %s tail=%d but last record is %d", t, t.WaitTail, last)
		}
		if mask != t.Events {
			return fmt.Errorf("event: thread %s mask %s but records say %s", t, t.Events, mask)
		}
		if mask != 0 && t.State != thread.Blocked {
			return fmt.Errorf("event: thread %s waits on %s while %s", t, mask, t.State)
		}
	}
	if chained != len(listed) {
		return fmt.Errorf("event: %d records listed but %d chained to threads", len(listed), chained)
	}
	for _, ref := range tb.waits.FreeRefs() {
		if tb.waits.Live(ref) {
			return fmt.Errorf("event: record %d both free and live", ref)
		}
	}
	return nil
}
