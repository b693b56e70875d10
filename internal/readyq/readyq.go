// Package readyq implements the FIFO queue of runnable threads.
package readyq

import (
	"fmt"

	"ksched/internal/arena"
	"ksched/internal/fault"
	"ksched/internal/thread"
)

type node struct {
	t    *thread.Thread
	next arena.Ref
}

// Queue is a FIFO of threads over a fixed node pool.
// It is not synchronised; callers hold the kernel critical section.
type Queue struct {
	nodes *arena.Pool[node]
	head  arena.Ref
	tail  arena.Ref
}

// New creates an empty queue able to hold capacity threads. The capacity
// must match the thread table: running out of nodes is a fault.
func New(capacity int) *Queue {
	return &Queue{nodes: arena.NewPool[node](capacity)}
}

// Enqueue appends t at the tail.
func (q *Queue) Enqueue(t *thread.Thread) {
	ref, ok := q.nodes.Alloc()
	if !ok {
		fault.Raise(fault.PoolExhausted, "no free slots in the ready queue (capacity %d) for thread %s", q.nodes.Cap(), t)
	}
	n := q.nodes.Get(ref)
	n.t = t
	if q.tail.IsValid() {
		q.nodes.Get(q.tail).next = ref
	} else {
		q.head = ref
	}
	q.tail = ref
}

// Dequeue removes and returns the head, or nil when the queue is empty.
func (q *Queue) Dequeue() *thread.Thread {
	if !q.head.IsValid() {
		return nil
	}
	ref := q.head
	n := q.nodes.Get(ref)
	t := n.t
	q.head = n.next
	if !q.head.IsValid() {
		q.tail = arena.Nil
	}
	q.nodes.Free(ref)
	return t
}

// Remove takes t out of the queue wherever it is. It reports whether t was found.
func (q *Queue) Remove(t *thread.Thread) bool {
	prev := arena.Nil
	for ref := q.head; ref.IsValid(); {
		n := q.nodes.Get(ref)
		if n.t != t {
			prev = ref
			ref = n.next
			continue
		}
		if prev.IsValid() {
			q.nodes.Get(prev).next = n.next
		} else {
			q.head = n.next
		}
		if q.tail == ref {
			q.tail = prev
		}
		q.nodes.Free(ref)
		return true
	}
	return false
}

// Contains reports whether t is queued.
func (q *Queue) Contains(t *thread.Thread) bool {
	for ref := q.head; ref.IsValid(); ref = q.nodes.Get(ref).next {
		if q.nodes.Get(ref).t == t {
			return true
		}
	}
	return false
}

// Len returns the number of queued threads.
func (q *Queue) Len() int { return q.nodes.Len() }

// Cap returns the node pool capacity.
func (q *Queue) Cap() int { return q.nodes.Cap() }

// IDs returns the queued thread identities from head to tail.
func (q *Queue) IDs() []thread.ID {
	out := make([]thread.ID, 0, q.nodes.Len())
	for ref := q.head; ref.IsValid(); ref = q.nodes.Get(ref).next {
		out = append(out, q.nodes.Get(ref).t.ID)
	}
	return out
}

// Verify checks the queue invariants: the tail is nil iff the list is empty
// and is its last node, no thread is queued twice, and the list and the
// freelist partition the node pool.
func (q *Queue) Verify() error {
	if q.head.IsValid() != q.tail.IsValid() {
		return fmt.Errorf("readyq: head=%d tail=%d disagree on emptiness", q.head, q.tail)
	}
	inList := make(map[arena.Ref]bool, q.nodes.Len())
	seen := make(map[*thread.Thread]bool, q.nodes.Len())
	last := arena.Nil
	for ref := q.head; ref.IsValid(); {
		if inList[ref] {
			return fmt.Errorf("readyq: cycle at node %d", ref)
		}
		if !q.nodes.Live(ref) {
			return fmt.Errorf("readyq: node %d linked but not allocated", ref)
		}
		inList[ref] = true
		n := q.nodes.Get(ref)
		if n.t == nil {
			return fmt.Errorf("readyq: node %d has no thread", ref)
		}
		if seen[n.t] {
			return fmt.Errorf("readyq: thread %s queued twice", n.t)
		}
		seen[n.t] = true
		last = ref
		ref = n.next
	}
	if last != q.tail {
		return fmt.Errorf("readyq: tail=%d but last node is %d", q.tail, last)
	}
	if len(inList) != q.nodes.Len() {
		return fmt.Errorf("readyq: %d nodes allocated but %d linked", q.nodes.Len(), len(inList))
	}
	for _, ref := range q.nodes.FreeRefs() {
		if inList[ref] {
			return fmt.Errorf("readyq: node %d both free and linked", ref)
		}
	}
	if len(inList)+q.nodes.Available() != q.nodes.Cap() {
		return fmt.Errorf("readyq: list and freelist do not cover the pool")
	}
	return nil
}
