// Package klock provides the kernel critical section: the single lock that
// scheduler and event state is accessed under.
package klock

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"

	"ksched/internal/fault"
)

// Lock is a non-reentrant mutex that remembers which goroutine holds it.
type Lock struct {
	mu    sync.Mutex
	owner atomic.Int64
}

// Acquire enters the critical section. Re-entering from the holding
// goroutine is a fault rather than a deadlock.
func (l *Lock) Acquire() {
	gid := goid.Get()
	if l.owner.Load() == gid {
		fault.Raise(fault.Inconsistent, "kernel lock re-acquired by goroutine %d", gid)
	}
	l.mu.Lock()
	l.owner.Store(gid)
}

// Release leaves the critical section.
func (l *Lock) Release() {
	gid := goid.Get()
	if l.owner.Load() != gid {
		fault.Raise(fault.Inconsistent, "kernel lock released by goroutine %d, held by %d", gid, l.owner.Load())
	}
	l.owner.Store(0)
	l.mu.Unlock()
}

// Held reports whether the calling goroutine holds the lock.
func (l *Lock) Held() bool {
	return l.owner.Load() == goid.Get()
}

// AssertHeld faults unless the calling goroutine holds the lock.
func (l *Lock) AssertHeld() {
	if !l.Held() {
		fault.Raise(fault.Inconsistent, "kernel lock not held by goroutine %d", goid.Get())
	}
}

// Do runs fn inside the critical section.
func (l *Lock) Do(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}
