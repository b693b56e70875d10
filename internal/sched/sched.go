// Package sched decides run order and performs the RUNNING <-> READY
// transitions at each reschedule point.
package sched

import (
	"ksched/internal/fault"
	"ksched/internal/readyq"
	"ksched/internal/thread"
	"ksched/internal/trace"
)

// Scheduler owns the ready queue and the notion of the running thread.
// It is not synchronised; the kernel calls it inside its critical section.
type Scheduler struct {
	rq      *readyq.Queue
	current *thread.Thread
	tracer  trace.Tracer
	onReady func(*thread.Thread)

	reschedules uint64
	switches    uint64
	idles       uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTracer routes scheduling trace points to t.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = trace.Or(t) }
}

// WithReadyHook calls fn every time a blocked thread becomes ready.
func WithReadyHook(fn func(*thread.Thread)) Option {
	return func(s *Scheduler) { s.onReady = fn }
}

// New creates a scheduler over rq.
func New(rq *readyq.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{rq: rq, tracer: trace.Nop}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the running thread, or nil while idle.
func (s *Scheduler) Current() *thread.Thread {
	return s.current
}

// SetCurrent installs t as the running thread without going through the
// ready queue. Used once at boot for the first thread; replacing a current
// thread that is still running is a fault.
func (s *Scheduler) SetCurrent(t *thread.Thread) {
	if prev := s.current; prev != nil && prev != t && prev.State == thread.Running {
		fault.Raise(fault.InvalidTransition, "cannot boot %s while %s is running", t, prev)
	}
	if t != nil {
		if t.State != thread.Ready && t.State != thread.Running {
			fault.Raise(fault.InvalidTransition, "cannot boot thread %s in state %s", t, t.State)
		}
		s.rq.Remove(t)
		t.State = thread.Running
	}
	s.current = t
}

// PerformReschedule puts a still-running current thread back at the tail of
// the ready queue, dequeues the next thread and makes it RUNNING.
// A current thread that blocked, is dying, or was already readied is not
// enqueued again. Returns nil when nothing is runnable; the caller must
// then take its idle path.
func (s *Scheduler) PerformReschedule() *thread.Thread {
	s.reschedules++
	prev := s.current
	if prev != nil && prev.State == thread.Running {
		prev.State = thread.Ready
		s.rq.Enqueue(prev)
	}

	next := s.rq.Dequeue()
	if next == nil {
		s.current = nil
		s.idles++
		trace.Point(s.tracer, trace.ScopeSched, "idle", "")
		return nil
	}
	if next.State != thread.Ready {
		fault.Raise(fault.InvalidTransition, "dequeued thread %s in state %s", next, next.State)
	}
	next.State = thread.Running
	s.current = next
	if next != prev {
		s.switches++
	}
	if trace.Enabled(s.tracer, trace.ScopeSched) {
		trace.Point(s.tracer, trace.ScopeSched, "reschedule", "", "from", prev.String(), "to", next.String())
	}
	return next
}

// SetReady makes a blocked thread runnable and enqueues it. Ready and
// running threads are left alone, as are dying and dead ones.
func (s *Scheduler) SetReady(t *thread.Thread) {
	switch t.State {
	case thread.Blocked:
		t.State = thread.Ready
		s.rq.Enqueue(t)
		if trace.Enabled(s.tracer, trace.ScopeSched) {
			trace.Point(s.tracer, trace.ScopeSched, "ready", t.String())
		}
		if s.onReady != nil {
			s.onReady(t)
		}
	case thread.Ready, thread.Running, thread.Dying, thread.Dead:
	default:
		fault.Raise(fault.InvalidTransition, "thread %s has unknown state %d", t, t.State)
	}
}

// SetBlocked takes t out of the ready queue if it is there and marks it
// BLOCKED. A running thread stays current until the next reschedule.
func (s *Scheduler) SetBlocked(t *thread.Thread) {
	switch t.State {
	case thread.Ready:
		s.rq.Remove(t)
	case thread.Running, thread.Blocked:
	default:
		fault.Raise(fault.InvalidTransition, "cannot block thread %s in state %s", t, t.State)
	}
	t.State = thread.Blocked
	if trace.Enabled(s.tracer, trace.ScopeSched) {
		trace.Point(s.tracer, trace.ScopeSched, "block", t.String())
	}
}

// Retire takes t out of scheduling for good: it leaves the ready queue,
// stops being current, and becomes DYING.
func (s *Scheduler) Retire(t *thread.Thread) {
	switch t.State {
	case thread.Ready:
		s.rq.Remove(t)
	case thread.Running, thread.Blocked:
	case thread.Dying:
		return
	default:
		fault.Raise(fault.InvalidTransition, "cannot retire thread %s in state %s", t, t.State)
	}
	if s.current == t {
		s.current = nil
	}
	t.State = thread.Dying
}

// Stats reports scheduler counters.
type Stats struct {
	Reschedules uint64
	Switches    uint64
	Idles       uint64
	Ready       int
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Reschedules: s.reschedules,
		Switches:    s.switches,
		Idles:       s.idles,
		Ready:       s.rq.Len(),
	}
}

// Queue exposes the ready queue for inspection.
func (s *Scheduler) Queue() *readyq.Queue {
	return s.rq
}
