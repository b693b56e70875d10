// Package term runs deferred thread teardown on a dedicated worker.
//
// A dying thread cannot release its own resources while it is still
// executing, so MarkForDeath only queues it. The worker waits until the
// thread is provably off the CPU and then hands it to the finaliser.
package term

import (
	"context"
	"runtime"
	"sync"

	"ksched/internal/thread"
	"ksched/internal/trace"
)

// Host is the kernel side of termination. Its methods take the kernel lock
// themselves; the service may call them while holding its own lock.
type Host interface {
	// Arm registers the worker on the termination event.
	Arm() error
	// Park blocks until the worker is woken.
	Park(ctx context.Context) error
	// Disarm cancels the worker's wait.
	Disarm()
	// Signal wakes the worker if it is armed.
	Signal()
	// BeginTerm reports whether t is detached and off the CPU. See
	// kernel.Kernel.BeginTerm for the two phases.
	BeginTerm(t *thread.Thread) bool
	// Reap finalises t.
	Reap(ctx context.Context, t *thread.Thread) error
}

// Service owns the pending-death queue.
type Service struct {
	mu      sync.Mutex
	pending []*thread.Thread

	host   Host
	tracer trace.Tracer

	reaped  uint64
	failed  uint64
	retries uint64
}

// Option configures a Service.
type Option func(*Service)

// WithTracer routes termination trace points to t.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = trace.Or(t) }
}

// New creates a service bound to host.
func New(host Host, opts ...Option) *Service {
	s := &Service{host: host, tracer: trace.Nop}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkForDeath queues t for termination and wakes the worker. It reports
// false if t was already queued.
func (s *Service) MarkForDeath(t *thread.Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Flags&thread.FlagWillDie != 0 {
		return false
	}
	t.Flags |= thread.FlagWillDie
	s.pending = append(s.pending, t)
	trace.Point(s.tracer, trace.ScopeKernel, "mark-for-death", t.String())
	s.host.Signal()
	return true
}

// Marked reports whether t has been queued at some point.
func (s *Service) Marked(t *thread.Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.Flags&thread.FlagWillDie != 0
}

// Pending returns the identities of queued threads, oldest first.
func (s *Service) Pending() []thread.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]thread.ID, len(s.pending))
	for i, t := range s.pending {
		out[i] = t.ID
	}
	return out
}

// Stats reports worker counters.
type Stats struct {
	Pending int
	Reaped  uint64
	Failed  uint64
	Retries uint64
}

// Stats returns a copy of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pending: len(s.pending), Reaped: s.reaped, Failed: s.failed, Retries: s.retries}
}

// Run is the worker loop. It returns ctx.Err() once ctx is cancelled, or
// the error from arming the worker.
func (s *Service) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			// Armed under s.mu so a concurrent MarkForDeath either sees the
			// wait or has already queued its thread.
			err := s.host.Arm()
			s.mu.Unlock()
			if err != nil {
				return err
			}
			if err := s.host.Park(ctx); err != nil {
				s.host.Disarm()
				return err
			}
			continue
		}
		t := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if err := s.confirm(ctx, t); err != nil {
			s.requeue(t)
			return err
		}
		s.reap(ctx, t)
	}
}

func (s *Service) confirm(ctx context.Context, t *thread.Thread) error {
	for !s.host.BeginTerm(t) {
		s.mu.Lock()
		s.retries++
		s.mu.Unlock()
		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) reap(ctx context.Context, t *thread.Thread) {
	span := trace.Begin(s.tracer, trace.ScopeKernel, "reap", 0)
	span.WithExtra("thread", t.String())
	err := s.host.Reap(ctx, t)
	s.mu.Lock()
	s.reaped++
	if err != nil {
		s.failed++
	}
	s.mu.Unlock()
	if err != nil {
		span.End(err.Error())
		return
	}
	span.End("")
}

func (s *Service) requeue(t *thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]*thread.Thread{t}, s.pending...)
}
