// Package trace provides structured tracing for the scheduler core.
//
// The kernel records thread lifecycle, scheduling decisions and event-table
// activity through a Tracer so that lost wakeups and stuck threads can be
// reconstructed after the fact.
//
// # Usage
//
// Enable tracing via command-line flags:
//
//	ksched sim --trace=- --trace-level=detail scenario.toml
//
// # Architecture
//
// The package provides several tracer implementations:
//
//   - Nop: zero-overhead no-op tracer when disabled
//   - StreamTracer: immediate write to output (file/stderr)
//   - RingTracer: circular buffer for post-mortem dumps
//   - MultiTracer: combines multiple tracers
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: only fault dumps
//   - LevelInfo: thread lifecycle (spawn, death, reaping)
//   - LevelDetail: scheduling decisions
//   - LevelDebug: everything including individual wait records
//
// # Scopes
//
//   - ScopeKernel: thread lifecycle and kernel API calls
//   - ScopeSched: ready queue and state transitions
//   - ScopeEvent: wait record registration and wakeups
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeKernel, "reap", parentID)
//	defer span.End("")
package trace
