package trace

import "time"

// Kind represents the type of trace event.
type Kind uint8

const (
	// KindSpanBegin marks the start of a logical operation.
	KindSpanBegin Kind = iota + 1
	// KindSpanEnd marks the end of a logical operation.
	KindSpanEnd
	// KindPoint represents an instant event.
	KindPoint
	KindHeartbeat // periodic liveness signal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Scope indicates the granularity level of the event.
// Lower numeric values represent coarser events.
type Scope uint8

const (
	// ScopeKernel covers thread lifecycle and kernel API calls.
	ScopeKernel Scope = iota + 1
	// ScopeSched covers ready-queue and state-transition activity.
	ScopeSched
	// ScopeEvent covers individual wait records and wakeups.
	ScopeEvent
)

// String returns the string representation of Scope.
func (s Scope) String() string {
	switch s {
	case ScopeKernel:
		return "kernel"
	case ScopeSched:
		return "sched"
	case ScopeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Event represents a single trace event.
type Event struct {
	Time     time.Time         // wall-clock timestamp
	Seq      uint64            // global sequence number (monotonic)
	Kind     Kind              // event kind
	Scope    Scope             // granularity level
	SpanID   uint64            // unique span identifier
	ParentID uint64            // parent span (0 if root)
	GID      uint64            // goroutine ID
	Name     string            // e.g. "wake", "reschedule"
	Detail   string            // optional detail message
	Extra    map[string]string // extensible key-value pairs
}
