// Package evkind defines event-kind ordinals and the bitmask used to record
// which kinds a thread is waiting on.
package evkind

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Kind is an event-kind ordinal. Producers and waiters agree on its meaning;
// the scheduler core only uses it as an index.
type Kind uint8

// MaxKinds bounds the number of kinds a table can hold (one bit each in Mask).
const MaxKinds = 32

const (
	// Client indicates a client connected to a driver channel.
	Client Kind = iota
	// ReceivedMsg indicates a message arrived.
	ReceivedMsg
	// ChildDied indicates a child process exited.
	ChildDied
	// DataReadable indicates a file node has data to read.
	DataReadable
	// UnlockShared indicates a shared lock was released.
	UnlockShared
	// PipeFull indicates a pipe has no room left.
	PipeFull
	// PipeEmpty indicates a pipe was drained.
	PipeEmpty
	// VM86Ready indicates the vm86 task finished a request.
	VM86Ready
	// ReqReply indicates a driver replied to a request.
	ReqReply
	// SwapDone indicates a swap operation completed.
	SwapDone
	// SwapWork indicates the swapper has work queued.
	SwapWork
	// SwapFree indicates swap space was freed.
	SwapFree
	// VMMDone indicates the memory manager finished a job.
	VMMDone
	// ThreadDied indicates a thread of the same process exited.
	ThreadDied
	// User1 is reserved for user-defined events.
	User1
	// User2 is reserved for user-defined events.
	User2
	// ReqFree indicates a request slot became available.
	ReqFree
	// UnlockExclusive indicates an exclusive lock was released.
	UnlockExclusive
	// Termination wakes the termination worker.
	Termination

	// Count is the number of kinds in the standard catalog.
	Count int = iota
)

var names = [...]string{
	Client:          "CLIENT",
	ReceivedMsg:     "RECEIVED_MSG",
	ChildDied:       "CHILD_DIED",
	DataReadable:    "DATA_READABLE",
	UnlockShared:    "UNLOCK_SH",
	PipeFull:        "PIPE_FULL",
	PipeEmpty:       "PIPE_EMPTY",
	VM86Ready:       "VM86_READY",
	ReqReply:        "REQ_REPLY",
	SwapDone:        "SWAP_DONE",
	SwapWork:        "SWAP_WORK",
	SwapFree:        "SWAP_FREE",
	VMMDone:         "VMM_DONE",
	ThreadDied:      "THREAD_DIED",
	User1:           "USER1",
	User2:           "USER2",
	ReqFree:         "REQ_FREE",
	UnlockExclusive: "UNLOCK_EX",
	Termination:     "TERMINATION",
}

// String returns the catalog name, or "KIND<n>" for kinds outside it.
func (k Kind) String() string {
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("KIND%d", k)
}

// Bit returns the single-bit mask for the kind.
func (k Kind) Bit() Mask {
	if k >= MaxKinds {
		return 0
	}
	return Mask(1) << k
}

// Parse converts a catalog name (case-insensitive) or "KIND<n>" to a Kind.
func Parse(s string) (Kind, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range names {
		if name == up {
			return Kind(i), nil
		}
	}
	if digits, ok := strings.CutPrefix(up, "KIND"); ok && digits != "" && digits[0] != '+' && digits[0] != '-' {
		if n, err := strconv.Atoi(digits); err == nil && n >= 0 && n < MaxKinds {
			return Kind(n), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Catalog returns every kind of the standard catalog in ordinal order.
func Catalog() []Kind {
	out := make([]Kind, Count)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// Mask is a set of kinds, bit k standing for Kind(k).
type Mask uint32

// MaskOf builds a mask from the given kinds.
func MaskOf(kinds ...Kind) Mask {
	var m Mask
	for _, k := range kinds {
		m |= k.Bit()
	}
	return m
}

// Has reports whether k is in the mask.
func (m Mask) Has(k Kind) bool {
	return m&k.Bit() != 0
}

// Len returns the number of kinds in the mask.
func (m Mask) Len() int {
	return bits.OnesCount32(uint32(m))
}

// Kinds returns the kinds in the mask in ascending order.
func (m Mask) Kinds() []Kind {
	out := make([]Kind, 0, m.Len())
	for rest := m; rest != 0; rest &= rest - 1 {
		out = append(out, Kind(bits.TrailingZeros32(uint32(rest))))
	}
	return out
}

// String lists the kind names separated by "|", or "-" for the empty mask.
func (m Mask) String() string {
	if m == 0 {
		return "-"
	}
	parts := make([]string, 0, m.Len())
	for _, k := range m.Kinds() {
		parts = append(parts, k.String())
	}
	return strings.Join(parts, "|")
}

// ParseMask parses a "|" or "," separated list of kind names.
func ParseMask(s string) (Mask, error) {
	var m Mask
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' })
	for _, f := range fields {
		if strings.TrimSpace(f) == "" || strings.TrimSpace(f) == "-" {
			continue
		}
		k, err := Parse(f)
		if err != nil {
			return 0, err
		}
		m |= k.Bit()
	}
	return m, nil
}
