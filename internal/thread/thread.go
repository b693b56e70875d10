// Package thread holds the scheduling-relevant view of a kernel thread and
// the table used to look threads up by identity.
package thread

import (
	"errors"
	"fmt"
	"sort"

	"ksched/internal/arena"
	"ksched/internal/evkind"
)

// ID identifies a thread. NoID (0) never names a live thread.
type ID uint32

// NoID is the zero thread identity.
const NoID ID = 0

// State is the scheduling state of a thread.
type State uint8

const (
	// Ready threads sit in the ready queue.
	Ready State = iota
	// Running is the thread currently executing.
	Running
	// Blocked threads wait on events.
	Blocked
	// Dying threads were detached by the termination worker.
	Dying
	// Dead threads were finalised.
	Dead
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Flags hold lifecycle bits.
type Flags uint8

const (
	// FlagWillDie marks a thread queued for termination.
	FlagWillDie Flags = 1 << iota
)

// Thread is the scheduler's record of one thread.
type Thread struct {
	ID    ID
	Name  string
	State State

	// Events has a bit set for every kind with at least one wait record.
	Events evkind.Mask
	// WaitHead and WaitTail delimit the thread's chain of wait records.
	WaitHead arena.Ref
	WaitTail arena.Ref

	// Flags is guarded by the termination lock, not the kernel lock.
	Flags Flags
}

func (t *Thread) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Name != "" {
		return fmt.Sprintf("%d(%s)", t.ID, t.Name)
	}
	return fmt.Sprintf("%d", t.ID)
}

// ErrTableFull is returned when the table has no room for another thread.
var ErrTableFull = errors.New("thread table full")

// Table maps identities to threads, bounded by a fixed capacity.
type Table struct {
	capacity int
	nextID   ID
	threads  map[ID]*Thread
}

// NewTable creates an empty table for at most capacity threads.
func NewTable(capacity int) *Table {
	return &Table{
		capacity: capacity,
		nextID:   1,
		threads:  make(map[ID]*Thread, capacity),
	}
}

// Create registers a new thread in the given initial state.
func (tb *Table) Create(name string, state State) (*Thread, error) {
	if len(tb.threads) >= tb.capacity {
		return nil, fmt.Errorf("%w: capacity %d", ErrTableFull, tb.capacity)
	}
	for tb.nextID == NoID || tb.threads[tb.nextID] != nil {
		tb.nextID++
	}
	t := &Thread{ID: tb.nextID, Name: name, State: state}
	tb.nextID++
	tb.threads[t.ID] = t
	return t, nil
}

// Lookup returns the thread with the given identity, or nil.
func (tb *Table) Lookup(id ID) *Thread {
	return tb.threads[id]
}

// Remove drops a thread from the table.
func (tb *Table) Remove(id ID) {
	delete(tb.threads, id)
}

// Len returns the number of registered threads.
func (tb *Table) Len() int { return len(tb.threads) }

// Cap returns the table capacity.
func (tb *Table) Cap() int { return tb.capacity }

// All returns every registered thread ordered by identity.
func (tb *Table) All() []*Thread {
	out := make([]*Thread, 0, len(tb.threads))
	for _, t := range tb.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
