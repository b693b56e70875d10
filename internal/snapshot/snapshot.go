// Package snapshot captures kernel scheduling state and stores it on disk as
// msgpack.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Schema is the current on-disk format version. Increment when Snapshot
// changes shape.
const Schema uint16 = 1

// ErrSchema reports a snapshot written by an incompatible version.
var ErrSchema = errors.New("snapshot: unsupported schema")

// Snapshot is a point-in-time copy of the scheduler and event table.
type Snapshot struct {
	Schema uint16
	RunID  string
	Taken  time.Time

	// Kinds names every event kind by ordinal.
	Kinds   []string
	Current uint32
	// Ready lists the ready queue head first.
	Ready   []uint32
	Threads []Thread
	Lists   []List
	// Pending lists threads queued for termination, oldest first.
	Pending []uint32

	SlotsInUse int
	SlotsCap   int

	Stats Stats
}

// Thread is the snapshot view of one thread.
type Thread struct {
	ID     uint32
	Name   string
	State  string
	Events uint32
	Waits  []Wait
}

// Wait is one (kind, object) pair.
type Wait struct {
	Kind   uint8
	Object uint64
}

// List is the wait list of one kind in registration order.
type List struct {
	Kind    uint8
	Waiters []Waiter
}

// Waiter is one record of a wait list.
type Waiter struct {
	TID    uint32
	Object uint64
}

// Stats carries kernel counters.
type Stats struct {
	Reschedules uint64
	Switches    uint64
	Idles       uint64
	Woken       uint64
	Exhausted   uint64
	Reaped      uint64
}

// New returns an empty snapshot stamped with the schema, a fresh run
// identifier and the current time.
func New() *Snapshot {
	return &Snapshot{
		Schema: Schema,
		RunID:  uuid.NewString(),
		Taken:  time.Now().UTC(),
	}
}

// Thread returns the thread with the given id, or nil.
func (s *Snapshot) Thread(id uint32) *Thread {
	for i := range s.Threads {
		if s.Threads[i].ID == id {
			return &s.Threads[i]
		}
	}
	return nil
}

// KindName returns the name recorded for kind.
func (s *Snapshot) KindName(kind uint8) string {
	if int(kind) < len(s.Kinds) {
		return s.Kinds[kind]
	}
	return fmt.Sprintf("KIND%d", kind)
}

// Marshal encodes s.
func Marshal(s *Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

// Unmarshal decodes data and checks the schema.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if s.Schema != Schema {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSchema, s.Schema, Schema)
	}
	return &s, nil
}

// Write stores s at path, replacing any existing file atomically.
func Write(path string, s *Snapshot) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "tmp-*.mp")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}()

	if err := msgpack.NewEncoder(f).Encode(s); err != nil {
		_ = f.Close()
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Read loads a snapshot written by Write.
func Read(path string) (s *Snapshot, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	var out Snapshot
	if err := msgpack.NewDecoder(f).Decode(&out); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", path, err)
	}
	if out.Schema != Schema {
		return nil, fmt.Errorf("%w: %s has %d, want %d", ErrSchema, path, out.Schema, Schema)
	}
	return &out, nil
}
