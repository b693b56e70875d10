// Package testkit checks kernel snapshots for bookkeeping the live
// structures must never violate.
package testkit

import (
	"fmt"

	"fortio.org/safecast"

	"ksched/internal/snapshot"
)

// CheckSnapshot runs the invariant set over s:
// 1) the ready list holds every READY thread exactly once and nothing else
// 2) the current thread exists and is not torn down
// 3) each thread's event mask is the union of its waits, and only blocked
// threads wait
// 4) every list record matches a wait of its thread, and the two views
// have the same size as the slots in use
func CheckSnapshot(s *snapshot.Snapshot) error {
	if s == nil {
		return fmt.Errorf("nil snapshot")
	}
	if s.Schema != snapshot.Schema {
		return fmt.Errorf("schema %d, want %d", s.Schema, snapshot.Schema)
	}
	nkinds, err := safecast.Conv[uint8](len(s.Kinds))
	if err != nil {
		return fmt.Errorf("kind count overflow: %w", err)
	}

	byID := make(map[uint32]*snapshot.Thread, len(s.Threads))
	for i := range s.Threads {
		th := &s.Threads[i]
		if th.ID == 0 {
			return fmt.Errorf("thread with zero id")
		}
		if byID[th.ID] != nil {
			return fmt.Errorf("thread %d listed twice", th.ID)
		}
		byID[th.ID] = th
	}

	// 1) ready list
	queued := make(map[uint32]bool, len(s.Ready))
	for _, id := range s.Ready {
		th := byID[id]
		if th == nil {
			return fmt.Errorf("ready list holds unknown thread %d", id)
		}
		if queued[id] {
			return fmt.Errorf("thread %d queued twice", id)
		}
		if th.State != "ready" {
			return fmt.Errorf("thread %d queued while %s", id, th.State)
		}
		queued[id] = true
	}
	for _, th := range s.Threads {
		if th.State == "ready" && !queued[th.ID] {
			return fmt.Errorf("ready thread %d not queued", th.ID)
		}
	}

	// 2) current
	if s.Current != 0 {
		th := byID[s.Current]
		if th == nil {
			return fmt.Errorf("current thread %d unknown", s.Current)
		}
		if th.State == "dying" || th.State == "dead" {
			return fmt.Errorf("current thread %d is %s", th.ID, th.State)
		}
	}

	// 3) masks
	waits := 0
	for _, th := range s.Threads {
		var mask uint32
		for _, w := range th.Waits {
			if w.Kind >= nkinds {
				return fmt.Errorf("thread %d waits on kind %d of %d", th.ID, w.Kind, nkinds)
			}
			mask |= 1 << w.Kind
		}
		if mask != th.Events {
			return fmt.Errorf("thread %d mask %#x, waits give %#x", th.ID, th.Events, mask)
		}
		if len(th.Waits) > 0 && th.State != "blocked" {
			return fmt.Errorf("thread %d has %d waits while %s", th.ID, len(th.Waits), th.State)
		}
		waits += len(th.Waits)
	}

	// 4) lists against chains
	listed := 0
	for _, l := range s.Lists {
		if l.Kind >= nkinds {
			return fmt.Errorf("list for kind %d of %d", l.Kind, nkinds)
		}
		for _, w := range l.Waiters {
			th := byID[w.TID]
			if th == nil {
				return fmt.Errorf("%s list holds unknown thread %d", s.KindName(l.Kind), w.TID)
			}
			if !hasWait(th, l.Kind, w.Object) {
				return fmt.Errorf("%s list holds thread %d object %d it does not wait on", s.KindName(l.Kind), w.TID, w.Object)
			}
			listed++
		}
	}
	if listed != waits {
		return fmt.Errorf("%d list records but %d thread waits", listed, waits)
	}
	if listed != s.SlotsInUse {
		return fmt.Errorf("%d records but %d slots in use", listed, s.SlotsInUse)
	}
	if s.SlotsInUse > s.SlotsCap {
		return fmt.Errorf("%d slots in use of %d", s.SlotsInUse, s.SlotsCap)
	}
	return nil
}

func hasWait(th *snapshot.Thread, kind uint8, object uint64) bool {
	for _, w := range th.Waits {
		if w.Kind == kind && w.Object == object {
			return true
		}
	}
	return false
}
