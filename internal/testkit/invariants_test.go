package testkit

import (
	"strings"
	"testing"

	"ksched/internal/snapshot"
)

func valid() *snapshot.Snapshot {
	s := snapshot.New()
	s.Kinds = []string{"CLIENT", "RECEIVED_MSG", "CHILD_DIED"}
	s.Current = 1
	s.Ready = []uint32{2}
	s.Threads = []snapshot.Thread{
		{ID: 1, State: "running"},
		{ID: 2, State: "ready"},
		{ID: 3, State: "blocked", Events: 0b110, Waits: []snapshot.Wait{{Kind: 1, Object: 4}, {Kind: 2}}},
	}
	s.Lists = []snapshot.List{
		{Kind: 1, Waiters: []snapshot.Waiter{{TID: 3, Object: 4}}},
		{Kind: 2, Waiters: []snapshot.Waiter{{TID: 3}}},
	}
	s.SlotsInUse, s.SlotsCap = 2, 8
	return s
}

func TestCheckSnapshot(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*snapshot.Snapshot)
		want   string
	}{
		{"valid", func(*snapshot.Snapshot) {}, ""},
		{"ready not queued", func(s *snapshot.Snapshot) { s.Ready = nil }, "not queued"},
		{"queued twice", func(s *snapshot.Snapshot) { s.Ready = []uint32{2, 2} }, "queued twice"},
		{"blocked queued", func(s *snapshot.Snapshot) { s.Ready = append(s.Ready, 3) }, "queued while blocked"},
		{"dying current", func(s *snapshot.Snapshot) { s.Threads[0].State = "dying" }, "current thread 1 is dying"},
		{"mask drift", func(s *snapshot.Snapshot) { s.Threads[2].Events = 0b010 }, "mask"},
		{"ready waiter", func(s *snapshot.Snapshot) {
			s.Threads[2].State = "ready"
			s.Ready = append(s.Ready, 3)
		}, "waits while ready"},
		{"stray record", func(s *snapshot.Snapshot) { s.Lists[0].Waiters[0].Object = 5 }, "does not wait on"},
		{"slot count", func(s *snapshot.Snapshot) { s.SlotsInUse = 3 }, "slots in use"},
		{"unknown kind", func(s *snapshot.Snapshot) { s.Lists[0].Kind = 7 }, "kind 7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := CheckSnapshot(s)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("want error containing %q, got %v", tt.want, err)
			}
		})
	}
}
