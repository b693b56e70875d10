package readyq

import (
	"testing"

	"ksched/internal/fault"
	"ksched/internal/thread"
)

func makeThreads(n int) []*thread.Thread {
	out := make([]*thread.Thread, n)
	for i := range out {
		out[i] = &thread.Thread{ID: thread.ID(i + 1), State: thread.Ready}
	}
	return out
}

func drain(q *Queue) []thread.ID {
	var out []thread.ID
	for t := q.Dequeue(); t != nil; t = q.Dequeue() {
		out = append(out, t.ID)
	}
	return out
}

func equalIDs(a, b []thread.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFIFOOrder(t *testing.T) {
	q := New(4)
	ts := makeThreads(3)
	for _, th := range ts {
		q.Enqueue(th)
	}
	if err := q.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	for _, want := range []thread.ID{1, 2, 3} {
		got := q.Dequeue()
		if got == nil || got.ID != want {
			t.Fatalf("want %d, got %v", want, got)
		}
	}
	if got := q.Dequeue(); got != nil {
		t.Fatalf("expected empty queue, got %v", got)
	}
	if err := q.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRemoveMiddle(t *testing.T) {
	q := New(4)
	ts := makeThreads(3)
	for _, th := range ts {
		q.Enqueue(th)
	}
	if !q.Remove(ts[1]) {
		t.Fatalf("remove should find thread 2")
	}
	if err := q.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got := drain(q); !equalIDs(got, []thread.ID{1, 3}) {
		t.Fatalf("want [1 3], got %v", got)
	}
}

func TestRemoveHeadTailAndMissing(t *testing.T) {
	tests := []struct {
		name   string
		remove int
		want   []thread.ID
	}{
		{name: "head", remove: 0, want: []thread.ID{2, 3}},
		{name: "tail", remove: 2, want: []thread.ID{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(3)
			ts := makeThreads(3)
			for _, th := range ts {
				q.Enqueue(th)
			}
			if !q.Remove(ts[tt.remove]) {
				t.Fatalf("remove failed")
			}
			if err := q.Verify(); err != nil {
				t.Fatalf("verify: %v", err)
			}
			// the tail must still accept appends after removal
			extra := &thread.Thread{ID: 9}
			q.Enqueue(extra)
			want := append(append([]thread.ID(nil), tt.want...), 9)
			if got := drain(q); !equalIDs(got, want) {
				t.Fatalf("want %v, got %v", want, got)
			}
		})
	}

	q := New(2)
	ts := makeThreads(2)
	q.Enqueue(ts[0])
	if q.Remove(ts[1]) {
		t.Fatalf("remove of absent thread reported success")
	}
	if q.Len() != 1 {
		t.Fatalf("absent remove changed the queue")
	}
}

func TestRemoveOnlyElement(t *testing.T) {
	q := New(1)
	th := makeThreads(1)[0]
	q.Enqueue(th)
	if !q.Remove(th) {
		t.Fatalf("remove failed")
	}
	if err := q.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	q.Enqueue(th)
	if got := q.Dequeue(); got != th {
		t.Fatalf("queue unusable after emptying by remove")
	}
}

func TestEnqueueExhaustionFaults(t *testing.T) {
	q := New(1)
	ts := makeThreads(2)
	q.Enqueue(ts[0])
	err := fault.Catch(func() { q.Enqueue(ts[1]) })
	f, ok := fault.As(err)
	if !ok || f.Code != fault.PoolExhausted {
		t.Fatalf("expected PoolExhausted fault, got %v", err)
	}
}

func TestInterleavedNodesRecycle(t *testing.T) {
	q := New(2)
	ts := makeThreads(5)
	var got []thread.ID
	for _, th := range ts {
		q.Enqueue(th)
		if q.Len() == 2 {
			got = append(got, q.Dequeue().ID)
		}
	}
	got = append(got, drain(q)...)
	if !equalIDs(got, []thread.ID{1, 2, 3, 4, 5}) {
		t.Fatalf("FIFO broken across node reuse: %v", got)
	}
	if err := q.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestIDsAndContains(t *testing.T) {
	q := New(3)
	ts := makeThreads(3)
	q.Enqueue(ts[2])
	q.Enqueue(ts[0])
	if !equalIDs(q.IDs(), []thread.ID{3, 1}) {
		t.Fatalf("unexpected ids %v", q.IDs())
	}
	if !q.Contains(ts[0]) || q.Contains(ts[1]) {
		t.Fatalf("contains mismatch")
	}
}
