package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ksched/internal/event"
	"ksched/internal/evkind"
	"ksched/internal/fault"
	"ksched/internal/thread"
)

type recorder struct {
	mu    sync.Mutex
	calls map[thread.ID]int
	done  chan thread.ID
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[thread.ID]int), done: make(chan thread.ID, 64)}
}

func (r *recorder) Finalize(_ context.Context, t *thread.Thread) error {
	r.mu.Lock()
	r.calls[t.ID]++
	r.mu.Unlock()
	r.done <- t.ID
	return nil
}

func (r *recorder) count(id thread.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) await(t *testing.T, id thread.ID) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.done:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("thread %d never finalised", id)
		}
	}
}

func newKernel(t *testing.T, mutate func(*Config)) (*Kernel, *recorder) {
	t.Helper()
	rec := newRecorder()
	cfg := DefaultConfig()
	cfg.Threads = 16
	cfg.Finalizer = rec
	if mutate != nil {
		mutate(&cfg)
	}
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() {
		if err := k.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return k, rec
}

func spawn(t *testing.T, k *Kernel, names ...string) []thread.ID {
	t.Helper()
	ids := make([]thread.ID, len(names))
	for i, n := range names {
		id, err := k.Spawn(n)
		if err != nil {
			t.Fatalf("spawn %s: %v", n, err)
		}
		ids[i] = id
	}
	return ids
}

func mustVerify(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func waitParked(t *testing.T, k *Kernel, id thread.ID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		k.lock.Acquire()
		_, ok := k.parked[id]
		k.lock.Release()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("thread %d never parked", id)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"one thread", func(c *Config) { c.Threads = 1 }},
		{"no slots", func(c *Config) { c.WaitSlots = 0 }},
		{"too few kinds", func(c *Config) { c.Kinds = 3 }},
		{"too many kinds", func(c *Config) { c.Kinds = 33 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatalf("config accepted")
			}
		})
	}
}

func TestSpawnAndRoundRobin(t *testing.T) {
	k, _ := newKernel(t, nil)
	ids := spawn(t, k, "a", "b", "c")
	var got []thread.ID
	for range 6 {
		got = append(got, k.PerformReschedule())
	}
	want := []thread.ID{ids[0], ids[1], ids[2], ids[0], ids[1], ids[2]}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
	mustVerify(t, k)
}

func TestWaitWakeThroughKernel(t *testing.T) {
	k, _ := newKernel(t, nil)
	ids := spawn(t, k, "reader", "writer")
	if cur := k.PerformReschedule(); cur != ids[0] {
		t.Fatalf("current %d", cur)
	}
	if err := k.WaitOne(ids[0], evkind.DataReadable, 4); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ok, _ := k.WaitsFor(ids[0], evkind.DataReadable.Bit()); !ok {
		t.Fatalf("not waiting")
	}
	if cur := k.PerformReschedule(); cur != ids[1] {
		t.Fatalf("blocked thread rescheduled; current %d", cur)
	}
	if n := k.Wake(evkind.DataReadable, 5); n != 0 {
		t.Fatalf("woken for wrong object")
	}
	if n := k.Wake(evkind.DataReadable, 4); n != 1 {
		t.Fatalf("woken=%d", n)
	}
	if n := k.Wake(evkind.DataReadable, 4); n != 0 {
		t.Fatalf("second wake woke %d", n)
	}
	if cur := k.PerformReschedule(); cur != ids[0] {
		t.Fatalf("woken thread not next; current %d", cur)
	}
	mustVerify(t, k)
}

func TestWaitExhaustionIsAnError(t *testing.T) {
	k, _ := newKernel(t, func(c *Config) { c.WaitSlots = 2 })
	ids := spawn(t, k, "a")
	objs := []event.WaitObject{{Events: evkind.MaskOf(evkind.User1, evkind.User2, evkind.ReqFree)}}
	err := k.WaitMany(ids[0], objs)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("want ErrResourceExhausted, got %v", err)
	}
	if st, _ := k.State(ids[0]); st != thread.Ready {
		t.Fatalf("state %s after failed wait", st)
	}
	if s := k.Stats(); s.Events.SlotsInUse != 0 || s.Events.Exhausted != 1 {
		t.Fatalf("stats %+v", s.Events)
	}
	mustVerify(t, k)
}

func TestUnknownThread(t *testing.T) {
	k, _ := newKernel(t, nil)
	if err := k.WaitOne(99, evkind.Client, 0); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("wait: %v", err)
	}
	if err := k.RemoveThread(99); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("remove: %v", err)
	}
	if _, err := k.MarkForDeath(99); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("mark: %v", err)
	}
	if err := k.Park(context.Background(), 99); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("park: %v", err)
	}
}

func TestParkReturnsOnWake(t *testing.T) {
	k, _ := newKernel(t, nil)
	ids := spawn(t, k, "a")
	if err := k.Park(context.Background(), ids[0]); err != nil {
		t.Fatalf("park of ready thread: %v", err)
	}
	if err := k.WaitOne(ids[0], evkind.ReqReply, 0); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- k.Park(context.Background(), ids[0]) }()
	select {
	case err := <-done:
		t.Fatalf("park returned early: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	k.Wake(evkind.ReqReply, 0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("park: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("park never returned")
	}
}

func TestParkHonoursContext(t *testing.T) {
	k, _ := newKernel(t, nil)
	ids := spawn(t, k, "a")
	if err := k.Suspend(ids[0]); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := k.Park(ctx, ids[0]); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("park: %v", err)
	}
	if err := k.Unblock(ids[0]); err != nil {
		t.Fatal(err)
	}
	if st, _ := k.State(ids[0]); st != thread.Ready {
		t.Fatalf("state %s", st)
	}
}

func TestExitFinalisesOnce(t *testing.T) {
	k, rec := newKernel(t, nil)
	if err := k.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := k.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second start: %v", err)
	}
	ids := spawn(t, k, "a", "b")
	if cur := k.PerformReschedule(); cur != ids[0] {
		t.Fatalf("current %d", cur)
	}
	next, err := k.Exit(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if next != ids[1] {
		t.Fatalf("next %d, want %d", next, ids[1])
	}
	if again, _ := k.MarkForDeath(ids[0]); again {
		t.Fatalf("second mark accepted")
	}
	rec.await(t, ids[0])
	if n := rec.count(ids[0]); n != 1 {
		t.Fatalf("finalised %d times", n)
	}
	if _, err := k.State(ids[0]); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("reaped thread still in table: %v", err)
	}
	mustVerify(t, k)
}

func TestMarkedCurrentWaitsForReschedule(t *testing.T) {
	k, rec := newKernel(t, nil)
	if err := k.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ids := spawn(t, k, "a", "b")
	k.PerformReschedule()
	if ok, err := k.MarkForDeath(ids[0]); err != nil || !ok {
		t.Fatalf("mark: %v %v", ok, err)
	}
	time.Sleep(20 * time.Millisecond)
	if st, err := k.State(ids[0]); err != nil || st != thread.Running {
		t.Fatalf("current thread torn down early: %s %v", st, err)
	}
	k.PerformReschedule()
	rec.await(t, ids[0])
	mustVerify(t, k)
}

func TestDeathDetachesWaitsAndReleasesPark(t *testing.T) {
	k, rec := newKernel(t, nil)
	ids := spawn(t, k, "a")
	mask := evkind.MaskOf(evkind.ChildDied, evkind.ReceivedMsg)
	if err := k.WaitMany(ids[0], []event.WaitObject{{Events: mask}}); err != nil {
		t.Fatal(err)
	}
	parked := make(chan error, 1)
	go func() { parked <- k.Park(context.Background(), ids[0]) }()
	waitParked(t, k, ids[0])

	if err := k.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := k.MarkForDeath(ids[0]); err != nil {
		t.Fatal(err)
	}
	rec.await(t, ids[0])
	select {
	case err := <-parked:
		if !errors.Is(err, ErrThreadDying) {
			t.Fatalf("park: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("park not released")
	}
	snap := k.Snapshot()
	for _, l := range snap.Lists {
		for _, w := range l.Waiters {
			if w.TID == uint32(ids[0]) {
				t.Fatalf("dead thread left on %s", snap.KindName(l.Kind))
			}
		}
	}
	mustVerify(t, k)
}

func TestWorkerCannotBeKilled(t *testing.T) {
	k, _ := newKernel(t, nil)
	if _, err := k.MarkForDeath(k.Worker()); err == nil {
		t.Fatalf("worker accepted death")
	}
}

func TestReapTwiceFaults(t *testing.T) {
	k, _ := newKernel(t, nil)
	ids := spawn(t, k, "a")
	th := k.threads.Lookup(ids[0])
	for !k.BeginTerm(th) {
	}
	if err := k.Reap(context.Background(), th); err != nil {
		t.Fatal(err)
	}
	err := fault.Catch(func() { _ = k.Reap(context.Background(), th) })
	var f *fault.Fault
	if !errors.As(err, &f) || f.Code != fault.DoubleFinalize {
		t.Fatalf("want double finalize fault, got %v", err)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	k, _ := newKernel(t, nil)
	ids := spawn(t, k, "a", "b", "c")
	k.PerformReschedule()
	if err := k.WaitOne(ids[1], evkind.PipeFull, 3); err != nil {
		t.Fatal(err)
	}
	s := k.Snapshot()
	if s.Current != uint32(ids[0]) {
		t.Fatalf("current %d", s.Current)
	}
	if len(s.Ready) != 1 || s.Ready[0] != uint32(ids[2]) {
		t.Fatalf("ready %v", s.Ready)
	}
	th := s.Thread(uint32(ids[1]))
	if th == nil || th.State != "blocked" || len(th.Waits) != 1 || th.Waits[0].Object != 3 {
		t.Fatalf("thread %+v", th)
	}
	if len(s.Lists) != 1 || s.KindName(s.Lists[0].Kind) != "PIPE_FULL" {
		t.Fatalf("lists %+v", s.Lists)
	}
	if s.SlotsInUse != 1 || len(s.Kinds) != evkind.Count {
		t.Fatalf("slots %d kinds %d", s.SlotsInUse, len(s.Kinds))
	}
}

func TestConcurrentWaitersAndProducers(t *testing.T) {
	k, _ := newKernel(t, func(c *Config) { c.Threads = 40 })
	ids := spawn(t, k, make([]string, 32)...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kind := evkind.User1
			if i%2 == 1 {
				kind = evkind.User2
			}
			for range 20 {
				if err := k.WaitOne(id, kind, event.AnyObject); err != nil {
					t.Errorf("wait: %v", err)
					return
				}
				if err := k.Park(ctx, id); err != nil {
					t.Errorf("park: %v", err)
					return
				}
			}
		}()
	}
	stop := make(chan struct{})
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			k.WakeMultiKind(evkind.MaskOf(evkind.User1, evkind.User2), 0)
			if err := k.Verify(); err != nil {
				t.Errorf("verify: %v", err)
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()
	wg.Wait()
	close(stop)
	<-producerDone
	mustVerify(t, k)
}

func TestBootOnlyWhileIdle(t *testing.T) {
	k, _ := newKernel(t, nil)
	a, err := k.Spawn("a")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	b, err := k.Spawn("b")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := k.Boot(a); err != nil {
		t.Fatalf("boot a: %v", err)
	}
	if err := k.Boot(a); err != nil {
		t.Fatalf("booting the current thread again: %v", err)
	}
	if err := k.Boot(b); !errors.Is(err, ErrBooted) {
		t.Fatalf("second boot: want ErrBooted, got %v", err)
	}
	if st, _ := k.State(b); st != thread.Ready {
		t.Fatalf("b is %s, want ready", st)
	}
	if cur := k.Current(); cur != a {
		t.Fatalf("current %d, want %d", cur, a)
	}
	if err := k.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if next := k.PerformReschedule(); next != b {
		t.Fatalf("next %d, want %d", next, b)
	}
	if next := k.PerformReschedule(); next != a {
		t.Fatalf("a was never requeued, next is %d", next)
	}
}
