// Package sim drives a kernel through a scripted scenario while looping
// threads and interrupt sources run concurrently against it.
package sim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ksched/internal/event"
	"ksched/internal/fault"
	"ksched/internal/kernel"
	"ksched/internal/observ"
	"ksched/internal/snapshot"
	"ksched/internal/thread"
	"ksched/internal/trace"
)

// IdleName stands for "no runnable thread" in Next expectations.
const IdleName = "idle"

// Result summarises a finished run.
type Result struct {
	Name       string
	Steps      int
	Rounds     int64
	Interrupts int64
	Woken      int64
	Stats      kernel.Stats
	Snapshot   *snapshot.Snapshot
	Timings    observ.Report
}

// Option configures Run.
type Option func(*runner)

// WithSink reports progress to s.
func WithSink(s Sink) Option {
	return func(r *runner) { r.sink = s }
}

type runner struct {
	sc     *Scenario
	k      *kernel.Kernel
	sink   Sink
	tracer trace.Tracer

	// names is owned by the step goroutine once setup is over.
	names  map[string]thread.ID
	killed []thread.ID

	rounds     atomic.Int64
	interrupts atomic.Int64
	woken      atomic.Int64
}

// Run executes sc on a fresh kernel built from kc. The kernel's termination
// worker runs for the duration of the call.
func Run(ctx context.Context, sc *Scenario, kc kernel.Config, opts ...Option) (*Result, error) {
	r := &runner{
		sc:     sc,
		sink:   nopSink{},
		tracer: trace.Or(kc.Tracer),
		names:  make(map[string]thread.ID),
	}
	for _, opt := range opts {
		opt(r)
	}
	if sc.Kernel.Threads > 0 {
		kc.Threads = sc.Kernel.Threads
	}
	if sc.Kernel.WaitSlots > 0 {
		kc.WaitSlots = sc.Kernel.WaitSlots
	}
	if sc.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout.Duration)
		defer cancel()
	}

	span := trace.Begin(r.tracer, trace.ScopeKernel, "scenario", 0)
	span.WithExtra("name", sc.Name)
	timer := observ.NewTimer()

	ph := timer.Begin("setup")
	k, err := kernel.New(kc)
	if err != nil {
		span.End(err.Error())
		return nil, err
	}
	r.k = k
	if err := sc.checkKinds(k.Kinds()); err != nil {
		span.End(err.Error())
		return nil, err
	}
	if err := k.Start(ctx); err != nil {
		span.End(err.Error())
		return nil, err
	}
	defer func() { _ = k.Close() }()
	for _, th := range sc.Threads {
		id, err := k.Spawn(th.Name)
		if err != nil {
			span.End(err.Error())
			return nil, err
		}
		r.names[th.Name] = id
	}
	r.queueTracks()
	timer.End(ph, strconv.Itoa(len(sc.Threads))+" threads")

	ph = timer.Begin("run")
	err = r.run(ctx)
	timer.End(ph, fmt.Sprintf("%d steps", len(sc.Steps)))
	if err != nil {
		span.End(err.Error())
		return nil, err
	}

	ph = timer.Begin("verify")
	err = k.Verify()
	snap := k.Snapshot()
	timer.End(ph, "")
	if err != nil {
		span.End(err.Error())
		return nil, fmt.Errorf("final state: %w", err)
	}
	span.End("")

	return &Result{
		Name:       sc.Name,
		Steps:      len(sc.Steps),
		Rounds:     r.rounds.Load(),
		Interrupts: r.interrupts.Load(),
		Woken:      r.woken.Load(),
		Stats:      k.Stats(),
		Snapshot:   snap,
		Timings:    timer.Report(),
	}, nil
}

func (r *runner) queueTracks() {
	r.sink.OnEvent(Event{Track: StepsTrack, Status: StatusQueued, Total: len(r.sc.Steps)})
	for _, th := range r.sc.Threads {
		if th.Rounds > 0 {
			r.sink.OnEvent(Event{Track: th.Name, Status: StatusQueued, Total: th.Rounds})
		}
	}
	for _, in := range r.sc.Interrupts {
		r.sink.OnEvent(Event{Track: in.Name, Status: StatusQueued, Total: in.Count})
	}
}

func (r *runner) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var loops sync.WaitGroup
	for _, th := range r.sc.Threads {
		if th.Rounds == 0 {
			continue
		}
		id := r.names[th.Name]
		loops.Add(1)
		g.Go(func() error {
			defer loops.Done()
			return guard(func() error { return r.loop(gctx, th, id) })
		})
	}
	loopsDone := make(chan struct{})
	go func() {
		loops.Wait()
		close(loopsDone)
	}()

	for _, in := range r.sc.Interrupts {
		g.Go(func() error { return guard(func() error { return r.interrupt(gctx, in, loopsDone) }) })
	}
	g.Go(func() error { return r.steps(gctx) })
	return g.Wait()
}

// guard turns a kernel fault raised by fn into its error.
func guard(fn func() error) (err error) {
	if ferr := fault.Catch(func() { err = fn() }); ferr != nil {
		return ferr
	}
	return err
}

// loop is the body of a goroutine-backed thread: wait, park, repeat.
func (r *runner) loop(ctx context.Context, th ThreadSpec, id thread.ID) error {
	mask, err := parseKinds(th.Kinds)
	if err != nil {
		return err
	}
	objs := []event.WaitObject{{Events: mask, Object: event.Object(th.Object)}}
	start := time.Now()
	every := max(1, th.Rounds/50)
	r.sink.OnEvent(Event{Track: th.Name, Status: StatusWorking, Total: th.Rounds})
	for i := range th.Rounds {
		err := r.k.WaitMany(id, objs)
		if err == nil {
			err = r.k.Park(ctx, id)
		}
		if err != nil {
			err = fmt.Errorf("thread %s round %d: %w", th.Name, i+1, err)
			r.sink.OnEvent(Event{Track: th.Name, Status: StatusError, Err: err, Elapsed: time.Since(start)})
			return err
		}
		r.rounds.Add(1)
		if (i+1)%every == 0 {
			r.sink.OnEvent(Event{Track: th.Name, Status: StatusWorking, Done: i + 1, Total: th.Rounds})
		}
	}
	r.sink.OnEvent(Event{Track: th.Name, Status: StatusDone, Done: th.Rounds, Total: th.Rounds, Elapsed: time.Since(start)})
	return nil
}

// interrupt signals its kinds Count times, or until loopsDone closes when
// Count is 0.
func (r *runner) interrupt(ctx context.Context, in InterruptSpec, loopsDone <-chan struct{}) error {
	mask, err := parseKinds(in.Kinds)
	if err != nil {
		return err
	}
	var tick <-chan time.Time
	if in.Interval.Duration > 0 {
		t := time.NewTicker(in.Interval.Duration)
		defer t.Stop()
		tick = t.C
	}
	start := time.Now()
	every := max(1, in.Count/50)
	r.sink.OnEvent(Event{Track: in.Name, Status: StatusWorking, Total: in.Count})
	n := 0
	for in.Count == 0 || n < in.Count {
		if in.Count == 0 {
			select {
			case <-loopsDone:
				r.sink.OnEvent(Event{Track: in.Name, Status: StatusDone, Done: n, Detail: strconv.Itoa(n) + " sent", Elapsed: time.Since(start)})
				return nil
			default:
			}
		}
		woken := r.k.WakeMultiKind(mask, event.Object(in.Object))
		r.interrupts.Add(1)
		r.woken.Add(int64(woken))
		n++
		if in.Count > 0 && n%every == 0 {
			r.sink.OnEvent(Event{Track: in.Name, Status: StatusWorking, Done: n, Total: in.Count})
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	r.sink.OnEvent(Event{Track: in.Name, Status: StatusDone, Done: n, Total: in.Count, Elapsed: time.Since(start)})
	return nil
}

func (r *runner) steps(ctx context.Context) error {
	start := time.Now()
	total := len(r.sc.Steps)
	r.sink.OnEvent(Event{Track: StepsTrack, Status: StatusWorking, Total: total})
	for i, st := range r.sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := guard(func() error { return r.step(ctx, st) }); err != nil {
			err = fmt.Errorf("step %d (%s): %w", i+1, st.Op, err)
			r.sink.OnEvent(Event{Track: StepsTrack, Status: StatusError, Done: i, Total: total, Err: err, Elapsed: time.Since(start)})
			return err
		}
		r.sink.OnEvent(Event{Track: StepsTrack, Status: StatusWorking, Done: i + 1, Total: total, Detail: st.Op})
	}
	r.sink.OnEvent(Event{Track: StepsTrack, Status: StatusDone, Done: total, Total: total, Elapsed: time.Since(start)})
	return nil
}

func (r *runner) step(ctx context.Context, st Step) error {
	if st.Op == OpSpawn {
		id, err := r.k.Spawn(st.Thread)
		if err != nil {
			return err
		}
		r.names[st.Thread] = id
		return nil
	}

	var id thread.ID
	if opNeedsThread[st.Op] {
		var err error
		if id, err = r.resolve(st.Thread); err != nil {
			return err
		}
	}

	switch st.Op {
	case OpBoot:
		return r.expectErr(st, r.k.Boot(id))
	case OpReschedule:
		return r.expectNext(st, r.k.PerformReschedule())
	case OpYield:
		next, err := r.k.Yield(id)
		if err != nil {
			return r.expectErr(st, err)
		}
		return r.expectNext(st, next)
	case OpWait:
		objs, err := st.waitObjects()
		if err != nil {
			return err
		}
		if len(objs) == 1 && objs[0].Events.Len() == 1 {
			err = r.k.WaitOne(id, objs[0].Events.Kinds()[0], objs[0].Object)
		} else {
			err = r.k.WaitMany(id, objs)
		}
		return r.expectErr(st, err)
	case OpSuspend:
		return r.expectErr(st, r.k.Suspend(id))
	case OpWake:
		mask, err := parseKinds(st.Kinds)
		if err != nil {
			return err
		}
		var n int
		if mask.Len() == 1 {
			n = r.k.Wake(mask.Kinds()[0], event.Object(st.Object))
		} else {
			n = r.k.WakeMultiKind(mask, event.Object(st.Object))
		}
		r.woken.Add(int64(n))
		return expectCount(st, n)
	case OpWakeThread:
		mask, err := parseKinds(st.Kinds)
		if err != nil {
			return err
		}
		ok, err := r.k.WakeThreadIfWaiting(id, mask)
		if err != nil {
			return r.expectErr(st, err)
		}
		n := 0
		if ok {
			n = 1
			r.woken.Add(1)
		}
		return expectCount(st, n)
	case OpUnblock:
		return r.expectErr(st, r.k.Unblock(id))
	case OpRemove:
		return r.expectErr(st, r.k.RemoveThread(id))
	case OpKill:
		_, err := r.k.MarkForDeath(id)
		if err == nil {
			r.killed = append(r.killed, id)
		}
		return r.expectErr(st, err)
	case OpExit:
		next, err := r.k.Exit(id)
		if err != nil {
			return r.expectErr(st, err)
		}
		r.killed = append(r.killed, id)
		return r.expectNext(st, next)
	case OpExpect:
		state, err := r.k.State(id)
		got := state.String()
		if errors.Is(err, kernel.ErrUnknownThread) {
			got = thread.Dead.String()
		} else if err != nil {
			return err
		}
		if got != st.State {
			return fmt.Errorf("thread %s is %s, want %s", st.Thread, got, st.State)
		}
		return nil
	case OpSettle:
		return r.settle(ctx)
	case OpVerify:
		return r.k.Verify()
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// settle waits until every killed thread has been reaped.
func (r *runner) settle(ctx context.Context) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		if r.reaped() {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("threads still pending %v: %w", r.k.Pending(), ctx.Err())
		}
	}
}

func (r *runner) reaped() bool {
	if len(r.k.Pending()) > 0 {
		return false
	}
	for _, id := range r.killed {
		if _, err := r.k.State(id); !errors.Is(err, kernel.ErrUnknownThread) {
			return false
		}
	}
	return true
}

func (r *runner) resolve(name string) (thread.ID, error) {
	if name == kernel.WorkerName {
		return r.k.Worker(), nil
	}
	id, ok := r.names[name]
	if !ok {
		return thread.NoID, fmt.Errorf("unknown thread name %q", name)
	}
	return id, nil
}

func (r *runner) nameOf(id thread.ID) string {
	if id == thread.NoID {
		return IdleName
	}
	if id == r.k.Worker() {
		return kernel.WorkerName
	}
	for n, v := range r.names {
		if v == id {
			return n
		}
	}
	return "#" + strconv.FormatUint(uint64(id), 10)
}

func (r *runner) expectNext(st Step, next thread.ID) error {
	if st.Next == "" {
		return nil
	}
	want := thread.NoID
	if st.Next != IdleName {
		var err error
		if want, err = r.resolve(st.Next); err != nil {
			return err
		}
	}
	if next != want {
		return fmt.Errorf("next is %s, want %s", r.nameOf(next), st.Next)
	}
	return nil
}

var namedErrors = map[string]error{
	"exhausted": kernel.ErrResourceExhausted,
	"unknown":   kernel.ErrUnknownThread,
	"dying":     kernel.ErrThreadDying,
	"booted":    kernel.ErrBooted,
}

func (r *runner) expectErr(st Step, err error) error {
	if st.Error == "" {
		return err
	}
	want := namedErrors[st.Error]
	if err == nil {
		return fmt.Errorf("succeeded, want %s error", st.Error)
	}
	if !errors.Is(err, want) {
		return fmt.Errorf("want %s error, got: %w", st.Error, err)
	}
	return nil
}

func expectCount(st Step, n int) error {
	if st.Expect != nil && *st.Expect != n {
		return fmt.Errorf("woke %d, want %d", n, *st.Expect)
	}
	return nil
}
