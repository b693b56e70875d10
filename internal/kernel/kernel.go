// Package kernel owns the scheduler, the event table and the termination
// worker, and exposes them to callers by thread identity.
//
// Every exported method enters the kernel critical section itself, so a
// Kernel is safe for concurrent use. Components below it are not.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"ksched/internal/event"
	"ksched/internal/evkind"
	"ksched/internal/fault"
	"ksched/internal/klock"
	"ksched/internal/readyq"
	"ksched/internal/sched"
	"ksched/internal/snapshot"
	"ksched/internal/term"
	"ksched/internal/thread"
	"ksched/internal/trace"
)

var (
	// ErrResourceExhausted is returned when no wait slot is free.
	ErrResourceExhausted = errors.New("kernel: wait slots exhausted")
	// ErrUnknownThread is returned for identities not in the thread table.
	ErrUnknownThread = errors.New("kernel: unknown thread")
	// ErrThreadDying is returned for threads that are being torn down.
	ErrThreadDying = errors.New("kernel: thread is dying")
	// ErrNotCurrent is returned when an operation needs the running thread.
	ErrNotCurrent = errors.New("kernel: thread is not running")
	// ErrStarted is returned by a second Start.
	ErrStarted = errors.New("kernel: already started")
	// ErrBooted is returned by Boot once another thread is current.
	ErrBooted = errors.New("kernel: another thread is current")
)

// WorkerName is the name of the termination worker thread.
const WorkerName = "terminator"

// Finalizer releases what a thread owned outside the scheduler.
// It runs on the termination worker, never on the dying thread.
type Finalizer interface {
	Finalize(ctx context.Context, t *thread.Thread) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, t *thread.Thread) error

// Finalize calls f.
func (f FinalizerFunc) Finalize(ctx context.Context, t *thread.Thread) error {
	return f(ctx, t)
}

var nopFinalizer = FinalizerFunc(func(context.Context, *thread.Thread) error { return nil })

// Config sizes the kernel.
type Config struct {
	// Threads is the thread table capacity, termination worker included.
	Threads int
	// WaitSlots is the number of wait records.
	WaitSlots int
	// Kinds is the number of event kinds.
	Kinds int

	Tracer    trace.Tracer
	Finalizer Finalizer
}

// DefaultConfig returns the stock sizes.
func DefaultConfig() Config {
	return Config{
		Threads:   64,
		WaitSlots: 1024,
		Kinds:     evkind.Count,
	}
}

// Validate reports a configuration the kernel cannot be built from.
func (c Config) Validate() error {
	switch {
	case c.Threads < 2:
		return fmt.Errorf("kernel: need room for at least 2 threads, got %d", c.Threads)
	case c.WaitSlots < 1:
		return fmt.Errorf("kernel: need at least 1 wait slot, got %d", c.WaitSlots)
	case c.Kinds <= int(evkind.Termination) || c.Kinds > evkind.MaxKinds:
		return fmt.Errorf("kernel: kinds must be in %d..%d, got %d", int(evkind.Termination)+1, evkind.MaxKinds, c.Kinds)
	}
	return nil
}

// Kernel is the single owner of all scheduling state.
type Kernel struct {
	lock    klock.Lock
	threads *thread.Table
	sched   *sched.Scheduler
	events  *event.Table
	term    *term.Service
	worker  *thread.Thread

	finalizer Finalizer
	tracer    trace.Tracer
	kinds     int

	// parked maps a blocked thread to the channel its Park call waits on.
	parked map[thread.ID]chan struct{}
	reaped uint64

	runMu  sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds a kernel and creates the termination worker thread, blocked.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		threads:   thread.NewTable(cfg.Threads),
		finalizer: cfg.Finalizer,
		tracer:    trace.Or(cfg.Tracer),
		kinds:     cfg.Kinds,
		parked:    make(map[thread.ID]chan struct{}),
	}
	if k.finalizer == nil {
		k.finalizer = nopFinalizer
	}
	k.sched = sched.New(readyq.New(cfg.Threads),
		sched.WithTracer(k.tracer),
		sched.WithReadyHook(k.unpark),
	)
	k.events = event.New(cfg.Kinds, cfg.WaitSlots, k.sched, k.threads, event.WithTracer(k.tracer))
	k.term = term.New(host{k}, term.WithTracer(k.tracer))

	w, err := k.threads.Create(WorkerName, thread.Blocked)
	if err != nil {
		return nil, fmt.Errorf("kernel: create worker: %w", err)
	}
	k.worker = w
	return k, nil
}

// Worker returns the termination worker's identity.
func (k *Kernel) Worker() thread.ID { return k.worker.ID }

// Kinds returns the number of event kinds.
func (k *Kernel) Kinds() int { return k.kinds }

// Start runs the termination worker until ctx is cancelled or Close is
// called.
func (k *Kernel) Start(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	if k.group != nil {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.term.Run(gctx) })
	k.group = g
	k.cancel = cancel
	trace.Point(k.tracer, trace.ScopeKernel, "start", "")
	return nil
}

// Close stops the termination worker and waits for it. Threads still
// queued for death stay queued.
func (k *Kernel) Close() error {
	k.runMu.Lock()
	g, cancel := k.group, k.cancel
	k.group, k.cancel = nil, nil
	k.runMu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	trace.Point(k.tracer, trace.ScopeKernel, "stop", "")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Spawn creates a ready thread.
func (k *Kernel) Spawn(name string) (thread.ID, error) {
	k.lock.Acquire()
	defer k.lock.Release()
	t, err := k.threads.Create(name, thread.Blocked)
	if err != nil {
		return thread.NoID, fmt.Errorf("kernel: spawn %q: %w", name, err)
	}
	k.sched.SetReady(t)
	trace.Point(k.tracer, trace.ScopeKernel, "spawn", t.String())
	return t.ID, nil
}

// Boot makes tid the running thread without a reschedule. It only works
// while the kernel is idle; booting the current thread again is a no-op.
func (k *Kernel) Boot(tid thread.ID) error {
	k.lock.Acquire()
	defer k.lock.Release()
	t, err := k.live(tid)
	if err != nil {
		return err
	}
	if cur := k.sched.Current(); cur != nil {
		if cur == t {
			return nil
		}
		return fmt.Errorf("boot %s: %w: %s", t, ErrBooted, cur)
	}
	if t.State == thread.Blocked {
		return fmt.Errorf("kernel: boot %s: %w", t, ErrNotCurrent)
	}
	k.sched.SetCurrent(t)
	return nil
}

// WaitOne blocks tid until kind is signalled for object or AnyObject.
// The caller switches away afterwards with PerformReschedule or Park.
func (k *Kernel) WaitOne(tid thread.ID, kind evkind.Kind, object event.Object) error {
	k.lock.Acquire()
	defer k.lock.Release()
	t, err := k.live(tid)
	if err != nil {
		return err
	}
	if !k.events.WaitOne(t, kind, object) {
		return fmt.Errorf("wait %s on %s: %w", t, kind, ErrResourceExhausted)
	}
	return nil
}

// WaitMany blocks tid on every pair of objs, or on nothing if registration
// fails.
func (k *Kernel) WaitMany(tid thread.ID, objs []event.WaitObject) error {
	k.lock.Acquire()
	defer k.lock.Release()
	t, err := k.live(tid)
	if err != nil {
		return err
	}
	if !k.events.WaitMany(t, objs) {
		return fmt.Errorf("wait %s on %d objects: %w", t, len(objs), ErrResourceExhausted)
	}
	return nil
}

// Suspend blocks tid with no wake condition. Only Unblock or termination
// releases it.
func (k *Kernel) Suspend(tid thread.ID) error {
	return k.WaitMany(tid, []event.WaitObject{{}})
}

// Wake releases every waiter on kind for object and returns how many
// threads became ready.
func (k *Kernel) Wake(kind evkind.Kind, object event.Object) int {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.events.Wake(kind, object)
}

// WakeMultiKind is Wake for every kind in mask.
func (k *Kernel) WakeMultiKind(mask evkind.Mask, object event.Object) int {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.events.WakeMultiKind(mask, object)
}

// WakeThreadIfWaiting releases tid if it waits on a kind in mask.
func (k *Kernel) WakeThreadIfWaiting(tid thread.ID, mask evkind.Mask) (bool, error) {
	k.lock.Acquire()
	defer k.lock.Release()
	t := k.threads.Lookup(tid)
	if t == nil {
		return false, fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	return k.events.WakeThreadIfWaiting(t, mask), nil
}

// WaitsFor reports whether tid waits on a kind in mask.
func (k *Kernel) WaitsFor(tid thread.ID, mask evkind.Mask) (bool, error) {
	k.lock.Acquire()
	defer k.lock.Release()
	t := k.threads.Lookup(tid)
	if t == nil {
		return false, fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	return k.events.WaitsFor(t, mask), nil
}

// RemoveThread cancels all waits of tid and makes it ready. It is a no-op
// for a thread without waits.
func (k *Kernel) RemoveThread(tid thread.ID) error {
	k.lock.Acquire()
	defer k.lock.Release()
	t := k.threads.Lookup(tid)
	if t == nil {
		return fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	k.events.RemoveThread(t)
	return nil
}

// Unblock makes a blocked tid ready, cancelling its waits if it has any.
func (k *Kernel) Unblock(tid thread.ID) error {
	k.lock.Acquire()
	defer k.lock.Release()
	t, err := k.live(tid)
	if err != nil {
		return err
	}
	if !k.events.RemoveThread(t) {
		k.sched.SetReady(t)
	}
	return nil
}

// PerformReschedule picks the next thread to run. It returns thread.NoID
// when nothing is ready.
func (k *Kernel) PerformReschedule() thread.ID {
	k.lock.Acquire()
	defer k.lock.Release()
	return idOf(k.sched.PerformReschedule())
}

// Yield gives up the CPU on behalf of the running thread tid.
func (k *Kernel) Yield(tid thread.ID) (thread.ID, error) {
	k.lock.Acquire()
	defer k.lock.Release()
	cur := k.sched.Current()
	if cur == nil || cur.ID != tid {
		return thread.NoID, fmt.Errorf("yield %d: %w", tid, ErrNotCurrent)
	}
	return idOf(k.sched.PerformReschedule()), nil
}

// Current returns the running thread, or thread.NoID when idle.
func (k *Kernel) Current() thread.ID {
	k.lock.Acquire()
	defer k.lock.Release()
	return idOf(k.sched.Current())
}

// State returns the scheduling state of tid.
func (k *Kernel) State(tid thread.ID) (thread.State, error) {
	k.lock.Acquire()
	defer k.lock.Release()
	t := k.threads.Lookup(tid)
	if t == nil {
		return thread.Dead, fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	return t.State, nil
}

// MarkForDeath queues tid for termination. It reports false if tid was
// already queued.
func (k *Kernel) MarkForDeath(tid thread.ID) (bool, error) {
	t, err := k.lookupUnlocked(tid)
	if err != nil {
		return false, err
	}
	if t == k.worker {
		return false, fmt.Errorf("kernel: the termination worker cannot be killed")
	}
	return k.term.MarkForDeath(t), nil
}

// Exit queues tid for termination and, if it is running, blocks it and
// switches to the next thread, whose identity is returned.
func (k *Kernel) Exit(tid thread.ID) (thread.ID, error) {
	if _, err := k.MarkForDeath(tid); err != nil {
		return thread.NoID, err
	}
	k.lock.Acquire()
	defer k.lock.Release()
	cur := k.sched.Current()
	if cur == nil || cur.ID != tid {
		return idOf(cur), nil
	}
	if cur.State == thread.Running {
		k.sched.SetBlocked(cur)
	}
	return idOf(k.sched.PerformReschedule()), nil
}

// Park blocks the calling goroutine until tid is no longer blocked. It
// returns at once when tid is not blocked, and ErrThreadDying when tid was
// torn down instead of woken.
func (k *Kernel) Park(ctx context.Context, tid thread.ID) error {
	k.lock.Acquire()
	t := k.threads.Lookup(tid)
	if t == nil {
		k.lock.Release()
		return fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	if t.State != thread.Blocked {
		err := stateErr(t)
		k.lock.Release()
		return err
	}
	ch, ok := k.parked[tid]
	if !ok {
		ch = make(chan struct{})
		k.parked[tid] = ch
	}
	k.lock.Release()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	k.lock.Acquire()
	defer k.lock.Release()
	return stateErr(t)
}

// BeginTerm drives the two-phase teardown of t. The first successful call
// detaches t from every wait list and the ready queue and marks it DYING,
// but still reports false; t may be the running thread until the next
// reschedule has happened. Later calls report true once t is DYING and
// not current. Every call reports false while t is current.
func (k *Kernel) BeginTerm(t *thread.Thread) bool {
	k.lock.Acquire()
	defer k.lock.Release()
	if k.sched.Current() == t {
		return false
	}
	switch t.State {
	case thread.Dying:
		return true
	case thread.Dead:
		fault.Raise(fault.DoubleFinalize, "thread %s terminated twice", t)
	}
	n := k.events.Detach(t)
	k.sched.Retire(t)
	k.unpark(t)
	if trace.Enabled(k.tracer, trace.ScopeKernel) {
		trace.Point(k.tracer, trace.ScopeKernel, "retire", t.String(), "waits", strconv.Itoa(n))
	}
	return false
}

// Reap removes a DYING thread from the table and runs the finaliser on it.
func (k *Kernel) Reap(ctx context.Context, t *thread.Thread) error {
	k.lock.Acquire()
	switch t.State {
	case thread.Dying:
	case thread.Dead:
		k.lock.Release()
		fault.Raise(fault.DoubleFinalize, "thread %s reaped twice", t)
	default:
		k.lock.Release()
		fault.Raise(fault.InvalidTransition, "reap of %s thread %s", t.State, t)
	}
	t.State = thread.Dead
	k.threads.Remove(t.ID)
	k.reaped++
	k.lock.Release()

	if err := k.finalizer.Finalize(ctx, t); err != nil {
		return fmt.Errorf("kernel: finalize %s: %w", t, err)
	}
	return nil
}

// Pending returns the threads queued for termination.
func (k *Kernel) Pending() []thread.ID {
	return k.term.Pending()
}

// Stats aggregates component counters.
type Stats struct {
	Threads int
	Sched   sched.Stats
	Events  event.Stats
	Term    term.Stats
	Reaped  uint64
}

// Stats returns a copy of the kernel counters.
func (k *Kernel) Stats() Stats {
	ts := k.term.Stats()
	k.lock.Acquire()
	defer k.lock.Release()
	return Stats{
		Threads: k.threads.Len(),
		Sched:   k.sched.Stats(),
		Events:  k.events.Stats(),
		Term:    ts,
		Reaped:  k.reaped,
	}
}

// Verify checks the ready queue, the event table and their agreement with
// thread states.
func (k *Kernel) Verify() error {
	k.lock.Acquire()
	defer k.lock.Release()
	rq := k.sched.Queue()
	if err := rq.Verify(); err != nil {
		return err
	}
	if err := k.events.Verify(); err != nil {
		return err
	}
	cur := k.sched.Current()
	for _, t := range k.threads.All() {
		queued := rq.Contains(t)
		switch {
		case t.State == thread.Ready && !queued:
			return fmt.Errorf("kernel: ready thread %s not queued", t)
		case t.State != thread.Ready && queued:
			return fmt.Errorf("kernel: %s thread %s queued", t.State, t)
		case t.State == thread.Running && t != cur:
			return fmt.Errorf("kernel: %s running but current is %s", t, cur)
		}
	}
	if cur != nil && (cur.State == thread.Dying || cur.State == thread.Dead) {
		return fmt.Errorf("kernel: current thread %s is %s", cur, cur.State)
	}
	return nil
}

// Snapshot copies the scheduling state.
func (k *Kernel) Snapshot() *snapshot.Snapshot {
	pending := k.term.Pending()

	k.lock.Acquire()
	defer k.lock.Release()
	s := snapshot.New()
	for i := range k.kinds {
		s.Kinds = append(s.Kinds, evkind.Kind(i).String())
	}
	s.Current = uint32(idOf(k.sched.Current()))
	for _, id := range k.sched.Queue().IDs() {
		s.Ready = append(s.Ready, uint32(id))
	}
	for _, t := range k.threads.All() {
		st := snapshot.Thread{ID: uint32(t.ID), Name: t.Name, State: t.State.String(), Events: uint32(t.Events)}
		for _, w := range k.events.ThreadWaits(t) {
			st.Waits = append(st.Waits, snapshot.Wait{Kind: uint8(w.Kind), Object: uint64(w.Object)})
		}
		s.Threads = append(s.Threads, st)
	}
	for i := range k.kinds {
		l := snapshot.List{Kind: uint8(i)}
		for _, w := range k.events.Waiters(evkind.Kind(i)) {
			l.Waiters = append(l.Waiters, snapshot.Waiter{TID: uint32(w.TID), Object: uint64(w.Object)})
		}
		if len(l.Waiters) > 0 {
			s.Lists = append(s.Lists, l)
		}
	}
	for _, id := range pending {
		s.Pending = append(s.Pending, uint32(id))
	}
	es := k.events.Stats()
	ss := k.sched.Stats()
	s.SlotsInUse, s.SlotsCap = es.SlotsInUse, es.SlotsCap
	s.Stats = snapshot.Stats{
		Reschedules: ss.Reschedules,
		Switches:    ss.Switches,
		Idles:       ss.Idles,
		Woken:       es.Woken,
		Exhausted:   es.Exhausted,
		Reaped:      k.reaped,
	}
	return s
}

// live resolves tid to a thread that may still wait or be woken.
func (k *Kernel) live(tid thread.ID) (*thread.Thread, error) {
	k.lock.AssertHeld()
	t := k.threads.Lookup(tid)
	if t == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownThread, tid)
	}
	if err := stateErr(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (k *Kernel) lookupUnlocked(tid thread.ID) (*thread.Thread, error) {
	k.lock.Acquire()
	defer k.lock.Release()
	return k.live(tid)
}

// unpark releases a Park call waiting on t. Runs inside the critical
// section, from the scheduler's ready hook or from retirement.
func (k *Kernel) unpark(t *thread.Thread) {
	if ch, ok := k.parked[t.ID]; ok {
		close(ch)
		delete(k.parked, t.ID)
	}
}

func stateErr(t *thread.Thread) error {
	if t.State == thread.Dying || t.State == thread.Dead {
		return fmt.Errorf("%w: %s", ErrThreadDying, t)
	}
	return nil
}

func idOf(t *thread.Thread) thread.ID {
	if t == nil {
		return thread.NoID
	}
	return t.ID
}
