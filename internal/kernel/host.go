package kernel

import (
	"context"
	"fmt"

	"ksched/internal/evkind"
	"ksched/internal/thread"
)

// host adapts the kernel to term.Host. The worker is an ordinary kernel
// thread that waits on TERMINATION like any other waiter.
type host struct {
	k *Kernel
}

func (h host) Arm() error {
	k := h.k
	k.lock.Acquire()
	defer k.lock.Release()
	if !k.events.WaitOne(k.worker, evkind.Termination, 0) {
		return fmt.Errorf("arm %s: %w", k.worker, ErrResourceExhausted)
	}
	return nil
}

func (h host) Park(ctx context.Context) error {
	return h.k.Park(ctx, h.k.worker.ID)
}

func (h host) Disarm() {
	k := h.k
	k.lock.Acquire()
	defer k.lock.Release()
	k.events.Detach(k.worker)
}

func (h host) Signal() {
	k := h.k
	k.lock.Acquire()
	defer k.lock.Release()
	k.events.Wake(evkind.Termination, 0)
}

func (h host) BeginTerm(t *thread.Thread) bool {
	return h.k.BeginTerm(t)
}

func (h host) Reap(ctx context.Context, t *thread.Thread) error {
	return h.k.Reap(ctx, t)
}
