package klock

import (
	"errors"
	"sync"
	"testing"

	"ksched/internal/fault"
)

func TestHeldTracksOwner(t *testing.T) {
	var l Lock
	if l.Held() {
		t.Fatalf("fresh lock reported held")
	}
	l.Acquire()
	if !l.Held() {
		t.Fatalf("lock not held after acquire")
	}
	done := make(chan bool)
	go func() { done <- l.Held() }()
	if <-done {
		t.Fatalf("other goroutine sees the lock as its own")
	}
	l.Release()
	if l.Held() {
		t.Fatalf("held after release")
	}
}

func TestReentryFaults(t *testing.T) {
	var l Lock
	l.Acquire()
	defer l.Release()
	err := fault.Catch(l.Acquire)
	var f *fault.Fault
	if !errors.As(err, &f) || f.Code != fault.Inconsistent {
		t.Fatalf("want inconsistency fault, got %v", err)
	}
}

func TestAssertHeldFaultsOutside(t *testing.T) {
	var l Lock
	if err := fault.Catch(l.AssertHeld); err == nil {
		t.Fatalf("AssertHeld passed without the lock")
	}
	l.Do(func() {
		if err := fault.Catch(l.AssertHeld); err != nil {
			t.Fatalf("AssertHeld inside Do: %v", err)
		}
	})
}

func TestMutualExclusion(t *testing.T) {
	var l Lock
	var wg sync.WaitGroup
	n := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				l.Do(func() { n++ })
			}
		}()
	}
	wg.Wait()
	if n != 8000 {
		t.Fatalf("n=%d", n)
	}
}
