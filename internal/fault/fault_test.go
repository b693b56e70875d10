package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestCatchConvertsFault(t *testing.T) {
	err := Catch(func() { Raise(DoubleFinalize, "thread %d", 7) })
	f, ok := As(err)
	if !ok {
		t.Fatalf("want fault, got %v", err)
	}
	if f.Code != DoubleFinalize || f.Message != "thread 7" {
		t.Fatalf("unexpected fault %+v", f)
	}
	if got := err.Error(); got != "kernel fault K1004: thread 7" {
		t.Fatalf("message %q", got)
	}
}

func TestCatchNil(t *testing.T) {
	if err := Catch(func() {}); err != nil {
		t.Fatalf("want nil, got %v", err)
	}
}

func TestAsWrapped(t *testing.T) {
	wrapped := fmt.Errorf("reap: %w", &Fault{Code: BadRef, Message: "x"})
	f, ok := As(wrapped)
	if !ok || f.Code != BadRef {
		t.Fatalf("wrapped fault not found: %v", wrapped)
	}
	if _, ok := As(errors.New("plain")); ok {
		t.Fatalf("plain error reported as fault")
	}
	if _, ok := As(42); ok {
		t.Fatalf("non-error reported as fault")
	}
}

func TestCatchRepanicsOthers(t *testing.T) {
	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("want boom, got %v", r)
		}
	}()
	_ = Catch(func() { panic("boom") })
	t.Fatalf("panic swallowed")
}
