// Package fault carries fatal kernel invariant violations.
//
// A Fault is never returned as an ordinary error: continuing after one risks
// corrupting scheduling state shared by every thread, so it is raised with
// panic and only recovered by tests and by the simulator, which reports it
// as the error of the step or goroutine that raised it.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies the kind of invariant violation.
type Code int

// Stable fault codes - do not change values.
const (
	PoolExhausted     Code = 1001 // K1001: fixed pool that must never run dry ran dry
	InvalidTransition Code = 1002 // K1002: illegal thread state transition
	Inconsistent      Code = 1003 // K1003: list/bitmask bookkeeping disagree
	DoubleFinalize    Code = 1004 // K1004: thread finalised twice
	InvalidKind       Code = 1005 // K1005: event kind outside the table
	BadRef            Code = 1006 // K1006: arena reference out of range or not live
)

// String returns the code as "K1001" format.
func (c Code) String() string {
	return fmt.Sprintf("K%d", c)
}

// Fault is the value passed to panic on an invariant violation.
type Fault struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("kernel fault %s: %s", f.Code, f.Message)
}

// Raise panics with a Fault built from the format arguments.
func Raise(code Code, format string, args ...any) {
	panic(&Fault{Code: code, Message: fmt.Sprintf(format, args...)})
}

// As extracts a Fault from a recovered panic value or error chain.
func As(v any) (*Fault, bool) {
	switch x := v.(type) {
	case *Fault:
		return x, true
	case error:
		var f *Fault
		if errors.As(x, &f) {
			return f, true
		}
	}
	return nil, false
}

// Catch runs fn and converts a raised Fault into a returned error.
// Panics that are not faults propagate unchanged.
func Catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := As(r); ok {
				err = f
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}
