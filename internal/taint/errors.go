package taint

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLeak marks tainted bytes reaching a persistence sink.
	ErrLeak = errors.New("uninitialized memory reached sink")
	// ErrNonImmediateStackAdjust marks a stack-pointer adjustment whose offset is not an immediate.
	ErrNonImmediateStackAdjust = errors.New("stack pointer adjusted by non-immediate operand")
	// ErrMissingParam marks a call context without an expected parameter.
	ErrMissingParam = errors.New("missing call parameter")
	// ErrHalted is returned once a session has faulted.
	ErrHalted = errors.New("taint engine halted")
)

// LeakError describes a detected information leak.
type LeakError struct {
	Call    Call
	Buffer  Range   // sink buffer
	Tainted []Range // tainted sub-ranges of Buffer
}

func (e *LeakError) Error() string {
	parts := make([]string, len(e.Tainted))
	for i, r := range e.Tainted {
		parts[i] = r.String()
	}
	return fmt.Sprintf("potential info leak in %s at 0x%x: buffer %s has tainted bytes %s",
		e.Call.String(), e.Call.Addr, e.Buffer, strings.Join(parts, " "))
}

func (e *LeakError) Unwrap() error { return ErrLeak }

// InvariantError is a classification or call-context failure. It aborts the
// session because skipping it would hide leaks.
type InvariantError struct {
	Err    error
	Addr   uint64
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v at 0x%x: %s", e.Err, e.Addr, e.Detail)
}

func (e *InvariantError) Unwrap() error { return e.Err }
