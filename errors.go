// Package ftraced is the in-process call tracing runtime: the entry/exit
// dispatcher instrumentation hooks call directly, plus the process
// lifecycle that wires clock/ctlpipe/shmring/rstack/trigger together.
package ftraced

import (
	"errors"
	"fmt"
)

// Kind categorizes a TraceError for callers that want to branch on cause
// rather than parse a message, mirroring go-ublk's UblkErrorCode.
type Kind string

const (
	KindConfiguration Kind = "configuration" // bad env var, unreadable exe, missing symbol
	KindResource      Kind = "resource"      // cannot allocate shmem, cannot open pipe
	KindProtocol      Kind = "protocol"      // short pipe write
	KindOverflow      Kind = "overflow"      // stack depth exceeded, argument too large
	KindDrop          Kind = "drop"          // buffer full, record dropped
)

// TraceError is a structured error type for callers and test harnesses that
// want to branch on a failure's Kind. The runtime's internal packages report
// failures as plain wrapped errors and do not construct TraceErrors.
type TraceError struct {
	Op    string // operation that failed, e.g. "shmring.Rotate", "ctlpipe.Send"
	Kind  Kind
	Msg   string
	Inner error
}

func (e *TraceError) Error() string {
	if e.Msg == "" {
		if e.Op != "" {
			return fmt.Sprintf("ftraced: %s: %s", e.Op, e.Kind)
		}
		return fmt.Sprintf("ftraced: %s", e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("ftraced: %s: %s (%s)", e.Op, e.Msg, e.Kind)
	}
	return fmt.Sprintf("ftraced: %s (%s)", e.Msg, e.Kind)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *TraceError) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on Kind, the same role go-ublk's
// *Error.Is plays for its UblkErrorCode comparisons.
func (e *TraceError) Is(target error) bool {
	var te *TraceError
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// NewError constructs a TraceError with no wrapped cause.
func NewError(op string, kind Kind, msg string) *TraceError {
	return &TraceError{Op: op, Kind: kind, Msg: msg}
}

// WrapError wraps inner under op/kind, or returns nil if inner is nil. If
// inner is itself a *TraceError, its Kind, Msg and Inner are kept and only
// Op is replaced.
func WrapError(op string, kind Kind, inner error) *TraceError {
	if inner == nil {
		return nil
	}
	if te, ok := inner.(*TraceError); ok {
		return &TraceError{Op: op, Kind: te.Kind, Msg: te.Msg, Inner: te.Inner}
	}
	return &TraceError{Op: op, Kind: kind, Msg: inner.Error(), Inner: inner}
}

// IsKind reports whether err is (or wraps) a TraceError of the given Kind.
func IsKind(err error, kind Kind) bool {
	var te *TraceError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
