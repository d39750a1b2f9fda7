// Package ferr defines the error taxonomy shared across the flowdag
// runtime: the dataflow core reports every fatal or user-visible failure
// as a *ferr.Error carrying a Kind, so that a job's single outcome can be
// inspected uniformly regardless of which component raised it.
package ferr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure, per the propagation policy described for the
// dataflow core: most kinds are fatal to the whole job, UserException is
// caught at the nearest pre-op boundary and surfaced after the stage
// completes, and LogicError indicates API misuse.
type Kind int

const (
	// Unknown is the zero value; never returned by this package.
	Unknown Kind = iota
	// ConfigError: invalid construction-time arguments (bad partition count,
	// duplicate stream id, mismatched operator types). Raised at DAG-build
	// time.
	ConfigError
	// IoError: VFS, transport, or block-pool backing-file failure. Always
	// fatal to the job.
	IoError
	// DecodeError: serialization round-trip failed (truncated source, type
	// mismatch). Fatal.
	DecodeError
	// OutOfMemory: the block pool could not satisfy an allocation despite
	// eviction, or hash-table spill recursion exceeded its configured depth.
	// Fatal.
	OutOfMemory
	// UserException: escaped from a user callback (map/reduce/etc). Recorded
	// and surfaced as the job's failure cause after the current stage
	// completes.
	UserException
	// LogicError: API misuse - reading a consumed DIA, double-executing an
	// Action whose consume flag is set, calling Next when HasNext is false.
	LogicError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case IoError:
		return "IoError"
	case DecodeError:
		return "DecodeError"
	case OutOfMemory:
		return "OutOfMemory"
	case UserException:
		return "UserException"
	case LogicError:
		return "LogicError"
	default:
		return "Unknown"
	}
}

// Error is the job-level failure value: it
// carries the classifying Kind, a human message, the worker rank that
// observed the failure (-1 if not yet known), the operator name involved
// (empty if not applicable), and an optional wrapped cause.
type Error struct {
	Kind     Kind
	Message  string
	Worker   int
	Operator string
	Cause    error
}

// New constructs an *Error. Worker defaults to -1 (unknown) and Operator to
// "" when not supplied via With* options.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Worker: -1}
}

// Wrap constructs an *Error around cause, preserving it for errors.Unwrap
// and errors.Is/As traversal.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), Worker: -1, Cause: cause}
}

// WithWorker returns a copy of e with Worker set, for propagation as the
// error crosses a rank boundary (e.g. a collective observing another
// worker's failure flag).
func (e *Error) WithWorker(rank int) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Worker = rank
	return &cp
}

// WithOperator returns a copy of e with Operator set.
func (e *Error) WithOperator(name string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Operator = name
	return &cp
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.Kind.String() + ": " + e.Message
	if e.Operator != "" {
		s += " (operator=" + e.Operator + ")"
	}
	if e.Worker >= 0 {
		s += fmt.Sprintf(" (worker=%d)", e.Worker)
	}
	return s
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether err is a *ferr.Error of the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
