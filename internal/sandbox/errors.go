package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures. There are exactly five kinds.
type ErrorKind string

const (
	// KindConfiguration means the container runtime was unreachable when the
	// engine was constructed. It is the only kind returned as an error.
	KindConfiguration ErrorKind = "configuration"
	// KindImageNotFound means the runtime image is absent.
	KindImageNotFound ErrorKind = "image_not_found"
	// KindTimeout means the execution exceeded its deadline and was killed.
	KindTimeout ErrorKind = "timeout"
	// KindRuntimeExecution means the command exited non-zero or was killed by
	// the runtime (out of memory).
	KindRuntimeExecution ErrorKind = "runtime_execution"
	// KindUnexpected covers every other fault.
	KindUnexpected ErrorKind = "unexpected"
)

// ErrImageNotFound is wrapped by Runtime implementations when an image is missing.
var ErrImageNotFound = errors.New("runtime image not found")

// Error is a classified sandbox failure.
type Error struct {
	Kind ErrorKind
	Op   string // Lifecycle step that failed, e.g. "stage", "create", "await".
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err. Errors that are not an *Error report
// KindUnexpected; nil reports the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnexpected
}

// IsFault reports whether a result failed for a reason other than the command's
// own exit status.
func (r ExecutionResult) IsFault() bool {
	return r.Kind != "" && r.Kind != KindRuntimeExecution
}
