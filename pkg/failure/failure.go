// Package failure defines the typed errors reported by smoke checks and the
// replication subsystem.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are stable strings suitable for logs and
// reports.
type Kind string

// Known failure kinds.
const (
	Generic                   Kind = "GENERIC"
	ReplicationNotAvailable   Kind = "REPLICATION_NOT_AVAILABLE"
	QueueBlocked              Kind = "QUEUE_BLOCKED"
	ActivationRequestFailed   Kind = "ACTIVATION_REQUEST_FAILED"
	DeactivationRequestFailed Kind = "DEACTIVATION_REQUEST_FAILED"
	ActionNotReplicated       Kind = "ACTION_NOT_REPLICATED"
	ServiceNotAvailable       Kind = "SERVICE_NOT_AVAILABLE"
	PageNotAvailable          Kind = "PAGE_NOT_AVAILABLE"
	PageAvailable             Kind = "PAGE_AVAILABLE"
)

// Error is a failure with a Kind, a human readable message and an optional
// cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates a new Error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error with err as its cause.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain. Errors which do
// not carry a Kind are reported as Generic; a nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Generic
}

// IsKind reports whether err is a failure of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// SkipError reports that a precondition of a check does not hold. A check
// returning a SkipError is neither passed nor failed.
type SkipError struct {
	Reason string
}

// Skip returns a new SkipError.
func Skip(format string, args ...interface{}) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// IsSkip reports whether err contains a SkipError.
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}
