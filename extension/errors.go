package extension

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by a lifecycle operation is an *Error
// whose Kind is one of these, so errors.Is(err, ErrDependencyUnmet) and
// friends work on any result.
var (
	ErrSecurityRejected    = errors.New("security rejected")
	ErrMalformedPackage    = errors.New("malformed package")
	ErrDependencyUnmet     = errors.New("dependency unmet")
	ErrIncompatibleVersion = errors.New("incompatible version")
	ErrAlreadyInstalled    = errors.New("already installed")
	ErrBackupFailed        = errors.New("backup failed")
	ErrNoBackupAvailable   = errors.New("no backup available")
	ErrStagingFailed       = errors.New("staging failed")
	ErrPublishFailed       = errors.New("publish failed")
	ErrRollbackFailed      = errors.New("rollback failed")
	ErrNotInstalled        = errors.New("not installed")
	ErrBusy                = errors.New("operation in progress")
	ErrUnknown             = errors.New("unknown failure")
)

// Error is a failed lifecycle operation.
type Error struct {
	Op     Op
	ID     string // empty when the package never yielded an id
	Kind   error
	Reason string // human readable
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	subject := string(e.Op)
	if e.ID != "" {
		subject += " " + e.ID
	}
	if e.Reason == "" {
		return fmt.Sprintf("extension: %s: %v", subject, e.Kind)
	}
	return fmt.Sprintf("extension: %s: %v: %s", subject, e.Kind, e.Reason)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind of err: nil for nil, ErrUnknown for errors
// that did not come from a lifecycle operation.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	return ErrUnknown
}

// IsFatal reports whether err left an extension in a state that needs an
// operator: a restore that failed after the extension was modified.
func IsFatal(err error) bool { return errors.Is(err, ErrRollbackFailed) }

func newError(op Op, id string, kind error, cause error) *Error {
	e := &Error{Op: op, ID: id, Kind: kind, Err: cause}
	if cause != nil {
		e.Reason = cause.Error()
	}
	return e
}

func failf(op Op, id string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, ID: id, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
