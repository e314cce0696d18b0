package threadpool

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Replace operations when nothing is
	// registered for the source.
	ErrNotFound = errors.New("threadpool: not found")

	// ErrClosed is returned when submitting to a closed ThreadPool, manager,
	// or scheduler.
	ErrClosed = errors.New("threadpool: closed")

	// ErrNilCallback is returned when submitting a zero Callback.
	ErrNilCallback = errors.New("threadpool: nil callback")

	// ErrUnknownKind is returned by schedulers given an unsupported Kind.
	ErrUnknownKind = errors.New("threadpool: unknown kind")

	// ErrUnknownSource is returned by GoScheduler, when asked to associate a
	// Handle that it did not create.
	ErrUnknownSource = errors.New("threadpool: unknown source")

	// ErrUnknownAssociation is returned when a NativeHandle does not identify
	// a live association.
	ErrUnknownAssociation = errors.New("threadpool: unknown association")

	// ErrNotArmed is returned by Device.Complete when there is no armed I/O
	// association to deliver to.
	ErrNotArmed = errors.New("threadpool: not armed")

	errNilScheduler = errors.New("threadpool: nil scheduler")

	errReissuedAssociation = errors.New("threadpool: scheduler reissued a live association")

	// ErrResourceFault is matched (via errors.Is) by every ResourceError.
	ErrResourceFault = errors.New("threadpool: resource fault")
)

// ResourceError indicates the scheduler refused or failed to create, or arm,
// an association. Any such error leaves the registry unchanged.
type ResourceError struct {
	// Err is the underlying cause, e.g. a syscall.Errno.
	Err error
	// Op is the failed operation, e.g. "associate" or "arm".
	Op string
	// Source is the event source the operation was performed for.
	Source Handle
	// Kind is the association kind.
	Kind Kind
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("threadpool: %s %s %#x: resource fault", e.Op, e.Kind, uintptr(e.Source))
	}
	return fmt.Sprintf("threadpool: %s %s %#x: %v", e.Op, e.Kind, uintptr(e.Source), e.Err)
}

// Unwrap returns the underlying cause.
func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Is matches ErrResourceFault.
func (e *ResourceError) Is(target error) bool {
	return target == ErrResourceFault
}

// resourceError wraps err as a *ResourceError, unless it already is one.
func resourceError(op string, kind Kind, source Handle, err error) error {
	var re *ResourceError
	if errors.As(err, &re) {
		return err
	}
	return &ResourceError{Op: op, Kind: kind, Source: source, Err: err}
}
