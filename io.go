package threadpool

import (
	"github.com/joeycumines/logiface"
)

// IOCompletion describes a completed asynchronous I/O operation, as passed
// to I/O callbacks.
type IOCompletion struct {
	// Overlapped identifies the operation, e.g. a pointer to an OVERLAPPED.
	Overlapped uintptr
	// BytesTransferred is the number of bytes transferred.
	BytesTransferred uintptr
	// Status is the operation's result code, where 0 is success.
	Status uint32
}

// Success returns true if Status indicates success.
func (x IOCompletion) Success() bool { return x.Status == 0 }

// IOManager manages one-shot I/O registrations. Each Submit creates a
// fresh association, identified by the returned NativeHandle, which must be
// followed by exactly one asynchronous operation against the source (or an
// AbortIO, if the operation failed to start).
type IOManager struct {
	registry *registry[NativeHandle]
}

// NewIOManager initializes a new IOManager, using the given scheduler.
func NewIOManager(scheduler Scheduler, options ...Option) (*IOManager, error) {
	if scheduler == nil {
		return nil, errNilScheduler
	}
	opts, err := resolveOptions(options)
	if err != nil {
		return nil, err
	}
	return newIOManager(scheduler, opts), nil
}

func newIOManager(scheduler Scheduler, opts *poolOptions) *IOManager {
	return &IOManager{
		registry: newRegistry(KindIO, scheduler, func(_ Handle, native NativeHandle) NativeHandle { return native }, opts),
	}
}

// Submit associates and arms source, returning the token identifying the
// registration. The callback runs once, when the operation completes.
func (x *IOManager) Submit(source Handle, callback Callback[IOCompletion]) (NativeHandle, error) {
	if !callback.Valid() {
		return 0, ErrNilCallback
	}
	return x.registry.submit(source, ioInvoker(x.registry.logger, callback), nil, modeInsert)
}

// Cancel removes the registration, if any, returning true if it existed.
// Once Cancel returns, the callback is not running, and never will.
func (x *IOManager) Cancel(token NativeHandle) bool {
	return x.registry.cancel(token, false)
}

// Abort is Cancel, for when the asynchronous operation failed to start. It
// withdraws the arm before cancelling.
func (x *IOManager) Abort(token NativeHandle) bool {
	return x.registry.cancel(token, true)
}

// CancelAll cancels every registration, returning the number cancelled.
func (x *IOManager) CancelAll() int {
	return x.registry.cancelAll()
}

// Registered returns true if token identifies an outstanding registration.
func (x *IOManager) Registered(token NativeHandle) bool {
	return x.registry.lookup(token)
}

// Len returns the number of outstanding registrations.
func (x *IOManager) Len() int {
	return x.registry.len()
}

// Stats returns a snapshot of the counters.
func (x *IOManager) Stats() KindStats {
	return x.registry.snapshot()
}

// Close cancels every registration, and causes further submits to fail
// with ErrClosed.
func (x *IOManager) Close() error {
	x.registry.close()
	return nil
}

func ioInvoker(logger *logiface.Logger[logiface.Event], callback Callback[IOCompletion]) invoker {
	return func(inst *Instance, raw any) {
		completion, ok := convertIOCompletion(raw)
		if !ok {
			logger.Warning().
				Any(`raw`, raw).
				Log(`unexpected io parameter`)
		}
		callback.Invoke(inst, completion)
	}
}

func convertIOCompletion(raw any) (IOCompletion, bool) {
	switch v := raw.(type) {
	case IOCompletion:
		return v, true
	case *IOCompletion:
		if v != nil {
			return *v, true
		}
	}
	return IOCompletion{}, false
}
