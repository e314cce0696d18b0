package threadpool

import (
	"time"

	"github.com/joeycumines/logiface"
)

// WaitResult is the outcome of a wait, as passed to wait callbacks. The
// values match the native TP_WAIT_RESULT values.
type WaitResult uint32

const (
	// WaitSignaled indicates the source was signaled (WAIT_OBJECT_0).
	WaitSignaled WaitResult = 0x00000000
	// WaitAbandoned indicates the source was an abandoned mutex
	// (WAIT_ABANDONED_0).
	WaitAbandoned WaitResult = 0x00000080
	// WaitTimeout indicates the timeout elapsed first (WAIT_TIMEOUT).
	WaitTimeout WaitResult = 0x00000102
	// WaitUnknown is passed when the scheduler supplied a parameter that
	// could not be converted.
	WaitUnknown WaitResult = 0xFFFFFFFF
)

func (x WaitResult) String() string {
	switch x {
	case WaitSignaled:
		return "signaled"
	case WaitAbandoned:
		return "abandoned"
	case WaitTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// WaitManager manages one-shot wait registrations, at most one per source
// Handle. Each registration fires exactly once, on signal or timeout, unless
// it is cancelled or replaced first.
//
// Callbacks must not call Cancel, CancelAll, or Close, for their own source,
// as that waits for the callback itself to return.
type WaitManager struct {
	registry *registry[Handle]
}

// NewWaitManager initializes a new WaitManager, using the given scheduler.
func NewWaitManager(scheduler Scheduler, options ...Option) (*WaitManager, error) {
	if scheduler == nil {
		return nil, errNilScheduler
	}
	opts, err := resolveOptions(options)
	if err != nil {
		return nil, err
	}
	return newWaitManager(scheduler, opts), nil
}

func newWaitManager(scheduler Scheduler, opts *poolOptions) *WaitManager {
	return &WaitManager{
		registry: newRegistry(KindWait, scheduler, func(source Handle, _ NativeHandle) Handle { return source }, opts),
	}
}

// Submit registers callback to run once source is signaled, without a
// timeout. If source is already registered, this behaves like Replace.
func (x *WaitManager) Submit(source Handle, callback Callback[WaitResult]) error {
	return x.submit(source, nil, callback, modeUpsert)
}

// SubmitTimeout registers callback to run once source is signaled, or once
// timeout elapses, whichever comes first. If source is already registered,
// this behaves like Replace, and the timeout is ignored.
func (x *WaitManager) SubmitTimeout(source Handle, timeout time.Duration, callback Callback[WaitResult]) error {
	if timeout == Infinite {
		return x.Submit(source, callback)
	}
	return x.submit(source, &timeout, callback, modeUpsert)
}

// Replace atomically supersedes the callback registered for source, keeping
// the original timeout (as a fresh, relative, duration, if re-armed). A
// completion already dispatched for the registration, but not yet started,
// is delivered to the new callback. Once Replace returns, the previous
// callback is not running, and never will. Returns ErrNotFound if source is
// not registered.
func (x *WaitManager) Replace(source Handle, callback Callback[WaitResult]) error {
	return x.submit(source, nil, callback, modeReplace)
}

// Cancel removes the registration for source, if any, returning true if it
// existed. Once Cancel returns, the callback is not running, and never will.
func (x *WaitManager) Cancel(source Handle) bool {
	return x.registry.cancel(source, false)
}

// CancelAll cancels every registration, returning the number cancelled.
func (x *WaitManager) CancelAll() int {
	return x.registry.cancelAll()
}

// Registered returns true if source currently has a registration.
func (x *WaitManager) Registered(source Handle) bool {
	return x.registry.lookup(source)
}

// Len returns the number of outstanding registrations.
func (x *WaitManager) Len() int {
	return x.registry.len()
}

// Stats returns a snapshot of the counters.
func (x *WaitManager) Stats() KindStats {
	return x.registry.snapshot()
}

// Close cancels every registration, and causes further submits to fail
// with ErrClosed.
func (x *WaitManager) Close() error {
	x.registry.close()
	return nil
}

func (x *WaitManager) submit(source Handle, timeout *time.Duration, callback Callback[WaitResult], mode submitMode) error {
	if !callback.Valid() {
		return ErrNilCallback
	}
	_, err := x.registry.submit(source, waitInvoker(x.registry.logger, callback), timeout, mode)
	return err
}

func waitInvoker(logger *logiface.Logger[logiface.Event], callback Callback[WaitResult]) invoker {
	return func(inst *Instance, raw any) {
		result, ok := convertWaitResult(raw)
		if !ok {
			logger.Warning().
				Any(`raw`, raw).
				Log(`unexpected wait parameter`)
		}
		callback.Invoke(inst, result)
	}
}

func convertWaitResult(raw any) (WaitResult, bool) {
	switch v := raw.(type) {
	case WaitResult:
		return v, true
	case uint32:
		return WaitResult(v), true
	case uintptr:
		return WaitResult(v), true
	default:
		return WaitUnknown, false
	}
}
