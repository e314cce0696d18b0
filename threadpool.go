package threadpool

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// ThreadPool combines a WaitManager and an IOManager, sharing a single
// Scheduler. It is safe for concurrent use.
type ThreadPool struct {
	scheduler Scheduler
	logger    *logiface.Logger[logiface.Event]
	waits     *WaitManager
	ios       *IOManager
	// owned is closed after the managers, if set (see NewFromConfig)
	owned     io.Closer
	closeOnce sync.Once
	closeErr  error
}

// New initializes a new ThreadPool. The scheduler is not closed by
// ThreadPool.Close.
func New(scheduler Scheduler, options ...Option) (*ThreadPool, error) {
	if scheduler == nil {
		return nil, errNilScheduler
	}
	opts, err := resolveOptions(options)
	if err != nil {
		return nil, err
	}
	return &ThreadPool{
		scheduler: scheduler,
		logger:    opts.logger,
		waits:     newWaitManager(scheduler, opts),
		ios:       newIOManager(scheduler, opts),
	}, nil
}

// Scheduler returns the underlying scheduler.
func (x *ThreadPool) Scheduler() Scheduler { return x.scheduler }

// Waits returns the WaitManager.
func (x *ThreadPool) Waits() *WaitManager { return x.waits }

// IOs returns the IOManager.
func (x *ThreadPool) IOs() *IOManager { return x.ios }

// SubmitWait is an alias of WaitManager.Submit.
func (x *ThreadPool) SubmitWait(source Handle, callback Callback[WaitResult]) error {
	return x.waits.Submit(source, callback)
}

// SubmitWaitTimeout is an alias of WaitManager.SubmitTimeout.
func (x *ThreadPool) SubmitWaitTimeout(source Handle, timeout time.Duration, callback Callback[WaitResult]) error {
	return x.waits.SubmitTimeout(source, timeout, callback)
}

// ReplaceWait is an alias of WaitManager.Replace.
func (x *ThreadPool) ReplaceWait(source Handle, callback Callback[WaitResult]) error {
	return x.waits.Replace(source, callback)
}

// CancelWait is an alias of WaitManager.Cancel.
func (x *ThreadPool) CancelWait(source Handle) bool {
	return x.waits.Cancel(source)
}

// CancelWaits is an alias of WaitManager.CancelAll.
func (x *ThreadPool) CancelWaits() int {
	return x.waits.CancelAll()
}

// SubmitIO is an alias of IOManager.Submit.
func (x *ThreadPool) SubmitIO(source Handle, callback Callback[IOCompletion]) (NativeHandle, error) {
	return x.ios.Submit(source, callback)
}

// CancelIO is an alias of IOManager.Cancel.
func (x *ThreadPool) CancelIO(token NativeHandle) bool {
	return x.ios.Cancel(token)
}

// AbortIO is an alias of IOManager.Abort.
func (x *ThreadPool) AbortIO(token NativeHandle) bool {
	return x.ios.Abort(token)
}

// CancelIOs is an alias of IOManager.CancelAll.
func (x *ThreadPool) CancelIOs() int {
	return x.ios.CancelAll()
}

// Stats returns a snapshot of the counters.
func (x *ThreadPool) Stats() Stats {
	return Stats{
		Wait: x.waits.Stats(),
		IO:   x.ios.Stats(),
	}
}

// Close cancels every registration, waiting for running callbacks, and
// causes further submits to fail with ErrClosed. Subsequent calls return
// the same result. Close must not be called from a callback.
func (x *ThreadPool) Close() error {
	x.closeOnce.Do(func() {
		waits := x.waits.registry.close()
		ios := x.ios.registry.close()
		var errs []error
		if x.owned != nil {
			errs = append(errs, x.owned.Close())
		}
		x.closeErr = errors.Join(errs...)
		x.logger.Debug().
			Int(`waits`, waits).
			Int(`ios`, ios).
			Log(`closed`)
	})
	return x.closeErr
}
