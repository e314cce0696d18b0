// Package threadpool registers one-shot callbacks against event sources (waitable
// objects, and objects that asynchronous I/O is performed against), which are
// run on a thread pool when the source completes.
//
// # Architecture
//
// A [ThreadPool] combines a [WaitManager] and an [IOManager], which share a
// [Scheduler]. The Scheduler performs the actual waiting, and runs a fixed
// [Trampoline] for each completion. Each manager keeps a registry of
// registrations, and the trampoline uses it to find, run, then remove the
// user's [Callback].
//
// Two schedulers are provided:
//   - [GoScheduler]: in-process, on all platforms, with [Event] and [Device]
//     sources
//   - SystemScheduler: the native Windows thread pool (TP_WAIT, TP_IO)
//
// # Callbacks
//
// Callbacks are built with [Wrap], [Bind], [Bind2], or [Bind3]. The wrapped
// function may accept the [Instance] as its first parameter, e.g. to use
// [Instance.WhenReturns]. The completion value is a [WaitResult] for waits,
// or an [IOCompletion] for I/O.
//
// # Guarantees
//
//   - A registration fires at most once, and is removed after it fires
//   - Once Cancel, CancelAll, Replace, or Close return, the superseded
//     callbacks are not running, and never will
//   - Panics raised by callbacks are recovered, and logged
//
// Cancelling (or replacing, or closing) from within a callback, for that
// same registration, deadlocks, as it waits for the callback to return.
//
// # Usage
//
//	scheduler, err := threadpool.NewGoScheduler()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer scheduler.Close()
//
//	pool, err := threadpool.New(scheduler)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
//
//	event := scheduler.NewEvent(false, false)
//	_ = pool.SubmitWaitTimeout(event.Handle(), time.Second, threadpool.Wrap[threadpool.WaitResult](func(result threadpool.WaitResult) {
//	    fmt.Println(result)
//	}))
//	event.Set()
package threadpool
