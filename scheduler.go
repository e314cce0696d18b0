package threadpool

import (
	"strconv"
	"time"
)

type (
	// Handle identifies an event source, e.g. a waitable object, or an
	// object that asynchronous I/O is performed against.
	Handle uintptr

	// NativeHandle identifies a single association between an event source
	// and a Trampoline, as issued by Scheduler.Associate.
	NativeHandle uintptr

	// Kind distinguishes the supported association types.
	Kind uint8

	// Trampoline is the fixed entry point a Scheduler invokes, on one of its
	// workers, each time an armed association completes.
	//
	// The raw parameter is kind specific. Schedulers provided by this
	// package pass a WaitResult for KindWait, and an IOCompletion for KindIO.
	Trampoline func(inst *Instance, raw any)

	// Scheduler models the thread pool facility that performs the actual
	// waiting, and delivers I/O completions.
	//
	// All methods must be safe for concurrent use. Once DisarmAndWait returns,
	// the trampoline of that association must not be running, and must never
	// be invoked again. DisarmAndWait must not be called from within the
	// trampoline of the same association.
	Scheduler interface {
		// Associate creates a new, unarmed, association.
		Associate(kind Kind, source Handle, trampoline Trampoline) (NativeHandle, error)

		// Arm arms the association. For KindWait, the association fires at
		// most once per Arm, with either a signal or a timeout, where a zero
		// deadline means no timeout. For KindIO, Arm must precede each
		// asynchronous operation, and the deadline is ignored.
		Arm(native NativeHandle, deadline time.Time) error

		// Disarm withdraws the most recent Arm, without waiting, returning
		// true if that Arm was still pending. A false result means the
		// completion was already dispatched (or there was no Arm), and the
		// trampoline will still be invoked for it.
		Disarm(native NativeHandle) bool

		// DisarmAndWait disarms the association, discards any pending
		// invocations, waits for any running invocation to return, then
		// releases the association.
		DisarmAndWait(native NativeHandle)

		// Release releases the association without waiting. It is safe to
		// call from within the trampoline of the same association.
		Release(native NativeHandle)
	}
)

const (
	// KindWait associates a waitable object, see WaitManager.
	KindWait Kind = iota + 1
	// KindIO associates an object that asynchronous I/O is performed
	// against, see IOManager.
	KindIO
)

func (x Kind) String() string {
	switch x {
	case KindWait:
		return "wait"
	case KindIO:
		return "io"
	default:
		return "kind(" + strconv.Itoa(int(x)) + ")"
	}
}

func (x Kind) valid() bool { return x == KindWait || x == KindIO }

// deadlineOf converts a relative timeout to the absolute deadline Arm
// expects, where a nil timeout means infinite.
func deadlineOf(timeout *time.Duration) time.Time {
	if timeout == nil || *timeout == Infinite {
		return time.Time{}
	}
	return time.Now().Add(*timeout)
}
