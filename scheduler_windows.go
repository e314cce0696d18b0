//go:build windows

package threadpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/windows"
)

var (
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procCreateThreadpoolWait          = kernel32.NewProc("CreateThreadpoolWait")
	procSetThreadpoolWait             = kernel32.NewProc("SetThreadpoolWait")
	procWaitForThreadpoolWaitCallback = kernel32.NewProc("WaitForThreadpoolWaitCallbacks")
	procCloseThreadpoolWait           = kernel32.NewProc("CloseThreadpoolWait")
	procCreateThreadpoolIo            = kernel32.NewProc("CreateThreadpoolIo")
	procStartThreadpoolIo             = kernel32.NewProc("StartThreadpoolIo")
	procCancelThreadpoolIo            = kernel32.NewProc("CancelThreadpoolIo")
	procWaitForThreadpoolIoCallbacks  = kernel32.NewProc("WaitForThreadpoolIoCallbacks")
	procCloseThreadpoolIo             = kernel32.NewProc("CloseThreadpoolIo")

	// windows.NewCallback allocates from a small, fixed, table, so there is
	// exactly one callback per kind, which dispatches on the cookie.
	waitCallbackOnce sync.Once
	waitCallback     uintptr
	ioCallbackOnce   sync.Once
	ioCallback       uintptr

	sysCookies struct {
		m    map[uintptr]*sysAssociation
		mu   sync.RWMutex
		next uintptr
	}
)

type (
	// SystemScheduler is the Scheduler backed by the native Windows thread
	// pool (TP_WAIT and TP_IO objects).
	SystemScheduler struct {
		logger *logiface.Logger[logiface.Event]
		assocs map[NativeHandle]*sysAssociation
		env    uintptr
		mu     sync.Mutex
	}

	// SystemSchedulerOption configures a SystemScheduler.
	SystemSchedulerOption interface {
		applySystemScheduler(*SystemScheduler) error
	}

	systemSchedulerOptionImpl struct {
		applySystemSchedulerFunc func(*SystemScheduler) error
	}

	sysAssociation struct {
		scheduler  *SystemScheduler
		trampoline Trampoline
		object     uintptr
		cookie     uintptr
		source     Handle
		pending    atomic.Int32 // arms not yet withdrawn or dispatched
		kind       Kind
	}
)

var _ Scheduler = (*SystemScheduler)(nil)

func (x *systemSchedulerOptionImpl) applySystemScheduler(s *SystemScheduler) error {
	return x.applySystemSchedulerFunc(s)
}

// WithEnvironment sets the callback environment (a PTP_CALLBACK_ENVIRON)
// passed when creating thread pool objects. The default, zero, means the
// process-wide default pool.
func WithEnvironment(env uintptr) SystemSchedulerOption {
	return &systemSchedulerOptionImpl{func(s *SystemScheduler) error {
		s.env = env
		return nil
	}}
}

// WithSystemSchedulerLogger configures logging for the SystemScheduler
// itself, e.g. panics recovered from trampolines.
func WithSystemSchedulerLogger(logger *logiface.Logger[logiface.Event]) SystemSchedulerOption {
	return &systemSchedulerOptionImpl{func(s *SystemScheduler) error {
		s.logger = logger
		return nil
	}}
}

// NewSystemScheduler initializes a new SystemScheduler.
func NewSystemScheduler(options ...SystemSchedulerOption) (*SystemScheduler, error) {
	s := &SystemScheduler{assocs: make(map[NativeHandle]*sysAssociation)}
	for _, o := range options {
		if o == nil {
			continue
		}
		if err := o.applySystemScheduler(s); err != nil {
			return nil, err
		}
	}
	if err := kernel32.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Associate implements Scheduler.
func (s *SystemScheduler) Associate(kind Kind, source Handle, trampoline Trampoline) (NativeHandle, error) {
	if !kind.valid() {
		return 0, ErrUnknownKind
	}

	a := &sysAssociation{scheduler: s, trampoline: trampoline, source: source, kind: kind}
	a.cookie = registerCookie(a)

	var (
		object uintptr
		err    error
	)
	switch kind {
	case KindWait:
		waitCallbackOnce.Do(func() { waitCallback = windows.NewCallback(onWait) })
		object, _, err = procCreateThreadpoolWait.Call(waitCallback, a.cookie, s.env)
	case KindIO:
		ioCallbackOnce.Do(func() { ioCallback = windows.NewCallback(onIO) })
		object, _, err = procCreateThreadpoolIo.Call(uintptr(source), ioCallback, a.cookie, s.env)
	}
	if object == 0 {
		unregisterCookie(a.cookie)
		return 0, err
	}
	a.object = object

	s.mu.Lock()
	s.assocs[NativeHandle(object)] = a
	s.mu.Unlock()

	return NativeHandle(object), nil
}

// Arm implements Scheduler.
func (s *SystemScheduler) Arm(native NativeHandle, deadline time.Time) error {
	a := s.get(native)
	if a == nil {
		return ErrUnknownAssociation
	}
	switch a.kind {
	case KindWait:
		var timeout *windows.Filetime
		if !deadline.IsZero() {
			ft := windows.NsecToFiletime(deadline.UnixNano())
			timeout = &ft
		}
		a.pending.Store(1)
		_, _, _ = procSetThreadpoolWait.Call(a.object, uintptr(a.source), uintptr(unsafe.Pointer(timeout)))
	case KindIO:
		a.pending.Add(1)
		_, _, _ = procStartThreadpoolIo.Call(a.object)
	}
	return nil
}

// Disarm implements Scheduler. A completion the pool queued, but that has
// not yet reached the callback, is reported as withdrawn, and will still be
// delivered.
func (s *SystemScheduler) Disarm(native NativeHandle) bool {
	a := s.get(native)
	if a == nil {
		return false
	}
	switch a.kind {
	case KindWait:
		_, _, _ = procSetThreadpoolWait.Call(a.object, 0, 0)
	case KindIO:
		_, _, _ = procCancelThreadpoolIo.Call(a.object)
	}
	return a.take()
}

// DisarmAndWait implements Scheduler.
func (s *SystemScheduler) DisarmAndWait(native NativeHandle) {
	a := s.take(native)
	if a == nil {
		return
	}
	switch a.kind {
	case KindWait:
		_, _, _ = procSetThreadpoolWait.Call(a.object, 0, 0)
		_, _, _ = procWaitForThreadpoolWaitCallback.Call(a.object, 1)
		_, _, _ = procCloseThreadpoolWait.Call(a.object)
	case KindIO:
		_, _, _ = procWaitForThreadpoolIoCallbacks.Call(a.object, 1)
		_, _, _ = procCloseThreadpoolIo.Call(a.object)
	}
	unregisterCookie(a.cookie)
}

// Release implements Scheduler.
func (s *SystemScheduler) Release(native NativeHandle) {
	a := s.take(native)
	if a == nil {
		return
	}
	unregisterCookie(a.cookie)
	switch a.kind {
	case KindWait:
		_, _, _ = procCloseThreadpoolWait.Call(a.object)
	case KindIO:
		_, _, _ = procCloseThreadpoolIo.Call(a.object)
	}
}

// take decrements pending, returning false if it was already zero.
func (a *sysAssociation) take() bool {
	for {
		n := a.pending.Load()
		if n <= 0 {
			return false
		}
		if a.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (s *SystemScheduler) get(native NativeHandle) *sysAssociation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assocs[native]
}

func (s *SystemScheduler) take(native NativeHandle) *sysAssociation {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.assocs[native]
	delete(s.assocs, native)
	return a
}

func registerCookie(a *sysAssociation) uintptr {
	sysCookies.mu.Lock()
	defer sysCookies.mu.Unlock()
	if sysCookies.m == nil {
		sysCookies.m = make(map[uintptr]*sysAssociation)
	}
	sysCookies.next++
	sysCookies.m[sysCookies.next] = a
	return sysCookies.next
}

func unregisterCookie(cookie uintptr) {
	sysCookies.mu.Lock()
	defer sysCookies.mu.Unlock()
	delete(sysCookies.m, cookie)
}

func lookupCookie(cookie uintptr) *sysAssociation {
	sysCookies.mu.RLock()
	defer sysCookies.mu.RUnlock()
	return sysCookies.m[cookie]
}

// onWait is the PTP_WAIT_CALLBACK.
func onWait(instance, context, wait, result uintptr) uintptr {
	if a := lookupCookie(context); a != nil {
		dispatch(a, instance, WaitResult(uint32(result)))
	}
	return 0
}

// onIO is the PTP_WIN32_IO_CALLBACK.
func onIO(instance, context, overlapped, result, bytesTransferred, io uintptr) uintptr {
	if a := lookupCookie(context); a != nil {
		dispatch(a, instance, IOCompletion{
			Overlapped:       overlapped,
			BytesTransferred: bytesTransferred,
			Status:           uint32(result),
		})
	}
	return 0
}

func dispatch(a *sysAssociation, instance uintptr, raw any) {
	a.take()
	inst := NewInstance(NativeHandle(a.object), instance)
	defer func() {
		if v := recover(); v != nil {
			a.scheduler.logger.Err().
				Str(`panic`, fmt.Sprint(v)).
				Str(`kind`, a.kind.String()).
				Log(`recovered panic in trampoline`)
		}
	}()
	defer inst.Return()
	a.trampoline(inst, raw)
}
