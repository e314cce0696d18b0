package threadpool

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

type (
	// GoScheduler is an in-process Scheduler, available on all platforms.
	// Its event sources are the Event and Device types, created via
	// NewEvent and NewDevice. Trampolines are run by a fixed number of
	// worker goroutines, in FIFO order.
	GoScheduler struct {
		logger  *logiface.Logger[logiface.Event]
		queue   *queue.Queue
		assocs  map[NativeHandle]*goAssociation
		events  map[Handle]*Event
		devices map[Handle]*Device
		work    *sync.Cond
		idle    *sync.Cond
		wg      sync.WaitGroup
		mu      sync.Mutex
		next    uintptr
		closed  bool
	}

	// Event is a waitable object, for use with GoScheduler, modeled after
	// a Win32 event object. A manual reset event stays signaled until
	// Reset, satisfying every wait. An auto reset event is reset by the
	// single wait it satisfies.
	Event struct {
		scheduler *GoScheduler
		waiters   []*goAssociation
		handle    Handle
		manual    bool
		signaled  bool
	}

	// Device is an object that asynchronous I/O is performed against, for
	// use with GoScheduler. Completions are delivered to armed
	// associations, in the order they were armed.
	Device struct {
		scheduler *GoScheduler
		armed     []*goAssociation
		handle    Handle
	}

	// GoSchedulerOption configures a GoScheduler.
	GoSchedulerOption interface {
		applyGoScheduler(*goSchedulerOptions) error
	}

	goSchedulerOptions struct {
		logger  *logiface.Logger[logiface.Event]
		workers int
	}

	goSchedulerOptionImpl struct {
		applyGoSchedulerFunc func(*goSchedulerOptions) error
	}

	goAssociation struct {
		trampoline Trampoline
		event      *Event
		device     *Device
		timer      *time.Timer
		armSeq     uint64
		dropSeq    uint64
		native     NativeHandle
		running    int
		kind       Kind
		armed      bool
		released   bool
	}

	goInvocation struct {
		assoc   *goAssociation
		raw     any
		dropSeq uint64
	}
)

var _ Scheduler = (*GoScheduler)(nil)

func (x *goSchedulerOptionImpl) applyGoScheduler(opts *goSchedulerOptions) error {
	return x.applyGoSchedulerFunc(opts)
}

// WithWorkers sets the number of worker goroutines. The default is
// GOMAXPROCS, with a minimum of two.
func WithWorkers(n int) GoSchedulerOption {
	return &goSchedulerOptionImpl{func(opts *goSchedulerOptions) error {
		if n <= 0 {
			return fmt.Errorf("threadpool: invalid worker count: %d", n)
		}
		opts.workers = n
		return nil
	}}
}

// WithSchedulerLogger configures logging for the GoScheduler itself.
func WithSchedulerLogger(logger *logiface.Logger[logiface.Event]) GoSchedulerOption {
	return &goSchedulerOptionImpl{func(opts *goSchedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// NewGoScheduler starts a new GoScheduler, which must be closed, to stop
// its workers.
func NewGoScheduler(options ...GoSchedulerOption) (*GoScheduler, error) {
	opts := goSchedulerOptions{workers: max(runtime.GOMAXPROCS(0), 2)}
	for _, o := range options {
		if o == nil {
			continue
		}
		if err := o.applyGoScheduler(&opts); err != nil {
			return nil, err
		}
	}

	s := &GoScheduler{
		logger:  opts.logger,
		queue:   queue.New(),
		assocs:  make(map[NativeHandle]*goAssociation),
		events:  make(map[Handle]*Event),
		devices: make(map[Handle]*Device),
	}
	s.work = sync.NewCond(&s.mu)
	s.idle = sync.NewCond(&s.mu)

	s.wg.Add(opts.workers)
	for range opts.workers {
		go s.worker()
	}

	s.logger.Debug().
		Int(`workers`, opts.workers).
		Log(`scheduler started`)

	return s, nil
}

// NewEvent creates a new Event, in the given initial state.
func (s *GoScheduler) NewEvent(manualReset, initialState bool) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := &Event{
		scheduler: s,
		handle:    s.nextHandleLocked(),
		manual:    manualReset,
		signaled:  initialState,
	}
	s.events[ev.handle] = ev
	return ev
}

// NewDevice creates a new Device.
func (s *GoScheduler) NewDevice() *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := &Device{
		scheduler: s,
		handle:    s.nextHandleLocked(),
	}
	s.devices[dev.handle] = dev
	return dev
}

// Associations returns the number of live (unreleased) associations.
func (s *GoScheduler) Associations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assocs)
}

func (s *GoScheduler) nextHandleLocked() Handle {
	s.next += 4
	return Handle(s.next)
}

// Associate implements Scheduler.
func (s *GoScheduler) Associate(kind Kind, source Handle, trampoline Trampoline) (NativeHandle, error) {
	if !kind.valid() {
		return 0, ErrUnknownKind
	}
	if trampoline == nil {
		return 0, fmt.Errorf("threadpool: nil trampoline")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	a := &goAssociation{
		trampoline: trampoline,
		kind:       kind,
	}

	switch kind {
	case KindWait:
		if a.event = s.events[source]; a.event == nil {
			return 0, ErrUnknownSource
		}
	case KindIO:
		if a.device = s.devices[source]; a.device == nil {
			return 0, ErrUnknownSource
		}
	}

	a.native = NativeHandle(s.nextHandleLocked())
	s.assocs[a.native] = a

	return a.native, nil
}

// Arm implements Scheduler.
func (s *GoScheduler) Arm(native NativeHandle, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	a := s.assocs[native]
	if a == nil {
		return ErrUnknownAssociation
	}

	switch a.kind {
	case KindWait:
		s.disarmLocked(a)
		a.armSeq++
		a.armed = true
		if ev := a.event; ev.signaled {
			if !ev.manual {
				ev.signaled = false
			}
			s.fireWaitLocked(a, WaitSignaled)
			return nil
		}
		a.event.waiters = append(a.event.waiters, a)
		if !deadline.IsZero() {
			seq := a.armSeq
			a.timer = time.AfterFunc(time.Until(deadline), func() { s.expire(a, seq) })
		}

	case KindIO:
		a.device.armed = append(a.device.armed, a)
	}

	return nil
}

// Disarm implements Scheduler.
func (s *GoScheduler) Disarm(native NativeHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.assocs[native]; a != nil {
		return s.disarmLocked(a)
	}
	return false
}

// DisarmAndWait implements Scheduler.
func (s *GoScheduler) DisarmAndWait(native NativeHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.assocs[native]
	if a == nil {
		return
	}

	// drops queued invocations
	a.dropSeq++
	s.releaseLocked(a)

	for a.running > 0 {
		s.idle.Wait()
	}
}

// Release implements Scheduler.
func (s *GoScheduler) Release(native NativeHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.assocs[native]; a != nil {
		a.dropSeq++
		s.releaseLocked(a)
	}
}

// Close stops the workers, waiting for any running trampolines to return.
// Queued invocations are discarded. Close must not be called from a
// trampoline.
func (s *GoScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, a := range s.assocs {
		s.disarmLocked(a)
	}
	s.work.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Debug().Log(`scheduler stopped`)

	return nil
}

// disarmLocked withdraws the latest arm, for KindIO, or the only arm, for
// KindWait, returning false if there was nothing to withdraw.
func (s *GoScheduler) disarmLocked(a *goAssociation) bool {
	switch a.kind {
	case KindWait:
		if !a.armed {
			return false
		}
		a.armed = false
		if i := slices.Index(a.event.waiters, a); i >= 0 {
			a.event.waiters = slices.Delete(a.event.waiters, i, i+1)
		}
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		return true

	case KindIO:
		armed := a.device.armed
		for i := len(armed) - 1; i >= 0; i-- {
			if armed[i] == a {
				a.device.armed = slices.Delete(armed, i, i+1)
				return true
			}
		}
	}
	return false
}

func (s *GoScheduler) releaseLocked(a *goAssociation) {
	if a.released {
		return
	}
	a.released = true
	s.disarmLocked(a)
	if a.kind == KindIO {
		a.device.armed = slices.DeleteFunc(a.device.armed, func(v *goAssociation) bool { return v == a })
	}
	delete(s.assocs, a.native)
}

// fireWaitLocked completes an armed wait.
func (s *GoScheduler) fireWaitLocked(a *goAssociation, result WaitResult) {
	s.disarmLocked(a)
	s.enqueueLocked(a, result)
}

func (s *GoScheduler) expire(a *goAssociation, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || a.released || !a.armed || a.armSeq != seq {
		return
	}
	s.fireWaitLocked(a, WaitTimeout)
}

func (s *GoScheduler) enqueueLocked(a *goAssociation, raw any) {
	s.queue.Add(&goInvocation{assoc: a, raw: raw, dropSeq: a.dropSeq})
	s.work.Signal()
}

func (s *GoScheduler) worker() {
	defer s.wg.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for s.queue.Length() == 0 && !s.closed {
			s.work.Wait()
		}
		if s.closed {
			return
		}

		inv := s.queue.Remove().(*goInvocation)
		a := inv.assoc
		if a.released || inv.dropSeq != a.dropSeq {
			continue
		}

		a.running++
		s.mu.Unlock()
		s.invoke(a, inv.raw)
		s.mu.Lock()
		a.running--
		if a.running == 0 {
			s.idle.Broadcast()
		}
	}
}

func (s *GoScheduler) invoke(a *goAssociation, raw any) {
	inst := NewInstance(a.native, 0)
	defer func() {
		if v := recover(); v != nil {
			s.logger.Err().
				Str(`panic`, fmt.Sprint(v)).
				Str(`kind`, a.kind.String()).
				Log(`recovered panic in trampoline`)
		}
	}()
	defer inst.Return()
	a.trampoline(inst, raw)
}

// Handle returns the Handle to submit waits against.
func (x *Event) Handle() Handle { return x.handle }

// Set signals the event, satisfying armed waits (all of them, for a manual
// reset event, otherwise at most one).
func (x *Event) Set() {
	s := x.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	x.signaled = true
	for x.signaled && len(x.waiters) != 0 && !s.closed {
		a := x.waiters[0]
		if !x.manual {
			x.signaled = false
		}
		s.fireWaitLocked(a, WaitSignaled)
	}
}

// Reset un-signals the event.
func (x *Event) Reset() {
	s := x.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	x.signaled = false
}

// Signaled reports whether the event is currently signaled.
func (x *Event) Signaled() bool {
	s := x.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	return x.signaled
}

// Handle returns the Handle to submit I/O against.
func (x *Device) Handle() Handle { return x.handle }

// Complete delivers the completion of an asynchronous operation, to the
// earliest armed association. Returns ErrNotArmed if there is none.
func (x *Device) Complete(overlapped uintptr, status uint32, bytesTransferred uintptr) error {
	s := x.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(x.armed) == 0 {
		return ErrNotArmed
	}
	a := x.armed[0]
	x.armed = slices.Delete(x.armed, 0, 1)
	s.enqueueLocked(a, IOCompletion{
		Overlapped:       overlapped,
		BytesTransferred: bytesTransferred,
		Status:           status,
	})
	return nil
}

// Pending returns the number of armed, not yet completed, operations.
func (x *Device) Pending() int {
	s := x.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(x.armed)
}
