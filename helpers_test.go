package threadpool

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

const (
	// testTimeout bounds every positive wait, in tests.
	testTimeout = 5 * time.Second
	// quietPeriod is how long negative assertions wait, for something that
	// must not happen.
	quietPeriod = 50 * time.Millisecond
)

func newTestScheduler(t *testing.T, options ...GoSchedulerOption) *GoScheduler {
	t.Helper()
	s, err := NewGoScheduler(options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPool(t *testing.T, scheduler Scheduler, options ...Option) *ThreadPool {
	t.Helper()
	pool, err := New(scheduler, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func discardLogger() *logiface.Logger[logiface.Event] {
	return logiface.New[logiface.Event](
		logiface.WithWriter[logiface.Event](logiface.NewWriterFunc(func(event logiface.Event) error {
			return nil
		})),
	)
}

// syncBuffer is a bytes.Buffer safe for use by callbacks on worker
// goroutines.
type syncBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

func (x *syncBuffer) Lines() []string {
	s := strings.TrimSpace(x.String())
	if s == `` {
		return nil
	}
	return strings.Split(s, "\n")
}

func bufferLogger(buf *syncBuffer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal(`timed out waiting for value`)
		panic(`unreachable`)
	}
}

func requireNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf(`unexpected value: %v`, v)
	case <-time.After(quietPeriod):
	}
}

func requireEventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, testTimeout, time.Millisecond)
}

// fakeScheduler is a Scheduler that never fires on its own, tests call
// fire (from any goroutine) to run a trampoline.
type fakeScheduler struct {
	associateErr    error
	armErr          error
	onDisarmAndWait func(native NativeHandle)
	assocs          map[NativeHandle]*fakeAssociation
	all             map[NativeHandle]*fakeAssociation
	released        map[NativeHandle]int
	disarms         map[NativeHandle]int
	mu              sync.Mutex
	next            NativeHandle
	reissue         NativeHandle // returned by Associate if set, recording nothing
	failArms        int          // number of subsequent Arm calls that fail
}

type fakeAssociation struct {
	deadline   time.Time
	trampoline Trampoline
	source     Handle
	kind       Kind
	arms       int
	armed      bool
}

var errFake = errors.New(`fake scheduler failure`)

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		assocs:   make(map[NativeHandle]*fakeAssociation),
		all:      make(map[NativeHandle]*fakeAssociation),
		released: make(map[NativeHandle]int),
		disarms:  make(map[NativeHandle]int),
	}
}

func (f *fakeScheduler) Associate(kind Kind, source Handle, trampoline Trampoline) (NativeHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.associateErr != nil {
		return 0, f.associateErr
	}
	if f.reissue != 0 {
		return f.reissue, nil
	}
	f.next += 0x10
	a := &fakeAssociation{kind: kind, source: source, trampoline: trampoline}
	f.assocs[f.next] = a
	f.all[f.next] = a
	return f.next, nil
}

func (f *fakeScheduler) Arm(native NativeHandle, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	if f.failArms > 0 {
		f.failArms--
		return errFake
	}
	a := f.assocs[native]
	if a == nil {
		return ErrUnknownAssociation
	}
	a.arms++
	a.armed = true
	a.deadline = deadline
	return nil
}

func (f *fakeScheduler) Disarm(native NativeHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disarms[native]++
	a := f.assocs[native]
	if a == nil || !a.armed {
		return false
	}
	a.armed = false
	return true
}

func (f *fakeScheduler) DisarmAndWait(native NativeHandle) {
	f.mu.Lock()
	hook := f.onDisarmAndWait
	f.mu.Unlock()
	if hook != nil {
		hook(native)
	}
	f.Release(native)
}

func (f *fakeScheduler) Release(native NativeHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[native]++
	delete(f.assocs, native)
}

// fire runs the trampoline of native, even if released (modeling a
// completion that was already dispatched).
func (f *fakeScheduler) fire(native NativeHandle, raw any) {
	f.dispatch(native, raw)()
}

// dispatch consumes the arm of native, returning a function that runs the
// trampoline, modeling a completion that is queued but not yet started.
func (f *fakeScheduler) dispatch(native NativeHandle, raw any) func() {
	f.mu.Lock()
	a := f.all[native]
	a.armed = false
	f.mu.Unlock()
	return func() {
		inst := NewInstance(native, 0)
		a.trampoline(inst, raw)
		inst.Return()
	}
}

func (f *fakeScheduler) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assocs)
}

func (f *fakeScheduler) releaseCount(native NativeHandle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[native]
}

func (f *fakeScheduler) disarmCount(native NativeHandle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disarms[native]
}

func (f *fakeScheduler) association(native NativeHandle) *fakeAssociation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[native]
}

// natives returns every native handle ever associated for source.
func (f *fakeScheduler) natives(source Handle) (natives []NativeHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for native, a := range f.all {
		if a.source == source {
			natives = append(natives, native)
		}
	}
	slices.Sort(natives)
	return
}

// requireReleasedOnce checks every association was released exactly once.
func (f *fakeScheduler) requireReleasedOnce(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for native := range f.all {
		require.Equalf(t, 1, f.released[native], `native %#x`, uintptr(native))
	}
}
