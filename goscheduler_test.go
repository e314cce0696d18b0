package threadpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordTrampoline() (Trampoline, <-chan any) {
	ch := make(chan any, 16)
	return func(inst *Instance, raw any) { ch <- raw }, ch
}

func TestGoScheduler_autoResetSatisfiesOneWait(t *testing.T) {
	s := newTestScheduler(t)
	ev := s.NewEvent(false, false)

	t1, ch1 := recordTrampoline()
	t2, ch2 := recordTrampoline()
	n1, err := s.Associate(KindWait, ev.Handle(), t1)
	require.NoError(t, err)
	n2, err := s.Associate(KindWait, ev.Handle(), t2)
	require.NoError(t, err)
	require.NoError(t, s.Arm(n1, time.Time{}))
	require.NoError(t, s.Arm(n2, time.Time{}))

	ev.Set()
	assert.Equal(t, WaitSignaled, receive(t, ch1))
	requireNothing(t, ch2)
	assert.False(t, ev.Signaled())

	ev.Set()
	assert.Equal(t, WaitSignaled, receive(t, ch2))
	assert.False(t, ev.Signaled())

	// one-shot, until re-armed
	ev.Set()
	requireNothing(t, ch1)
	assert.True(t, ev.Signaled())
	require.NoError(t, s.Arm(n1, time.Time{}))
	assert.Equal(t, WaitSignaled, receive(t, ch1))

	s.Release(n1)
	s.Release(n2)
	assert.Zero(t, s.Associations())
}

func TestGoScheduler_manualResetSatisfiesAllWaits(t *testing.T) {
	s := newTestScheduler(t)
	ev := s.NewEvent(true, false)

	t1, ch1 := recordTrampoline()
	t2, ch2 := recordTrampoline()
	n1, err := s.Associate(KindWait, ev.Handle(), t1)
	require.NoError(t, err)
	n2, err := s.Associate(KindWait, ev.Handle(), t2)
	require.NoError(t, err)
	require.NoError(t, s.Arm(n1, time.Time{}))
	require.NoError(t, s.Arm(n2, time.Time{}))

	ev.Set()
	assert.Equal(t, WaitSignaled, receive(t, ch1))
	assert.Equal(t, WaitSignaled, receive(t, ch2))
	assert.True(t, ev.Signaled())
	ev.Reset()
	assert.False(t, ev.Signaled())
}

func TestGoScheduler_timeoutAndDisarm(t *testing.T) {
	s := newTestScheduler(t)
	ev := s.NewEvent(true, false)

	tr, ch := recordTrampoline()
	native, err := s.Associate(KindWait, ev.Handle(), tr)
	require.NoError(t, err)

	require.NoError(t, s.Arm(native, time.Now().Add(5*time.Millisecond)))
	assert.Equal(t, WaitTimeout, receive(t, ch))

	// already completed, nothing to withdraw
	assert.False(t, s.Disarm(native))

	require.NoError(t, s.Arm(native, time.Now().Add(20*time.Millisecond)))
	assert.True(t, s.Disarm(native))
	assert.False(t, s.Disarm(native))
	time.Sleep(2 * quietPeriod)
	ev.Set()
	requireNothing(t, ch)

	// re-arming replaces the previous deadline
	ev.Reset()
	require.NoError(t, s.Arm(native, time.Now().Add(time.Hour)))
	require.NoError(t, s.Arm(native, time.Now()))
	assert.Equal(t, WaitTimeout, receive(t, ch))
	requireNothing(t, ch)

	s.DisarmAndWait(native)
	assert.ErrorIs(t, s.Arm(native, time.Time{}), ErrUnknownAssociation)
}

func TestGoScheduler_disarmAndWaitDropsQueued(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	blocker := s.NewEvent(true, false)
	ev := s.NewEvent(true, false)

	entered := make(chan struct{})
	release := make(chan struct{})
	nb, err := s.Associate(KindWait, blocker.Handle(), func(*Instance, any) {
		close(entered)
		<-release
	})
	require.NoError(t, err)
	require.NoError(t, s.Arm(nb, time.Time{}))
	blocker.Set()
	<-entered

	var calls atomic.Int32
	native, err := s.Associate(KindWait, ev.Handle(), func(*Instance, any) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, s.Arm(native, time.Time{}))
	ev.Set()

	// queued behind the blocker, so this returns without waiting
	s.DisarmAndWait(native)
	close(release)

	done := make(chan struct{})
	n2, err := s.Associate(KindWait, ev.Handle(), func(*Instance, any) { close(done) })
	require.NoError(t, err)
	require.NoError(t, s.Arm(n2, time.Time{}))
	receive(t, done)
	assert.Zero(t, calls.Load())
}

func TestGoScheduler_disarmReportsQueuedCompletion(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	blocker := s.NewEvent(true, false)
	ev := s.NewEvent(false, false)
	dev := s.NewDevice()

	entered := make(chan struct{})
	release := make(chan struct{})
	nb, err := s.Associate(KindWait, blocker.Handle(), func(*Instance, any) {
		close(entered)
		<-release
	})
	require.NoError(t, err)
	require.NoError(t, s.Arm(nb, time.Time{}))
	blocker.Set()
	<-entered

	tr, ch := recordTrampoline()
	native, err := s.Associate(KindWait, ev.Handle(), tr)
	require.NoError(t, err)
	require.NoError(t, s.Arm(native, time.Time{}))
	ev.Set()
	// dispatched, but not started, so the trampoline still runs
	assert.False(t, s.Disarm(native))

	op, err := s.Associate(KindIO, dev.Handle(), tr)
	require.NoError(t, err)
	require.NoError(t, s.Arm(op, time.Time{}))
	require.NoError(t, s.Arm(op, time.Time{}))
	require.NoError(t, dev.Complete(0, 0, 1))
	assert.True(t, s.Disarm(op))
	assert.False(t, s.Disarm(op))

	close(release)
	assert.Equal(t, WaitSignaled, receive(t, ch))
	assert.Equal(t, IOCompletion{BytesTransferred: 1}, receive(t, ch))
	requireNothing(t, ch)
}

func TestGoScheduler_disarmAndWaitBlocksForRunning(t *testing.T) {
	s := newTestScheduler(t)
	ev := s.NewEvent(true, true)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	native, err := s.Associate(KindWait, ev.Handle(), func(*Instance, any) {
		close(entered)
		<-release
		finished.Store(true)
	})
	require.NoError(t, err)
	require.NoError(t, s.Arm(native, time.Time{}))
	<-entered

	returned := make(chan struct{})
	go func() {
		s.DisarmAndWait(native)
		close(returned)
	}()
	requireNothing(t, returned)
	close(release)
	receive(t, returned)
	assert.True(t, finished.Load())
}

func TestGoScheduler_whenReturnsAfterTrampoline(t *testing.T) {
	s := newTestScheduler(t)
	dev := s.NewDevice()

	var order []string
	done := make(chan struct{})
	native, err := s.Associate(KindIO, dev.Handle(), func(inst *Instance, raw any) {
		inst.WhenReturns(func() {
			order = append(order, `returned`)
			close(done)
		})
		order = append(order, `trampoline`)
	})
	require.NoError(t, err)
	require.NoError(t, s.Arm(native, time.Time{}))
	require.NoError(t, dev.Complete(1, 2, 3))
	receive(t, done)
	assert.Equal(t, []string{`trampoline`, `returned`}, order)
}

func TestGoScheduler_trampolinePanicRecovered(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	dev := s.NewDevice()

	native, err := s.Associate(KindIO, dev.Handle(), func(*Instance, any) { panic(`boom`) })
	require.NoError(t, err)
	require.NoError(t, s.Arm(native, time.Time{}))
	require.NoError(t, s.Arm(native, time.Time{}))
	require.NoError(t, dev.Complete(1, 0, 0))

	// the worker survived
	done := make(chan struct{})
	n2, err := s.Associate(KindIO, dev.Handle(), func(*Instance, any) { close(done) })
	require.NoError(t, err)
	require.NoError(t, s.Arm(n2, time.Time{}))
	// second arm of native is first in line
	require.NoError(t, dev.Complete(2, 0, 0))
	require.NoError(t, dev.Complete(3, 0, 0))
	receive(t, done)
}

func TestGoScheduler_errors(t *testing.T) {
	_, err := NewGoScheduler(WithWorkers(0))
	assert.Error(t, err)

	s := newTestScheduler(t, nil, WithWorkers(2), WithSchedulerLogger(discardLogger()))

	_, err = s.Associate(Kind(9), 0, func(*Instance, any) {})
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = s.Associate(KindWait, s.NewEvent(false, false).Handle(), nil)
	assert.Error(t, err)
	_, err = s.Associate(KindWait, s.NewDevice().Handle(), func(*Instance, any) {})
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.ErrorIs(t, s.Arm(12345, time.Time{}), ErrUnknownAssociation)

	// no-ops
	s.Disarm(12345)
	s.DisarmAndWait(12345)
	s.Release(12345)

	ev := s.NewEvent(false, false)
	dev := s.NewDevice()
	native, err := s.Associate(KindWait, ev.Handle(), func(*Instance, any) {})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Associate(KindWait, ev.Handle(), func(*Instance, any) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Arm(native, time.Time{}), ErrClosed)
	assert.ErrorIs(t, dev.Complete(0, 0, 0), ErrClosed)
	ev.Set()
	s.DisarmAndWait(native)
	assert.Zero(t, s.Associations())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, `wait`, KindWait.String())
	assert.Equal(t, `io`, KindIO.String())
	assert.Equal(t, `kind(7)`, Kind(7).String())
	assert.Equal(t, `signaled`, WaitSignaled.String())
	assert.Equal(t, `timeout`, WaitTimeout.String())
	assert.Equal(t, `abandoned`, WaitAbandoned.String())
	assert.Equal(t, `unknown`, WaitResult(1).String())
	assert.Equal(t, `unknown`, WaitUnknown.String())
}
