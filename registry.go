package threadpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// registry is the generic registration manager, shared by WaitManager
	// (keyed by Handle) and IOManager (keyed by NativeHandle).
	//
	// Locking: mu (exclusive) decides ownership of an entry, by detaching it
	// from entries. Blocking Scheduler calls (DisarmAndWait) are only ever
	// made after mu is released, as in-flight completions need mu to find,
	// then remove, their own entry.
	registry[K comparable] struct {
		scheduler Scheduler
		logger    *logiface.Logger[logiface.Event]
		limiter   *catrate.Limiter
		keyOf     func(source Handle, native NativeHandle) K
		entries   map[K]*entry[K]
		draining  map[*entry[K]]struct{}
		stats     registryStats
		nextID    atomic.Uint64
		mu        sync.RWMutex
		kind      Kind
		closed    bool
	}

	// entry is a single registration (one association).
	entry[K comparable] struct {
		meta    *metaContext[K]
		invoke  invoker // swapped under mu, until the entry starts firing
		timeout *time.Duration
		done    chan struct{}
		native  NativeHandle
		source  Handle
		state   fastEntryState
	}

	// metaContext is what each trampoline captures, and is the identity of
	// a registration. The key is set before the association is armed.
	metaContext[K comparable] struct {
		key K
		id  uint64
	}

	// invoker is a Callback bound to the conversion of the raw scheduler
	// parameter, for a given Kind.
	invoker func(inst *Instance, raw any)

	registryStats struct {
		submitted atomic.Uint64
		replaced  atomic.Uint64
		fired     atomic.Uint64
		cancelled atomic.Uint64
		aborted   atomic.Uint64
		stale     atomic.Uint64
		panics    atomic.Uint64
		faults    atomic.Uint64
	}

	submitMode uint8
)

const (
	// modeInsert always creates a new registration.
	modeInsert submitMode = iota
	// modeUpsert supersedes any existing registration for the source.
	modeUpsert
	// modeReplace is modeUpsert, but fails with ErrNotFound if there is no
	// existing registration.
	modeReplace
)

func newRegistry[K comparable](kind Kind, scheduler Scheduler, keyOf func(source Handle, native NativeHandle) K, opts *poolOptions) *registry[K] {
	return &registry[K]{
		scheduler: scheduler,
		logger:    opts.logger,
		limiter:   newPanicLimiter(opts.panicLogRates),
		keyOf:     keyOf,
		entries:   make(map[K]*entry[K]),
		draining:  make(map[*entry[K]]struct{}),
		kind:      kind,
	}
}

// submit registers invoke for source, returning the key. For modeUpsert and
// modeReplace, keyOf must not depend on the native handle, and an existing
// registration is superseded, retaining its original timeout.
func (r *registry[K]) submit(source Handle, invoke invoker, timeout *time.Duration, mode submitMode) (K, error) {
	var zero K

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return zero, ErrClosed
	}

	var old *entry[K]
	if mode != modeInsert {
		old = r.entries[r.keyOf(source, 0)]
		if old == nil && mode == modeReplace {
			r.mu.Unlock()
			return zero, ErrNotFound
		}
	}

	// not yet firing: the association (and any completion it already
	// delivered) is kept, only the callback changes
	if old != nil && old.state.Load() == stateSubmitted {
		err := r.rebindLocked(old, invoke)
		r.mu.Unlock()
		if err != nil {
			r.fault(source, err)
			return zero, err
		}
		r.stats.submitted.Add(1)
		r.stats.replaced.Add(1)
		r.logSubmitted(source, old.meta.id, true)
		return old.meta.key, nil
	}

	// firing: the running callback consumed the completion, so the
	// replacement needs an association of its own
	if old != nil {
		timeout = old.timeout
	}

	e, err := r.associateLocked(source, invoke, timeout, old == nil)
	if err != nil {
		r.mu.Unlock()
		r.fault(source, err)
		return zero, err
	}

	key := e.meta.key
	if old != nil {
		r.detachLocked(old)
	}
	r.entries[key] = e

	r.mu.Unlock()

	r.stats.submitted.Add(1)
	r.logSubmitted(source, e.meta.id, old != nil)

	if old != nil {
		r.stats.replaced.Add(1)
		r.drain(old)
	}

	return key, nil
}

// rebindLocked swaps the invoker of e, which must not have started firing.
// If the scheduler already dispatched the completion for e, it will run the
// new invoker, otherwise e is re-armed, using its original timeout.
func (r *registry[K]) rebindLocked(e *entry[K], invoke invoker) error {
	previous := e.invoke
	e.invoke = invoke

	if !r.scheduler.Disarm(e.native) {
		return nil
	}

	if err := r.scheduler.Arm(e.native, deadlineOf(e.timeout)); err != nil {
		e.invoke = previous
		if armErr := r.scheduler.Arm(e.native, deadlineOf(e.timeout)); armErr != nil {
			r.logger.Warning().
				Err(armErr).
				Str(`kind`, r.kind.String()).
				Uint64(`id`, e.meta.id).
				Log(`failed to restore registration after failed replace`)
		}
		return resourceError(`arm`, r.kind, e.source, err)
	}

	return nil
}

// associateLocked creates and arms a new entry, which is not yet mapped.
// The exclusive lock must be held, so that the trampoline cannot observe
// entries until the entry has been mapped. If fresh is set, the key must not
// already be mapped.
func (r *registry[K]) associateLocked(source Handle, invoke invoker, timeout *time.Duration, fresh bool) (*entry[K], error) {
	meta := &metaContext[K]{id: r.nextID.Add(1)}

	native, err := r.scheduler.Associate(r.kind, source, r.trampoline(meta))
	if err != nil {
		return nil, resourceError(`associate`, r.kind, source, err)
	}

	meta.key = r.keyOf(source, native)

	if fresh {
		if live := r.entries[meta.key]; live != nil {
			// the handle is shared with a live entry, so is neither armed
			// nor released here
			r.logger.Warning().
				Str(`kind`, r.kind.String()).
				Uint64(`id`, live.meta.id).
				Log(`scheduler reissued a live association`)
			return nil, resourceError(`associate`, r.kind, source, errReissuedAssociation)
		}
	}

	if err := r.scheduler.Arm(native, deadlineOf(timeout)); err != nil {
		r.scheduler.Release(native)
		return nil, resourceError(`arm`, r.kind, source, err)
	}

	return &entry[K]{
		meta:    meta,
		invoke:  invoke,
		timeout: timeout,
		done:    make(chan struct{}),
		native:  native,
		source:  source,
	}, nil
}

func (r *registry[K]) fault(source Handle, err error) {
	r.stats.faults.Add(1)
	r.logger.Debug().
		Err(err).
		Str(`kind`, r.kind.String()).
		Str(`source`, fmt.Sprintf(`%#x`, uintptr(source))).
		Log(`submit failed`)
}

func (r *registry[K]) logSubmitted(source Handle, id uint64, replaced bool) {
	if b := r.logger.Debug(); b.Enabled() {
		b.Str(`kind`, r.kind.String()).
			Str(`source`, fmt.Sprintf(`%#x`, uintptr(source))).
			Uint64(`id`, id).
			Bool(`replaced`, replaced).
			Log(`submitted`)
	}
}

// detachLocked takes ownership of e, which must then be passed to drain.
// Returns true if e had not started firing.
func (r *registry[K]) detachLocked(e *entry[K]) bool {
	if r.entries[e.meta.key] == e {
		delete(r.entries, e.meta.key)
	}
	r.draining[e] = struct{}{}
	return e.state.TryTransition(stateSubmitted, stateCancelled)
}

// drain waits until the (detached) entry's association is idle, and
// releases it. Must not be called with mu held.
func (r *registry[K]) drain(e *entry[K]) {
	r.scheduler.DisarmAndWait(e.native)
	e.state.Store(stateRemoved)
	r.mu.Lock()
	delete(r.draining, e)
	r.mu.Unlock()
	close(e.done)
}

// drainingLocked returns the entries for key that are still being drained.
func (r *registry[K]) drainingLocked(key K) (pending []*entry[K]) {
	for e := range r.draining {
		if e.meta.key == key {
			pending = append(pending, e)
		}
	}
	return
}

// cancel detaches and drains the registration for key, if any, returning
// true if there was one. If abort is set, the latest arm is withdrawn
// (Scheduler.Disarm) before draining. Once cancel returns, no callback for
// key, from any prior registration, is running.
func (r *registry[K]) cancel(key K, abort bool) bool {
	r.mu.Lock()
	pending := r.drainingLocked(key)
	e := r.entries[key]
	var notFired bool
	if e != nil {
		if abort {
			r.scheduler.Disarm(e.native)
		}
		notFired = r.detachLocked(e)
	}
	r.mu.Unlock()

	if e != nil {
		switch {
		case abort:
			r.stats.aborted.Add(1)
		case notFired:
			r.stats.cancelled.Add(1)
		}
		r.drain(e)
		r.logger.Debug().
			Str(`kind`, r.kind.String()).
			Uint64(`id`, e.meta.id).
			Bool(`abort`, abort).
			Log(`cancelled`)
	}

	for _, p := range pending {
		<-p.done
	}

	return e != nil
}

// cancelAll detaches and drains every registration, returning the number of
// registrations that were detached.
func (r *registry[K]) cancelAll() int {
	r.mu.Lock()
	pending := make([]*entry[K], 0, len(r.draining))
	for e := range r.draining {
		pending = append(pending, e)
	}
	detached := make([]*entry[K], 0, len(r.entries))
	for _, e := range r.entries {
		detached = append(detached, e)
	}
	r.entries = make(map[K]*entry[K])
	var notFired uint64
	for _, e := range detached {
		if r.detachLocked(e) {
			notFired++
		}
	}
	r.mu.Unlock()

	r.stats.cancelled.Add(notFired)

	for _, e := range detached {
		r.drain(e)
	}
	for _, p := range pending {
		<-p.done
	}

	if len(detached) != 0 {
		r.logger.Debug().
			Str(`kind`, r.kind.String()).
			Int(`count`, len(detached)).
			Log(`cancelled all`)
	}

	return len(detached)
}

// close cancels everything, and causes further submits to fail.
func (r *registry[K]) close() int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.cancelAll()
}

func (r *registry[K]) lookup(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

func (r *registry[K]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry[K]) trampoline(meta *metaContext[K]) Trampoline {
	return func(inst *Instance, raw any) {
		r.fire(meta, inst, raw)
	}
}

// fire handles a single completion: the entry must still be mapped, under
// the same identity, and must not have been detached, for the callback to
// run. The entry is removed once the callback returns.
func (r *registry[K]) fire(meta *metaContext[K], inst *Instance, raw any) {
	r.mu.RLock()
	e := r.entries[meta.key]
	if e != nil && (e.meta != meta || !e.state.TryTransition(stateSubmitted, stateFiring)) {
		e = nil
	}
	r.mu.RUnlock()

	if e == nil {
		r.stats.stale.Add(1)
		r.logger.Trace().
			Str(`kind`, r.kind.String()).
			Uint64(`id`, meta.id).
			Log(`ignored stale completion`)
		return
	}

	if inst == nil {
		inst = NewInstance(e.native, 0)
		defer inst.Return()
	}

	r.stats.fired.Add(1)
	r.call(e, inst, raw)
	r.remove(e)
}

func (r *registry[K]) call(e *entry[K], inst *Instance, raw any) {
	defer func() {
		if v := recover(); v != nil {
			r.stats.panics.Add(1)
			logPanic(r.logger, r.limiter, r.kind, e.meta.key, e.meta.id, v)
		}
	}()
	e.invoke(inst, raw)
}

// remove is the completion side cleanup, which only releases the
// association if the entry was not detached in the meantime.
func (r *registry[K]) remove(e *entry[K]) {
	r.mu.Lock()
	removed := r.entries[e.meta.key] == e
	if removed {
		delete(r.entries, e.meta.key)
	}
	r.mu.Unlock()
	if removed {
		e.state.Store(stateRemoved)
		r.scheduler.Release(e.native)
	}
}

func (r *registry[K]) snapshot() KindStats {
	return KindStats{
		Submitted: r.stats.submitted.Load(),
		Replaced:  r.stats.replaced.Load(),
		Fired:     r.stats.fired.Load(),
		Cancelled: r.stats.cancelled.Load(),
		Aborted:   r.stats.aborted.Load(),
		Stale:     r.stats.stale.Load(),
		Panics:    r.stats.panics.Load(),
		Faults:    r.stats.faults.Load(),
		Live:      r.len(),
	}
}
