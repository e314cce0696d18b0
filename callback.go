package threadpool

type (
	// Instance identifies a single invocation of a callback, and is valid
	// only for the duration of that invocation.
	Instance struct {
		returns []func()
		native  uintptr
		handle  NativeHandle
	}

	// Callback is a user callable, together with any bound arguments, that
	// accepts a completion value of type T, and optionally the Instance.
	//
	// The zero value is not valid, use Wrap, Bind, Bind2, or Bind3.
	Callback[T any] struct {
		call func(inst *Instance, value T)
	}

	// Handler is the set of function shapes accepted by Wrap.
	Handler[T any] interface {
		func(T) | func(*Instance, T)
	}

	// Handler1 is the set of function shapes accepted by Bind.
	Handler1[T, A any] interface {
		func(T, A) | func(*Instance, T, A)
	}

	// Handler2 is the set of function shapes accepted by Bind2.
	Handler2[T, A, B any] interface {
		func(T, A, B) | func(*Instance, T, A, B)
	}

	// Handler3 is the set of function shapes accepted by Bind3.
	Handler3[T, A, B, C any] interface {
		func(T, A, B, C) | func(*Instance, T, A, B, C)
	}
)

// NewInstance is intended for Scheduler implementations, which must pass a
// fresh Instance to each Trampoline call, then call Instance.Return after it
// returns. The native value is implementation-defined, e.g. a
// PTP_CALLBACK_INSTANCE.
func NewInstance(handle NativeHandle, native uintptr) *Instance {
	return &Instance{handle: handle, native: native}
}

// Handle returns the association the invocation belongs to.
func (x *Instance) Handle() NativeHandle {
	if x == nil {
		return 0
	}
	return x.handle
}

// Native returns the implementation-defined instance value.
func (x *Instance) Native() uintptr {
	if x == nil {
		return 0
	}
	return x.native
}

// WhenReturns registers fn to be run, in registration order, after the
// callback has returned, and after its registration has been removed.
func (x *Instance) WhenReturns(fn func()) {
	if x != nil && fn != nil {
		x.returns = append(x.returns, fn)
	}
}

// Return runs (and clears) the functions registered via WhenReturns.
func (x *Instance) Return() {
	if x == nil {
		return
	}
	returns := x.returns
	x.returns = nil
	for _, fn := range returns {
		fn()
	}
}

// Valid returns true if the callback may be invoked.
func (x Callback[T]) Valid() bool { return x.call != nil }

// Invoke calls the wrapped function. It panics if the callback is not Valid.
func (x Callback[T]) Invoke(inst *Instance, value T) {
	x.call(inst, value)
}

// Wrap builds a Callback from fn, which may optionally accept the Instance.
// Wrapping a nil function results in an invalid Callback.
//
//	threadpool.Wrap[threadpool.WaitResult](func(result threadpool.WaitResult) {})
func Wrap[T any, F Handler[T]](fn F) Callback[T] {
	switch fn := any(fn).(type) {
	case func(T):
		if fn != nil {
			return Callback[T]{call: func(_ *Instance, value T) { fn(value) }}
		}
	case func(*Instance, T):
		if fn != nil {
			return Callback[T]{call: fn}
		}
	}
	return Callback[T]{}
}

// Bind is like Wrap, but also binds an argument, which is copied once, and
// passed to fn on every invocation.
func Bind[T, A any, F Handler1[T, A]](fn F, a A) Callback[T] {
	switch fn := any(fn).(type) {
	case func(T, A):
		if fn != nil {
			return Callback[T]{call: func(_ *Instance, value T) { fn(value, a) }}
		}
	case func(*Instance, T, A):
		if fn != nil {
			return Callback[T]{call: func(inst *Instance, value T) { fn(inst, value, a) }}
		}
	}
	return Callback[T]{}
}

// Bind2 is like Bind, with two bound arguments.
func Bind2[T, A, B any, F Handler2[T, A, B]](fn F, a A, b B) Callback[T] {
	switch fn := any(fn).(type) {
	case func(T, A, B):
		if fn != nil {
			return Callback[T]{call: func(_ *Instance, value T) { fn(value, a, b) }}
		}
	case func(*Instance, T, A, B):
		if fn != nil {
			return Callback[T]{call: func(inst *Instance, value T) { fn(inst, value, a, b) }}
		}
	}
	return Callback[T]{}
}

// Bind3 is like Bind, with three bound arguments.
func Bind3[T, A, B, C any, F Handler3[T, A, B, C]](fn F, a A, b B, c C) Callback[T] {
	switch fn := any(fn).(type) {
	case func(T, A, B, C):
		if fn != nil {
			return Callback[T]{call: func(_ *Instance, value T) { fn(value, a, b, c) }}
		}
	case func(*Instance, T, A, B, C):
		if fn != nil {
			return Callback[T]{call: func(inst *Instance, value T) { fn(inst, value, a, b, c) }}
		}
	}
	return Callback[T]{}
}
