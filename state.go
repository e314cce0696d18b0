package threadpool

import (
	"sync/atomic"
)

// entryState represents the lifecycle of a single registration.
//
// State Machine:
//
//	Submitted → Firing     [trampoline claimed it, user callback running]
//	Submitted → Cancelled  [detached by Cancel, CancelAll, or Replace]
//	Firing    → Removed    [completion cleanup, or drained after detach]
//	Cancelled → Removed    [drained, association released]
//
// Firing and Cancelled are mutually exclusive, which is what prevents a
// callback from being invoked after its registration was detached.
type entryState uint32

const (
	stateSubmitted entryState = iota
	stateFiring
	stateCancelled
	stateRemoved
)

func (x entryState) String() string {
	switch x {
	case stateSubmitted:
		return "submitted"
	case stateFiring:
		return "firing"
	case stateCancelled:
		return "cancelled"
	case stateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// fastEntryState is an atomic entryState.
type fastEntryState struct {
	v atomic.Uint32
}

func (x *fastEntryState) Load() entryState {
	return entryState(x.v.Load())
}

func (x *fastEntryState) Store(state entryState) {
	x.v.Store(uint32(state))
}

// TryTransition atomically moves from one state to another, returning false
// if the current state is not from.
func (x *fastEntryState) TryTransition(from, to entryState) bool {
	return x.v.CompareAndSwap(uint32(from), uint32(to))
}
