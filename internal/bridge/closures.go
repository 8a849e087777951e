package bridge

import (
	"context"

	"go.uber.org/multierr"
)

// InvokerFunc calls into the guest closure body with its context pair.
type InvokerFunc func(ctx context.Context, a, b uint32, args ...uint64) ([]uint64, error)

// DestructorFunc frees the guest closure environment.
type DestructorFunc func(ctx context.Context, a, b uint32) error

// DestructorTable resolves the destructor slots a guest hands out.
type DestructorTable interface {
	Destructor(slot uint32) (DestructorFunc, bool)
}

// DestructorMap is a DestructorTable backed by a map.
type DestructorMap map[uint32]DestructorFunc

// Destructor implements DestructorTable.
func (m DestructorMap) Destructor(slot uint32) (DestructorFunc, bool) {
	fn, ok := m[slot]
	return fn, ok
}

// ClosureState is the lifecycle state of a wrapped closure.
type ClosureState uint8

const (
	// ClosureArmed: only the host reference is held, nothing is running.
	ClosureArmed ClosureState = iota
	// ClosureActive: at least one invocation is on the call stack.
	ClosureActive
	// ClosureRetired: the destructor ran; the closure can no longer be called.
	ClosureRetired
)

func (s ClosureState) String() string {
	switch s {
	case ClosureArmed:
		return "armed"
	case ClosureActive:
		return "active"
	case ClosureRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Closure is a guest closure made callable by the host.
//
// refs starts at one for the host reference. Each invocation holds one more
// reference until it returns, so the environment is never destroyed while an
// invocation frame is live. While a call runs, contextA is zeroed so that a
// reentrant call observes that the environment is already borrowed.
type Closure struct {
	a       uint32
	b       uint32
	slot    uint32
	refs    int
	dropped bool
	retired bool
	invoke  InvokerFunc
	dtor    DestructorFunc
	onDone  func(*Closure)
}

// Call invokes the closure. The destructor runs after the body returns if
// this invocation released the last reference.
func (cl *Closure) Call(ctx context.Context, args ...uint64) (results []uint64, err error) {
	if cl.retired {
		return nil, ErrClosureRetired
	}

	cl.refs++
	a := cl.a
	cl.a = 0
	defer func() {
		cl.refs--
		if cl.refs == 0 {
			err = multierr.Append(err, cl.retire(ctx, a))
			return
		}
		cl.a = a
	}()

	return cl.invoke(ctx, a, cl.b, args...)
}

// Drop releases the host reference. It reports whether the destructor ran
// now; when an invocation is in flight, teardown is deferred to it.
func (cl *Closure) Drop(ctx context.Context) (bool, error) {
	if cl.dropped || cl.retired {
		panic(&DoubleDropError{State: cl.State()})
	}
	cl.dropped = true
	cl.refs--
	if cl.refs > 0 {
		return false, nil
	}
	a := cl.a
	cl.a = 0
	return true, cl.retire(ctx, a)
}

// Disown releases the host reference on behalf of the guest. When no
// invocation is live the closure retires without calling the destructor and
// Disown returns true: the guest frees the environment itself. Otherwise the
// live invocation tears it down through the destructor when it returns.
func (cl *Closure) Disown() bool {
	if cl.dropped || cl.retired {
		panic(&DoubleDropError{State: cl.State()})
	}
	cl.dropped = true
	cl.refs--
	if cl.refs > 0 {
		return false
	}
	cl.retired = true
	cl.a = 0
	if cl.onDone != nil {
		cl.onDone(cl)
	}
	return true
}

// State reports the lifecycle state.
func (cl *Closure) State() ClosureState {
	switch {
	case cl.retired:
		return ClosureRetired
	case cl.refs > 1, cl.dropped && cl.refs > 0:
		return ClosureActive
	default:
		return ClosureArmed
	}
}

// Refs returns the current reference count.
func (cl *Closure) Refs() int {
	return cl.refs
}

// Slot returns the destructor slot the closure was wrapped with.
func (cl *Closure) Slot() uint32 {
	return cl.slot
}

func (cl *Closure) retire(ctx context.Context, a uint32) error {
	cl.retired = true
	cl.a = 0
	if cl.onDone != nil {
		cl.onDone(cl)
	}
	return cl.dtor(ctx, a, cl.b)
}
