package wasm

import (
	"context"

	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/bridge"
	"github.com/woxQAQ/wbridge/pkg/abi"
)

var _ trampoline.Surface = (*Instance)(nil)

func (i *Instance) Alloc(ref any) abi.Handle   { return i.bridge.Alloc(ref) }
func (i *Instance) Deref(h abi.Handle) any     { return i.bridge.Deref(h) }
func (i *Instance) Take(h abi.Handle) any      { return i.bridge.Take(h) }
func (i *Instance) Free(h abi.Handle)          { i.bridge.Free(h) }
func (i *Instance) Acquire(ref any) abi.Handle { return i.bridge.Acquire(ref) }
func (i *Instance) Release(h abi.Handle)       { i.bridge.Release(h) }

func (i *Instance) View(kind abi.ViewKind) bridge.TypedView {
	return i.bridge.View(kind)
}

func (i *Instance) DecodeString(ptr, length uint32) (string, error) {
	return i.bridge.DecodeString(ptr, length)
}

func (i *Instance) Store(h abi.Handle)        { i.bridge.Store(h) }
func (i *Instance) TakeException() abi.Handle { return i.bridge.TakeException() }

// Catch runs fn and leaves a failure in the exception slot, where the guest
// reads it with __wbindgen_exn_take.
func (i *Instance) Catch(fn func() error) bool {
	return i.bridge.Catch(fn)
}

// Wrap makes a guest closure callable from the host. invoke calls the
// guest body; the destructor comes from the binding's destructor table.
func (i *Instance) Wrap(a, b, slot uint32, invoke bridge.InvokerFunc) (*bridge.Closure, error) {
	return i.bridge.Wrap(a, b, slot, invoke)
}

// Drop releases the host reference to a wrapped closure, running the guest
// destructor unless an invocation is still live.
func (i *Instance) Drop(ctx context.Context, cl *bridge.Closure) (bool, error) {
	return i.bridge.Drop(ctx, cl)
}
