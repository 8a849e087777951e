//go:build !wasm

package trampoline

import (
	"context"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/wbridge/internal/bridge"
	"github.com/woxQAQ/wbridge/pkg/abi"
)

// Core is the boundary state every trampoline works through. It is
// implemented by *bridge.Context.
type Core interface {
	// Handles
	Alloc(ref any) abi.Handle
	Deref(h abi.Handle) any
	Take(h abi.Handle) any
	Free(h abi.Handle)

	// Borrowed, call-scoped references
	Acquire(ref any) abi.Handle
	Release(h abi.Handle)

	// Linear memory
	View(kind abi.ViewKind) bridge.TypedView
	DecodeString(ptr, length uint32) (string, error)

	// Exceptions
	Store(h abi.Handle)
	TakeException() abi.Handle
	Catch(fn func() error) bool

	// Closures
	Wrap(a, b, slot uint32, invoke bridge.InvokerFunc) (*bridge.Closure, error)
	Drop(ctx context.Context, cl *bridge.Closure) (bool, error)
}

// Surface is Core plus the operations that need the guest allocator or the
// guest's closure shims. It is implemented by a running instance.
type Surface interface {
	Core

	// PassString copies s into guest memory and returns its pointer and length.
	PassString(ctx context.Context, s string) (ptr, length uint32, err error)

	// FreeBytes returns a guest-owned buffer to the guest allocator.
	FreeBytes(ctx context.Context, ptr, length uint32) error

	// Invoke calls a wrapped guest closure with host arguments.
	Invoke(ctx context.Context, cl *bridge.Closure, args ...any) ([]uint64, error)
}

// Func implements one guest import. Parameters arrive in stack and results
// are written back to it, as with api.GoModuleFunc.
type Func func(ctx context.Context, s Surface, stack []uint64) error

// Import is an extra function exported to guests under the wbg module.
type Import struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType

	// Catch routes a failure through the exception slot instead of aborting
	// the guest call. Results are left zeroed.
	Catch bool

	Fn Func
}

// Validate checks that the import can be registered next to the built-in
// intrinsics.
func (i *Import) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("import name is required")
	}
	if i.Fn == nil {
		return fmt.Errorf("import %s: function is required", i.Name)
	}
	if slices.Contains(abi.Intrinsics(), i.Name) {
		return fmt.Errorf("import %s: name is reserved for a built-in intrinsic", i.Name)
	}
	return nil
}

// Stack size needed to hold both parameters and results.
func (i *Import) StackSize() int {
	return max(len(i.Params), len(i.Results))
}
