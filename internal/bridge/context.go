package bridge

import (
	"context"
	"reflect"

	"github.com/woxQAQ/wbridge/pkg/abi"
	"go.uber.org/zap"
)

// Options configures a Context.
type Options struct {
	// StackSize is the number of borrow stack slots (default 32, minimum 2).
	StackSize int

	// GrowBlock is the number of handle cells added when the table is full.
	GrowBlock int

	// Destructors resolves closure destructor slots.
	Destructors DestructorTable

	// Logger receives lifecycle events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Context is the per-instance boundary state. It is created together with a
// guest instance and handed to every trampoline; nothing in this package is
// global.
//
// A Context is not safe for concurrent use.
type Context struct {
	heap        *HandleTable
	borrow      *BorrowStack
	views       *ViewCache
	strings     *StringCodec
	exceptions  *ExceptionSlot
	destructors DestructorTable
	closures    map[*Closure]struct{}
	logger      *zap.Logger
}

// New creates a Context over mem.
func New(mem LinearMemory, opts Options) *Context {
	if opts.StackSize < 2 {
		opts.StackSize = abi.DefaultStackSize
	}
	if opts.GrowBlock <= 0 {
		opts.GrowBlock = abi.DefaultGrowBlock
	}
	if opts.Destructors == nil {
		opts.Destructors = DestructorMap{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	heap := NewHandleTable(opts.StackSize, opts.GrowBlock)
	views := newViewCache(mem)
	return &Context{
		heap:        heap,
		borrow:      newBorrowStack(heap, opts.StackSize),
		views:       views,
		strings:     newStringCodec(views),
		exceptions:  &ExceptionSlot{},
		destructors: opts.Destructors,
		closures:    make(map[*Closure]struct{}),
		logger:      opts.Logger.With(zap.String("component", "bridge")),
	}
}

// Handles returns the handle table.
func (c *Context) Handles() *HandleTable { return c.heap }

// Borrows returns the borrow stack.
func (c *Context) Borrows() *BorrowStack { return c.borrow }

// Views returns the memory view cache.
func (c *Context) Views() *ViewCache { return c.views }

// Strings returns the string codec.
func (c *Context) Strings() *StringCodec { return c.strings }

// Exceptions returns the exception slot.
func (c *Context) Exceptions() *ExceptionSlot { return c.exceptions }

func (c *Context) Alloc(ref any) abi.Handle { return c.heap.Alloc(ref) }
func (c *Context) Deref(h abi.Handle) any   { return c.heap.Deref(h) }
func (c *Context) Take(h abi.Handle) any    { return c.heap.Take(h) }
func (c *Context) Free(h abi.Handle)        { c.heap.Free(h) }

func (c *Context) Acquire(ref any) abi.Handle { return c.borrow.Acquire(ref) }
func (c *Context) Release(h abi.Handle)       { c.borrow.Release(h) }

func (c *Context) View(kind abi.ViewKind) TypedView { return c.views.View(kind) }

// EncodeString writes s into guest memory. See StringCodec.Encode.
func (c *Context) EncodeString(s string, malloc MallocFunc, realloc ReallocFunc) (uint32, uint32, error) {
	return c.strings.Encode(s, malloc, realloc)
}

// DecodeString reads a UTF-8 string from guest memory.
func (c *Context) DecodeString(ptr, length uint32) (string, error) {
	return c.strings.Decode(ptr, length)
}

// Store places an exception handle in the slot.
func (c *Context) Store(h abi.Handle) { c.exceptions.Store(h) }

// TakeException reads and clears the exception slot.
func (c *Context) TakeException() abi.Handle { return c.exceptions.Take() }

// Wrap makes a guest closure callable from the host.
func (c *Context) Wrap(a, b, slot uint32, invoke InvokerFunc) (*Closure, error) {
	dtor, ok := c.destructors.Destructor(slot)
	if !ok {
		return nil, &UnknownDestructorError{Slot: slot}
	}

	cl := &Closure{
		a:      a,
		b:      b,
		slot:   slot,
		refs:   1,
		invoke: invoke,
		dtor:   dtor,
	}
	cl.onDone = c.forget
	c.closures[cl] = struct{}{}
	return cl, nil
}

// Drop releases the host reference to cl.
func (c *Context) Drop(ctx context.Context, cl *Closure) (bool, error) {
	return cl.Drop(ctx)
}

// Disown releases the host reference to cl for a guest-initiated drop.
func (c *Context) Disown(cl *Closure) bool {
	return cl.Disown()
}

// Catch runs fn and, if it fails, routes the error through the exception
// slot. It reports whether fn succeeded.
func (c *Context) Catch(fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	h := c.heap.Alloc(thrownValue(err))
	c.exceptions.Store(h)
	c.logger.Debug("Host exception stored",
		zap.Uint32("handle", uint32(h)),
		zap.Error(err),
	)
	return false
}

// LiveClosures returns the number of closures that have not been retired.
func (c *Context) LiveClosures() int {
	return len(c.closures)
}

// Close releases every host reference held by the context. Leaked handles
// and closures are reported; their guest environments die with the instance.
func (c *Context) Close() {
	if n := c.heap.Len(); n > 0 || len(c.closures) > 0 || c.borrow.Depth() > 0 {
		c.logger.Debug("Releasing bridge state",
			zap.Int("live_handles", n),
			zap.Int("live_closures", len(c.closures)),
			zap.Int("borrows", c.borrow.Depth()),
			zap.Bool("exception_pending", c.exceptions.Pending()),
		)
	}
	c.heap.Reset()
	c.borrow.reset()
	c.exceptions.Take()
	clear(c.closures)
	c.views.Invalidate()
}

func (c *Context) forget(cl *Closure) {
	delete(c.closures, cl)
	c.logger.Debug("Closure retired", zap.Uint32("destructor_slot", cl.slot))
}

// As resolves h and asserts its type. A mismatch is a caller contract
// violation and panics with *TypeMismatchError.
func As[T any](c *Context, h abi.Handle) T {
	v := c.heap.Deref(h)
	t, ok := v.(T)
	if !ok {
		panic(&TypeMismatchError{Handle: h, Want: reflect.TypeFor[T]().String(), Got: TypeName(v)})
	}
	return t
}
