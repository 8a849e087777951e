package bridge

import (
	"testing"

	"github.com/woxQAQ/wbridge/pkg/abi"
)

func TestBorrowStackLIFO(t *testing.T) {
	c, _ := newTestContext(t, 64)
	stack := c.Borrows()

	first := stack.Acquire("first")
	second := stack.Acquire("second")

	if first != abi.DefaultStackSize-1 || second != abi.DefaultStackSize-2 {
		t.Fatalf("unexpected borrow handles %d, %d", first, second)
	}
	if stack.Depth() != 2 {
		t.Errorf("Depth() = %d, want 2", stack.Depth())
	}
	if got := c.Deref(second); got != "second" {
		t.Errorf("Deref(second) = %v", got)
	}

	stack.Release(second)
	stack.Release(first)

	if stack.Depth() != 0 {
		t.Errorf("Depth() = %d after release", stack.Depth())
	}
	mustPanic[*UseAfterFreeError](t, func() { c.Deref(first) })
}

func TestBorrowStackDoesNotTouchHeap(t *testing.T) {
	c, _ := newTestContext(t, 64)

	h := c.Acquire("arg")
	c.Free(h)
	if got := c.Deref(h); got != "arg" {
		t.Errorf("Free on a borrowed handle must be a no-op, got %v", got)
	}
	c.Release(h)

	if c.Handles().Len() != 0 {
		t.Errorf("borrows leaked into the heap: Len() = %d", c.Handles().Len())
	}
}

func TestBorrowStackCapacity(t *testing.T) {
	c, _ := newTestContext(t, 64)
	stack := c.Borrows()

	if stack.Capacity() != abi.DefaultStackSize-1 {
		t.Fatalf("Capacity() = %d", stack.Capacity())
	}

	var last abi.Handle
	for i := 0; i < stack.Capacity(); i++ {
		last = stack.Acquire(i)
	}
	if last != 1 {
		t.Errorf("last borrow = %d, want 1", last)
	}

	err := mustPanic[*CapacityExceededError](t, func() { stack.Acquire("overflow") })
	if err.Capacity != abi.DefaultStackSize-1 {
		t.Errorf("Capacity in error = %d", err.Capacity)
	}
}

func TestBorrowStackOutOfOrderRelease(t *testing.T) {
	c, _ := newTestContext(t, 64)
	stack := c.Borrows()

	a := stack.Acquire("a")
	b := stack.Acquire("b")

	err := mustPanic[*BorrowOrderError](t, func() { stack.Release(a) })
	if err.Top != b || err.Released != a {
		t.Errorf("unexpected error %+v", err)
	}

	stack.Release(b)
	stack.Release(a)
	mustPanic[*BorrowOrderError](t, func() { stack.Release(a) })
}

func TestBorrowStackScopedReleasesOnPanic(t *testing.T) {
	c, _ := newTestContext(t, 64)
	stack := c.Borrows()

	func() {
		defer func() { _ = recover() }()
		stack.Scoped("arg", func(h abi.Handle) {
			panic("boom")
		})
	}()

	if stack.Depth() != 0 {
		t.Errorf("Depth() = %d, scoped borrow leaked", stack.Depth())
	}
}

func TestBorrowStackCustomSize(t *testing.T) {
	c := New(newFakeMemory(64), Options{StackSize: 4})

	if c.Borrows().Capacity() != 3 {
		t.Errorf("Capacity() = %d, want 3", c.Borrows().Capacity())
	}
	if c.Handles().Undefined() != 4 {
		t.Errorf("reserved region should follow the stack, Undefined() = %d", c.Handles().Undefined())
	}
}
