package bridge

import "github.com/woxQAQ/wbridge/pkg/abi"

// BorrowStack hands out the low handle slots for call-scoped references.
// Slots are used from size-1 down to 1; slot 0 is never handed out so that
// handle 0 keeps meaning "nothing".
type BorrowStack struct {
	table *HandleTable
	top   abi.Handle
	size  abi.Handle
}

func newBorrowStack(table *HandleTable, size int) *BorrowStack {
	return &BorrowStack{
		table: table,
		top:   abi.Handle(size),
		size:  abi.Handle(size),
	}
}

// Acquire pushes ref and returns its borrowed handle.
func (s *BorrowStack) Acquire(ref any) abi.Handle {
	if s.top <= 1 {
		panic(&CapacityExceededError{Capacity: s.Capacity()})
	}
	s.top--
	s.table.cells[s.top] = cell{ref: ref, live: true}
	return s.top
}

// Release pops the top of the stack, which must be h.
func (s *BorrowStack) Release(h abi.Handle) {
	if s.top == s.size || h != s.top {
		panic(&BorrowOrderError{Top: s.top, Released: h})
	}
	s.table.cells[s.top] = cell{}
	s.top++
}

// Scoped borrows ref for the duration of fn. The slot is released on every
// exit path, including a panic in fn.
func (s *BorrowStack) Scoped(ref any, fn func(h abi.Handle)) {
	h := s.Acquire(ref)
	defer s.Release(h)
	fn(h)
}

// reset drops every outstanding borrow.
func (s *BorrowStack) reset() {
	clear(s.table.cells[s.top:s.size])
	s.top = s.size
}

// Depth returns the number of outstanding borrows.
func (s *BorrowStack) Depth() int {
	return int(s.size - s.top)
}

// Capacity returns the maximum number of simultaneous borrows.
func (s *BorrowStack) Capacity() int {
	return int(s.size) - 1
}
