package bridge

import "github.com/woxQAQ/wbridge/pkg/abi"

// EmptyException is what Take returns when no exception is pending.
const EmptyException abi.Handle = 0

// ExceptionSlot carries one thrown value across a call that returns only
// machine words. A stored handle is read exactly once.
type ExceptionSlot struct {
	handle abi.Handle
	full   bool
}

// Store places h in the slot. Overwriting an unread value would silently drop
// an exception, so it panics.
func (s *ExceptionSlot) Store(h abi.Handle) {
	if s.full {
		panic(&ExceptionOverwriteError{Pending: s.handle, Incoming: h})
	}
	s.handle = h
	s.full = true
}

// Take returns the pending handle and clears the slot.
func (s *ExceptionSlot) Take() abi.Handle {
	if !s.full {
		return EmptyException
	}
	h := s.handle
	s.handle = EmptyException
	s.full = false
	return h
}

// Pending reports whether a stored handle has not been read yet.
func (s *ExceptionSlot) Pending() bool {
	return s.full
}
