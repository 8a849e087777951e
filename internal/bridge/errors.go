package bridge

import (
	"errors"
	"fmt"

	"github.com/woxQAQ/wbridge/pkg/abi"
)

// ErrClosureRetired is returned when a closure is invoked after its destructor ran.
var ErrClosureRetired = errors.New("closure invoked after it was destroyed")

// UseAfterFreeError is raised when a handle is used after it was released.
// It is a caller contract violation and is delivered by panic.
type UseAfterFreeError struct {
	Handle abi.Handle
	Op     string
}

func (e *UseAfterFreeError) Error() string {
	return fmt.Sprintf("use of released handle %d (op=%s)", e.Handle, e.Op)
}

// TypeMismatchError is raised when a value resolved through a handle fails
// an expected-type check.
type TypeMismatchError struct {
	Handle abi.Handle
	Want   string
	Got    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("handle %d: expected %s, got %s", e.Handle, e.Want, e.Got)
}

// EncodingError occurs when guest bytes are not valid UTF-8.
type EncodingError struct {
	Ptr    uint32
	Length uint32
	Offset int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid utf-8 at byte %d of string (ptr=%d, len=%d)", e.Offset, e.Ptr, e.Length)
}

// CapacityExceededError is raised when the borrow stack overflows.
type CapacityExceededError struct {
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("borrow stack exhausted (capacity %d)", e.Capacity)
}

// BorrowOrderError is raised when a borrow is released out of LIFO order.
type BorrowOrderError struct {
	Top      abi.Handle
	Released abi.Handle
}

func (e *BorrowOrderError) Error() string {
	return fmt.Sprintf("borrow released out of order: top is %d, released %d", e.Top, e.Released)
}

// ExceptionOverwriteError is raised when a pending exception would be lost.
type ExceptionOverwriteError struct {
	Pending  abi.Handle
	Incoming abi.Handle
}

func (e *ExceptionOverwriteError) Error() string {
	return fmt.Sprintf("exception slot holds unread handle %d, refusing to store %d", e.Pending, e.Incoming)
}

// OutOfBoundsError occurs when a pointer/length pair leaves linear memory.
type OutOfBoundsError struct {
	Ptr    uint32
	Length uint32
	Size   int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("region [%d, %d) is outside linear memory of %d bytes",
		e.Ptr, uint64(e.Ptr)+uint64(e.Length), e.Size)
}

// UnknownDestructorError occurs when a closure names a destructor slot the
// guest never exported.
type UnknownDestructorError struct {
	Slot uint32
}

func (e *UnknownDestructorError) Error() string {
	return fmt.Sprintf("no destructor registered for slot %d", e.Slot)
}

// DoubleDropError is raised when the host reference of a closure is dropped twice.
type DoubleDropError struct {
	State ClosureState
}

func (e *DoubleDropError) Error() string {
	return fmt.Sprintf("closure dropped twice (state %s)", e.State)
}

// HostException carries a value thrown across the boundary. It is the only
// failure kind that is ordinary control flow.
type HostException struct {
	Value any
}

func (e *HostException) Error() string {
	return "host exception: " + DebugString(e.Value)
}

func (e *HostException) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// thrownValue returns the host value to route through the exception slot.
func thrownValue(err error) any {
	var exc *HostException
	if errors.As(err, &exc) {
		return exc.Value
	}
	return err
}
