// Package bridge is the boundary runtime between a guest's linear memory and
// host values.
//
// Host values never cross the boundary. The guest sees small integer handles
// into a per-instance HandleTable, borrowed handles from the BorrowStack for
// call-scoped arguments, UTF-8 bytes written by the StringCodec, and typed
// windows over its memory from the ViewCache. Guest closures become host
// callables through Context.Wrap, and failures travel back to the guest
// through the single-slot ExceptionSlot.
//
// Contract violations (use of a released handle, borrow stack overflow, a
// type assertion on a handle that fails) panic with typed errors. When the
// panic happens inside a host function, wazero turns it into an error from
// the guest call, and errors.As recovers the typed value. Host exceptions are
// ordinary errors of type *HostException.
//
// Everything here is single threaded: only the frame currently executing on
// the boundary touches the Context.
package bridge
