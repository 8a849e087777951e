//go:build wasm

package trampoline

// Guest-side contract.
//
// A guest module links against the "wbg" host module and must export:
//
//	memory                                   linear memory
//	__wbindgen_malloc(size) ptr              allocator
//	__wbindgen_realloc(ptr, old, new) ptr    resize, may move
//
// Optional exports:
//
//	__wbindgen_free(ptr, len)                release a host-passed buffer
//	__wbindgen_add_to_stack_pointer(delta)   shadow stack, needed for fallible calls
//	__wbindgen_exn_store(handle)             receives caught host failures
//
// Fallible entry points take a return area pointer as their first parameter
// and write (value, failed) as two i32 words there. Closure destructors and
// invoke shims are exported under the names listed in the binding manifest.
//
// Pointers and lengths are uint32 because wasm32 linear memory is addressed
// with 32-bit integers.
