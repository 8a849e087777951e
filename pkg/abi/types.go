package abi

// Shared ABI types for the module/host boundary.
// This package defines the constants both the bridge core and the wasm layer agree on.

// Handle identifies a host value without exposing the value itself.
type Handle uint32

const (
	// DefaultStackSize is the number of low handle slots used by the borrow stack.
	DefaultStackSize = 32

	// DefaultGrowBlock is the number of cells appended when the handle table is full.
	DefaultGrowBlock = 32

	// ReturnAreaSize is the number of bytes reserved on the guest shadow stack
	// for a fallible call's (result, failFlag) pair.
	ReturnAreaSize = 16
)

// Reserved handle offsets, relative to the first slot after the borrow stack.
const (
	ReservedUndefined = iota
	ReservedNull
	ReservedTrue
	ReservedFalse

	// ReservedCount is the number of permanent handles.
	ReservedCount
)

// ViewKind selects the element type of a typed memory view.
type ViewKind int

const (
	ViewUint8 ViewKind = iota + 1
	ViewInt32
	ViewUint32
	ViewFloat32
	ViewFloat64
)

// Width returns the element size in bytes.
func (k ViewKind) Width() int {
	switch k {
	case ViewUint8:
		return 1
	case ViewInt32, ViewUint32, ViewFloat32:
		return 4
	case ViewFloat64:
		return 8
	default:
		return 0
	}
}

func (k ViewKind) String() string {
	switch k {
	case ViewUint8:
		return "uint8"
	case ViewInt32:
		return "int32"
	case ViewUint32:
		return "uint32"
	case ViewFloat32:
		return "float32"
	case ViewFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Results of the boolean_get intrinsic.
const (
	BoolFalse  uint32 = 0
	BoolTrue   uint32 = 1
	BoolAbsent uint32 = 2
)

// HostModuleName is the import module guests use for bridge intrinsics.
const HostModuleName = "wbg"

// Guest exports the bridge consumes.
const (
	ExportMemory       = "memory"
	ExportMalloc       = "__wbindgen_malloc"
	ExportRealloc      = "__wbindgen_realloc"
	ExportFree         = "__wbindgen_free"
	ExportStackPointer = "__wbindgen_add_to_stack_pointer"
	ExportExnStore     = "__wbindgen_exn_store"
)

// Intrinsics exported to the guest under HostModuleName.
const (
	IntrinsicObjectDropRef  = "__wbindgen_object_drop_ref"
	IntrinsicObjectCloneRef = "__wbindgen_object_clone_ref"
	IntrinsicStringNew      = "__wbindgen_string_new"
	IntrinsicStringGet      = "__wbindgen_string_get"
	IntrinsicNumberNew      = "__wbindgen_number_new"
	IntrinsicNumberGet      = "__wbindgen_number_get"
	IntrinsicBooleanGet     = "__wbindgen_boolean_get"
	IntrinsicIsNull         = "__wbindgen_is_null"
	IntrinsicIsUndefined    = "__wbindgen_is_undefined"
	IntrinsicIsObject       = "__wbindgen_is_object"
	IntrinsicIsFunction     = "__wbindgen_is_function"
	IntrinsicIsString       = "__wbindgen_is_string"
	IntrinsicJSValEq        = "__wbindgen_jsval_eq"
	IntrinsicDebugString    = "__wbindgen_debug_string"
	IntrinsicThrow          = "__wbindgen_throw"
	IntrinsicRethrow        = "__wbindgen_rethrow"
	IntrinsicCbDrop         = "__wbindgen_cb_drop"
	IntrinsicMemory         = "__wbindgen_memory"
	IntrinsicExnTake        = "__wbindgen_exn_take"
	IntrinsicLogMessage     = "log_message"
)

// Intrinsics lists every intrinsic name in registration order.
func Intrinsics() []string {
	return []string{
		IntrinsicObjectDropRef,
		IntrinsicObjectCloneRef,
		IntrinsicStringNew,
		IntrinsicStringGet,
		IntrinsicNumberNew,
		IntrinsicNumberGet,
		IntrinsicBooleanGet,
		IntrinsicIsNull,
		IntrinsicIsUndefined,
		IntrinsicIsObject,
		IntrinsicIsFunction,
		IntrinsicIsString,
		IntrinsicJSValEq,
		IntrinsicDebugString,
		IntrinsicThrow,
		IntrinsicRethrow,
		IntrinsicCbDrop,
		IntrinsicMemory,
		IntrinsicExnTake,
		IntrinsicLogMessage,
	}
}
