// Package wasmtest assembles small wasm-bindgen shaped guest modules for
// tests. Function bodies are raw opcode bytes; the encoder adds section
// headers, sizes, and the final end opcode.
package wasmtest

// Value types.
const (
	I32 byte = 0x7f
	F64 byte = 0x7c
)

type FuncType struct {
	Params, Results []byte
}

// Import is a function imported from the wbg module.
type Import struct {
	Name string
	Type int
}

type Func struct {
	Export string
	Type   int
	Body   []byte
}

// Global is a mutable i32 global. An empty Export keeps it private.
type Global struct {
	Export string
	Init   int32
}

type Module struct {
	Types   []FuncType
	Imports []Import
	Funcs   []Func
	Globals []Global
	Pages   uint32
	Memory  bool
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := append([]byte{id}, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	for _, t := range m.Types {
		entry := []byte{0x60}
		entry = append(entry, uleb(uint32(len(t.Params)))...)
		entry = append(entry, t.Params...)
		entry = append(entry, uleb(uint32(len(t.Results)))...)
		entry = append(entry, t.Results...)
		types = append(types, entry)
	}
	out = append(out, section(1, vec(types))...)

	if len(m.Imports) > 0 {
		var imports [][]byte
		for _, imp := range m.Imports {
			entry := append(name("wbg"), name(imp.Name)...)
			entry = append(entry, 0x00)
			entry = append(entry, uleb(uint32(imp.Type))...)
			imports = append(imports, entry)
		}
		out = append(out, section(2, vec(imports))...)
	}

	var funcs [][]byte
	for _, f := range m.Funcs {
		funcs = append(funcs, uleb(uint32(f.Type)))
	}
	out = append(out, section(3, vec(funcs))...)

	if m.Memory {
		out = append(out, section(5, vec([][]byte{append([]byte{0x00}, uleb(m.Pages)...)}))...)
	}

	if len(m.Globals) > 0 {
		var globals [][]byte
		for _, g := range m.Globals {
			entry := []byte{I32, 0x01, 0x41}
			entry = append(entry, sleb(g.Init)...)
			entry = append(entry, 0x0b)
			globals = append(globals, entry)
		}
		out = append(out, section(6, vec(globals))...)
	}

	var exports [][]byte
	if m.Memory {
		exports = append(exports, append(name("memory"), 0x02, 0x00))
	}
	for i, f := range m.Funcs {
		if f.Export != "" {
			entry := append(name(f.Export), 0x00)
			exports = append(exports, append(entry, uleb(uint32(len(m.Imports)+i))...))
		}
	}
	for i, g := range m.Globals {
		if g.Export != "" {
			entry := append(name(g.Export), 0x03)
			exports = append(exports, append(entry, uleb(uint32(i))...))
		}
	}
	out = append(out, section(7, vec(exports))...)

	var bodies [][]byte
	for _, f := range m.Funcs {
		body := []byte{0x00} // no locals
		body = append(body, f.Body...)
		body = append(body, 0x0b)
		bodies = append(bodies, append(uleb(uint32(len(body))), body...))
	}
	out = append(out, section(10, vec(bodies))...)

	return out
}

// Opcodes.
func LocalGet(i uint32) []byte  { return append([]byte{0x20}, uleb(i)...) }
func GlobalGet(i uint32) []byte { return append([]byte{0x23}, uleb(i)...) }
func GlobalSet(i uint32) []byte { return append([]byte{0x24}, uleb(i)...) }
func I32Const(v int32) []byte   { return append([]byte{0x41}, sleb(v)...) }
func Call(i uint32) []byte      { return append([]byte{0x10}, uleb(i)...) }
func I32Store(offset uint32) []byte {
	return append([]byte{0x36, 0x02}, uleb(offset)...)
}

var (
	I32Add     = []byte{0x6a}
	MemoryGrow = []byte{0x40, 0x00}
	Spin       = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b} // loop br 0 end
)

func Ops(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Fixtures of the guest built by Guest.
const (
	ClosureImport = "__wbindgen_closure_wrapper7"
	Trampoline    = "__wbg_checked"
	Destructor    = uint32(13)
	StackTop      = 65536
	HeapBase      = 1024
)

// Function indices of Guest's imports.
const (
	impStringNew uint32 = iota
	impThrow
	impClosureWrapper
	impCbDrop
	impStringGet
	impExnTake
	impDropRef
	impChecked
	impNumberGet
	impDebugString
)

// Global indices of Guest.
const (
	gHeapTop uint32 = iota
	gStackPointer
	gDtorCount
	gLastA
	gLastB
	gLastArg
)

// Guest builds a guest with a bump allocator, a shadow stack, fallible
// exports, closure shims, and thin exports that forward to host intrinsics
// so tests can drive them. It imports the Trampoline function, which the
// host must register as (i32) -> i32.
//
// Exported globals dtor_count, last_a, last_b and last_arg record what the
// closure destructor and invoke shim observed.
func Guest() []byte {
	types := []FuncType{
		{[]byte{I32, I32}, []byte{I32}},      // 0
		{[]byte{I32, I32}, nil},              // 1
		{[]byte{I32, I32, I32}, []byte{I32}}, // 2
		{[]byte{I32}, []byte{I32}},           // 3
		{nil, []byte{I32}},                   // 4
		{[]byte{I32}, nil},                   // 5
		{[]byte{I32, I32, I32}, nil},         // 6
		{nil, nil},                           // 7
	}

	m := &Module{
		Types:  types,
		Memory: true,
		Pages:  1,
		Imports: []Import{
			{"__wbindgen_string_new", 0},
			{"__wbindgen_throw", 1},
			{ClosureImport, 2},
			{"__wbindgen_cb_drop", 3},
			{"__wbindgen_string_get", 1},
			{"__wbindgen_exn_take", 4},
			{"__wbindgen_object_drop_ref", 5},
			{Trampoline, 3},
			{"__wbindgen_number_get", 1},
			{"__wbindgen_debug_string", 1},
		},
		Globals: []Global{
			{"", HeapBase},
			{"", StackTop},
			{"dtor_count", 0},
			{"last_a", 0},
			{"last_b", 0},
			{"last_arg", 0},
		},
	}

	m.Funcs = []Func{
		// malloc(size): bump allocate from the heap top.
		{"__wbindgen_malloc", 3, Ops(GlobalGet(gHeapTop), GlobalGet(gHeapTop), LocalGet(0), I32Add, GlobalSet(gHeapTop))},
		// realloc(ptr, old, new): resize in place, the block is always the last one.
		{"__wbindgen_realloc", 2, Ops(LocalGet(0), LocalGet(2), I32Add, GlobalSet(gHeapTop), LocalGet(0))},
		{"__wbindgen_add_to_stack_pointer", 3, Ops(GlobalGet(gStackPointer), LocalGet(0), I32Add, GlobalSet(gStackPointer), GlobalGet(gStackPointer))},
		{"roundtrip", 0, Ops(LocalGet(0), LocalGet(1), Call(impStringNew))},
		// fail(retptr, h): (h, 1)
		{"fail", 1, Ops(LocalGet(0), LocalGet(1), I32Store(0), LocalGet(0), I32Const(1), I32Store(4))},
		// succeed(retptr, v): (v, 0)
		{"succeed", 1, Ops(LocalGet(0), LocalGet(1), I32Store(0), LocalGet(0), I32Const(0), I32Store(4))},
		{"throw_msg", 1, Ops(LocalGet(0), LocalGet(1), Call(impThrow))},
		{"make_closure", 0, Ops(LocalGet(0), LocalGet(1), I32Const(0), Call(impClosureWrapper))},
		{"drop_closure", 3, Ops(LocalGet(0), Call(impCbDrop))},
		// dtor(a, b): count calls and record the pair.
		{"closure_dtor", 1, Ops(GlobalGet(gDtorCount), I32Const(1), I32Add, GlobalSet(gDtorCount),
			LocalGet(0), GlobalSet(gLastA), LocalGet(1), GlobalSet(gLastB))},
		// invoke(a, b, arg): record everything.
		{"closure_invoke", 6, Ops(LocalGet(0), GlobalSet(gLastA), LocalGet(1), GlobalSet(gLastB), LocalGet(2), GlobalSet(gLastArg))},
		{"string_get", 1, Ops(LocalGet(0), LocalGet(1), Call(impStringGet))},
		{"exn_take", 4, Call(impExnTake)},
		{"drop_ref", 5, Ops(LocalGet(0), Call(impDropRef))},
		{"checked", 3, Ops(LocalGet(0), Call(impChecked))},
		{"grow", 3, Ops(LocalGet(0), MemoryGrow)},
		{"spin", 7, Spin},
		{"number_get", 1, Ops(LocalGet(0), LocalGet(1), Call(impNumberGet))},
		{"debug_string", 1, Ops(LocalGet(0), LocalGet(1), Call(impDebugString))},
	}

	return m.Bytes()
}

// ConsoleGuest builds a guest importing the three console services under
// the given names. It exports log(ptr, len), new_error() handle and
// stack(retptr, handle), each forwarding to its import, plus an allocator,
// a no-op free and a shadow stack.
func ConsoleGuest(consoleError, errorNew, errorStack string) []byte {
	m := &Module{
		Types: []FuncType{
			{[]byte{I32, I32}, nil},              // 0
			{nil, []byte{I32}},                   // 1
			{[]byte{I32}, []byte{I32}},           // 2
			{[]byte{I32, I32, I32}, []byte{I32}}, // 3
		},
		Memory: true,
		Pages:  1,
		Imports: []Import{
			{consoleError, 0},
			{errorNew, 1},
			{errorStack, 0},
		},
		Globals: []Global{
			{"", HeapBase},
			{"", StackTop},
		},
	}

	m.Funcs = []Func{
		{"__wbindgen_malloc", 2, Ops(GlobalGet(0), GlobalGet(0), LocalGet(0), I32Add, GlobalSet(0))},
		{"__wbindgen_realloc", 3, Ops(LocalGet(0), LocalGet(2), I32Add, GlobalSet(0), LocalGet(0))},
		{"__wbindgen_free", 0, nil},
		{"__wbindgen_add_to_stack_pointer", 2, Ops(GlobalGet(1), LocalGet(0), I32Add, GlobalSet(1), GlobalGet(1))},
		{"log", 0, Ops(LocalGet(0), LocalGet(1), Call(0))},
		{"new_error", 1, Call(1)},
		{"stack", 0, Ops(LocalGet(0), LocalGet(1), Call(2))},
	}

	return m.Bytes()
}
