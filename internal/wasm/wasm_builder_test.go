package wasm

import "github.com/woxQAQ/wbridge/internal/wasmtest"

const (
	testClosureImport = wasmtest.ClosureImport
	testTrampoline    = wasmtest.Trampoline
	testDestructor    = wasmtest.Destructor
	testStackTop      = wasmtest.StackTop
)

func testGuest() []byte {
	return wasmtest.Guest()
}

// testBindings matches wasmtest.Guest.
func testBindings() *Bindings {
	return &Bindings{
		Destructors: map[uint32]string{testDestructor: "closure_dtor"},
		Closures: []ClosureBinding{{
			Import:     testClosureImport,
			Destructor: testDestructor,
			Invoke:     "closure_invoke",
			Args:       []ArgKind{ArgBorrowed},
		}},
	}
}
