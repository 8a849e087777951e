package binding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/wasmtest"
	"github.com/woxQAQ/wbridge/pkg/abi"
)

const demoManifest = `
name: demo
version: 0.1.0
wasm:
  file: demo.wasm
destructors:
  13: closure_dtor
closures:
  - import: __wbindgen_closure_wrapper7
    destructor: 13
    invoke: closure_invoke
    args: [borrowed]
entry_points:
  - name: fail
    fallible: true
    args: [owned]
  - name: make
    export: make_closure
    args: [raw, raw]
    returns: handle
  - name: shout
    export: checked
    args: [owned]
    returns: handle
author: wbridge
license: MIT
`

// writeBinding creates root/dir with a manifest and, unless wasm is nil, the
// wasm file it names.
func writeBinding(t *testing.T, root, dir, manifest string, wasm []byte) string {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if wasm != nil {
		if err := os.WriteFile(filepath.Join(path, "demo.wasm"), wasm, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

// writeDemo writes a loadable binding named name.
func writeDemo(t *testing.T, root, name string) string {
	t.Helper()
	manifest := strings.Replace(demoManifest, "name: demo", "name: "+name, 1)
	return writeBinding(t, root, name, manifest, wasmtest.Guest())
}

// shout is the trampoline the test guest imports: it upper-cases strings.
func shout() trampoline.Import {
	return trampoline.Import{
		Name:    wasmtest.Trampoline,
		Params:  []api.ValueType{api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
		Catch:   true,
		Fn: func(ctx context.Context, s trampoline.Surface, stack []uint64) error {
			v, ok := s.Deref(abi.Handle(api.DecodeU32(stack[0]))).(string)
			if !ok {
				return fmt.Errorf("not a string")
			}
			stack[0] = api.EncodeU32(uint32(s.Alloc(strings.ToUpper(v))))
			return nil
		},
	}
}
