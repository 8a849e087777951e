package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/config"
	"github.com/woxQAQ/wbridge/internal/wasmtest"
	"github.com/woxQAQ/wbridge/pkg/abi"
	"go.uber.org/zap"
)

const demoManifest = `
name: demo
version: 0.1.0
wasm:
  file: guest.wasm
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
  - name: succeed
    fallible: true
    args: [raw]
    returns: raw
  - name: shout
    export: checked
    args: [owned]
    returns: handle
`

const consoleManifest = `
name: console
version: 0.1.0
wasm:
  file: guest.wasm
imports:
  console_error: __wbg_error_f851667af71bcfc6
  error_new: __wbg_new_abda76e883ba8a5f
  error_stack: __wbg_stack_658279fe44541cf6
`

func writeBinding(t *testing.T, root, name, manifest string, wasm []byte) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "guest.wasm"), wasm, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func consoleGuest() []byte {
	return wasmtest.ConsoleGuest(
		"__wbg_error_f851667af71bcfc6",
		"__wbg_new_abda76e883ba8a5f",
		"__wbg_stack_658279fe44541cf6",
	)
}

func newServer(t *testing.T, logger *zap.Logger, paths ...string) *Server {
	t.Helper()
	cfg, err := config.LoadServerConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.BindingPaths = paths

	srv, err := NewServer(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	t.Cleanup(func() { srv.Close(context.Background()) })
	return srv
}

// shout is the application trampoline the demo guest imports.
func shout() trampoline.Import {
	return trampoline.Import{
		Name:    wasmtest.Trampoline,
		Params:  []api.ValueType{api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
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
