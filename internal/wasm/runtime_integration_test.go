package wasm

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"

	"github.com/woxQAQ/wbridge/pkg/abi"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// TestLoadModuleFromMemory tests loading a minimal Wasm module from memory.
func TestLoadModuleFromMemory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)

	// Minimal valid Wasm module (empty module that does nothing).
	// This is a valid Wasm 1.0 module with no exports.
	wasmBytes := []byte{
		0x00, 0x61, 0x73, 0x6d, // Magic number: \0asm
		0x01, 0x00, 0x00, 0x00, // Version: 1
	}

	module, err := loader.LoadModuleFromMemory(ctx, "test-module", wasmBytes)
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}

	if module == nil {
		t.Fatal("Module is nil")
	}

	if module.Name != "test-module" {
		t.Errorf("Module name = %s, want 'test-module'", module.Name)
	}

	// Test caching - load again should hit cache.
	module2, err := loader.LoadModuleFromMemory(ctx, "test-module", wasmBytes)
	if err != nil {
		t.Fatalf("Failed to load module from cache: %v", err)
	}

	if module2 != module {
		t.Error("Cache should return the same module instance")
	}
}

// TestModuleLoaderFileSource tests the FileModuleSource.
func TestModuleLoaderFileSource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)

	// Create a temporary Wasm file.
	tmpDir := t.TempDir()
	wasmFile := tmpDir + "/test.wasm"

	// Write minimal Wasm module.
	wasmBytes := []byte{
		0x00, 0x61, 0x73, 0x6d, // Magic number
		0x01, 0x00, 0x00, 0x00, // Version
	}

	// Write the file
	if err := os.WriteFile(wasmFile, wasmBytes, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	// Load from file.
	_, err = loader.LoadModuleFromFile(ctx, wasmFile)
	if err != nil {
		t.Fatalf("Failed to load module from file: %v", err)
	}
}

// TestModuleMetadata checks the wbg imports and exports recorded at compile time.
func TestModuleMetadata(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	module, err := NewModuleLoader(runtime, logger).LoadModuleFromMemory(ctx, "guest", testGuest())
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}

	if !slices.Contains(module.HostImports, testClosureImport) || !slices.Contains(module.HostImports, testTrampoline) {
		t.Errorf("HostImports = %v", module.HostImports)
	}
	if !slices.IsSorted(module.Exports) {
		t.Errorf("Exports not sorted: %v", module.Exports)
	}
	for _, name := range []string{abi.ExportMalloc, abi.ExportStackPointer, "closure_invoke"} {
		if !module.HasExport(name) {
			t.Errorf("HasExport(%s) = false", name)
		}
	}
	if module.HasExport(abi.ExportFree) {
		t.Error("test guest does not export free")
	}
}

// TestHostFunctions tests host function creation.
func TestHostFunctions(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	hostFuncs := NewHostFunctions(runtime, logger)
	if hostFuncs == nil {
		t.Fatal("HostFunctionsImpl is nil")
	}

	if hostFuncs.logger == nil {
		t.Error("Logger not initialized")
	}
}

// TestMemoryHelpers tests memory helper functions.
func TestMemoryHelpers(t *testing.T) {
	inst := newTestInstance(t)
	mem := inst.Memory()

	if mem.Size() != 65536 {
		t.Errorf("Size() = %d, want one page", mem.Size())
	}

	buf := mem.Buffer()
	copy(buf[100:], "hello\x00world")

	data, ok := mem.ReadBytes(106, 5)
	if !ok || string(data) != "world" {
		t.Errorf("ReadBytes = %q, %v", data, ok)
	}
	data[0] = 'W'
	if buf[106] != 'w' {
		t.Error("ReadBytes must return a copy")
	}
	if _, ok := mem.ReadBytes(65535, 2); ok {
		t.Error("ReadBytes out of range should fail")
	}
}

// TestLogMessage tests the log_message host function.
func TestLogMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	inst := env.instantiate(t)
	core, logs := observer.New(zapcore.DebugLevel)
	hostFuncs := NewHostFunctions(env.runtime, zap.New(core))

	copy(inst.Memory().Buffer()[200:], "disk almost full")
	hostFuncs.logMessage(context.Background(), inst.module, 2, 200, 16)

	entries := logs.FilterMessage("disk almost full").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("got %v, want one warn entry", entries)
	}

	// Out of range: reported, not fatal.
	hostFuncs.logMessage(context.Background(), inst.module, 1, 65530, 64)
	if logs.FilterMessage("Failed to read log message from Wasm memory").Len() != 1 {
		t.Error("out of range message was not reported")
	}
}

// TestWordHelpers tests aligned word access through the bridge views.
func TestWordHelpers(t *testing.T) {
	inst := newTestInstance(t)
	views := inst.Bridge().Views()

	if err := putWords(views, 64, 7, 0xffffffff); err != nil {
		t.Fatalf("putWords failed: %v", err)
	}
	words, err := getWords(views, 64, 2)
	if err != nil {
		t.Fatalf("getWords failed: %v", err)
	}
	if words[0] != 7 || words[1] != 0xffffffff {
		t.Errorf("words = %v", words)
	}

	var accessErr *MemoryAccessError
	if err := putWords(views, 66, 1); !errors.As(err, &accessErr) {
		t.Errorf("unaligned write: expected MemoryAccessError, got %v", err)
	}
	if _, err := getWords(views, 65532, 2); !errors.As(err, &accessErr) {
		t.Errorf("read past the end: expected MemoryAccessError, got %v", err)
	}
	if err := putFloat64(views, 68, 1.5); !errors.As(err, &accessErr) {
		t.Errorf("unaligned float: expected MemoryAccessError, got %v", err)
	}
}
