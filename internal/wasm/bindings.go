package wasm

import (
	"fmt"
	"slices"

	"github.com/woxQAQ/wbridge/pkg/abi"
)

// ArgKind says how a host argument is handed to a closure invoke shim.
type ArgKind string

const (
	// ArgRaw passes the value through as a machine word.
	ArgRaw ArgKind = "raw"
	// ArgBorrowed passes a borrow stack handle released after the call.
	ArgBorrowed ArgKind = "borrowed"
	// ArgOwned passes a heap handle the guest takes ownership of.
	ArgOwned ArgKind = "owned"
)

// ExportNames names the guest exports the bridge calls.
type ExportNames struct {
	Memory       string `yaml:"memory"`
	Malloc       string `yaml:"malloc"`
	Realloc      string `yaml:"realloc"`
	Free         string `yaml:"free"`
	StackPointer string `yaml:"stack_pointer"`
	ExnStore     string `yaml:"exn_store"`
}

// DefaultExportNames returns the wasm-bindgen export names.
func DefaultExportNames() ExportNames {
	return ExportNames{
		Memory:       abi.ExportMemory,
		Malloc:       abi.ExportMalloc,
		Realloc:      abi.ExportRealloc,
		Free:         abi.ExportFree,
		StackPointer: abi.ExportStackPointer,
		ExnStore:     abi.ExportExnStore,
	}
}

// WithDefaults fills blank names with the wasm-bindgen defaults.
func (e ExportNames) WithDefaults() ExportNames {
	d := DefaultExportNames()
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&e.Memory, d.Memory},
		{&e.Malloc, d.Malloc},
		{&e.Realloc, d.Realloc},
		{&e.Free, d.Free},
		{&e.StackPointer, d.StackPointer},
		{&e.ExnStore, d.ExnStore},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	return e
}

// ClosureBinding describes one closure wrapper import and the guest shims
// behind it.
type ClosureBinding struct {
	// Import is the wbg import the guest calls to hand out the closure.
	Import string `yaml:"import"`

	// Destructor is the destructor slot passed to Wrap.
	Destructor uint32 `yaml:"destructor"`

	// Invoke is the guest export that runs the closure body.
	Invoke string `yaml:"invoke"`

	// Args lists how each host argument is converted.
	Args []ArgKind `yaml:"args"`
}

// Bindings is everything the host needs to know about one guest module
// beyond its wasm bytes.
type Bindings struct {
	Exports ExportNames

	// Destructors maps destructor slots to guest exports taking (a, b).
	Destructors map[uint32]string

	Closures []ClosureBinding

	// Start is an optional export run once after instantiation.
	Start string
}

// Validate checks the bindings for internal consistency.
func (b *Bindings) Validate() error {
	seen := make(map[string]bool)
	shapes := make(map[uint32]*ClosureBinding)

	for i := range b.Closures {
		c := &b.Closures[i]
		if c.Import == "" {
			return fmt.Errorf("closure %d: import name is required", i)
		}
		if slices.Contains(abi.Intrinsics(), c.Import) {
			return fmt.Errorf("closure %s: import name is reserved for a built-in intrinsic", c.Import)
		}
		if seen[c.Import] {
			return fmt.Errorf("closure %s: declared twice", c.Import)
		}
		seen[c.Import] = true

		if c.Invoke == "" {
			return fmt.Errorf("closure %s: invoke export is required", c.Import)
		}
		if _, ok := b.Destructors[c.Destructor]; !ok {
			return fmt.Errorf("closure %s: destructor slot %d is not declared", c.Import, c.Destructor)
		}
		for _, kind := range c.Args {
			switch kind {
			case ArgRaw, ArgBorrowed, ArgOwned:
			default:
				return fmt.Errorf("closure %s: unknown argument kind %q", c.Import, kind)
			}
		}

		// A destructor slot identifies the closure type, so every wrapper
		// sharing it must share the invoke shim too.
		if prev, ok := shapes[c.Destructor]; ok {
			if prev.Invoke != c.Invoke || !slices.Equal(prev.Args, c.Args) {
				return fmt.Errorf("closures %s and %s share destructor slot %d but differ in invoke shim",
					prev.Import, c.Import, c.Destructor)
			}
			continue
		}
		shapes[c.Destructor] = c
	}

	for slot, export := range b.Destructors {
		if export == "" {
			return fmt.Errorf("destructor slot %d: export name is required", slot)
		}
	}
	return nil
}

// ClosureImports returns the wrapper import names.
func (b *Bindings) ClosureImports() []string {
	names := make([]string, 0, len(b.Closures))
	for _, c := range b.Closures {
		names = append(names, c.Import)
	}
	return names
}

func (b *Bindings) closure(importName string) (*ClosureBinding, bool) {
	for i := range b.Closures {
		if b.Closures[i].Import == importName {
			return &b.Closures[i], true
		}
	}
	return nil, false
}

func (b *Bindings) shape(slot uint32) (*ClosureBinding, bool) {
	for i := range b.Closures {
		if b.Closures[i].Destructor == slot {
			return &b.Closures[i], true
		}
	}
	return nil, false
}
