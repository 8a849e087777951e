package binding

import (
	"time"

	"github.com/woxQAQ/wbridge/internal/wasm"
)

// Binding represents a loaded guest module with its manifest.
type Binding struct {
	// Manifest is the parsed binding metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the binding was loaded
	LoadedAt time.Time
}

// Name returns the binding name.
func (b *Binding) Name() string {
	return b.Manifest.Name
}

// Version returns the binding version.
func (b *Binding) Version() string {
	return b.Manifest.Version
}

// EntryPoints returns the names of the binding's entry points.
func (b *Binding) EntryPoints() []string {
	names := make([]string, 0, len(b.Manifest.EntryPoints))
	for _, ep := range b.Manifest.EntryPoints {
		names = append(names, ep.Name)
	}
	return names
}

// HasEntryPoint checks if the binding declares an entry point.
func (b *Binding) HasEntryPoint(name string) bool {
	_, ok := b.Manifest.EntryPoint(name)
	return ok
}
