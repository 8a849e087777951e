package binding

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/woxQAQ/wbridge/internal/wasm"
	"gopkg.in/yaml.v3"
)

// Host services a manifest can bind to guest imports. The import names
// carry a per-build hash, so the manifest maps each service to its name.
const (
	ImportConsoleError = "console_error"
	ImportErrorNew     = "error_new"
	ImportErrorStack   = "error_stack"
)

// ReturnKind says how an entry point's result word is handed back.
type ReturnKind string

const (
	// ReturnNone discards the result.
	ReturnNone ReturnKind = "none"
	// ReturnHandle takes the host value behind the returned handle.
	ReturnHandle ReturnKind = "handle"
	// ReturnRaw returns the machine word.
	ReturnRaw ReturnKind = "raw"
)

// Manifest represents the binding manifest.yaml structure.
type Manifest struct {
	Name        string                `yaml:"name"`
	Version     string                `yaml:"version"`
	Wasm        WasmConfig            `yaml:"wasm"`
	Exports     wasm.ExportNames      `yaml:"exports"`
	Destructors map[uint32]string     `yaml:"destructors"`
	Closures    []wasm.ClosureBinding `yaml:"closures"`
	EntryPoints []EntryPoint          `yaml:"entry_points"`
	Imports     map[string]string     `yaml:"imports"`
	Start       string                `yaml:"start"`
	Author      string                `yaml:"author"`
	License     string                `yaml:"license"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file"`
	Size int    `yaml:"size"` // KB
}

// EntryPoint is a guest export the host may call directly.
type EntryPoint struct {
	Name string `yaml:"name"`
	// Export defaults to Name.
	Export   string         `yaml:"export"`
	Fallible bool           `yaml:"fallible"`
	Args     []wasm.ArgKind `yaml:"args"`
	Returns  ReturnKind     `yaml:"returns"`
}

// ExportName returns the guest export behind the entry point.
func (e EntryPoint) ExportName() string {
	if e.Export != "" {
		return e.Export
	}
	return e.Name
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, "manifest.yaml")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	// Validate manifest
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	// Check required fields
	if m.Name == "" {
		return m.invalid("name", "name is required")
	}

	if m.Version == "" {
		return m.invalid("version", "version is required")
	}

	if m.Wasm.File == "" {
		return m.invalid("wasm.file", "wasm.file is required")
	}

	if err := m.Bindings().Validate(); err != nil {
		return m.invalid("closures", err.Error())
	}

	seen := make(map[string]bool, len(m.EntryPoints))
	for i, ep := range m.EntryPoints {
		field := fmt.Sprintf("entry_points[%d]", i)
		if ep.Name == "" {
			return m.invalid(field, "entry point name is required")
		}
		if seen[ep.Name] {
			return m.invalid(field, fmt.Sprintf("entry point %s declared twice", ep.Name))
		}
		seen[ep.Name] = true

		for _, kind := range ep.Args {
			switch kind {
			case wasm.ArgRaw, wasm.ArgBorrowed, wasm.ArgOwned:
			default:
				return m.invalid(field, fmt.Sprintf("unknown argument kind: %s (must be one of: raw, borrowed, owned)", kind))
			}
		}

		switch ep.Returns {
		case "", ReturnNone, ReturnHandle, ReturnRaw:
		default:
			return m.invalid(field, fmt.Sprintf("unknown return kind: %s (must be one of: none, handle, raw)", ep.Returns))
		}
	}

	for service, name := range m.Imports {
		switch service {
		case ImportConsoleError, ImportErrorNew, ImportErrorStack:
		default:
			return m.invalid("imports", fmt.Sprintf("unknown host service: %s (must be one of: console_error, error_new, error_stack)", service))
		}
		if name == "" {
			return m.invalid("imports", fmt.Sprintf("host service %s: import name is required", service))
		}
	}

	// Validate Wasm file exists
	wasmPath := m.WasmPath()
	if _, err := os.Stat(wasmPath); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

func (m *Manifest) invalid(field, message string) error {
	return &ManifestValidationError{
		Path:    m.Path(),
		Field:   field,
		Message: message,
	}
}

// Bindings converts the manifest into the runtime's view of the guest.
func (m *Manifest) Bindings() *wasm.Bindings {
	return &wasm.Bindings{
		Exports:     m.Exports,
		Destructors: m.Destructors,
		Closures:    m.Closures,
		Start:       m.Start,
	}
}

// EntryPoint looks up an entry point by name.
func (m *Manifest) EntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, "manifest.yaml")
}

// WasmPath returns the absolute path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
