package binding

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry manages loaded bindings.
type Registry struct {
	sync.RWMutex
	bindings map[string]*Binding   // name -> binding
	byEntry  map[string][]*Binding // entry point -> bindings
	logger   *zap.Logger
}

// NewRegistry creates a new binding registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		bindings: make(map[string]*Binding),
		byEntry:  make(map[string][]*Binding),
		logger:   logger.With(zap.String("component", "binding-registry")),
	}
}

// Register adds a binding to the registry.
func (r *Registry) Register(binding *Binding) error {
	r.Lock()
	defer r.Unlock()

	name := binding.Manifest.Name

	// Check for duplicates
	if _, exists := r.bindings[name]; exists {
		return &BindingAlreadyRegisteredError{BindingName: name}
	}

	r.bindings[name] = binding

	// Index by entry point
	for _, entry := range binding.EntryPoints() {
		r.byEntry[entry] = append(r.byEntry[entry], binding)
	}

	r.logger.Info("Binding registered",
		zap.String("name", name),
		zap.Strings("entry_points", binding.EntryPoints()),
	)

	return nil
}

// Get retrieves a binding by name.
func (r *Registry) Get(name string) (*Binding, bool) {
	r.RLock()
	defer r.RUnlock()

	binding, ok := r.bindings[name]
	return binding, ok
}

// LookupByEntryPoint finds bindings declaring an entry point.
func (r *Registry) LookupByEntryPoint(entry string) []*Binding {
	r.RLock()
	defer r.RUnlock()

	bindings, ok := r.byEntry[entry]
	if !ok || len(bindings) == 0 {
		return []*Binding{}
	}
	// Return copy to avoid race conditions
	result := make([]*Binding, len(bindings))
	copy(result, bindings)
	return result
}

// List returns all registered bindings sorted by name.
func (r *Registry) List() []*Binding {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Binding, 0, len(r.bindings))
	for _, binding := range r.bindings {
		result = append(result, binding)
	}
	slices.SortFunc(result, func(a, b *Binding) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return result
}

// Unregister removes a binding from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	binding, ok := r.bindings[name]
	if !ok {
		return
	}

	// Remove from entry point index
	for _, entry := range binding.EntryPoints() {
		r.byEntry[entry] = slices.DeleteFunc(r.byEntry[entry], func(b *Binding) bool {
			return b.Manifest.Name == name
		})
		if len(r.byEntry[entry]) == 0 {
			delete(r.byEntry, entry)
		}
	}

	// Remove from main map
	delete(r.bindings, name)

	r.logger.Info("Binding unregistered", zap.String("name", name))
}

// Count returns the number of registered bindings.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.bindings)
}
