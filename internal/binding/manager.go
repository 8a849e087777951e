package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/config"
	"github.com/woxQAQ/wbridge/internal/wasm"
	"github.com/woxQAQ/wbridge/pkg/abi"
	"go.uber.org/zap"
)

// Manager manages binding lifecycle.
type Manager struct {
	cfg         *config.ServerConfig
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	logger      *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// NewManager creates a new binding manager.
func NewManager(
	cfg *config.ServerConfig,
	runtime *wasm.Runtime,
	hostFuncs *wasm.HostFunctionsImpl,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg,
		runtime:     runtime,
		loader:      NewLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: wasm.NewInstanceManager(runtime, hostFuncs, logger),
		logger:      logger.With(zap.String("component", "binding-manager")),
	}
}

// RegisterImports adds trampolines every binding may import. It must be
// called before the first Instantiate.
func (m *Manager) RegisterImports(imports ...trampoline.Import) error {
	return m.instanceMgr.RegisterImports(imports...)
}

// LoadAll discovers and loads all bindings from configured paths.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("bindings already loaded")
	}

	m.logger.Info("Loading bindings",
		zap.Strings("paths", m.cfg.BindingPaths),
	)

	// Discover bindings
	bindings, err := m.loader.DiscoverBindings(ctx, m.cfg.BindingPaths)
	if err != nil {
		// Check if it's a NoBindingsFoundError - log warning but don't fail
		var notFound *NoBindingsFoundError
		if errors.As(err, &notFound) {
			m.logger.Warn("No bindings found in configured paths",
				zap.Strings("paths", m.cfg.BindingPaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	// Register all bindings
	for _, binding := range bindings {
		if err := m.add(binding); err != nil {
			m.logger.Error("Failed to register binding",
				zap.String("name", binding.Manifest.Name),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Bindings loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// Load loads one binding directory and registers it.
func (m *Manager) Load(ctx context.Context, dir string) (*Binding, error) {
	binding, err := m.loader.LoadBinding(ctx, dir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.add(binding); err != nil {
		return nil, err
	}
	return binding, nil
}

// add registers a binding and its closure wrappers. Wrappers go to the
// host module right away so later bindings cannot find it sealed.
func (m *Manager) add(binding *Binding) error {
	if err := m.registry.Register(binding); err != nil {
		return err
	}
	if err := m.instanceMgr.RegisterClosures(binding.Manifest.Bindings().ClosureImports()...); err != nil {
		m.registry.Unregister(binding.Name())
		return err
	}
	return nil
}

// GetBinding retrieves a binding by name.
func (m *Manager) GetBinding(name string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	binding, ok := m.registry.Get(name)
	if !ok {
		return nil, &BindingNotFoundError{BindingName: name}
	}

	return binding, nil
}

// FindBindingForEntryPoint finds a binding declaring an entry point.
func (m *Manager) FindBindingForEntryPoint(entry string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bindings := m.registry.LookupByEntryPoint(entry)
	if len(bindings) == 0 {
		return nil, fmt.Errorf("no binding found for entry point '%s'", entry)
	}

	// Return first match
	return bindings[0], nil
}

// Instantiate creates a new instance of a binding.
func (m *Manager) Instantiate(ctx context.Context, bindingName string) (*wasm.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Get binding
	binding, ok := m.registry.Get(bindingName)
	if !ok {
		return nil, &BindingNotFoundError{BindingName: bindingName}
	}

	// Create instance config
	config := &wasm.InstanceConfig{
		ModuleName: binding.Compiled.Name,
		// InstanceID will be auto-generated
		Bindings: binding.Manifest.Bindings(),
	}

	// Instantiate
	instance, err := m.instanceMgr.Instantiate(ctx, config)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// Call runs an entry point of a binding on an instance created from it.
// Handle results are taken from the instance's handle table.
func (m *Manager) Call(ctx context.Context, instance *wasm.Instance, bindingName, entry string, args ...any) (any, error) {
	binding, err := m.GetBinding(bindingName)
	if err != nil {
		return nil, err
	}
	ep, ok := binding.Manifest.EntryPoint(entry)
	if !ok {
		return nil, &EntryPointNotFoundError{BindingName: bindingName, EntryPoint: entry}
	}

	word, err := instance.CallEntry(ctx, ep.ExportName(), ep.Fallible, ep.Args, args...)
	if err != nil {
		return nil, err
	}

	switch ep.Returns {
	case ReturnHandle:
		return instance.Take(abi.Handle(uint32(word))), nil
	case ReturnRaw:
		return word, nil
	default:
		return nil, nil
	}
}

// Shutdown gracefully shuts down all bindings.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down binding manager")

	// Runtime close handles instance cleanup
	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	m.logger.Info("Binding manager shutdown complete")
	return nil
}

// Registry returns the binding registry (for testing/inspection).
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether bindings have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
