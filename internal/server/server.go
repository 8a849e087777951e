// Package server wires configuration, the wasm runtime and the binding
// manager into one host process that can run guest entry points.
package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/binding"
	"github.com/woxQAQ/wbridge/internal/bridge"
	"github.com/woxQAQ/wbridge/internal/config"
	"github.com/woxQAQ/wbridge/internal/wasm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Server struct {
	cfg         *config.ServerConfig
	logger      *zap.Logger
	wasmRuntime *wasm.Runtime
	bindings    *binding.Manager

	mu sync.Mutex
	// services maps a registered import name to the host service behind it.
	services map[string]string
}

func NewServer(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (*Server, error) {
	// Initialize Wasm runtime.
	wasmConfig := &wasm.RuntimeConfig{
		MemoryPages:      cfg.Wasm.MemoryPages,
		DebugEnabled:     cfg.Wasm.Debug,
		CacheDir:         cfg.Wasm.CacheDir,
		MaxInstances:     cfg.Wasm.MaxInstances,
		ExecutionTimeout: cfg.Wasm.Timeout(),
		StackSize:        cfg.Bridge.StackSize,
		GrowBlock:        cfg.Bridge.GrowBlock,
		ReturnArea:       cfg.Bridge.ReturnArea,
	}

	wasmRuntime, err := wasm.NewRuntime(ctx, logger, wasmConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	hostFuncs := wasm.NewHostFunctions(wasmRuntime, logger)

	logger.Info("Bridge server initialized",
		zap.Uint32("wasm_memory_pages", cfg.Wasm.MemoryPages),
		zap.String("wasm_cache_dir", cfg.Wasm.CacheDir),
		zap.Duration("execution_timeout", cfg.Wasm.Timeout()),
	)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		wasmRuntime: wasmRuntime,
		bindings:    binding.NewManager(cfg, wasmRuntime, hostFuncs, logger),
		services:    make(map[string]string),
	}, nil
}

// RegisterImports adds application trampolines. Call it before running
// any entry point.
func (s *Server) RegisterImports(imports ...trampoline.Import) error {
	return s.bindings.RegisterImports(imports...)
}

// LoadBindings loads every binding under the configured paths and
// registers the host services they import.
func (s *Server) LoadBindings(ctx context.Context) error {
	if err := s.bindings.LoadAll(ctx); err != nil {
		return err
	}

	var errs error
	for _, b := range s.bindings.Registry().List() {
		if err := s.registerServices(b); err != nil {
			s.logger.Error("Failed to register host services",
				zap.String("binding", b.Name()),
				zap.Error(err),
			)
			s.bindings.Registry().Unregister(b.Name())
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// LoadBinding loads a single binding directory.
func (s *Server) LoadBinding(ctx context.Context, dir string) (*binding.Binding, error) {
	b, err := s.bindings.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := s.registerServices(b); err != nil {
		s.bindings.Registry().Unregister(b.Name())
		return nil, err
	}
	return b, nil
}

// registerServices builds the console trampolines a binding imports. An
// import name shared by several bindings is registered once.
func (s *Server) registerServices(b *binding.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for service, name := range b.Manifest.Imports {
		if existing, ok := s.services[name]; ok {
			if existing != service {
				return fmt.Errorf("binding %s: import %s is already bound to %s", b.Name(), name, existing)
			}
			continue
		}

		imp, err := consoleImport(service, name, s.logger.With(zap.String("binding", b.Name())))
		if err != nil {
			return err
		}
		if err := s.bindings.RegisterImports(imp); err != nil {
			return fmt.Errorf("binding %s: %w", b.Name(), err)
		}
		s.services[name] = service
	}
	return nil
}

// Bindings returns the binding manager.
func (s *Server) Bindings() *binding.Manager {
	return s.bindings
}

// Run instantiates a binding, calls one of its entry points with args
// parsed from text, and closes the instance. An empty bindingName selects
// the first binding declaring entry.
func (s *Server) Run(ctx context.Context, bindingName, entry string, args ...string) (any, error) {
	if bindingName == "" {
		b, err := s.bindings.FindBindingForEntryPoint(entry)
		if err != nil {
			return nil, err
		}
		bindingName = b.Name()
	}

	instance, err := s.bindings.Instantiate(ctx, bindingName)
	if err != nil {
		return nil, err
	}
	defer instance.Close(context.Background())

	values := make([]any, len(args))
	for i, arg := range args {
		values[i] = parseArg(arg)
	}

	s.logger.Debug("Running entry point",
		zap.String("binding", bindingName),
		zap.String("entry", entry),
		zap.Strings("args", args),
	)

	result, err := s.bindings.Call(ctx, instance, bindingName, entry, values...)
	if err != nil {
		var exn *bridge.HostException
		if errors.As(err, &exn) {
			s.logger.Warn("Entry point threw",
				zap.String("binding", bindingName),
				zap.String("entry", entry),
				zap.String("thrown", bridge.DebugString(exn.Value)),
			)
		}
		return nil, err
	}
	return result, nil
}

// parseArg turns a command-line argument into the narrowest host value:
// int32, uint32, float64, or the string itself.
func parseArg(arg string) any {
	if v, err := strconv.ParseInt(arg, 10, 32); err == nil {
		return int32(v)
	}
	if v, err := strconv.ParseUint(arg, 10, 32); err == nil {
		return uint32(v)
	}
	if v, err := strconv.ParseFloat(arg, 64); err == nil {
		return v
	}
	return arg
}

// Close gracefully shuts down the server.
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down bridge server")

	if err := s.bindings.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("Bridge server shutdown complete")
	return nil
}
