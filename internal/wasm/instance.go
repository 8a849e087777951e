package wasm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/bridge"
	"github.com/woxQAQ/wbridge/pkg/abi"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// InstanceManager creates and manages module instances.
//
// It owns the runtime's wbg host module, which is instantiated on the first
// Instantiate call. Closure wrappers and trampolines must be registered
// before that.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl

	mu         sync.Mutex
	hostModule api.Module
	closures   []string
	imports    []trampoline.Import
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates one).
	InstanceID string

	// Bindings describes the guest exports and closure shims. Nil means
	// default export names and no closures.
	Bindings *Bindings
}

// Instance represents an instantiated Wasm module together with its bridge
// state. An Instance is not safe for concurrent use.
type Instance struct {
	// wazero module instance.
	module api.Module

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	bridge   *bridge.Context
	memory   *Memory
	bindings *Bindings
	exports  ExportNames

	timeout    time.Duration
	returnArea uint32

	runtime   *Runtime
	logger    *zap.Logger
	closeOnce sync.Once
}

// RegisterClosures makes closure wrapper imports available to guests.
// Names already registered are ignored.
func (m *InstanceManager) RegisterClosures(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		if slices.Contains(m.closures, name) {
			continue
		}
		if m.hostModule != nil {
			return &HostModuleSealedError{Import: name}
		}
		m.closures = append(m.closures, name)
	}
	return nil
}

// RegisterImports adds trampolines to the host module.
func (m *InstanceManager) RegisterImports(imports ...trampoline.Import) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, imp := range imports {
		if err := imp.Validate(); err != nil {
			return err
		}
		if m.hostModule != nil {
			return &HostModuleSealedError{Import: imp.Name}
		}
		if m.provides(imp.Name) {
			return fmt.Errorf("host import %s is already registered", imp.Name)
		}
		m.imports = append(m.imports, imp)
	}
	return nil
}

// provides reports whether the host module has a function called name.
// Callers hold m.mu.
func (m *InstanceManager) provides(name string) bool {
	if slices.Contains(abi.Intrinsics(), name) || slices.Contains(m.closures, name) {
		return true
	}
	return slices.ContainsFunc(m.imports, func(imp trampoline.Import) bool { return imp.Name == name })
}

// ensureHostModule instantiates the wbg host module once.
func (m *InstanceManager) ensureHostModule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hostModule != nil {
		return nil
	}

	builder := m.runtime.runtime.NewHostModuleBuilder(abi.HostModuleName)
	m.hostFuncs.export(builder, m.closures, m.imports)

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	m.hostModule = mod

	m.logger.Debug("Host module instantiated",
		zap.Int("intrinsics", len(abi.Intrinsics())),
		zap.Int("closure_wrappers", len(m.closures)),
		zap.Int("trampolines", len(m.imports)),
	)
	return nil
}

// unresolved returns the guest's wbg imports the host module lacks.
func (m *InstanceManager) unresolved(compiled *CompiledModule) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []string
	for _, name := range compiled.HostImports {
		if !m.provides(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Instantiate creates a new instance from a compiled module.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	// Get compiled module from cache.
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	if limit := m.runtime.config.MaxInstances; limit > 0 && m.runtime.InstanceCount() >= limit {
		return nil, &TooManyInstancesError{Limit: limit}
	}

	bindings := config.Bindings
	if bindings == nil {
		bindings = &Bindings{}
	}
	if err := bindings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bindings for %s: %w", config.ModuleName, err)
	}
	if err := m.RegisterClosures(bindings.ClosureImports()...); err != nil {
		return nil, err
	}
	if missing := m.unresolved(compiled); len(missing) > 0 {
		return nil, &UnresolvedImportError{ModuleName: config.ModuleName, Imports: missing}
	}
	if err := m.ensureHostModule(ctx); err != nil {
		return nil, err
	}

	// Generate instance ID if not provided.
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = generateID()
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	// Start functions stay disabled: host functions need the instance to be
	// tracked before the guest runs any code.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	exports := bindings.Exports.WithDefaults()
	mem := module.ExportedMemory(exports.Memory)
	if mem == nil {
		module.Close(ctx)
		return nil, &MissingExportError{ModuleName: config.ModuleName, Export: exports.Memory}
	}
	if module.ExportedFunction(exports.Malloc) == nil {
		module.Close(ctx)
		return nil, &MissingExportError{ModuleName: config.ModuleName, Export: exports.Malloc}
	}

	cfg := m.runtime.config
	instance := &Instance{
		module:     module,
		ID:         instanceID,
		Name:       config.ModuleName,
		CreatedAt:  time.Now().Unix(),
		memory:     NewMemory(mem),
		bindings:   bindings,
		exports:    exports,
		timeout:    cfg.ExecutionTimeout,
		returnArea: cfg.ReturnArea,
		runtime:    m.runtime,
		logger:     m.logger.With(zap.String("instance_id", instanceID)),
	}
	if instance.returnArea == 0 {
		instance.returnArea = abi.ReturnAreaSize
	}
	instance.bridge = bridge.New(instance.memory, bridge.Options{
		StackSize:   cfg.StackSize,
		GrowBlock:   cfg.GrowBlock,
		Destructors: instance.destructors(),
		Logger:      instance.logger,
	})

	// Track active instance.
	m.runtime.StoreInstance(instance)

	if bindings.Start != "" {
		if _, err := instance.Call(ctx, bindings.Start); err != nil {
			instance.Close(ctx)
			return nil, &InstantiationError{
				ModuleName: config.ModuleName,
				InstanceID: instanceID,
				Err:        fmt.Errorf("start function %s: %w", bindings.Start, err),
			}
		}
	}

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(compiled.Exports)),
		zap.Int("closures", len(bindings.Closures)),
	)

	return instance, nil
}

// Bridge returns the instance's boundary state.
func (i *Instance) Bridge() *bridge.Context {
	return i.bridge
}

// Memory returns the instance's linear memory.
func (i *Instance) Memory() *Memory {
	return i.memory
}

// Call invokes an exported function with the execution timeout applied.
// A guest that times out is closed by wazero and cannot be used again.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if i.module.ExportedFunction(name) == nil {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}

	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	results, err := i.callExport(ctx, name, params...)
	if err != nil {
		return nil, i.callError(ctx, err)
	}
	return results, nil
}

// CallFallible invokes an export that reports failure through a return
// area: the guest writes (value, failed) at the pointer passed as the first
// parameter. A failure is returned as *bridge.HostException carrying the
// thrown value.
func (i *Instance) CallFallible(ctx context.Context, name string, params ...uint64) (result uint32, err error) {
	if i.module.ExportedFunction(name) == nil {
		return 0, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}

	ctx, cancel := i.withTimeout(ctx)
	defer cancel()

	retptr, err := i.addToStackPointer(ctx, -int32(i.returnArea))
	if err != nil {
		return 0, i.callError(ctx, err)
	}
	defer func() {
		if _, restoreErr := i.addToStackPointer(ctx, int32(i.returnArea)); restoreErr != nil {
			err = multierr.Append(err, restoreErr)
		}
	}()

	args := append([]uint64{api.EncodeU32(retptr)}, params...)
	if _, err := i.callExport(ctx, name, args...); err != nil {
		return 0, i.callError(ctx, err)
	}

	words, err := getWords(i.bridge.Views(), retptr, 2)
	if err != nil {
		return 0, err
	}
	if words[1] != 0 {
		// The guest hands the thrown value back directly; a catching import
		// may still have an unread exception in the slot.
		thrown := i.bridge.Take(abi.Handle(words[0]))
		i.logger.Debug("Guest call failed",
			zap.String("function", name),
			zap.String("thrown", bridge.DebugString(thrown)),
		)
		return 0, &bridge.HostException{Value: thrown}
	}
	return words[0], nil
}

// ReadString decodes a UTF-8 string from guest memory.
func (i *Instance) ReadString(ptr, length uint32) (string, error) {
	return i.bridge.DecodeString(ptr, length)
}

// PassString copies s into guest memory using the guest allocator.
func (i *Instance) PassString(ctx context.Context, s string) (uint32, uint32, error) {
	return i.passString(ctx, s)
}

// PassBytes copies data into a fresh guest allocation.
func (i *Instance) PassBytes(ctx context.Context, data []byte) (uint32, error) {
	ptr, err := i.malloc(ctx)(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	buf := i.bridge.Views().Uint8().Bytes()
	if uint64(ptr)+uint64(len(data)) > uint64(len(buf)) {
		return 0, &MemoryAccessError{Operation: "write", Address: ptr, Length: uint32(len(data)),
			Err: fmt.Errorf("allocation outside linear memory")}
	}
	copy(buf[ptr:], data)
	return ptr, nil
}

// FreeBytes releases a buffer passed with PassString or PassBytes. Guests
// without a free export leak it.
func (i *Instance) FreeBytes(ctx context.Context, ptr, length uint32) error {
	if i.module.ExportedFunction(i.exports.Free) == nil {
		return nil
	}
	_, err := i.callExport(ctx, i.exports.Free, api.EncodeU32(ptr), api.EncodeU32(length))
	return err
}

// Invoke calls a wrapped guest closure, converting each host argument as
// the closure's binding says.
func (i *Instance) Invoke(ctx context.Context, cl *bridge.Closure, args ...any) ([]uint64, error) {
	shape, ok := i.bindings.shape(cl.Slot())
	if !ok {
		return nil, fmt.Errorf("no closure binding for destructor slot %d", cl.Slot())
	}

	raw, release, err := i.lower(shape.Import, shape.Args, args)
	if err != nil {
		return nil, err
	}
	defer release()

	return cl.Call(ctx, raw...)
}

// CallEntry calls an exported entry point, converting args per kinds. A
// fallible entry point uses the return-area protocol and yields its result
// word; otherwise the first result, if any, is returned.
func (i *Instance) CallEntry(ctx context.Context, name string, fallible bool, kinds []ArgKind, args ...any) (uint64, error) {
	raw, release, err := i.lower(name, kinds, args)
	if err != nil {
		return 0, err
	}
	defer release()

	if fallible {
		result, err := i.CallFallible(ctx, name, raw...)
		return api.EncodeU32(result), err
	}

	results, err := i.Call(ctx, name, raw...)
	if err != nil || len(results) == 0 {
		return 0, err
	}
	return results[0], nil
}

// lower converts host arguments to guest words. Borrowed handles stay on
// the borrow stack until release is called, which pops them in reverse.
func (i *Instance) lower(callee string, kinds []ArgKind, args []any) ([]uint64, func(), error) {
	if len(args) != len(kinds) {
		return nil, nil, fmt.Errorf("%s takes %d arguments, got %d", callee, len(kinds), len(args))
	}

	raw := make([]uint64, len(args))
	var borrowed, owned []abi.Handle
	release := func() {
		for j := len(borrowed) - 1; j >= 0; j-- {
			i.bridge.Release(borrowed[j])
		}
	}

	for k, kind := range kinds {
		switch kind {
		case ArgBorrowed:
			h := i.bridge.Acquire(args[k])
			borrowed = append(borrowed, h)
			raw[k] = api.EncodeU32(uint32(h))
		case ArgOwned:
			h := i.bridge.Alloc(args[k])
			owned = append(owned, h)
			raw[k] = api.EncodeU32(uint32(h))
		default:
			word, err := machineWord(args[k])
			if err != nil {
				// The guest never saw these, so they are still ours.
				for _, h := range owned {
					i.bridge.Free(h)
				}
				release()
				return nil, nil, fmt.Errorf("%s argument %d: %w", callee, k, err)
			}
			raw[k] = word
		}
	}
	return raw, release, nil
}

// Close closes the instance and releases resources.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		i.runtime.DeleteInstance(i.ID)
		i.bridge.Close()
		err = i.module.Close(ctx)
	})
	return err
}

// wrap turns a guest closure into a host function.
func (i *Instance) wrap(binding *ClosureBinding, a, b uint32) (*bridge.Closure, error) {
	invoke := binding.Invoke
	return i.bridge.Wrap(a, b, binding.Destructor, func(ctx context.Context, a, b uint32, args ...uint64) ([]uint64, error) {
		params := append([]uint64{api.EncodeU32(a), api.EncodeU32(b)}, args...)
		return i.callExport(ctx, invoke, params...)
	})
}

// destructors resolves destructor slots to guest exports.
func (i *Instance) destructors() bridge.DestructorMap {
	table := make(bridge.DestructorMap, len(i.bindings.Destructors))
	for slot, export := range i.bindings.Destructors {
		table[slot] = func(ctx context.Context, a, b uint32) error {
			_, err := i.callExport(ctx, export, api.EncodeU32(a), api.EncodeU32(b))
			return err
		}
	}
	return table
}

// forwardException hands a caught failure to the guest's own exception
// slot when it exports one; otherwise it stays for __wbindgen_exn_take.
func (i *Instance) forwardException(ctx context.Context) {
	if i.module.ExportedFunction(i.exports.ExnStore) == nil {
		return
	}
	h := i.bridge.TakeException()
	if _, err := i.callExport(ctx, i.exports.ExnStore, api.EncodeU32(uint32(h))); err != nil {
		fail(i.exports.ExnStore, err)
	}
}

func (i *Instance) passString(ctx context.Context, s string) (uint32, uint32, error) {
	var realloc bridge.ReallocFunc
	if i.module.ExportedFunction(i.exports.Realloc) != nil {
		realloc = i.realloc(ctx)
	}
	return i.bridge.EncodeString(s, i.malloc(ctx), realloc)
}

func (i *Instance) malloc(ctx context.Context) bridge.MallocFunc {
	return func(size uint32) (uint32, error) {
		results, err := i.callExport(ctx, i.exports.Malloc, api.EncodeU32(size))
		if err != nil {
			return 0, err
		}
		return api.DecodeU32(results[0]), nil
	}
}

func (i *Instance) realloc(ctx context.Context) bridge.ReallocFunc {
	return func(ptr, oldSize, newSize uint32) (uint32, error) {
		results, err := i.callExport(ctx, i.exports.Realloc,
			api.EncodeU32(ptr), api.EncodeU32(oldSize), api.EncodeU32(newSize))
		if err != nil {
			return 0, err
		}
		return api.DecodeU32(results[0]), nil
	}
}

func (i *Instance) addToStackPointer(ctx context.Context, delta int32) (uint32, error) {
	results, err := i.callExport(ctx, i.exports.StackPointer, api.EncodeI32(delta))
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(results[0]), nil
}

// callExport looks the export up on every call. A cached api.Function must
// not be reentered, and host functions call back into the guest while an
// outer call is still running.
func (i *Instance) callExport(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, &MissingExportError{ModuleName: i.Name, Export: name}
	}
	return fn.Call(ctx, params...)
}

func (i *Instance) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.timeout)
}

// callError maps a failed guest call. Timeouts close the instance.
func (i *Instance) callError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		i.logger.Warn("Guest call timed out, closing instance", zap.Duration("timeout", i.timeout))
		i.Close(context.Background())
		return &TimeoutError{Duration: i.timeout}
	}
	return err
}

// machineWord converts a host value for a raw argument.
func machineWord(v any) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case uint32:
		return api.EncodeU32(x), nil
	case int32:
		return api.EncodeI32(x), nil
	case int:
		return api.EncodeI32(int32(x)), nil
	case abi.Handle:
		return api.EncodeU32(uint32(x)), nil
	case float64:
		return api.EncodeF64(x), nil
	case float32:
		return api.EncodeF32(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot pass %T as a machine word", v)
	}
}

var instanceSeq atomic.Uint64

// generateID generates a unique instance ID.
func generateID() string {
	return fmt.Sprintf("inst-%d-%d", time.Now().UnixNano(), instanceSeq.Add(1))
}
