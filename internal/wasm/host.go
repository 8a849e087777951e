package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/bridge"
	"github.com/woxQAQ/wbridge/pkg/abi"
	"go.uber.org/zap"
)

var (
	closureWrapperParams  = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
	closureWrapperResults = []api.ValueType{api.ValueTypeI32}
)

// HostFunctionsImpl implements the wbg host module.
//
// There is one host module per runtime. Each function finds the bridge
// state of its caller through the instance registry, keyed by the guest
// module name. Failures panic; wazero turns the panic into the error of the
// guest call that is running.
type HostFunctionsImpl struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(runtime *Runtime, logger *zap.Logger) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-host")),
	}
}

// instance resolves the calling guest. A guest that is not tracked cannot
// have bridge state, so this is a host failure.
func (h *HostFunctionsImpl) instance(mod api.Module, fn string) *Instance {
	inst, ok := h.runtime.GetInstance(mod.Name())
	if !ok {
		panic(&HostFunctionError{
			FunctionName: fn,
			Err:          fmt.Errorf("no bridge state for module %q", mod.Name()),
		})
	}
	return inst
}

func fail(fn string, err error) {
	var exc *bridge.HostException
	if errors.As(err, &exc) {
		panic(err)
	}
	panic(&HostFunctionError{FunctionName: fn, Err: err})
}

// logMessage is called by Wasm modules to log messages.
// Signature: log_message(level, ptr, length)
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctionsImpl) logMessage(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	msg, ok := NewMemory(mod.Memory()).ReadBytes(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.String("instance_id", mod.Name()),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	logger := h.logger.With(zap.String("instance_id", mod.Name()))
	switch level {
	case 0:
		logger.Debug(string(msg))
	case 2:
		logger.Warn(string(msg))
	case 3:
		logger.Error(string(msg))
	default:
		logger.Info(string(msg))
	}
}

func (h *HostFunctionsImpl) objectDropRef(ctx context.Context, mod api.Module, idx uint32) {
	h.instance(mod, abi.IntrinsicObjectDropRef).bridge.Take(abi.Handle(idx))
}

func (h *HostFunctionsImpl) objectCloneRef(ctx context.Context, mod api.Module, idx uint32) uint32 {
	return uint32(h.instance(mod, abi.IntrinsicObjectCloneRef).bridge.Handles().Clone(abi.Handle(idx)))
}

func (h *HostFunctionsImpl) stringNew(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
	inst := h.instance(mod, abi.IntrinsicStringNew)
	s, err := inst.bridge.DecodeString(ptr, length)
	if err != nil {
		fail(abi.IntrinsicStringNew, err)
	}
	return uint32(inst.bridge.Alloc(s))
}

// stringGet writes (ptr, len) of a fresh copy of the string behind idx, or
// (0, 0) when the value is not a string.
func (h *HostFunctionsImpl) stringGet(ctx context.Context, mod api.Module, retptr, idx uint32) {
	inst := h.instance(mod, abi.IntrinsicStringGet)
	var ptr, n uint32
	if s, ok := inst.bridge.Deref(abi.Handle(idx)).(string); ok {
		var err error
		if ptr, n, err = inst.passString(ctx, s); err != nil {
			fail(abi.IntrinsicStringGet, err)
		}
	}
	if err := putWords(inst.bridge.Views(), retptr, ptr, n); err != nil {
		fail(abi.IntrinsicStringGet, err)
	}
}

func (h *HostFunctionsImpl) numberNew(ctx context.Context, mod api.Module, v float64) uint32 {
	return uint32(h.instance(mod, abi.IntrinsicNumberNew).bridge.Alloc(v))
}

// numberGet writes a presence flag at retptr and the number at retptr+8.
func (h *HostFunctionsImpl) numberGet(ctx context.Context, mod api.Module, retptr, idx uint32) {
	inst := h.instance(mod, abi.IntrinsicNumberGet)
	n, ok := bridge.Number(inst.bridge.Deref(abi.Handle(idx)))
	var present uint32
	if ok {
		present = 1
	}
	if err := putFloat64(inst.bridge.Views(), retptr+8, n); err != nil {
		fail(abi.IntrinsicNumberGet, err)
	}
	if err := putWords(inst.bridge.Views(), retptr, present); err != nil {
		fail(abi.IntrinsicNumberGet, err)
	}
}

func (h *HostFunctionsImpl) booleanGet(ctx context.Context, mod api.Module, idx uint32) uint32 {
	v, ok := h.instance(mod, abi.IntrinsicBooleanGet).bridge.Deref(abi.Handle(idx)).(bool)
	switch {
	case !ok:
		return abi.BoolAbsent
	case v:
		return abi.BoolTrue
	default:
		return abi.BoolFalse
	}
}

func (h *HostFunctionsImpl) predicate(name string, test func(any) bool) func(context.Context, api.Module, uint32) uint32 {
	return func(ctx context.Context, mod api.Module, idx uint32) uint32 {
		return boolWord(test(h.instance(mod, name).bridge.Deref(abi.Handle(idx))))
	}
}

func (h *HostFunctionsImpl) jsvalEq(ctx context.Context, mod api.Module, a, b uint32) uint32 {
	c := h.instance(mod, abi.IntrinsicJSValEq).bridge
	return boolWord(bridge.Equal(c.Deref(abi.Handle(a)), c.Deref(abi.Handle(b))))
}

func (h *HostFunctionsImpl) debugString(ctx context.Context, mod api.Module, retptr, idx uint32) {
	inst := h.instance(mod, abi.IntrinsicDebugString)
	ptr, n, err := inst.passString(ctx, bridge.DebugString(inst.bridge.Deref(abi.Handle(idx))))
	if err != nil {
		fail(abi.IntrinsicDebugString, err)
	}
	if err := putWords(inst.bridge.Views(), retptr, ptr, n); err != nil {
		fail(abi.IntrinsicDebugString, err)
	}
}

// throw aborts the running guest call with an error built from the message.
func (h *HostFunctionsImpl) throw(ctx context.Context, mod api.Module, ptr, length uint32) {
	msg, err := h.instance(mod, abi.IntrinsicThrow).bridge.DecodeString(ptr, length)
	if err != nil {
		fail(abi.IntrinsicThrow, err)
	}
	panic(&bridge.HostException{Value: errors.New(msg)})
}

func (h *HostFunctionsImpl) rethrow(ctx context.Context, mod api.Module, idx uint32) {
	panic(&bridge.HostException{Value: h.instance(mod, abi.IntrinsicRethrow).bridge.Take(abi.Handle(idx))})
}

// cbDrop releases the host side of a closure the guest is dropping. It
// returns 1 when the guest should free the environment itself.
func (h *HostFunctionsImpl) cbDrop(ctx context.Context, mod api.Module, idx uint32) uint32 {
	c := h.instance(mod, abi.IntrinsicCbDrop).bridge
	cl := bridge.As[*bridge.Closure](c, abi.Handle(idx))
	c.Free(abi.Handle(idx))
	return boolWord(c.Disown(cl))
}

func (h *HostFunctionsImpl) memory(ctx context.Context, mod api.Module) uint32 {
	return uint32(h.instance(mod, abi.IntrinsicMemory).bridge.Alloc(mod.Memory()))
}

func (h *HostFunctionsImpl) exnTake(ctx context.Context, mod api.Module) uint32 {
	return uint32(h.instance(mod, abi.IntrinsicExnTake).bridge.TakeException())
}

// closureWrapper builds the (a, b, unused) -> handle import a guest calls to
// turn one of its closures into a host function.
func (h *HostFunctionsImpl) closureWrapper(name string) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		inst := h.instance(mod, name)
		binding, ok := inst.bindings.closure(name)
		if !ok {
			fail(name, fmt.Errorf("binding %s does not declare closure import %s", inst.Name, name))
		}
		cl, err := inst.wrap(binding, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		if err != nil {
			fail(name, err)
		}
		stack[0] = api.EncodeU32(uint32(inst.bridge.Alloc(cl)))
	}
}

// trampoline adapts a registered import. Catching imports route failures
// through the exception slot and return zeroed results.
func (h *HostFunctionsImpl) trampoline(imp trampoline.Import) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		inst := h.instance(mod, imp.Name)
		if !imp.Catch {
			if err := imp.Fn(ctx, inst, stack); err != nil {
				fail(imp.Name, err)
			}
			return
		}
		if !inst.bridge.Catch(func() error { return imp.Fn(ctx, inst, stack) }) {
			clear(stack[:len(imp.Results)])
			inst.forwardException(ctx)
		}
	}
}

// export registers every host function on the builder.
func (h *HostFunctionsImpl) export(builder wazero.HostModuleBuilder, closures []string, imports []trampoline.Import) {
	fn := func(name string, f any, params ...string) {
		builder.NewFunctionBuilder().
			WithFunc(f).
			WithParameterNames(params...).
			Export(name)
	}

	fn(abi.IntrinsicLogMessage, h.logMessage, "level", "ptr", "length")
	fn(abi.IntrinsicObjectDropRef, h.objectDropRef, "idx")
	fn(abi.IntrinsicObjectCloneRef, h.objectCloneRef, "idx")
	fn(abi.IntrinsicStringNew, h.stringNew, "ptr", "len")
	fn(abi.IntrinsicStringGet, h.stringGet, "retptr", "idx")
	fn(abi.IntrinsicNumberNew, h.numberNew, "value")
	fn(abi.IntrinsicNumberGet, h.numberGet, "retptr", "idx")
	fn(abi.IntrinsicBooleanGet, h.booleanGet, "idx")
	fn(abi.IntrinsicIsNull, h.predicate(abi.IntrinsicIsNull, func(v any) bool { return v == nil }), "idx")
	fn(abi.IntrinsicIsUndefined, h.predicate(abi.IntrinsicIsUndefined, func(v any) bool { return v == bridge.Undefined }), "idx")
	fn(abi.IntrinsicIsObject, h.predicate(abi.IntrinsicIsObject, bridge.IsObject), "idx")
	fn(abi.IntrinsicIsFunction, h.predicate(abi.IntrinsicIsFunction, bridge.IsFunction), "idx")
	fn(abi.IntrinsicIsString, h.predicate(abi.IntrinsicIsString, func(v any) bool {
		_, ok := v.(string)
		return ok
	}), "idx")
	fn(abi.IntrinsicJSValEq, h.jsvalEq, "a", "b")
	fn(abi.IntrinsicDebugString, h.debugString, "retptr", "idx")
	fn(abi.IntrinsicThrow, h.throw, "ptr", "len")
	fn(abi.IntrinsicRethrow, h.rethrow, "idx")
	fn(abi.IntrinsicCbDrop, h.cbDrop, "idx")
	fn(abi.IntrinsicMemory, h.memory)
	fn(abi.IntrinsicExnTake, h.exnTake)

	for _, name := range closures {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(h.closureWrapper(name), closureWrapperParams, closureWrapperResults).
			WithParameterNames("a", "b", "unused").
			Export(name)
	}

	for _, imp := range imports {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(h.trampoline(imp), imp.Params, imp.Results).
			Export(imp.Name)
	}
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
