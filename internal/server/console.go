package server

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/wbridge/api/trampoline"
	"github.com/woxQAQ/wbridge/internal/binding"
	"github.com/woxQAQ/wbridge/internal/bridge"
	"github.com/woxQAQ/wbridge/pkg/abi"
	"go.uber.org/zap"
)

// StackError is the host error object a guest creates to capture a stack
// trace, typically from a panic hook.
type StackError struct {
	Stack string
}

func (e *StackError) Error() string {
	return "Error"
}

// consoleImport builds the trampoline serving one host service under the
// import name a binding uses for it.
func consoleImport(service, name string, logger *zap.Logger) (trampoline.Import, error) {
	i32 := api.ValueTypeI32

	switch service {
	case binding.ImportConsoleError:
		// console_error(ptr, len): log the message, then free it.
		return trampoline.Import{
			Name:   name,
			Params: []api.ValueType{i32, i32},
			Fn: func(ctx context.Context, s trampoline.Surface, stack []uint64) error {
				ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
				msg, err := s.DecodeString(ptr, n)
				if err != nil {
					return err
				}
				logger.Error("Guest console error", zap.String("message", msg))
				return s.FreeBytes(ctx, ptr, n)
			},
		}, nil

	case binding.ImportErrorNew:
		// error_new() -> handle
		return trampoline.Import{
			Name:    name,
			Results: []api.ValueType{i32},
			Fn: func(ctx context.Context, s trampoline.Surface, stack []uint64) error {
				stack[0] = api.EncodeU32(uint32(s.Alloc(&StackError{Stack: string(debug.Stack())})))
				return nil
			},
		}, nil

	case binding.ImportErrorStack:
		// error_stack(retptr, handle): write (ptr, len) of the stack text.
		return trampoline.Import{
			Name:   name,
			Params: []api.ValueType{i32, i32},
			Fn: func(ctx context.Context, s trampoline.Surface, stack []uint64) error {
				retptr := api.DecodeU32(stack[0])
				var text string
				if e, ok := s.Deref(abi.Handle(api.DecodeU32(stack[1]))).(*StackError); ok {
					text = e.Stack
				}
				ptr, n, err := s.PassString(ctx, text)
				if err != nil {
					return err
				}
				// PassString may grow memory; take the view afterwards.
				view := s.View(abi.ViewInt32).(bridge.Int32View)
				if retptr%4 != 0 || int(retptr/4)+1 >= view.Len() {
					return fmt.Errorf("return area %d is outside linear memory", retptr)
				}
				view.Set(int(retptr/4), int32(ptr))
				view.Set(int(retptr/4)+1, int32(n))
				return nil
			},
		}, nil

	default:
		return trampoline.Import{}, fmt.Errorf("unknown host service %s", service)
	}
}
