package bridge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// UndefinedValue is the type of Undefined.
type UndefinedValue struct{}

// Undefined is the host value behind the reserved undefined handle.
// Go nil is the host null.
var Undefined = UndefinedValue{}

// Number converts numeric host values to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// IsFunction reports whether v can be called by the host.
func IsFunction(v any) bool {
	if _, ok := v.(*Closure); ok {
		return true
	}
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Func
}

// IsObject reports whether v is a non-null reference value.
func IsObject(v any) bool {
	if v == nil || v == Undefined {
		return false
	}
	switch v.(type) {
	case string, bool:
		return false
	}
	if _, ok := Number(v); ok {
		return false
	}
	return !IsFunction(v)
}

// Equal is strict host equality: primitives compare by value, everything
// else by identity.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := Number(a); ok {
		nb, ok := Number(b)
		return ok && na == nb
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Slice:
		return va.Len() == vb.Len() && va.Pointer() == vb.Pointer()
	case reflect.Map, reflect.Func, reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}

// TypeName names the host type of v for diagnostics.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case UndefinedValue:
		return "undefined"
	case string:
		return "string"
	case bool:
		return "boolean"
	case *Closure:
		return "function"
	}
	if _, ok := Number(v); ok {
		return "number"
	}
	if IsFunction(v) {
		return "function"
	}
	return fmt.Sprintf("object(%T)", v)
}

// DebugString renders a host value for guest-side diagnostics.
func DebugString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case UndefinedValue:
		return "undefined"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return `"` + val + `"`
	case *Closure:
		return "Function"
	case error:
		return "Error: " + val.Error()
	}
	if n, ok := Number(v); ok {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return "Function"
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = DebugString(rv.Index(i).Interface())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case reflect.Map, reflect.Struct, reflect.Pointer:
		data, err := json.Marshal(v)
		if err != nil {
			return "Object"
		}
		return "Object(" + string(data) + ")"
	}
	return fmt.Sprintf("%T", v)
}
