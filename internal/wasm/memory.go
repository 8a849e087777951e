package wasm

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/wbridge/internal/bridge"
)

// Memory adapts a guest's linear memory to bridge.LinearMemory.
//
// The slice returned by Buffer aliases guest memory and is only valid until
// the next memory.grow; the bridge view cache notices the change and
// rebuilds its views.
type Memory struct {
	mem api.Memory
}

// NewMemory creates a memory adapter over a guest's exported memory.
func NewMemory(mem api.Memory) *Memory {
	return &Memory{mem: mem}
}

// Buffer returns the whole linear memory.
func (m *Memory) Buffer() []byte {
	buf, ok := m.mem.Read(0, m.mem.Size())
	if !ok {
		return nil
	}
	return buf
}

// Size returns the memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// ReadBytes copies raw bytes out of Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf...), true
}

// putWords writes little-endian i32 words at addr through the Int32 view,
// as the return-area protocol does.
func putWords(views *bridge.ViewCache, addr uint32, words ...uint32) error {
	v := views.Int32()
	if addr%4 != 0 || int(addr/4)+len(words) > v.Len() {
		return &MemoryAccessError{
			Operation: "write",
			Address:   addr,
			Length:    uint32(4 * len(words)),
			Err:       fmt.Errorf("unaligned or out of range"),
		}
	}
	for i, w := range words {
		v.Set(int(addr/4)+i, int32(w))
	}
	return nil
}

// getWords reads n little-endian i32 words at addr.
func getWords(views *bridge.ViewCache, addr uint32, n int) ([]uint32, error) {
	v := views.Int32()
	if addr%4 != 0 || int(addr/4)+n > v.Len() {
		return nil, &MemoryAccessError{
			Operation: "read",
			Address:   addr,
			Length:    uint32(4 * n),
			Err:       fmt.Errorf("unaligned or out of range"),
		}
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = uint32(v.Get(int(addr/4) + i))
	}
	return words, nil
}

// putFloat64 writes f at addr through the Float64 view.
func putFloat64(views *bridge.ViewCache, addr uint32, f float64) error {
	v := views.Float64()
	if addr%8 != 0 || int(addr/8) >= v.Len() {
		return &MemoryAccessError{
			Operation: "write",
			Address:   addr,
			Length:    8,
			Err:       fmt.Errorf("unaligned or out of range"),
		}
	}
	v.Set(int(addr/8), f)
	return nil
}
