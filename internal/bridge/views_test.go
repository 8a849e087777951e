package bridge

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/woxQAQ/wbridge/pkg/abi"
)

func TestViewCacheReusesViews(t *testing.T) {
	mem := newFakeMemory(64)
	cache := newViewCache(mem)

	cache.Uint8()
	cache.Int32()
	cache.Float64()
	if cache.Rebuilds() != 1 {
		t.Errorf("Rebuilds() = %d, want 1", cache.Rebuilds())
	}
}

func TestViewCacheRebuildsAfterGrowth(t *testing.T) {
	mem := newFakeMemory(64)
	cache := newViewCache(mem)

	before := cache.Uint8()
	if before.Len() != 64 || cache.Int32().Len() != 16 {
		t.Fatalf("unexpected view lengths %d, %d", before.Len(), cache.Int32().Len())
	}

	mem.grow(64)

	after := cache.Uint8()
	if after.Len() != 128 {
		t.Errorf("Uint8 Len() = %d after growth, want 128", after.Len())
	}
	if cache.Int32().Len() != 32 {
		t.Errorf("Int32 Len() = %d after growth, want 32", cache.Int32().Len())
	}
	if cache.Rebuilds() != 2 {
		t.Errorf("Rebuilds() = %d, want 2", cache.Rebuilds())
	}

	// Writes through the fresh view land in the live buffer.
	after.Set(100, 7)
	if mem.buf[100] != 7 {
		t.Error("write through refreshed view was lost")
	}
	before.Set(0, 9)
	if mem.buf[0] == 9 {
		t.Error("stale view still aliases the live buffer")
	}
}

func TestViewCacheInvalidate(t *testing.T) {
	mem := newFakeMemory(16)
	cache := newViewCache(mem)

	cache.Uint8()
	cache.Invalidate()
	cache.Uint8()
	if cache.Rebuilds() != 2 {
		t.Errorf("Rebuilds() = %d, want 2", cache.Rebuilds())
	}
}

func TestViewCacheUnknownKind(t *testing.T) {
	cache := newViewCache(newFakeMemory(16))

	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown view kind")
		}
	}()
	cache.View(abi.ViewKind(0))
}

func TestTypedViewsLittleEndian(t *testing.T) {
	mem := newFakeMemory(32)
	cache := newViewCache(mem)

	cache.Int32().Set(1, -2)
	if got := int32(binary.LittleEndian.Uint32(mem.buf[4:])); got != -2 {
		t.Errorf("Int32 wrote %d", got)
	}

	binary.LittleEndian.PutUint32(mem.buf[8:], 0xdeadbeef)
	if got := cache.Uint32().Get(2); got != 0xdeadbeef {
		t.Errorf("Uint32 Get = %#x", got)
	}

	cache.Float64().Set(2, math.Pi)
	if got := math.Float64frombits(binary.LittleEndian.Uint64(mem.buf[16:])); got != math.Pi {
		t.Errorf("Float64 wrote %v", got)
	}

	cache.Float32().Set(0, 1.5)
	if got := cache.Float32().Get(0); got != 1.5 {
		t.Errorf("Float32 Get = %v", got)
	}

	tests := []struct {
		kind abi.ViewKind
		len  int
	}{
		{abi.ViewUint8, 32},
		{abi.ViewInt32, 8},
		{abi.ViewUint32, 8},
		{abi.ViewFloat32, 8},
		{abi.ViewFloat64, 4},
	}
	for _, tt := range tests {
		v := cache.View(tt.kind)
		if v.Kind() != tt.kind || v.Len() != tt.len {
			t.Errorf("%s: Kind() = %s, Len() = %d, want %d", tt.kind, v.Kind(), v.Len(), tt.len)
		}
	}
}
