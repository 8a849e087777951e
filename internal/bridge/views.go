package bridge

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/woxQAQ/wbridge/pkg/abi"
)

// LinearMemory exposes the guest's memory buffer. The returned slice aliases
// guest memory and may be replaced when the memory grows.
type LinearMemory interface {
	Buffer() []byte
}

// TypedView is a window over linear memory with a fixed element width.
type TypedView interface {
	Kind() abi.ViewKind
	Len() int
	Bytes() []byte
}

// Uint8View addresses memory byte by byte.
type Uint8View struct{ buf []byte }

func (v Uint8View) Kind() abi.ViewKind { return abi.ViewUint8 }
func (v Uint8View) Len() int           { return len(v.buf) }
func (v Uint8View) Bytes() []byte      { return v.buf }
func (v Uint8View) Get(i int) uint8    { return v.buf[i] }
func (v Uint8View) Set(i int, b uint8) { v.buf[i] = b }

// Int32View addresses memory as little-endian int32 elements.
type Int32View struct{ buf []byte }

func (v Int32View) Kind() abi.ViewKind { return abi.ViewInt32 }
func (v Int32View) Len() int           { return len(v.buf) / 4 }
func (v Int32View) Bytes() []byte      { return v.buf }
func (v Int32View) Get(i int) int32 {
	return int32(binary.LittleEndian.Uint32(v.buf[i*4:]))
}
func (v Int32View) Set(i int, x int32) {
	binary.LittleEndian.PutUint32(v.buf[i*4:], uint32(x))
}

// Uint32View addresses memory as little-endian uint32 elements.
type Uint32View struct{ buf []byte }

func (v Uint32View) Kind() abi.ViewKind { return abi.ViewUint32 }
func (v Uint32View) Len() int           { return len(v.buf) / 4 }
func (v Uint32View) Bytes() []byte      { return v.buf }
func (v Uint32View) Get(i int) uint32   { return binary.LittleEndian.Uint32(v.buf[i*4:]) }
func (v Uint32View) Set(i int, x uint32) {
	binary.LittleEndian.PutUint32(v.buf[i*4:], x)
}

// Float32View addresses memory as little-endian float32 elements.
type Float32View struct{ buf []byte }

func (v Float32View) Kind() abi.ViewKind { return abi.ViewFloat32 }
func (v Float32View) Len() int           { return len(v.buf) / 4 }
func (v Float32View) Bytes() []byte      { return v.buf }
func (v Float32View) Get(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.buf[i*4:]))
}
func (v Float32View) Set(i int, x float32) {
	binary.LittleEndian.PutUint32(v.buf[i*4:], math.Float32bits(x))
}

// Float64View addresses memory as little-endian float64 elements.
type Float64View struct{ buf []byte }

func (v Float64View) Kind() abi.ViewKind { return abi.ViewFloat64 }
func (v Float64View) Len() int           { return len(v.buf) / 8 }
func (v Float64View) Bytes() []byte      { return v.buf }
func (v Float64View) Get(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(v.buf[i*8:]))
}
func (v Float64View) Set(i int, x float64) {
	binary.LittleEndian.PutUint64(v.buf[i*8:], math.Float64bits(x))
}

// ViewCache keeps one view per kind and rebuilds them whenever the identity
// of the guest buffer changes. Memory growth therefore invalidates every
// outstanding view at once; the replacement is built on the next access.
type ViewCache struct {
	mem      LinearMemory
	buf      []byte
	base     *byte
	views    [abi.ViewFloat64 + 1]TypedView
	rebuilds uint64
	valid    bool
}

func newViewCache(mem LinearMemory) *ViewCache {
	return &ViewCache{mem: mem}
}

// View returns the current view for kind.
func (c *ViewCache) View(kind abi.ViewKind) TypedView {
	if kind < abi.ViewUint8 || kind > abi.ViewFloat64 {
		panic(fmt.Sprintf("bridge: unknown view kind %d", kind))
	}
	c.sync()
	if v := c.views[kind]; v != nil {
		return v
	}

	var v TypedView
	switch kind {
	case abi.ViewUint8:
		v = Uint8View{buf: c.buf}
	case abi.ViewInt32:
		v = Int32View{buf: c.buf}
	case abi.ViewUint32:
		v = Uint32View{buf: c.buf}
	case abi.ViewFloat32:
		v = Float32View{buf: c.buf}
	case abi.ViewFloat64:
		v = Float64View{buf: c.buf}
	}
	c.views[kind] = v
	return v
}

func (c *ViewCache) Uint8() Uint8View     { return c.View(abi.ViewUint8).(Uint8View) }
func (c *ViewCache) Int32() Int32View     { return c.View(abi.ViewInt32).(Int32View) }
func (c *ViewCache) Uint32() Uint32View   { return c.View(abi.ViewUint32).(Uint32View) }
func (c *ViewCache) Float32() Float32View { return c.View(abi.ViewFloat32).(Float32View) }
func (c *ViewCache) Float64() Float64View { return c.View(abi.ViewFloat64).(Float64View) }

// Invalidate drops every cached view.
func (c *ViewCache) Invalidate() {
	c.buf = nil
	c.base = nil
	c.valid = false
	c.views = [abi.ViewFloat64 + 1]TypedView{}
}

// Rebuilds counts how many times the cache observed a new buffer.
func (c *ViewCache) Rebuilds() uint64 {
	return c.rebuilds
}

func (c *ViewCache) sync() {
	buf := c.mem.Buffer()
	var base *byte
	if len(buf) > 0 {
		base = &buf[0]
	}
	if c.valid && base == c.base && len(buf) == len(c.buf) {
		return
	}
	c.buf = buf
	c.base = base
	c.valid = true
	c.views = [abi.ViewFloat64 + 1]TypedView{}
	c.rebuilds++
}

// bounds checks that [ptr, ptr+n) lies inside buf.
func bounds(buf []byte, ptr, n uint32) error {
	if uint64(ptr)+uint64(n) > uint64(len(buf)) {
		return &OutOfBoundsError{Ptr: ptr, Length: n, Size: len(buf)}
	}
	return nil
}
