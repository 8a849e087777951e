package bridge

import (
	"errors"
	"testing"
)

// fakeMemory is a growable linear memory. Growth always reallocates, so the
// buffer identity changes exactly like a real guest memory after memory.grow.
type fakeMemory struct {
	buf []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) Buffer() []byte { return m.buf }

func (m *fakeMemory) grow(n int) {
	next := make([]byte, len(m.buf)+n)
	copy(next, m.buf)
	m.buf = next
}

// bumpAllocator hands out memory from a moving top pointer and grows the
// memory when it runs out.
type bumpAllocator struct {
	mem      *fakeMemory
	top      uint32
	mallocs  int
	reallocs int
	// move forces realloc to copy into a fresh block.
	move bool
}

func (a *bumpAllocator) malloc(size uint32) (uint32, error) {
	a.mallocs++
	ptr := a.top
	a.top += size
	if need := int(a.top) - len(a.mem.buf); need > 0 {
		a.mem.grow(need + 64)
	}
	return ptr, nil
}

func (a *bumpAllocator) realloc(ptr, oldSize, newSize uint32) (uint32, error) {
	a.reallocs++
	if !a.move && ptr+oldSize == a.top {
		a.top = ptr + newSize
		if need := int(a.top) - len(a.mem.buf); need > 0 {
			a.mem.grow(need + 64)
		}
		return ptr, nil
	}
	next, err := a.malloc(newSize)
	if err != nil {
		return 0, err
	}
	copy(a.mem.buf[next:], a.mem.buf[ptr:ptr+oldSize])
	return next, nil
}

func newTestContext(t *testing.T, size int) (*Context, *fakeMemory) {
	t.Helper()
	mem := newFakeMemory(size)
	return New(mem, Options{}), mem
}

// mustPanic runs fn and returns the typed error it panicked with.
func mustPanic[E error](t *testing.T, fn func()) E {
	t.Helper()
	var target E
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatalf("expected panic with %T", target)
			}
			err, ok := r.(error)
			if !ok || !errors.As(err, &target) {
				t.Fatalf("panic value %v is not %T", r, target)
			}
		}()
		fn()
	}()
	return target
}
