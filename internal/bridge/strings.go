package bridge

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MallocFunc allocates size bytes in guest memory.
type MallocFunc func(size uint32) (uint32, error)

// ReallocFunc resizes a guest allocation, possibly moving it.
type ReallocFunc func(ptr, oldSize, newSize uint32) (uint32, error)

// StringCodec moves strings between the host and guest memory as UTF-8.
// Every allocator call may grow memory, so views are fetched again after it.
type StringCodec struct {
	views    *ViewCache
	reallocs int
}

func newStringCodec(views *ViewCache) *StringCodec {
	return &StringCodec{views: views}
}

// Encode writes s into guest memory and returns the pointer and byte length.
//
// With a realloc function the codec first allocates one byte per character
// and copies while characters are ASCII. At the first multi-byte character
// it reallocates to the exact UTF-8 size and writes the remaining suffix.
// Without realloc the whole string is written into a single allocation.
func (c *StringCodec) Encode(s string, malloc MallocFunc, realloc ReallocFunc) (uint32, uint32, error) {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	if realloc == nil {
		return c.encodeFixed(s, malloc)
	}

	size := uint32(utf8.RuneCountInString(s))
	ptr, err := malloc(size)
	if err != nil {
		return 0, 0, fmt.Errorf("malloc(%d): %w", size, err)
	}

	mem := c.views.Uint8().Bytes()
	if err := bounds(mem, ptr, size); err != nil {
		return 0, 0, err
	}

	offset := 0
	for ; offset < len(s); offset++ {
		b := s[offset]
		if b >= utf8.RuneSelf {
			break
		}
		mem[int(ptr)+offset] = b
	}
	if offset == len(s) {
		return ptr, uint32(offset), nil
	}

	rest := s[offset:]
	newSize := uint32(offset + len(rest))
	ptr, err = realloc(ptr, size, newSize)
	if err != nil {
		return 0, 0, fmt.Errorf("realloc(%d -> %d): %w", size, newSize, err)
	}
	c.reallocs++

	mem = c.views.Uint8().Bytes()
	if err := bounds(mem, ptr, newSize); err != nil {
		return 0, 0, err
	}
	written := copy(mem[int(ptr)+offset:int(ptr)+int(newSize)], rest)
	if written != len(rest) {
		return 0, 0, fmt.Errorf("failed to pass whole string: wrote %d of %d bytes", written, len(rest))
	}
	return ptr, uint32(offset + written), nil
}

func (c *StringCodec) encodeFixed(s string, malloc MallocFunc) (uint32, uint32, error) {
	size := uint32(len(s))
	ptr, err := malloc(size)
	if err != nil {
		return 0, 0, fmt.Errorf("malloc(%d): %w", size, err)
	}

	mem := c.views.Uint8().Bytes()
	if err := bounds(mem, ptr, size); err != nil {
		return 0, 0, err
	}
	copy(mem[ptr:], s)
	return ptr, size, nil
}

// Decode reads length bytes at ptr as strict UTF-8. A byte order mark is
// kept as part of the string.
func (c *StringCodec) Decode(ptr, length uint32) (string, error) {
	mem := c.views.Uint8().Bytes()
	if err := bounds(mem, ptr, length); err != nil {
		return "", err
	}

	b := mem[ptr : ptr+length]
	if !utf8.Valid(b) {
		return "", &EncodingError{Ptr: ptr, Length: length, Offset: firstInvalid(b)}
	}
	return string(b), nil
}

// Reallocs returns how many times Encode fell back to the slow path.
func (c *StringCodec) Reallocs() int {
	return c.reallocs
}

func firstInvalid(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(b)
}
