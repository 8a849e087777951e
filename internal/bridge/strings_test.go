package bridge

import (
	"errors"
	"testing"
)

func newTestCodec(size int) (*StringCodec, *bumpAllocator) {
	mem := newFakeMemory(size)
	alloc := &bumpAllocator{mem: mem, top: 8}
	return newStringCodec(newViewCache(mem)), alloc
}

func TestEncodeASCIIFastPath(t *testing.T) {
	codec, alloc := newTestCodec(64)

	ptr, n, err := codec.Encode("hello", alloc.malloc, alloc.realloc)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if n != 5 {
		t.Errorf("length = %d, want 5", n)
	}
	if alloc.reallocs != 0 || codec.Reallocs() != 0 {
		t.Errorf("ASCII string must not reallocate, got %d", alloc.reallocs)
	}
	if got := string(alloc.mem.buf[ptr : ptr+n]); got != "hello" {
		t.Errorf("memory holds %q", got)
	}
}

func TestEncodeMultiByteReallocates(t *testing.T) {
	codec, alloc := newTestCodec(64)

	ptr, n, err := codec.Encode("héllo", alloc.malloc, alloc.realloc)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if n != 6 {
		t.Errorf("length = %d, want 6", n)
	}
	if alloc.reallocs != 1 {
		t.Errorf("reallocs = %d, want 1", alloc.reallocs)
	}
	if alloc.top != ptr+6 {
		t.Errorf("allocation should be resized to exactly 6 bytes, top = %d", alloc.top)
	}

	got, err := codec.Decode(ptr, n)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got != "héllo" {
		t.Errorf("Decode = %q", got)
	}
}

func TestEncodeReallocMovesAndGrows(t *testing.T) {
	mem := newFakeMemory(16)
	alloc := &bumpAllocator{mem: mem, top: 0, move: true}
	codec := newStringCodec(newViewCache(mem))

	in := "ab日本語のテキスト"
	ptr, n, err := codec.Encode(in, alloc.malloc, alloc.realloc)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if int(n) != len(in) {
		t.Errorf("length = %d, want %d", n, len(in))
	}
	if len(mem.buf) <= 16 {
		t.Fatal("test expected memory growth")
	}

	got, err := codec.Decode(ptr, n)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got != in {
		t.Errorf("Decode = %q, want %q", got, in)
	}
}

func TestStringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"ascii", "plain text"},
		{"latin", "naïve café"},
		{"cjk", "你好，世界"},
		{"emoji", "ok 👍🏽"},
		{"bom", "\uFEFFleading mark"},
		{"nul", "a\x00b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, alloc := newTestCodec(32)

			ptr, n, err := codec.Encode(tt.in, alloc.malloc, alloc.realloc)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}
			if int(n) != len(tt.in) {
				t.Errorf("length = %d, want %d", n, len(tt.in))
			}
			got, err := codec.Decode(ptr, n)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if got != tt.in {
				t.Errorf("round trip = %q, want %q", got, tt.in)
			}

			fixedPtr, fixedLen, err := codec.Encode(tt.in, alloc.malloc, nil)
			if err != nil {
				t.Fatalf("Failed to encode without realloc: %v", err)
			}
			if got, _ := codec.Decode(fixedPtr, fixedLen); got != tt.in {
				t.Errorf("fixed round trip = %q, want %q", got, tt.in)
			}
		})
	}
}

func TestEncodeSanitizesInvalidHostString(t *testing.T) {
	codec, alloc := newTestCodec(32)

	ptr, n, err := codec.Encode("a\xffb", alloc.malloc, alloc.realloc)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	got, err := codec.Decode(ptr, n)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if got != "a\uFFFDb" {
		t.Errorf("Decode = %q", got)
	}
}

func TestEncodeFixedOverflowWritesNothing(t *testing.T) {
	mem := newFakeMemory(16)
	codec := newStringCodec(newViewCache(mem))
	malloc := func(size uint32) (uint32, error) { return 12, nil }

	_, _, err := codec.Encode("too long for the end", malloc, nil)
	var oob *OutOfBoundsError
	if !errors.As(err, &oob) {
		t.Fatalf("expected OutOfBoundsError, got %v", err)
	}
	if oob.Ptr != 12 || oob.Size != 16 {
		t.Errorf("unexpected error %+v", oob)
	}
	for i, b := range mem.buf {
		if b != 0 {
			t.Fatalf("byte %d was written", i)
		}
	}
}

func TestEncodeAllocatorFailure(t *testing.T) {
	codec, _ := newTestCodec(16)
	boom := errors.New("out of memory")
	malloc := func(size uint32) (uint32, error) { return 0, boom }

	if _, _, err := codec.Encode("x", malloc, nil); !errors.Is(err, boom) {
		t.Errorf("expected wrapped allocator error, got %v", err)
	}
}

func TestDecodeInvalidUTF8(t *testing.T) {
	codec, alloc := newTestCodec(16)
	copy(alloc.mem.buf[4:], "ab\xffc")

	_, err := codec.Decode(4, 4)
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
	if encErr.Offset != 2 || encErr.Ptr != 4 || encErr.Length != 4 {
		t.Errorf("unexpected error %+v", encErr)
	}
}

func TestDecodeOutOfBounds(t *testing.T) {
	codec, _ := newTestCodec(16)

	_, err := codec.Decode(10, 10)
	var oob *OutOfBoundsError
	if !errors.As(err, &oob) {
		t.Fatalf("expected OutOfBoundsError, got %v", err)
	}
}
