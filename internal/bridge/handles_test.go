package bridge

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/woxQAQ/wbridge/pkg/abi"
)

func TestHandleTableReservedLayout(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, abi.DefaultGrowBlock)

	tests := []struct {
		name   string
		handle abi.Handle
		want   any
	}{
		{"undefined", table.Undefined(), Undefined},
		{"null", table.Null(), nil},
		{"true", table.True(), true},
		{"false", table.False(), false},
	}

	for i, tt := range tests {
		if tt.handle != abi.Handle(abi.DefaultStackSize+i) {
			t.Errorf("%s handle = %d, want %d", tt.name, tt.handle, abi.DefaultStackSize+i)
		}
		if !table.Reserved(tt.handle) {
			t.Errorf("%s should be reserved", tt.name)
		}
		if got := table.Deref(tt.handle); got != tt.want {
			t.Errorf("%s deref = %v, want %v", tt.name, got, tt.want)
		}

		// Reserved handles are permanent.
		table.Free(tt.handle)
		if got := table.Take(tt.handle); got != tt.want {
			t.Errorf("%s take = %v, want %v", tt.name, got, tt.want)
		}
		if got := table.Deref(tt.handle); got != tt.want {
			t.Errorf("%s deref after take = %v, want %v", tt.name, got, tt.want)
		}
	}

	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}

func TestHandleTableFirstDynamicHandle(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, abi.DefaultGrowBlock)

	h := table.Alloc("first")
	if want := abi.Handle(abi.DefaultStackSize + abi.ReservedCount); h != want {
		t.Errorf("first handle = %d, want %d", h, want)
	}
	if table.Reserved(h) {
		t.Error("dynamic handle reported as reserved")
	}
}

func TestHandleTableReusesMostRecentlyFreed(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, abi.DefaultGrowBlock)

	a := table.Alloc("a")
	b := table.Alloc("b")
	c := table.Alloc("c")

	table.Free(b)
	table.Free(a)

	got := []abi.Handle{table.Alloc("x"), table.Alloc("y"), table.Alloc("z")}
	want := []abi.Handle{a, b, c + 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reuse order mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleTableFreedSlotNotObservable(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, abi.DefaultGrowBlock)

	h := table.Alloc("old")
	table.Free(h)

	mustPanic[*UseAfterFreeError](t, func() { table.Deref(h) })
	mustPanic[*UseAfterFreeError](t, func() { table.Take(h) })
	mustPanic[*UseAfterFreeError](t, func() { table.Free(h) })

	again := table.Alloc("new")
	if again != h {
		t.Fatalf("expected slot %d to be reused, got %d", h, again)
	}
	if got := table.Deref(h); got != "new" {
		t.Errorf("Deref = %v, want new", got)
	}
}

func TestHandleTableOutOfRange(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, abi.DefaultGrowBlock)

	err := mustPanic[*UseAfterFreeError](t, func() { table.Deref(10_000) })
	if err.Handle != 10_000 || err.Op != "deref" {
		t.Errorf("unexpected error %+v", err)
	}
}

func TestHandleTableTakeReleases(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, abi.DefaultGrowBlock)

	h := table.Alloc(42.0)
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}
	if got := table.Take(h); got != 42.0 {
		t.Errorf("Take = %v, want 42", got)
	}
	if table.Len() != 0 {
		t.Errorf("Len() after take = %d, want 0", table.Len())
	}
}

func TestHandleTableGrowsInBlocks(t *testing.T) {
	table := NewHandleTable(4, 3)
	initial := table.Cap()
	if initial != 4+abi.ReservedCount {
		t.Fatalf("initial Cap() = %d", initial)
	}

	for i := 0; i < 3; i++ {
		table.Alloc(i)
		if table.Cap() != initial+3 {
			t.Fatalf("after %d allocs Cap() = %d, want %d", i+1, table.Cap(), initial+3)
		}
	}

	table.Alloc("fourth")
	if table.Cap() != initial+6 {
		t.Errorf("Cap() = %d, want %d", table.Cap(), initial+6)
	}
}

func TestHandleTableFreePrefersSlotOverGrowth(t *testing.T) {
	table := NewHandleTable(4, 2)

	a := table.Alloc(1)
	table.Alloc(2)
	capacity := table.Cap()

	table.Free(a)
	if got := table.Alloc(3); got != a {
		t.Errorf("Alloc = %d, want freed slot %d", got, a)
	}
	if table.Cap() != capacity {
		t.Errorf("table grew while a free slot existed")
	}
}

func TestHandleTableNoAliasing(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, 8)
	rng := rand.New(rand.NewSource(7))

	live := make(map[abi.Handle]int)
	var order []abi.Handle

	for step := 0; step < 5000; step++ {
		if len(order) == 0 || rng.Intn(3) != 0 {
			h := table.Alloc(step)
			if _, dup := live[h]; dup {
				t.Fatalf("step %d: handle %d handed out twice", step, h)
			}
			live[h] = step
			order = append(order, h)
			continue
		}

		i := rng.Intn(len(order))
		h := order[i]
		order = append(order[:i], order[i+1:]...)
		if rng.Intn(2) == 0 {
			if got := table.Take(h); got != live[h] {
				t.Fatalf("step %d: Take(%d) = %v, want %v", step, h, got, live[h])
			}
		} else {
			table.Free(h)
		}
		delete(live, h)
	}

	for h, want := range live {
		if got := table.Deref(h); got != want {
			t.Errorf("Deref(%d) = %v, want %v", h, got, want)
		}
	}
	if table.Len() != len(live) {
		t.Errorf("Len() = %d, want %d", table.Len(), len(live))
	}
}

func TestHandleTableClone(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, abi.DefaultGrowBlock)

	obj := map[string]int{"a": 1}
	h := table.Alloc(obj)
	clone := table.Clone(h)
	if clone == h {
		t.Fatal("clone must be a distinct handle")
	}

	table.Free(h)
	if got := table.Deref(clone).(map[string]int); got["a"] != 1 {
		t.Errorf("clone lost its value: %v", got)
	}
}

func TestHandleTableReset(t *testing.T) {
	table := NewHandleTable(abi.DefaultStackSize, 4)
	for i := 0; i < 10; i++ {
		table.Alloc(i)
	}

	table.Reset()

	if table.Len() != 0 {
		t.Errorf("Len() = %d after reset", table.Len())
	}
	if table.Cap() != abi.DefaultStackSize+abi.ReservedCount {
		t.Errorf("Cap() = %d after reset", table.Cap())
	}
	if got := table.Deref(table.True()); got != true {
		t.Error("reserved handles must survive reset")
	}
	if h := table.Alloc("again"); h != abi.Handle(abi.DefaultStackSize+abi.ReservedCount) {
		t.Errorf("first handle after reset = %d", h)
	}
}
