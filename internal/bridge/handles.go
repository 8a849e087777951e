package bridge

import (
	"github.com/woxQAQ/wbridge/pkg/abi"
)

// cell is one slot of the handle table. A live cell holds a reference; a
// free cell holds the index of the next free cell.
type cell struct {
	ref  any
	next abi.Handle
	live bool
}

// HandleTable maps small integers to host values.
//
// The table is an arena of cells with an intrusive free list. Slots below
// the borrow stack size belong to the BorrowStack, the next ReservedCount
// slots hold undefined/null/true/false, and everything after that is
// allocated dynamically. The free list head equal to len(cells) means the
// table must grow before the next allocation.
//
// Freed slots are reused most-recently-freed first.
type HandleTable struct {
	cells     []cell
	next      abi.Handle
	base      abi.Handle
	growBlock int
	live      int
}

// NewHandleTable creates a table whose dynamic region starts after stackSize
// borrow slots and the reserved handles.
func NewHandleTable(stackSize, growBlock int) *HandleTable {
	if growBlock <= 0 {
		growBlock = abi.DefaultGrowBlock
	}

	cells := make([]cell, stackSize, stackSize+abi.ReservedCount+growBlock)
	cells = append(cells,
		cell{ref: Undefined, live: true},
		cell{ref: nil, live: true},
		cell{ref: true, live: true},
		cell{ref: false, live: true},
	)

	base := abi.Handle(len(cells))
	return &HandleTable{
		cells:     cells,
		next:      base,
		base:      base,
		growBlock: growBlock,
	}
}

// Alloc stores ref and returns its handle.
func (t *HandleTable) Alloc(ref any) abi.Handle {
	if int(t.next) == len(t.cells) {
		t.grow()
	}

	h := t.next
	c := &t.cells[h]
	if c.live {
		panic(&UseAfterFreeError{Handle: h, Op: "alloc"})
	}
	t.next = c.next
	*c = cell{ref: ref, live: true}
	t.live++
	return h
}

// Deref returns the value behind h without consuming it.
func (t *HandleTable) Deref(h abi.Handle) any {
	return t.lookup(h, "deref").ref
}

// Take returns the value behind h and releases the handle.
func (t *HandleTable) Take(h abi.Handle) any {
	ref := t.lookup(h, "take").ref
	t.release(h)
	return ref
}

// Free releases h without reading it. Reserved and borrowed handles are
// left untouched.
func (t *HandleTable) Free(h abi.Handle) {
	if h < t.base {
		return
	}
	t.lookup(h, "free")
	t.release(h)
}

// Clone allocates a second handle to the value behind h.
func (t *HandleTable) Clone(h abi.Handle) abi.Handle {
	return t.Alloc(t.Deref(h))
}

// Reserved reports whether h is one of the permanent handles.
func (t *HandleTable) Reserved(h abi.Handle) bool {
	return h >= t.base-abi.ReservedCount && h < t.base
}

// Reserved handle accessors.
func (t *HandleTable) Undefined() abi.Handle { return t.base - abi.ReservedCount + abi.ReservedUndefined }
func (t *HandleTable) Null() abi.Handle      { return t.base - abi.ReservedCount + abi.ReservedNull }
func (t *HandleTable) True() abi.Handle      { return t.base - abi.ReservedCount + abi.ReservedTrue }
func (t *HandleTable) False() abi.Handle     { return t.base - abi.ReservedCount + abi.ReservedFalse }

// Len returns the number of live dynamic handles.
func (t *HandleTable) Len() int {
	return t.live
}

// Cap returns the number of cells, including the borrow and reserved regions.
func (t *HandleTable) Cap() int {
	return len(t.cells)
}

// Reset drops every dynamic handle and shrinks the table back to its
// reserved layout.
func (t *HandleTable) Reset() {
	clear(t.cells[t.base:])
	t.cells = t.cells[:t.base]
	t.next = t.base
	t.live = 0
}

func (t *HandleTable) lookup(h abi.Handle, op string) *cell {
	if int(h) >= len(t.cells) || !t.cells[h].live {
		panic(&UseAfterFreeError{Handle: h, Op: op})
	}
	return &t.cells[h]
}

func (t *HandleTable) release(h abi.Handle) {
	if h < t.base {
		return
	}
	t.cells[h] = cell{next: t.next}
	t.next = h
	t.live--
}

// grow appends a block of free cells, each linked to the one after it. The
// last cell links to the new length, which is the append sentinel.
func (t *HandleTable) grow() {
	n := len(t.cells)
	for i := 0; i < t.growBlock; i++ {
		t.cells = append(t.cells, cell{next: abi.Handle(n + i + 1)})
	}
}
