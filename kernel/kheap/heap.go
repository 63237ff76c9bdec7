// Package kheap implements the kernel heap: variable-size allocations carved
// out of a single page reservation using an implicit list of block headers.
package kheap

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/mem/pmm"
	"rvos/kernel/sync"
)

const (
	// headerSize is the size of the header word preceding every block.
	headerSize = 8

	// takenFlag marks a block as allocated. The remaining header bits hold
	// the block size, header included.
	takenFlag = uint64(1) << 63

	// DefaultPages is the size of the kernel heap reservation in pages.
	DefaultPages = 2048
)

// Policy selects what Free does with a released block.
type Policy uint8

const (
	// PolicyArena treats the heap as a forward-only arena: Free is a
	// no-op and released blocks are never reused.
	PolicyArena Policy = iota

	// PolicyCoalesce marks released blocks free and merges runs of
	// adjacent free blocks so they can be handed out again.
	PolicyCoalesce
)

// String implements fmt.Stringer for Policy.
func (p Policy) String() string {
	switch p {
	case PolicyArena:
		return "arena"
	case PolicyCoalesce:
		return "coalesce"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a policy name back to its value.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "arena":
		return PolicyArena, nil
	case "coalesce":
		return PolicyCoalesce, nil
	default:
		return 0, fmt.Errorf("unknown heap policy %q", name)
	}
}

// FrameReserver provides the page reservation that backs the heap.
type FrameReserver interface {
	Reserve(pages uint) (pmm.Run, *kernel.Error)
}

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = logrus.WithField("module", "kheap")

	errNoPages       = &kernel.Error{Module: "kheap", Message: "heap reservation must span at least one page"}
	errCorruptHeader = &kernel.Error{Module: "kheap", Message: "heap block header has a zero size"}
	errBadFree       = &kernel.Error{Module: "kheap", Message: "attempted to free an address outside the heap"}
	errDoubleFree    = &kernel.Error{Module: "kheap", Message: "attempted to free a heap block that is not taken"}
	errNotABlock     = &kernel.Error{Module: "kheap", Message: "attempted to free an address that does not start a heap block"}
)

// Heap is a first-fit allocator over a fixed page reservation.
type Heap struct {
	lock   sync.Spinlock
	mem    mem.Memory
	run    pmm.Run
	head   uintptr
	tail   uintptr
	policy Policy
}

// Init reserves pages zeroed frames from frames and initializes the heap as
// a single free block spanning the whole reservation.
func (h *Heap) Init(m mem.Memory, frames FrameReserver, pages uint, policy Policy) *kernel.Error {
	if pages == 0 {
		return errNoPages
	}

	run, err := frames.Reserve(pages)
	if err != nil {
		return err
	}

	h.mem = m
	h.run = run
	h.head = run.Address()
	h.tail = h.head + uintptr(run.Size())
	h.policy = policy

	m.Memset(h.head, 0, run.Size())
	h.setHeader(h.head, false, uint64(run.Size()))

	log.WithFields(logrus.Fields{"head": fmt.Sprintf("0x%x", h.head), "pages": pages, "policy": policy.String()}).Debug("heap initialized")
	return nil
}

// Head returns the address of the first block header.
func (h *Heap) Head() uintptr { return h.head }

// Tail returns the first address past the heap reservation.
func (h *Heap) Tail() uintptr { return h.tail }

// Reservation returns the handle of the page run backing the heap.
func (h *Heap) Reservation() pmm.Run { return h.run }

func (h *Heap) header(addr uintptr) (taken bool, size uint64) {
	word := h.mem.Load64(addr)
	return word&takenFlag != 0, word &^ takenFlag
}

func (h *Heap) setHeader(addr uintptr, taken bool, size uint64) {
	word := size &^ takenFlag
	if taken {
		word |= takenFlag
	}
	h.mem.Store64(addr, word)
}

// Kmalloc returns the address of a block of at least size bytes or a null
// address if no free block is large enough.
func (h *Heap) Kmalloc(size uint) uintptr {
	h.lock.Acquire()
	defer h.lock.Release()

	return h.allocLocked(size)
}

func (h *Heap) allocLocked(size uint) uintptr {
	// requests that cannot fit even an empty heap would wrap below.
	if uint64(size) > uint64(h.tail-h.head)-headerSize {
		return 0
	}
	need := uint64(mem.Align(uintptr(size), 3)) + headerSize

	for addr := h.head; addr < h.tail; {
		taken, chunk := h.header(addr)
		if chunk == 0 {
			panicFn(errCorruptHeader)
			return 0
		}

		if !taken && chunk >= need {
			// split only when the remainder can hold more than a bare
			// header; otherwise the whole block is consumed.
			if rem := chunk - need; rem > headerSize {
				h.setHeader(addr+uintptr(need), false, rem)
				chunk = need
			}
			h.setHeader(addr, true, chunk)
			return addr + headerSize
		}

		addr += uintptr(chunk)
	}

	return 0
}

// Kzmalloc behaves like Kmalloc but zeroes the returned block.
func (h *Heap) Kzmalloc(size uint) uintptr {
	addr := h.Kmalloc(size)
	if addr != 0 {
		h.mem.Memset(addr, 0, mem.Size(mem.Align(uintptr(size), 3)))
	}
	return addr
}

// MustKzmalloc behaves like Kzmalloc but treats an exhausted heap as a fatal
// error.
func (h *Heap) MustKzmalloc(size uint) uintptr {
	addr := h.Kzmalloc(size)
	if addr == 0 {
		panicFn(&kernel.Error{Module: "kheap", Message: fmt.Sprintf("unable to satisfy heap request of %d bytes", size)})
	}
	return addr
}

// Free releases a block returned by Kmalloc according to the heap policy.
func (h *Heap) Free(addr uintptr) {
	if h.policy == PolicyArena || addr == 0 {
		return
	}

	h.lock.Acquire()
	defer h.lock.Release()

	hdr := addr - headerSize
	if addr < h.head+headerSize || addr >= h.tail {
		panicFn(errBadFree)
		return
	}

	if !h.isBlockLocked(hdr) {
		panicFn(errNotABlock)
		return
	}

	taken, size := h.header(hdr)
	if !taken {
		panicFn(errDoubleFree)
		return
	}

	h.setHeader(hdr, false, size)
	h.coalesceLocked()
}

// isBlockLocked returns true if hdr is the header of a block on the list.
func (h *Heap) isBlockLocked(hdr uintptr) bool {
	var found bool
	h.visitLocked(func(addr uintptr, _ bool, _ uint64) {
		if addr == hdr {
			found = true
		}
	})
	return found
}

// coalesceLocked merges every run of adjacent free blocks into one block.
func (h *Heap) coalesceLocked() {
	for addr := h.head; addr < h.tail; {
		taken, size := h.header(addr)
		if size == 0 {
			panicFn(errCorruptHeader)
			return
		}

		if !taken {
			for next := addr + uintptr(size); next < h.tail; next = addr + uintptr(size) {
				nextTaken, nextSize := h.header(next)
				if nextTaken || nextSize == 0 {
					break
				}
				size += nextSize
			}
			h.setHeader(addr, false, size)
		}

		addr += uintptr(size)
	}
}

// Stats summarizes the state of the heap.
type Stats struct {
	Blocks     int
	UsedBlocks int
	UsedBytes  uint64
	FreeBytes  uint64
}

// Stats walks the block list and returns usage totals. Header bytes are
// counted as part of each block.
func (h *Heap) Stats() Stats {
	h.lock.Acquire()
	defer h.lock.Release()

	var st Stats
	h.visitLocked(func(addr uintptr, taken bool, size uint64) {
		st.Blocks++
		if taken {
			st.UsedBlocks++
			st.UsedBytes += size
			return
		}
		st.FreeBytes += size
	})
	return st
}

func (h *Heap) visitLocked(fn func(addr uintptr, taken bool, size uint64)) {
	for addr := h.head; addr < h.tail; {
		taken, size := h.header(addr)
		if size == 0 {
			return
		}
		fn(addr, taken, size)
		addr += uintptr(size)
	}
}

// DumpTo writes the block list to w.
func (h *Heap) DumpTo(w io.Writer) {
	h.lock.Acquire()
	defer h.lock.Release()

	kfmt.Fprintf(w, "Heap: 0x%x -> 0x%x (%s)\n", h.head, h.tail, h.policy)
	h.visitLocked(func(addr uintptr, taken bool, size uint64) {
		state := "free"
		if taken {
			state = "taken"
		}
		kfmt.Fprintf(w, "0x%x: %8d bytes %s\n", addr, size, state)
	})
}
