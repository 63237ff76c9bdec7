// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"rvos/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}

// Run is a handle to a live multi-page allocation. The generation number is
// checked against the allocator's liveness table on release, so a handle
// that outlives its allocation is detected instead of freeing whatever run
// currently occupies the same frames.
type Run struct {
	Start Frame
	Pages uint32
	Gen   uint32
}

// Address returns the physical address of the first page in the run.
func (r Run) Address() uintptr {
	return r.Start.Address()
}

// Size returns the size of the run in bytes.
func (r Run) Size() mem.Size {
	return mem.Size(r.Pages) << mem.PageShift
}
