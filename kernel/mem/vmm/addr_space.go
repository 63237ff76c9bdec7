// Package vmm builds and queries Sv39 translation tables.
package vmm

import (
	"github.com/sirupsen/logrus"

	"rvos/kernel"
	"rvos/kernel/mem"
)

var log = logrus.WithField("module", "vmm")

// FrameAllocator supplies the zeroed frames used for translation tables.
type FrameAllocator interface {
	ZAlloc(pages uint) (uintptr, *kernel.Error)
	Dealloc(addr uintptr)
}

// AddressSpace owns a root translation table together with the memory the
// tables live in and the allocator their frames come from.
type AddressSpace struct {
	mem    mem.Memory
	frames FrameAllocator
	root   uintptr
}

// New allocates an empty root table.
func New(m mem.Memory, frames FrameAllocator) (*AddressSpace, *kernel.Error) {
	root, err := frames.ZAlloc(1)
	if err != nil {
		return nil, err
	}

	log.WithField("root", root).Debug("address space created")
	return &AddressSpace{mem: m, frames: frames, root: root}, nil
}

// Root returns the physical address of the root table.
func (as *AddressSpace) Root() uintptr {
	return as.root
}

func (as *AddressSpace) entry(entryAddr uintptr) pageTableEntry {
	return pageTableEntry(as.mem.Load64(entryAddr))
}

func (as *AddressSpace) setEntry(entryAddr uintptr, pte pageTableEntry) {
	as.mem.Store64(entryAddr, uint64(pte))
}

// entryAddr returns the address of the entry with the given index inside
// the table at tableAddr.
func entryAddr(tableAddr, index uintptr) uintptr {
	return tableAddr + index<<mem.PointerShift
}
