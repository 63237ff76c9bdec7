package vmm

import (
	"rvos/kernel"
	"rvos/kernel/mem"
	"rvos/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

const (
	// pageLevels is the number of translation levels used by Sv39.
	pageLevels = 3

	// pageLevelBits is the number of virtual address bits used to index
	// a table at each level.
	pageLevelBits = 9

	// entriesPerTable is the number of entries in each translation table.
	entriesPerTable = 1 << pageLevelBits

	// ptePPNShift is the position of the physical page number inside an
	// entry.
	ptePPNShift = 10

	// ptePPNMask selects the 44-bit physical page number of an entry.
	ptePPNMask = ((uint64(1) << 44) - 1) << ptePPNShift
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// Sv39 page table entry flags.
const (
	FlagValid PageTableEntryFlag = 1 << iota
	FlagRead
	FlagWrite
	FlagExecute
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty

	// leafFlags marks an entry as a leaf when any of them is set.
	leafFlags = FlagRead | FlagWrite | FlagExecute
)

// pageTableEntry describes a Sv39 page table entry. Bits 0-7 hold flags
// and bits 10-53 the physical page number of either the mapped page (leaf
// entries) or the next level table (branch entries).
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// IsValid returns true if the valid bit is set.
func (pte pageTableEntry) IsValid() bool {
	return pte.HasFlags(FlagValid)
}

// IsLeaf returns true if the entry terminates translation.
func (pte pageTableEntry) IsLeaf() bool {
	return pte.HasAnyFlag(leafFlags)
}

// IsBranch returns true if the entry is valid and points to another table.
func (pte pageTableEntry) IsBranch() bool {
	return pte.IsValid() && !pte.IsLeaf()
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uint64(pte) & ptePPNMask) >> ptePPNShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePPNMask) | (uint64(frame)<<ptePPNShift)&ptePPNMask)
}

// Address returns the physical address encoded in the entry.
func (pte pageTableEntry) Address() uintptr {
	return uintptr((uint64(pte) & ptePPNMask) << (mem.PageShift - ptePPNShift))
}

// vpn returns the table index that virtAddr selects at the given level.
func vpn(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> (mem.PageShift + pageLevelBits*uint(level))) & (entriesPerTable - 1)
}

// levelOffsetMask returns the mask of address bits passed through untranslated
// by a leaf installed at the given level.
func levelOffsetMask(level int) uintptr {
	return (uintptr(1) << (mem.PageShift + pageLevelBits*uint(level))) - 1
}
