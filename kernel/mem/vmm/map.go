package vmm

import (
	"github.com/sirupsen/logrus"

	"rvos/kernel"
	"rvos/kernel/mem"
	"rvos/kernel/mem/pmm"
)

var (
	errInvalidLevel        = &kernel.Error{Module: "vmm", Message: "mapping level must be between 0 and 2"}
	errInvalidPerm         = &kernel.Error{Module: "vmm", Message: "unknown page permission"}
	errMisalignedSuperpage = &kernel.Error{Module: "vmm", Message: "superpage mapping addresses must be aligned to the level size"}
	errSuperpageConflict   = &kernel.Error{Module: "vmm", Message: "mapping overlaps an existing superpage"}
	errTableConflict       = &kernel.Error{Module: "vmm", Message: "superpage mapping overlaps an existing page table"}
)

// Map installs a leaf entry translating the page at virtAddr to the page at
// physAddr. Level 0 maps a 4K page; levels 1 and 2 map 2M and 1G superpages.
// Missing intermediate tables are allocated from the address space's frame
// allocator and installed as branch entries.
func (as *AddressSpace) Map(virtAddr, physAddr uintptr, perm Perm, level int) *kernel.Error {
	flags, ok := perm.Flags()
	if !ok {
		return errInvalidPerm
	}

	return as.mapFlags(virtAddr, physAddr, flags, level)
}

func (as *AddressSpace) mapFlags(virtAddr, physAddr uintptr, flags PageTableEntryFlag, level int) *kernel.Error {
	if level < 0 || level >= pageLevels {
		return errInvalidLevel
	}

	if mask := levelOffsetMask(level); level > 0 && (virtAddr&mask != 0 || physAddr&mask != 0) {
		return errMisalignedSuperpage
	}

	var err *kernel.Error
	as.walk(virtAddr, func(pteLevel int, addr uintptr) bool {
		pte := as.entry(addr)

		if pteLevel == level {
			// replacing a branch would orphan its tables.
			if pte.IsBranch() {
				err = errTableConflict
				return false
			}

			pte = 0
			pte.SetFrame(pmm.FrameFromAddress(physAddr))
			pte.SetFlags(flags | FlagValid)
			as.setEntry(addr, pte)
			return false
		}

		if pte.IsValid() && pte.IsLeaf() {
			err = errSuperpageConflict
			return false
		}

		// Next table does not yet exist; allocate a zeroed frame for it
		// and install it as a branch entry.
		if !pte.IsValid() {
			var tableAddr uintptr
			if tableAddr, err = as.frames.ZAlloc(1); err != nil {
				return false
			}

			pte = 0
			pte.SetFrame(pmm.FrameFromAddress(tableAddr))
			pte.SetFlags(FlagValid)
			as.setEntry(addr, pte)
		}

		return true
	})

	return err
}

// IdentityMapRange maps every page overlapping [start, end) to itself. The
// start address is rounded down and the end address rounded up to a page
// boundary.
func (as *AddressSpace) IdentityMapRange(start, end uintptr, perm Perm) *kernel.Error {
	first := mem.AlignDown(start, mem.PageShift)
	last := mem.Align(end, mem.PageShift)

	for addr := first; addr < last; addr += uintptr(mem.PageSize) {
		if err := as.Map(addr, addr, perm, 0); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{"start": first, "end": last, "perm": perm.String()}).Debug("identity mapped")
	return nil
}

// Unmap releases every level 1 and level 0 table reachable from the root and
// clears the root's branch entries. The root table itself and the frames
// referenced by leaf entries are not freed.
func (as *AddressSpace) Unmap() {
	for i := uintptr(0); i < entriesPerTable; i++ {
		rootEntryAddr := entryAddr(as.root, i)
		lv2 := as.entry(rootEntryAddr)
		if !lv2.IsBranch() {
			continue
		}

		table1 := lv2.Address()
		for j := uintptr(0); j < entriesPerTable; j++ {
			lv1 := as.entry(entryAddr(table1, j))
			if lv1.IsBranch() {
				as.frames.Dealloc(lv1.Address())
			}
		}

		as.frames.Dealloc(table1)
		as.setEntry(rootEntryAddr, 0)
	}
}
