package vmm

import "rvos/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the address is not mapped. Leaves
// installed at any level are honored.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	as.walk(virtAddr, func(level int, addr uintptr) bool {
		pte := as.entry(addr)
		switch {
		case !pte.IsValid():
			return false
		case pte.IsLeaf():
			mask := levelOffsetMask(level)
			physAddr = (pte.Address() &^ mask) | (virtAddr & mask)
			err = nil
			return false
		default:
			// a branch at the last level is malformed and reads as
			// not mapped.
			return level > 0
		}
	})

	if err != nil {
		return 0, err
	}
	return physAddr, nil
}

// Mapping describes a leaf entry reported by VisitMappings.
type Mapping struct {
	VirtAddr uintptr
	PhysAddr uintptr
	Level    int
	Flags    PageTableEntryFlag
}

// Size returns the number of bytes translated by the mapping.
func (m Mapping) Size() uintptr {
	return levelOffsetMask(m.Level) + 1
}

// VisitMappings invokes visitFn for every leaf entry in ascending virtual
// address order. Visiting stops when visitFn returns false.
func (as *AddressSpace) VisitMappings(visitFn func(Mapping) bool) {
	as.visitTable(as.root, pageLevels-1, 0, visitFn)
}

func (as *AddressSpace) visitTable(tableAddr uintptr, level int, base uintptr, visitFn func(Mapping) bool) bool {
	for i := uintptr(0); i < entriesPerTable; i++ {
		pte := as.entry(entryAddr(tableAddr, i))
		if !pte.IsValid() {
			continue
		}

		virtAddr := base | i<<(12+pageLevelBits*uint(level))
		if pte.IsLeaf() {
			m := Mapping{VirtAddr: virtAddr, PhysAddr: pte.Address(), Level: level, Flags: PageTableEntryFlag(pte) & 0xff}
			if !visitFn(m) {
				return false
			}
			continue
		}

		if level > 0 && !as.visitTable(pte.Address(), level-1, virtAddr, visitFn) {
			return false
		}
	}
	return true
}
