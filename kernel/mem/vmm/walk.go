package vmm

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the address of the entry that
// the walked virtual address selects at that level. If the function returns
// false, then the page walk is aborted.
type pageTableWalker func(level int, entryAddr uintptr) bool

// walk performs a page table walk for the given virtual address starting at
// the root table (level 2). After walkFn returns true for an entry, the walk
// descends into the table the entry points to; it stops once an entry is not
// a branch.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := as.root
	for level := pageLevels - 1; level >= 0; level-- {
		addr := entryAddr(tableAddr, vpn(virtAddr, level))
		if !walkFn(level, addr) {
			return
		}

		pte := as.entry(addr)
		if !pte.IsBranch() {
			return
		}
		tableAddr = pte.Address()
	}
}
