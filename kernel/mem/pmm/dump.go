package pmm

import (
	"io"

	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
)

const dumpSeparator = "------------------------------------\n"

// DumpTo writes the page allocation table to w: the metadata and physical
// ranges, one line per allocated run and the allocated/free page totals.
func (a *Allocator) DumpTo(w io.Writer) {
	a.lock.Acquire()
	defer a.lock.Release()

	kfmt.Fprintf(w, "\n"+dumpSeparator)
	kfmt.Fprintf(w, "Page allocation table:\nMeta: 0x%x -> 0x%x:\nPhys: 0x%x -> 0x%x\n", a.metaStart, a.MetaEnd(), a.allocStart, a.AllocEnd())
	kfmt.Fprintf(w, dumpSeparator)

	var taken uintptr
	for i := uintptr(0); i < a.numPages; i++ {
		if a.flags(i)&flagTaken == 0 {
			continue
		}

		start := i
		for i < a.numPages-1 && a.flags(i)&flagLast == 0 {
			i++
		}
		taken += i - start + 1
		kfmt.Fprintf(w, "0x%x => 0x%x: %3d page(s)\n", a.pageAddress(start), a.pageAddress(i)+uintptr(mem.PageSize)-1, i-start+1)
	}

	free := a.numPages - taken
	kfmt.Fprintf(w, "Allocated: %d pages (%d bytes).\n", taken, taken<<mem.PageShift)
	kfmt.Fprintf(w, "Free     : %d pages (%d bytes).\n", free, free<<mem.PageShift)
	kfmt.Fprintf(w, dumpSeparator+"\n")
}
