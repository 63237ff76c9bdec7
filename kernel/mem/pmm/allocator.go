package pmm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/sync"
)

// pageFlags is the metadata record stored for every managed page.
type pageFlags uint8

const (
	flagTaken pageFlags = 1 << iota
	flagLast
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = logrus.WithField("module", "pmm")

	errInvalidPageCount = &kernel.Error{Module: "pmm", Message: "page count must be at least 1"}
	errOutOfMemory      = &kernel.Error{Module: "pmm", Message: "no contiguous run of free pages is large enough"}
	errRegionTooSmall   = &kernel.Error{Module: "pmm", Message: "heap region cannot hold page metadata and at least one page"}
	errUnalignedHeap    = &kernel.Error{Module: "pmm", Message: "heap start address is not page aligned"}
	errNullFree         = &kernel.Error{Module: "pmm", Message: "attempted to free a null page address"}
	errFreeOutOfRange   = &kernel.Error{Module: "pmm", Message: "attempted to free an address outside the managed range"}
	errFreeUntaken      = &kernel.Error{Module: "pmm", Message: "attempted to free a page that is not taken"}
	errStaleRun         = &kernel.Error{Module: "pmm", Message: "attempted to release a page run that is no longer live"}
	errCorruptMetadata  = &kernel.Error{Module: "pmm", Message: "allocated run has no terminal page record"}
)

// Allocator is a first-fit physical page allocator. It keeps one metadata
// byte per page in a contiguous array at the start of the heap region; the
// pages it hands out start at the first page boundary after that array.
type Allocator struct {
	lock sync.Spinlock
	mem  mem.Memory

	metaStart  uintptr
	allocStart uintptr
	numPages   uintptr

	// gen holds the generation of every page that starts a run. It is
	// bumped whenever a run starting at that page is allocated or freed.
	gen []uint32
}

// Init prepares the allocator to manage the heap region
// [heapStart, heapStart+heapSize) and clears all page metadata.
func (a *Allocator) Init(m mem.Memory, heapStart uintptr, heapSize mem.Size) *kernel.Error {
	if heapStart&uintptr(mem.PageSize-1) != 0 {
		return errUnalignedHeap
	}

	heapEnd := heapStart + uintptr(heapSize)
	allocStart := mem.Align(heapStart+uintptr(heapSize>>mem.PageShift), mem.PageShift)
	if allocStart >= heapEnd {
		return errRegionTooSmall
	}

	a.mem = m
	a.metaStart = heapStart
	a.allocStart = allocStart
	a.numPages = (heapEnd - allocStart) >> mem.PageShift
	a.gen = make([]uint32, a.numPages)
	a.mem.Memset(a.metaStart, 0, mem.Size(a.numPages))

	log.WithFields(logrus.Fields{
		"meta":  fmt.Sprintf("0x%x", a.metaStart),
		"start": fmt.Sprintf("0x%x", a.allocStart),
		"pages": a.numPages,
	}).Debug("page allocator initialized")

	return nil
}

// AllocStart returns the address of the first managed page.
func (a *Allocator) AllocStart() uintptr { return a.allocStart }

// AllocEnd returns the first address past the last managed page.
func (a *Allocator) AllocEnd() uintptr { return a.allocStart + a.numPages<<mem.PageShift }

// MetaStart returns the address of the page metadata array.
func (a *Allocator) MetaStart() uintptr { return a.metaStart }

// MetaEnd returns the first address past the page metadata array.
func (a *Allocator) MetaEnd() uintptr { return a.metaStart + a.numPages }

// TotalPages returns the number of pages managed by the allocator.
func (a *Allocator) TotalPages() uint { return uint(a.numPages) }

func (a *Allocator) flags(index uintptr) pageFlags {
	return pageFlags(a.mem.Load8(a.metaStart + index))
}

func (a *Allocator) setFlags(index uintptr, flags pageFlags) {
	a.mem.Store8(a.metaStart+index, uint8(flags))
}

func (a *Allocator) pageAddress(index uintptr) uintptr {
	return a.allocStart + index<<mem.PageShift
}

// Alloc reserves a contiguous run of n pages and returns the address of its
// first page. If no run is large enough, Alloc returns a null address
// together with an error; the caller is expected to check for it.
func (a *Allocator) Alloc(n uint) (uintptr, *kernel.Error) {
	run, err := a.Reserve(n)
	if err != nil {
		return 0, err
	}
	return run.Address(), nil
}

// ZAlloc behaves like Alloc but also clears the contents of the run.
func (a *Allocator) ZAlloc(n uint) (uintptr, *kernel.Error) {
	addr, err := a.Alloc(n)
	if err != nil {
		return 0, err
	}

	a.mem.Memset(addr, 0, mem.Size(n)<<mem.PageShift)
	return addr, nil
}

// Reserve is the handle-returning variant of Alloc.
func (a *Allocator) Reserve(n uint) (Run, *kernel.Error) {
	if n == 0 {
		return Run{Start: InvalidFrame}, errInvalidPageCount
	}

	a.lock.Acquire()
	defer a.lock.Release()

	count := uintptr(n)
	if count > a.numPages {
		return Run{Start: InvalidFrame}, errOutOfMemory
	}

	for i := uintptr(0); i <= a.numPages-count; i++ {
		if a.flags(i)&flagTaken != 0 {
			continue
		}

		found := true
		for j := i; j < i+count; j++ {
			if a.flags(j)&flagTaken != 0 {
				// no run starting at or before j can fit; resume
				// the scan right after the taken page.
				found, i = false, j
				break
			}
		}

		if !found {
			continue
		}

		for j := i; j < i+count-1; j++ {
			a.setFlags(j, flagTaken)
		}
		a.setFlags(i+count-1, flagTaken|flagLast)
		a.gen[i]++

		run := Run{Start: FrameFromAddress(a.pageAddress(i)), Pages: uint32(n), Gen: a.gen[i]}
		log.WithFields(logrus.Fields{"addr": fmt.Sprintf("0x%x", run.Address()), "pages": n}).Debug("alloc")
		return run, nil
	}

	return Run{Start: InvalidFrame}, errOutOfMemory
}

// Dealloc releases the run starting at the page containing addr. Freeing a
// null address, an address outside the managed range or a page that is not
// taken is fatal; in that case the metadata is left untouched.
func (a *Allocator) Dealloc(addr uintptr) {
	if addr == 0 {
		panicFn(errNullFree)
		return
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if addr < a.allocStart || addr >= a.AllocEnd() {
		panicFn(errFreeOutOfRange)
		return
	}

	index := (addr - a.allocStart) >> mem.PageShift
	if a.flags(index)&flagTaken == 0 {
		panicFn(errFreeUntaken)
		return
	}

	a.freeLocked(index)
}

// Live returns true if the run handle still refers to a live allocation.
func (a *Allocator) Live(run Run) bool {
	a.lock.Acquire()
	defer a.lock.Release()

	return a.liveLocked(run)
}

func (a *Allocator) liveLocked(run Run) bool {
	addr := run.Address()
	if !run.Start.Valid() || run.Pages == 0 || addr < a.allocStart || addr >= a.AllocEnd() {
		return false
	}

	index := (addr - a.allocStart) >> mem.PageShift
	return a.flags(index)&flagTaken != 0 && a.gen[index] == run.Gen
}

// Release frees the run referenced by a handle obtained from Reserve.
// Releasing a handle whose run has already been freed is fatal.
func (a *Allocator) Release(run Run) {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.liveLocked(run) {
		panicFn(errStaleRun)
		return
	}

	a.freeLocked((run.Address() - a.allocStart) >> mem.PageShift)
}

// freeLocked clears every record from index up to and including the next
// record flagged as last.
func (a *Allocator) freeLocked(index uintptr) {
	start := index
	for ; index < a.numPages; index++ {
		flags := a.flags(index)
		if flags&flagTaken == 0 {
			break
		}

		a.setFlags(index, 0)
		if flags&flagLast != 0 {
			a.gen[start]++
			log.WithFields(logrus.Fields{"addr": fmt.Sprintf("0x%x", a.pageAddress(start)), "pages": index - start + 1}).Debug("dealloc")
			return
		}
	}

	panicFn(errCorruptMetadata)
}

// PageCount returns the total number of pages that are currently taken.
func (a *Allocator) PageCount() uint {
	a.lock.Acquire()
	defer a.lock.Release()

	var count uint
	for i := uintptr(0); i < a.numPages; i++ {
		if a.flags(i)&flagTaken != 0 {
			count++
		}
	}
	return count
}

// LastPage returns the address of the metadata record that terminates the
// first allocated run. When nothing is allocated, the address just past the
// metadata array is returned.
func (a *Allocator) LastPage() uintptr {
	a.lock.Acquire()
	defer a.lock.Release()

	for i := uintptr(0); i < a.numPages; i++ {
		if a.flags(i)&flagLast != 0 {
			return a.metaStart + i
		}
	}
	return a.MetaEnd()
}
