package hal

import "rvos/kernel/mem"

// Layout holds the boot-time addresses supplied by the linker script and the
// MMIO map of the board.
type Layout struct {
	HeapStart uint64 `toml:"heap_start"`
	HeapSize  uint64 `toml:"heap_size"`

	TextStart   uint64 `toml:"text_start"`
	TextEnd     uint64 `toml:"text_end"`
	RodataStart uint64 `toml:"rodata_start"`
	RodataEnd   uint64 `toml:"rodata_end"`
	DataStart   uint64 `toml:"data_start"`
	DataEnd     uint64 `toml:"data_end"`
	BssStart    uint64 `toml:"bss_start"`
	BssEnd      uint64 `toml:"bss_end"`

	KernelStackStart uint64 `toml:"kernel_stack_start"`
	KernelStackEnd   uint64 `toml:"kernel_stack_end"`

	UART     uint64 `toml:"uart"`
	CLINT    uint64 `toml:"clint"`
	Finisher uint64 `toml:"finisher"`
}

// Well-known MMIO addresses of the reference board.
const (
	DefaultFinisher = 0x0010_0000
	DefaultCLINT    = 0x0200_0000
	DefaultUART     = 0x1000_0000

	// CLINTSize and MMIOSize are the extents of the CLINT and of the
	// finisher and UART register windows.
	CLINTSize = 0x1_0000
	MMIOSize  = 0x1000

	// RAMBase is the physical address the kernel image is loaded at.
	RAMBase = 0x8000_0000
)

// DefaultLayout returns the layout of a kernel image linked at RAMBase on a
// board with ramSize bytes of memory. The heap spans from the end of the
// kernel stack to the end of RAM.
func DefaultLayout(ramSize mem.Size) Layout {
	l := Layout{
		TextStart:        RAMBase,
		TextEnd:          RAMBase + 0x4000,
		RodataStart:      RAMBase + 0x4000,
		RodataEnd:        RAMBase + 0x5000,
		DataStart:        RAMBase + 0x5000,
		DataEnd:          RAMBase + 0x6000,
		BssStart:         RAMBase + 0x6000,
		BssEnd:           RAMBase + 0x8000,
		KernelStackStart: RAMBase + 0x8000,
		KernelStackEnd:   RAMBase + 0x8_8000,
		UART:             DefaultUART,
		CLINT:            DefaultCLINT,
		Finisher:         DefaultFinisher,
	}

	l.HeapStart = l.KernelStackEnd
	if end := uint64(RAMBase) + uint64(ramSize); end > l.HeapStart {
		l.HeapSize = end - l.HeapStart
	}
	return l
}

// Section is a named address range of the layout.
type Section struct {
	Name  string
	Start uintptr
	End   uintptr
}

// Size returns the length of the section.
func (s Section) Size() mem.Size {
	return mem.Size(s.End - s.Start)
}

// Sections returns the kernel image sections in address order followed by
// the heap.
func (l Layout) Sections() []Section {
	return []Section{
		{"text", uintptr(l.TextStart), uintptr(l.TextEnd)},
		{"rodata", uintptr(l.RodataStart), uintptr(l.RodataEnd)},
		{"data", uintptr(l.DataStart), uintptr(l.DataEnd)},
		{"bss", uintptr(l.BssStart), uintptr(l.BssEnd)},
		{"stack", uintptr(l.KernelStackStart), uintptr(l.KernelStackEnd)},
		{"heap", uintptr(l.HeapStart), uintptr(l.HeapStart + l.HeapSize)},
	}
}

// MMIO returns the register windows of the board devices.
func (l Layout) MMIO() []Section {
	return []Section{
		{"finisher", uintptr(l.Finisher), uintptr(l.Finisher) + MMIOSize},
		{"clint", uintptr(l.CLINT), uintptr(l.CLINT) + CLINTSize},
		{"uart", uintptr(l.UART), uintptr(l.UART) + MMIOSize},
	}
}
