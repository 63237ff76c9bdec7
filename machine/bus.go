package machine

import (
	"sort"

	"rvos/kernel/mem"
	"rvos/kernel/mem/phys"
)

// Device is a memory mapped peripheral. Offsets are relative to Base.
type Device interface {
	Base() uintptr
	Size() uintptr

	// Load returns the register at offset. width is 1, 4 or 8 and ok is
	// false if the register does not support the access.
	Load(offset uintptr, width int) (value uint64, ok bool)

	// Store updates the register at offset.
	Store(offset uintptr, width int, value uint64) (ok bool)
}

// Bus routes physical memory accesses to RAM or to the device whose register
// window contains the address. Accesses that hit neither panic with a
// *mem.AccessFault.
type Bus struct {
	ram     *phys.RAM
	devices []Device
}

// NewBus returns a bus serving ram and the supplied devices.
func NewBus(ram *phys.RAM, devices ...Device) *Bus {
	sorted := append([]Device(nil), devices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base() < sorted[j].Base() })
	return &Bus{ram: ram, devices: sorted}
}

// RAM returns the memory backing the bus.
func (b *Bus) RAM() *phys.RAM { return b.ram }

func (b *Bus) device(addr uintptr) Device {
	i := sort.Search(len(b.devices), func(i int) bool {
		d := b.devices[i]
		return d.Base()+d.Size() > addr
	})
	if i < len(b.devices) && b.devices[i].Base() <= addr {
		return b.devices[i]
	}
	return nil
}

func (b *Bus) load(addr uintptr, width int) uint64 {
	if d := b.device(addr); d != nil {
		if v, ok := d.Load(addr-d.Base(), width); ok {
			return v
		}
	}
	panic(&mem.AccessFault{Addr: addr, Width: width})
}

func (b *Bus) store(addr uintptr, width int, value uint64) {
	if d := b.device(addr); d != nil && d.Store(addr-d.Base(), width, value) {
		return
	}
	panic(&mem.AccessFault{Addr: addr, Width: width, Write: true})
}

// Load8 implements mem.Memory.
func (b *Bus) Load8(addr uintptr) uint8 {
	if b.ram.Contains(addr, 1) {
		return b.ram.Load8(addr)
	}
	return uint8(b.load(addr, 1))
}

// Store8 implements mem.Memory.
func (b *Bus) Store8(addr uintptr, value uint8) {
	if b.ram.Contains(addr, 1) {
		b.ram.Store8(addr, value)
		return
	}
	b.store(addr, 1, uint64(value))
}

// Load32 implements mem.Memory.
func (b *Bus) Load32(addr uintptr) uint32 {
	if b.ram.Contains(addr, 4) {
		return b.ram.Load32(addr)
	}
	return uint32(b.load(addr, 4))
}

// Store32 implements mem.Memory.
func (b *Bus) Store32(addr uintptr, value uint32) {
	if b.ram.Contains(addr, 4) {
		b.ram.Store32(addr, value)
		return
	}
	b.store(addr, 4, uint64(value))
}

// Load64 implements mem.Memory.
func (b *Bus) Load64(addr uintptr) uint64 {
	if b.ram.Contains(addr, 8) {
		return b.ram.Load64(addr)
	}
	return b.load(addr, 8)
}

// Store64 implements mem.Memory.
func (b *Bus) Store64(addr uintptr, value uint64) {
	if b.ram.Contains(addr, 8) {
		b.ram.Store64(addr, value)
		return
	}
	b.store(addr, 8, value)
}

// Memset implements mem.Memory. Only RAM can be filled.
func (b *Bus) Memset(addr uintptr, value byte, size mem.Size) {
	b.ram.Memset(addr, value, size)
}
