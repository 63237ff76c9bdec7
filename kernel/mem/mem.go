// Package mem defines the view of physical memory shared by all kernel
// subsystems.
package mem

import "fmt"

// Memory provides access to the machine's physical address space. Accesses
// are little-endian. Reads and writes to addresses that are not backed by RAM
// or a device register are routed to the bus which raises an access fault.
type Memory interface {
	Load8(addr uintptr) uint8
	Store8(addr uintptr, value uint8)
	Load32(addr uintptr) uint32
	Store32(addr uintptr, value uint32)
	Load64(addr uintptr) uint64
	Store64(addr uintptr, value uint64)

	// Memset sets size bytes starting at addr to value.
	Memset(addr uintptr, value byte, size Size)
}

// Align rounds addr up to the next multiple of (1 << order).
func Align(addr uintptr, order uint) uintptr {
	mask := (uintptr(1) << order) - 1
	return (addr + mask) &^ mask
}

// AlignDown rounds addr down to a multiple of (1 << order).
func AlignDown(addr uintptr, order uint) uintptr {
	return addr &^ ((uintptr(1) << order) - 1)
}

// AccessFault is raised (via panic) by Memory implementations when an access
// targets an address that is not backed by RAM or a device. The hart that
// issued the access recovers it and reports a bus error.
type AccessFault struct {
	Addr  uintptr
	Width int
	Write bool
}

// Error implements the error interface.
func (f *AccessFault) Error() string {
	op := "load"
	if f.Write {
		op = "store"
	}
	return fmt.Sprintf("%s access fault: %d byte(s) at 0x%x", op, f.Width, f.Addr)
}
