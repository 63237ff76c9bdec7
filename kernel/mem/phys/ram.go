// Package phys provides the RAM backing store of the board: a contiguous,
// anonymous memory mapping addressed by physical address.
package phys

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"rvos/kernel/mem"
)

var log = logrus.WithField("module", "phys")

// RAM is a region of physical memory starting at a fixed base address.
type RAM struct {
	base uintptr
	data []byte
}

// New maps size bytes of zeroed anonymous memory and returns a RAM that
// exposes them at [base, base+size).
func New(base uintptr, size mem.Size) (*RAM, error) {
	if size == 0 || size%mem.PageSize != 0 {
		return nil, fmt.Errorf("ram size %d is not a positive multiple of the page size", size)
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %s of ram: %w", size, err)
	}

	log.WithFields(logrus.Fields{"base": fmt.Sprintf("0x%x", base), "size": size.String()}).Debug("ram mapped")
	return &RAM{base: base, data: data}, nil
}

// Close releases the mapping backing the RAM.
func (r *RAM) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// Base returns the physical address of the first byte of RAM.
func (r *RAM) Base() uintptr { return r.base }

// Size returns the RAM size in bytes.
func (r *RAM) Size() mem.Size { return mem.Size(len(r.data)) }

// End returns the first physical address past the end of RAM.
func (r *RAM) End() uintptr { return r.base + uintptr(len(r.data)) }

// Contains returns true if [addr, addr+width) lies within RAM.
func (r *RAM) Contains(addr uintptr, width uintptr) bool {
	return addr >= r.base && addr-r.base+width <= uintptr(len(r.data)) && addr+width >= addr
}

// Discard tells the host kernel that the contents of the supplied page
// aligned range are no longer needed; the range reads back as zero.
func (r *RAM) Discard(addr uintptr, size mem.Size) error {
	off := r.offset(addr, uintptr(size), true)
	return unix.Madvise(r.data[off:off+uintptr(size)], unix.MADV_DONTNEED)
}

func (r *RAM) offset(addr, width uintptr, write bool) uintptr {
	if !r.Contains(addr, width) {
		panic(&mem.AccessFault{Addr: addr, Width: int(width), Write: write})
	}
	return addr - r.base
}

// Load8 implements mem.Memory.
func (r *RAM) Load8(addr uintptr) uint8 {
	return r.data[r.offset(addr, 1, false)]
}

// Store8 implements mem.Memory.
func (r *RAM) Store8(addr uintptr, value uint8) {
	r.data[r.offset(addr, 1, true)] = value
}

// Load32 implements mem.Memory.
func (r *RAM) Load32(addr uintptr) uint32 {
	off := r.offset(addr, 4, false)
	return binary.LittleEndian.Uint32(r.data[off:])
}

// Store32 implements mem.Memory.
func (r *RAM) Store32(addr uintptr, value uint32) {
	off := r.offset(addr, 4, true)
	binary.LittleEndian.PutUint32(r.data[off:], value)
}

// Load64 implements mem.Memory.
func (r *RAM) Load64(addr uintptr) uint64 {
	off := r.offset(addr, 8, false)
	return binary.LittleEndian.Uint64(r.data[off:])
}

// Store64 implements mem.Memory.
func (r *RAM) Store64(addr uintptr, value uint64) {
	off := r.offset(addr, 8, true)
	binary.LittleEndian.PutUint64(r.data[off:], value)
}

// Memset implements mem.Memory. Instead of using a for loop, this function
// uses log2(size) copy calls.
func (r *RAM) Memset(addr uintptr, value byte, size mem.Size) {
	if size == 0 {
		return
	}

	off := r.offset(addr, uintptr(size), true)
	target := r.data[off : off+uintptr(size)]

	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}
