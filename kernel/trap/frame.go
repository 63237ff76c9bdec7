// Package trap defines the saved execution context of a hart and routes
// hardware traps to the scheduler and the syscall layer.
package trap

import (
	"io"

	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
)

// MaxHarts is the number of per-hart kernel trap frame slots.
const MaxHarts = 8

// Byte offsets of the Frame fields when stored in memory.
const (
	offsetRegs   = 0
	offsetFRegs  = 256
	offsetSATP   = 512
	offsetPC     = 520
	offsetHartID = 528
	offsetQM     = 536
	offsetPID    = 544
	offsetMode   = 552

	// FrameSize is the size of a stored Frame in bytes.
	FrameSize = 560
)

// Integer register indices.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegT0   = 5
	RegS0   = 8
	RegS1   = 9
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
	RegS2   = 18
	RegS3   = 19
	RegT3   = 28
)

// Frame is the register state captured when a hart traps into the kernel.
type Frame struct {
	Regs   [32]uint64
	FRegs  [32]uint64
	SATP   uint64
	PC     uint64
	HartID uint64

	// QM is the scheduling quantum the frame's process runs with.
	QM   uint64
	PID  uint64
	Mode cpu.Mode
}

// Load populates the frame from the copy stored at addr.
func (f *Frame) Load(m mem.Memory, addr uintptr) {
	for i := range f.Regs {
		f.Regs[i] = m.Load64(addr + offsetRegs + uintptr(i)<<mem.PointerShift)
	}
	for i := range f.FRegs {
		f.FRegs[i] = m.Load64(addr + offsetFRegs + uintptr(i)<<mem.PointerShift)
	}
	f.SATP = m.Load64(addr + offsetSATP)
	f.PC = m.Load64(addr + offsetPC)
	f.HartID = m.Load64(addr + offsetHartID)
	f.QM = m.Load64(addr + offsetQM)
	f.PID = m.Load64(addr + offsetPID)
	f.Mode = cpu.Mode(m.Load64(addr + offsetMode))
}

// Store writes the frame to addr.
func (f *Frame) Store(m mem.Memory, addr uintptr) {
	for i, v := range f.Regs {
		m.Store64(addr+offsetRegs+uintptr(i)<<mem.PointerShift, v)
	}
	for i, v := range f.FRegs {
		m.Store64(addr+offsetFRegs+uintptr(i)<<mem.PointerShift, v)
	}
	m.Store64(addr+offsetSATP, f.SATP)
	m.Store64(addr+offsetPC, f.PC)
	m.Store64(addr+offsetHartID, f.HartID)
	m.Store64(addr+offsetQM, f.QM)
	m.Store64(addr+offsetPID, f.PID)
	m.Store64(addr+offsetMode, uint64(f.Mode))
}

// LoadPC returns the saved pc of the frame stored at addr.
func LoadPC(m mem.Memory, addr uintptr) uint64 {
	return m.Load64(addr + offsetPC)
}

// StorePC updates the saved pc of the frame stored at addr.
func StorePC(m mem.Memory, addr uintptr, pc uint64) {
	m.Store64(addr+offsetPC, pc)
}

// LoadPID returns the owning pid of the frame stored at addr.
func LoadPID(m mem.Memory, addr uintptr) uint64 {
	return m.Load64(addr + offsetPID)
}

// Arg returns the i-th syscall argument (a0-a5).
func (f *Frame) Arg(i int) uint64 {
	return f.Regs[RegA0+i]
}

// SyscallID returns the syscall identifier held in a7.
func (f *Frame) SyscallID() uint64 {
	return f.Regs[RegA7]
}

// DumpTo writes the general purpose registers x1-x31 to w, four per line.
func (f *Frame) DumpTo(w io.Writer) {
	for i := 1; i < len(f.Regs); i++ {
		kfmt.Fprintf(w, "x%-2d: 0x%016x", i, f.Regs[i])
		if i%4 == 0 || i == len(f.Regs)-1 {
			kfmt.Fprintf(w, "\n")
		} else {
			kfmt.Fprintf(w, "  ")
		}
	}
	kfmt.Fprintf(w, "pc : 0x%016x  pid: %d  hart: %d  mode: %s\n", f.PC, f.PID, f.HartID, f.Mode)
}
