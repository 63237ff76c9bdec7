// Package cpu describes the hardware thread (hart) operations that the kernel
// core depends on. The kernel never touches control and status registers
// directly; it asks the Hart it was entered on.
package cpu

import "runtime"

// Mode is a RISC-V privilege level as encoded in mstatus.MPP.
type Mode uint64

const (
	ModeUser       Mode = 0
	ModeSupervisor Mode = 1
	ModeMachine    Mode = 3
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeSupervisor:
		return "supervisor"
	case ModeMachine:
		return "machine"
	default:
		return "unknown"
	}
}

// CSR is the 12-bit address of a control and status register.
type CSR uint16

// Control and status registers used by the kernel.
const (
	CSRSatp     CSR = 0x180
	CSRMstatus  CSR = 0x300
	CSRMie      CSR = 0x304
	CSRMtvec    CSR = 0x305
	CSRMscratch CSR = 0x340
	CSRMepc     CSR = 0x341
	CSRMcause   CSR = 0x342
	CSRMtval    CSR = 0x343
	CSRMip      CSR = 0x344
	CSRMhartid  CSR = 0xf14
)

// Interrupt enable and pending bits shared by mie and mip.
const (
	MachineSoftwareInterrupt uint64 = 1 << 3
	MachineTimerInterrupt    uint64 = 1 << 7
	MachineExternalInterrupt uint64 = 1 << 11
)

// mstatus bits.
const (
	MstatusMIE     uint64 = 1 << 3
	MstatusMPIE    uint64 = 1 << 7
	MstatusMPPShift       = 11
	MstatusMPPMask uint64 = 3 << MstatusMPPShift
)

// Hart is the hardware thread the kernel is currently executing on.
type Hart interface {
	// ID returns the value of mhartid.
	ID() int

	// ReadCSR returns the value of a control and status register.
	ReadCSR(CSR) uint64

	// WriteCSR updates a control and status register.
	WriteCSR(CSR, uint64)

	// FlushTLB is the equivalent of "sfence.vma zero, asid".
	FlushTLB(asid uint64)

	// SwitchToUser restores the register state stored in the trap frame
	// at the supplied address and resumes execution at its saved pc with
	// the privilege mode recorded in the frame. Once the current trap
	// handler returns the hart never comes back to the caller's context.
	SwitchToUser(frameAddr uintptr)

	// WaitForInterrupt parks the hart until the next interrupt.
	WaitForInterrupt()
}

var (
	// haltFn is mocked by tests.
	haltFn = runtime.Goexit
)

// Halt stops instruction execution on the calling hart. Calls to Halt never
// return.
func Halt() {
	haltFn()
}
