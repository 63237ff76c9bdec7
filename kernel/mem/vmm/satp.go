package vmm

import "rvos/kernel/cpu"

// SATPMode selects the translation scheme programmed into satp.
type SATPMode uint64

const (
	SATPModeOff  SATPMode = 0
	SATPModeSv39 SATPMode = 8
	SATPModeSv48 SATPMode = 9
)

const (
	satpModeShift = 60
	satpASIDShift = 44
	satpASIDMask  = 0xffff
	satpPPNMask   = 0xff_ffff_ffff
)

// BuildSATP encodes a satp value for the root table at rootAddr.
func BuildSATP(mode SATPMode, asid uint64, rootAddr uintptr) uint64 {
	return uint64(mode)<<satpModeShift |
		(asid&satpASIDMask)<<satpASIDShift |
		(uint64(rootAddr)>>12)&satpPPNMask
}

// DecodeSATP splits a satp value into its fields.
func DecodeSATP(satp uint64) (mode SATPMode, asid uint64, rootAddr uintptr) {
	return SATPMode(satp >> satpModeShift),
		(satp >> satpASIDShift) & satpASIDMask,
		uintptr((satp & satpPPNMask) << 12)
}

// SATP returns the Sv39 satp value that activates this address space.
func (as *AddressSpace) SATP(asid uint64) uint64 {
	return BuildSATP(SATPModeSv39, asid, as.root)
}

// Activate installs the address space on the supplied hart and flushes the
// hart's cached translations for asid.
func (as *AddressSpace) Activate(h cpu.Hart, asid uint64) {
	h.WriteCSR(cpu.CSRSatp, as.SATP(asid))
	h.FlushTLB(asid)
}
