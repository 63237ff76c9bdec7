package device

import (
	"io"

	"rvos/kernel"
	"rvos/kernel/mem"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// Platform describes where a probe function looks for its hardware.
type Platform struct {
	// Mem provides access to physical memory and MMIO registers.
	Mem mem.Memory

	// UART is the base address of the serial port registers.
	UART uintptr
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func(Platform) Driver
