// Package uart provides a polled driver for ns16550 compatible serial ports.
package uart

import (
	"errors"
	"fmt"
	"io"

	"rvos/device"
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
)

// Register offsets from the port base address.
const (
	regTHR = 0 // transmit holding (write) / receive buffer (read)
	regIER = 1
	regFCR = 2
	regLCR = 3
	regLSR = 5
)

// Line status bits.
const (
	LSRDataReady uint8 = 1 << 0
	LSRTHREmpty  uint8 = 1 << 5
	LSRTxEmpty   uint8 = 1 << 6
)

// Values written to the line and FIFO control registers at init.
const (
	lcr8N1     uint8 = 0x3
	fcrEnable  uint8 = 0x1
	ierDisable uint8 = 0x0
)

// ErrNoData is returned by ReadByte when the receive buffer is empty.
var ErrNoData = errors.New("uart: no data available")

// Device is an ns16550 serial port. It implements io.Writer so that it can
// serve as the kernel console.
type Device struct {
	mem  mem.Memory
	base uintptr
}

// New returns a driver for the port whose registers start at base.
func New(m mem.Memory, base uintptr) *Device {
	return &Device{mem: m, base: base}
}

// Base returns the base address of the port registers.
func (d *Device) Base() uintptr { return d.base }

// DriverName returns the name of this driver.
func (d *Device) DriverName() string {
	return "ns16550"
}

// DriverVersion returns the version of this driver.
func (d *Device) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit programs the port for 8 data bits, no parity and one stop bit,
// enables the FIFOs and masks all port interrupts.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	d.mem.Store8(d.base+regLCR, lcr8N1)
	d.mem.Store8(d.base+regFCR, fcrEnable)
	d.mem.Store8(d.base+regIER, ierDisable)

	kfmt.Fprintf(w, "port at 0x%x\n", d.base)
	return nil
}

// WriteByte waits until the transmitter can accept data and sends b.
func (d *Device) WriteByte(b byte) error {
	for d.mem.Load8(d.base+regLSR)&LSRTHREmpty == 0 {
	}
	d.mem.Store8(d.base+regTHR, b)
	return nil
}

// Write implements io.Writer.
func (d *Device) Write(p []byte) (int, error) {
	for _, b := range p {
		d.WriteByte(b)
	}
	return len(p), nil
}

// ReadByte returns the next received byte or ErrNoData if the receive buffer
// is empty.
func (d *Device) ReadByte() (byte, error) {
	if d.mem.Load8(d.base+regLSR)&LSRDataReady == 0 {
		return 0, ErrNoData
	}
	return d.mem.Load8(d.base + regTHR), nil
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("ns16550@0x%x", d.base)
}

// probeForUART reports a port if its line status register shows an idle
// transmitter, which is the reset state of the device.
func probeForUART(p device.Platform) device.Driver {
	if p.Mem == nil || p.UART == 0 {
		return nil
	}

	idle := LSRTHREmpty | LSRTxEmpty
	if p.Mem.Load8(p.UART+regLSR)&idle != idle {
		return nil
	}
	return New(p.Mem, p.UART)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: probeForUART,
	})
}
