// Package hal detects the devices of the board, attaches the kernel console
// and describes the boot-time memory layout.
package hal

import (
	"bytes"
	"io"
	"sort"

	"rvos/device"
	"rvos/kernel/kfmt"
)

// Console is a driver that can receive kernel console output.
type Console interface {
	device.Driver
	io.Writer
}

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole Console

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveConsole returns the currently active console or nil if no console
// driver has been initialized.
func ActiveConsole() Console {
	return devices.activeConsole
}

// ActiveDrivers returns the drivers initialized by DetectHardware.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers. Devices found by an earlier call are forgotten.
func DetectHardware(p device.Platform) {
	devices = managedDevices{}

	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(p, drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(p device.Platform, driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.Console()}

	for _, info := range driverInfoList {
		drv := info.Probe(p)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		onDriverInit(drv)
		kfmt.Fprintf(&w, "initialized\n")
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first console found becomes the output
// sink of kfmt, which replays any output buffered so far.
func onDriverInit(drv device.Driver) {
	cons, ok := drv.(Console)
	if !ok || devices.activeConsole != nil {
		return
	}

	devices.activeConsole = cons
	kfmt.SetOutputSink(cons)
}
