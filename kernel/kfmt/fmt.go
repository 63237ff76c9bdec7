// Package kfmt implements the kernel console: formatted output routed to the
// active character device and the fatal-error banner printed before a hart is
// halted.
package kfmt

import (
	"fmt"
	"io"

	"rvos/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console driver is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes console writes coming from different harts so
	// lines do not interleave.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	outputLock.Acquire()
	defer outputLock.Release()

	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// console. The supported verbs are the ones understood by fmt.Printf. If
// no console is attached, the output is buffered into a ring buffer and is
// replayed by the next call to SetOutputSink.
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	fmt.Fprintf(activeSinkLocked(), format, args...)
}

func activeSinkLocked() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}

// Console returns an io.Writer whose output goes wherever Printf output goes.
func Console() io.Writer {
	return consoleWriter{}
}

type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	outputLock.Acquire()
	defer outputLock.Release()

	return activeSinkLocked().Write(p)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
