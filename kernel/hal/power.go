package hal

import (
	"github.com/sirupsen/logrus"

	"rvos/kernel/mem"
)

// ExitCode is the status reported to the test finisher.
type ExitCode uint32

const (
	ExitSuccess ExitCode = 0x5555
	ExitFailure ExitCode = 0x3333
	ExitReset   ExitCode = 0x7777
)

// String implements fmt.Stringer for ExitCode.
func (c ExitCode) String() string {
	switch c {
	case ExitSuccess:
		return "success"
	case ExitFailure:
		return "failure"
	case ExitReset:
		return "reset"
	default:
		return "unknown"
	}
}

// PowerOff reports code to the test finisher of the board, which stops the
// machine. The caller is expected to halt afterwards.
func PowerOff(m mem.Memory, l Layout, code ExitCode) {
	logrus.WithFields(logrus.Fields{"module": "hal", "code": code.String()}).Info("powering off")
	m.Store32(uintptr(l.Finisher), uint32(code))
}
