package machine

import (
	"io"
	"sync"
)

// Register offsets and line status bits of the ns16550 model.
const (
	uartRBR = 0
	uartIER = 1
	uartFCR = 2
	uartLCR = 3
	uartLSR = 5

	uartLSRDataReady = 1 << 0
	uartLSRTHRE      = 1 << 5
	uartLSRTEMT      = 1 << 6

	uartSize = 0x100
)

// UART models an ns16550 whose transmitter is always ready. Transmitted
// bytes are written to an io.Writer; received bytes are queued with Feed.
type UART struct {
	base uintptr

	mu    sync.Mutex
	out   io.Writer
	in    []byte
	regs  [8]uint8
	count uint64
}

// NewUART returns a UART model that writes transmitted bytes to out.
func NewUART(base uintptr, out io.Writer) *UART {
	return &UART{base: base, out: out}
}

// Base implements Device.
func (u *UART) Base() uintptr { return u.base }

// Size implements Device.
func (u *UART) Size() uintptr { return uartSize }

// Feed queues data to be received by the port.
func (u *UART) Feed(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.in = append(u.in, data...)
}

// Transmitted returns the number of bytes written to the port.
func (u *UART) Transmitted() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.count
}

// LineControl returns the value last written to the line control register.
func (u *UART) LineControl() uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.regs[uartLCR]
}

// Load implements Device.
func (u *UART) Load(offset uintptr, width int) (uint64, bool) {
	if width != 1 || offset >= uintptr(len(u.regs)) {
		return 0, false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case uartRBR:
		if len(u.in) == 0 {
			return 0, true
		}
		b := u.in[0]
		u.in = u.in[1:]
		return uint64(b), true
	case uartLSR:
		lsr := uint64(uartLSRTHRE | uartLSRTEMT)
		if len(u.in) != 0 {
			lsr |= uartLSRDataReady
		}
		return lsr, true
	default:
		return uint64(u.regs[offset]), true
	}
}

// Store implements Device.
func (u *UART) Store(offset uintptr, width int, value uint64) bool {
	if width != 1 || offset >= uintptr(len(u.regs)) {
		return false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case uartRBR:
		u.count++
		if u.out != nil {
			u.out.Write([]byte{byte(value)})
		}
	case uartLSR:
		// read-only
	default:
		u.regs[offset] = uint8(value)
	}
	return true
}
