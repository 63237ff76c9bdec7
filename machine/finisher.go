package machine

import "sync"

// Finisher status codes.
const (
	FinisherPass  = 0x5555
	FinisherFail  = 0x3333
	FinisherReset = 0x7777

	finisherSize = 0x1000
)

// Finisher models the SiFive test device used to power off the board. The
// low 16 bits of a 32-bit store at offset 0 select the status.
type Finisher struct {
	base   uintptr
	onExit func(code uint32)

	once sync.Once
}

// NewFinisher returns a finisher that invokes onExit for the first status
// written to it.
func NewFinisher(base uintptr, onExit func(code uint32)) *Finisher {
	return &Finisher{base: base, onExit: onExit}
}

// Base implements Device.
func (f *Finisher) Base() uintptr { return f.base }

// Size implements Device.
func (f *Finisher) Size() uintptr { return finisherSize }

// Load implements Device.
func (f *Finisher) Load(offset uintptr, width int) (uint64, bool) {
	return 0, offset == 0 && width == 4
}

// Store implements Device.
func (f *Finisher) Store(offset uintptr, width int, value uint64) bool {
	if offset != 0 || width != 4 {
		return false
	}

	switch code := uint32(value) & 0xffff; code {
	case FinisherPass, FinisherFail, FinisherReset:
		f.once.Do(func() { f.onExit(code) })
	}
	return true
}
