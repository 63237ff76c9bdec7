package machine

import (
	"math"
	"sync/atomic"
)

// CLINT register offsets.
const (
	clintMsip     = 0x0000
	clintMtimecmp = 0x4000
	clintMtime    = 0xbff8
	clintSize     = 0x10000
)

// CLINT models the core-local interruptor: one software interrupt register
// and one timer comparator per hart plus the shared mtime counter. mtime
// only advances when harts execute instructions or when every hart waits for
// an interrupt.
type CLINT struct {
	base     uintptr
	mtime    atomic.Uint64
	msip     []atomic.Uint32
	mtimecmp []atomic.Uint64
}

// NewCLINT returns a CLINT for harts harts with disarmed comparators.
func NewCLINT(base uintptr, harts int) *CLINT {
	c := &CLINT{
		base:     base,
		msip:     make([]atomic.Uint32, harts),
		mtimecmp: make([]atomic.Uint64, harts),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i].Store(math.MaxUint64)
	}
	return c
}

// Base implements Device.
func (c *CLINT) Base() uintptr { return c.base }

// Size implements Device.
func (c *CLINT) Size() uintptr { return clintSize }

// Now returns the value of mtime.
func (c *CLINT) Now() uint64 { return c.mtime.Load() }

// Advance moves mtime forward by ticks.
func (c *CLINT) Advance(ticks uint64) { c.mtime.Add(ticks) }

// Pending returns the machine software and timer interrupt state of hart.
func (c *CLINT) Pending(hart int) (software, timer bool) {
	return c.msip[hart].Load()&1 != 0, c.mtime.Load() >= c.mtimecmp[hart].Load()
}

// FastForward moves mtime to the earliest armed comparator that lies in the
// future. It returns false if no comparator is armed.
func (c *CLINT) FastForward() bool {
	next := uint64(math.MaxUint64)
	for i := range c.mtimecmp {
		if cmp := c.mtimecmp[i].Load(); cmp < next {
			next = cmp
		}
	}
	if next == math.MaxUint64 {
		return false
	}

	for {
		now := c.mtime.Load()
		if now >= next || c.mtime.CompareAndSwap(now, next) {
			return true
		}
	}
}

func (c *CLINT) hartReg(offset, base, stride uintptr, count int) (int, bool) {
	if offset < base || (offset-base)%stride != 0 {
		return 0, false
	}
	hart := int((offset - base) / stride)
	return hart, hart < count
}

// Load implements Device.
func (c *CLINT) Load(offset uintptr, width int) (uint64, bool) {
	switch {
	case offset == clintMtime && width == 8:
		return c.mtime.Load(), true
	case offset >= clintMtimecmp && width == 8:
		if hart, ok := c.hartReg(offset, clintMtimecmp, 8, len(c.mtimecmp)); ok {
			return c.mtimecmp[hart].Load(), true
		}
	case offset < clintMtimecmp && width == 4:
		if hart, ok := c.hartReg(offset, clintMsip, 4, len(c.msip)); ok {
			return uint64(c.msip[hart].Load()), true
		}
	}
	return 0, false
}

// Store implements Device.
func (c *CLINT) Store(offset uintptr, width int, value uint64) bool {
	switch {
	case offset == clintMtime && width == 8:
		c.mtime.Store(value)
		return true
	case offset >= clintMtimecmp && width == 8:
		if hart, ok := c.hartReg(offset, clintMtimecmp, 8, len(c.mtimecmp)); ok {
			c.mtimecmp[hart].Store(value)
			return true
		}
	case offset < clintMtimecmp && width == 4:
		if hart, ok := c.hartReg(offset, clintMsip, 4, len(c.msip)); ok {
			c.msip[hart].Store(uint32(value) & 1)
			return true
		}
	}
	return false
}
