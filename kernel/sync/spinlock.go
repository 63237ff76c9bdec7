// Package sync provides synchronization primitive implementations for spinlocks
// and semaphore.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked after attemptsBeforeYielding failed acquisition
	// attempts so that a hart spinning on a lock gives its host thread
	// away.
	yieldFn = runtime.Gosched
)

// attemptsBeforeYielding is the number of busy-wait iterations performed by
// Acquire before calling yieldFn.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active hart.
// Any attempt to re-acquire a lock already held by the current hart will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other harts to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
