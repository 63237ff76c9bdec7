package sched

import "rvos/kernel/mem/pmm"

// State is the lifecycle state of a process.
type State uint8

const (
	// Ready processes have been created but never dispatched.
	Ready State = iota

	// Running processes are eligible for dispatch.
	Running

	// Sleeping processes are skipped until their wake time passes.
	Sleeping

	// Dead processes have exited and are never dispatched again.
	Dead
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Process describes a schedulable program.
type Process struct {
	PID   uint64
	State State

	// Frame is the address of the trap frame holding the saved context of
	// the process.
	Frame uintptr

	// Stack is the page run backing the process stack.
	Stack pmm.Run

	// Voting marks processes that take part in redundant computation.
	// Their results are pushed onto the voting queue instead of being
	// reported directly.
	Voting bool

	// WakeAt is the mtime value after which a sleeping process becomes
	// runnable again.
	WakeAt uint64
}
