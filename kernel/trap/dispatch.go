package trap

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = logrus.WithField("module", "trap")
)

// Scheduler selects the frame a hart resumes after a trap.
type Scheduler interface {
	// InitSched arms the hart's timer to fire after quantum intervals.
	InitSched(hart int, quantum uint64)

	// Schedule returns the address of the next trap frame hart should
	// run. The second return value is false if no process is runnable.
	Schedule(hart int) (uintptr, bool)
}

// SyscallHandler executes the service requested by the frame at frameAddr.
type SyscallHandler interface {
	Syscall(h cpu.Hart, frameAddr uintptr)
}

// SwitchMode is the privilege a context switch resumes execution with.
type SwitchMode uint8

const (
	SwitchUser SwitchMode = iota
	SwitchSupervisor
)

// Dispatcher classifies traps and routes them to the scheduler and the
// syscall layer.
type Dispatcher struct {
	Mem      mem.Memory
	Sched    Scheduler
	Syscalls SyscallHandler

	// Quantum is the number of scheduling intervals a process runs for
	// before the next timer interrupt.
	Quantum uint64

	// AckSoftwareInterrupt clears the pending software interrupt of a
	// hart. It may be nil.
	AckSoftwareInterrupt func(hart int)
}

// Handle is the kernel side of the trap entry trampoline. It is invoked with
// the trapping pc, the trap value, the cause, the status word and the address
// of the frame the trampoline saved the interrupted context into.
func (d *Dispatcher) Handle(h cpu.Hart, epc, tval uint64, cause Cause, status uint64, frameAddr uintptr) {
	hart := h.ID()
	log.WithFields(logrus.Fields{"hart": hart, "cause": cause.String(), "epc": fmt.Sprintf("0x%x", epc)}).Debug("trap")

	if cause.IsInterrupt() {
		switch Interrupt(cause.Code()) {
		case MachineSoftware:
			log.WithField("hart", hart).Info("machine software interrupt")
			if d.AckSoftwareInterrupt != nil {
				d.AckSoftwareInterrupt(hart)
			}
		case MachineTimer:
			d.reschedule(h)
		default:
			d.unhandled(hart, "interrupt", cause, epc, tval)
		}
		return
	}

	switch Exception(cause.Code()) {
	case EcallFromMachine:
		StorePC(d.Mem, frameAddr, epc+4)
		d.Syscalls.Syscall(h, frameAddr)
		d.reschedule(h)
	case EcallFromSupervisor:
		log.WithFields(logrus.Fields{"hart": hart, "epc": fmt.Sprintf("0x%x", epc)}).Info("environment call from supervisor mode ignored")
	case IllegalInstruction:
		panicFn(&kernel.Error{Module: "trap", Message: fmt.Sprintf("hart %d: illegal instruction at 0x%x: 0x%x", hart, epc, tval)})
	default:
		d.unhandled(hart, "exception", cause, epc, tval)
	}
}

func (d *Dispatcher) unhandled(hart int, kind string, cause Cause, epc, tval uint64) {
	panicFn(&kernel.Error{
		Module:  "trap",
		Message: fmt.Sprintf("hart %d: unhandled %s %d (%s) at 0x%x, tval 0x%x", hart, kind, cause.Code(), cause, epc, tval),
	})
}

// reschedule re-arms the quantum and switches into the next runnable frame.
// With nothing to run the hart waits for the next interrupt and retries, so
// reschedule only returns once a switch took place.
func (d *Dispatcher) reschedule(h cpu.Hart) {
	for {
		d.Sched.InitSched(h.ID(), d.Quantum)

		if frameAddr, ok := d.Sched.Schedule(h.ID()); ok {
			d.Switch(h, frameAddr, SwitchUser)
			return
		}

		log.WithField("hart", h.ID()).Debug("no runnable process; idling")
		h.WaitForInterrupt()
	}
}

// Idle parks h until a process becomes runnable and switches into it.
func (d *Dispatcher) Idle(h cpu.Hart) {
	d.reschedule(h)
}

// Switch hands the frame at frameAddr to the context switch trampoline.
// Only SwitchUser is supported.
func (d *Dispatcher) Switch(h cpu.Hart, frameAddr uintptr, mode SwitchMode) {
	if mode != SwitchUser {
		panicFn(&kernel.Error{Module: "trap", Message: fmt.Sprintf("hart %d: switching into supervisor mode is not supported", h.ID())})
		return
	}

	h.SwitchToUser(frameAddr)
}
