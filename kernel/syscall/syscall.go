// Package syscall implements the kernel services requested by processes
// through the environment call gate. The identifier of a request is held in
// a7 and its arguments in a0-a5; results are returned in a0 and a1.
package syscall

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/sched"
	"rvos/kernel/sync"
	"rvos/kernel/trap"
)

// ID identifies a syscall.
type ID uint64

const (
	Nop ID = iota
	DumpRegisters
	Sleep
	Exit
	PushResult
	PrintResult
	PrintTotal
	PrintTime
	Sum

	numSyscalls
)

var names = [numSyscalls]string{
	Nop:           "nop",
	DumpRegisters: "dump_registers",
	Sleep:         "sleep",
	Exit:          "exit",
	PushResult:    "push_result",
	PrintResult:   "print_result",
	PrintTotal:    "print_total",
	PrintTime:     "print_time",
	Sum:           "sum",
}

// String implements fmt.Stringer for ID.
func (id ID) String() string {
	if id < numSyscalls {
		return names[id]
	}
	return fmt.Sprintf("syscall(%d)", uint64(id))
}

var (
	// panicFn and haltFn are mocked by tests.
	panicFn = kfmt.Panic
	haltFn  = cpu.Halt

	log = logrus.WithField("module", "syscall")
)

// Scheduler is the part of the scheduler the syscall layer drives.
type Scheduler interface {
	Find(pid uint64) (sched.Process, bool)
	Sleep(pid, quanta uint64) bool
	Exit(pid uint64) bool
	PushResult(v uint64) (sched.Verdict, bool)
	LastVerdict() (sched.Verdict, bool)
	Elapsed() uint64
}

// Table dispatches syscalls to their handlers.
type Table struct {
	Mem   mem.Memory
	Sched Scheduler

	// PowerOff is invoked by exit before the hart is halted. It may be
	// nil.
	PowerOff func()

	lock  sync.Spinlock
	total uint64
}

// Names returns the syscall names indexed by ID.
func (t *Table) Names() []string {
	return append([]string(nil), names[:]...)
}

// Total returns the result of the last sum syscall.
func (t *Table) Total() uint64 {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.total
}

// Syscall executes the request stored in the frame at frameAddr. The saved
// pc of the frame must already point past the ecall instruction.
func (t *Table) Syscall(h cpu.Hart, frameAddr uintptr) {
	var f trap.Frame
	f.Load(t.Mem, frameAddr)

	id := ID(f.SyscallID())
	log.WithFields(logrus.Fields{"hart": h.ID(), "pid": f.PID, "syscall": id.String()}).Debug("syscall")

	switch id {
	case Nop:
		return
	case DumpRegisters:
		kfmt.Printf("Registers\n")
		f.DumpTo(kfmt.Console())
		return
	case Sleep:
		t.sleep(&f)
		return
	case Exit:
		t.exit(&f)
		return
	case PushResult:
		t.pushResult(f.Arg(0))
		return
	case PrintResult:
		t.printResult(&f)
	case PrintTotal:
		kfmt.Printf("Total: %d\n", t.Total())
		kfmt.Printf("Time: %d\n", t.Sched.Elapsed())
		return
	case PrintTime:
		kfmt.Printf("Time: %d\n", t.Sched.Elapsed())
		return
	case Sum:
		t.sum(&f)
	default:
		panicFn(&kernel.Error{Module: "syscall", Message: fmt.Sprintf("hart %d: unknown syscall %d", h.ID(), uint64(id))})
		return
	}

	f.Store(t.Mem, frameAddr)
}

func (t *Table) sleep(f *trap.Frame) {
	quanta := f.Arg(0)
	if quanta == 0 {
		quanta = 1
	}

	if !t.Sched.Sleep(f.PID, quanta) {
		log.WithField("pid", f.PID).Warn("sleep requested by unknown process")
	}
}

func (t *Table) exit(f *trap.Frame) {
	t.Sched.Exit(f.PID)
	kfmt.Printf("Exiting. Bye.\n")

	if t.PowerOff != nil {
		t.PowerOff()
	}
	haltFn()
}

func (t *Table) pushResult(v uint64) {
	verdict, voted := t.Sched.PushResult(v)
	if !voted {
		return
	}

	log.WithFields(logrus.Fields{"value": verdict.Value, "majority": verdict.Majority, "results": verdict.Results}).Info("vote complete")
}

func (t *Table) printResult(f *trap.Frame) {
	verdict, ok := t.Sched.LastVerdict()
	switch {
	case !ok:
		kfmt.Printf("No result\n")
	case verdict.Accepted:
		kfmt.Printf("Correct output: %d\n", verdict.Value)
	default:
		kfmt.Printf("No majority: %v\n", verdict.Results)
	}

	f.Regs[trap.RegA0] = verdict.Value
	f.Regs[trap.RegA1] = 0
	if ok && verdict.Accepted {
		f.Regs[trap.RegA1] = 1
	}
}

func (t *Table) sum(f *trap.Frame) {
	total := f.Arg(0) + f.Arg(1)

	t.lock.Acquire()
	t.total = total
	t.lock.Release()

	f.Regs[trap.RegA0] = total

	if p, ok := t.Sched.Find(f.PID); ok && p.Voting {
		t.pushResult(total)
		return
	}
	kfmt.Printf("Total: %d\n", total)
}
