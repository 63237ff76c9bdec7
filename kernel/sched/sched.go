// Package sched implements a round-robin process scheduler driven by the
// machine timer, together with majority voting over the results of
// redundantly executed computations.
package sched

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/mem/pmm"
	"rvos/kernel/sync"
	"rvos/kernel/trap"
)

const (
	// Freq is the frequency of the machine timer in Hz.
	Freq = 10_000_000

	// ContextSwitchTime is the number of timer ticks in one scheduling
	// interval.
	ContextSwitchTime = Freq / 250

	// DefaultCLINT is the base address of the core-local interruptor.
	DefaultCLINT = uintptr(0x0200_0000)

	// DefaultStackPages is the number of pages reserved for every process
	// stack.
	DefaultStackPages = 2

	mtimecmpOffset = 0x4000
	mtimeOffset    = 0xbff8
)

var (
	log = logrus.WithField("module", "sched")

	errNoStackPages = &kernel.Error{Module: "sched", Message: "process stacks need at least one page"}
)

// Heap allocates kernel objects such as trap frames.
type Heap interface {
	MustKzmalloc(size uint) uintptr
	Free(addr uintptr)
}

// Frames reserves and releases physical page runs.
type Frames interface {
	Reserve(n uint) (pmm.Run, *kernel.Error)
	Release(run pmm.Run)
}

// Config describes the timer hardware and the defaults applied to spawned
// processes.
type Config struct {
	// CLINT is the base address of the core-local interruptor.
	CLINT uintptr

	// Interval is the number of timer ticks in one scheduling interval.
	Interval uint64

	// Quantum is the number of intervals a spawned process runs for.
	Quantum uint64

	StackPages uint
	NoMajority NoMajorityPolicy

	// SATP is installed into the frame of every spawned process.
	SATP uint64
}

// DefaultConfig returns the configuration of the reference board.
func DefaultConfig() Config {
	return Config{
		CLINT:      DefaultCLINT,
		Interval:   ContextSwitchTime,
		Quantum:    1,
		StackPages: DefaultStackPages,
		NoMajority: NoMajorityZero,
	}
}

// Stats counts scheduler events.
type Stats struct {
	Dispatches  uint64
	Idles       uint64
	Wakeups     uint64
	Votes       uint64
	NoMajority  uint64
	Rejected    uint64
	PushedTotal uint64
}

// Scheduler keeps the process ring and the queue of results awaiting a
// vote. All methods are safe for concurrent use by multiple harts.
type Scheduler struct {
	lock   sync.Spinlock
	mem    mem.Memory
	heap   Heap
	frames Frames
	cfg    Config

	// procs is the process ring; procs[0] is its front.
	procs   []*Process
	nextPID uint64

	// current holds the process each hart is executing.
	current [trap.MaxHarts]*Process

	results     []uint64
	last        Verdict
	haveVerdict bool

	bootTime     uint64
	timerStarted bool
	stats        Stats
}

// New returns a scheduler that allocates process frames from heap and
// process stacks from frames.
func New(m mem.Memory, heap Heap, frames Frames, cfg Config) (*Scheduler, *kernel.Error) {
	if cfg.StackPages == 0 {
		return nil, errNoStackPages
	}
	if cfg.Interval == 0 {
		cfg.Interval = ContextSwitchTime
	}
	if cfg.Quantum == 0 {
		cfg.Quantum = 1
	}

	return &Scheduler{
		mem:     m,
		heap:    heap,
		frames:  frames,
		cfg:     cfg,
		nextPID: 1,
	}, nil
}

func (s *Scheduler) mtimeAddr() uintptr {
	return s.cfg.CLINT + mtimeOffset
}

func (s *Scheduler) mtimecmpAddr(hart int) uintptr {
	return s.cfg.CLINT + mtimecmpOffset + uintptr(hart)<<3
}

// Now returns the current value of the machine timer.
func (s *Scheduler) Now() uint64 {
	return s.mem.Load64(s.mtimeAddr())
}

// Spawn creates a process that starts executing at entry. The process frame
// is allocated from the kernel heap and its stack from the frame allocator.
func (s *Scheduler) Spawn(entry uintptr, voting bool) (*Process, *kernel.Error) {
	frameAddr := s.heap.MustKzmalloc(trap.FrameSize)
	if frameAddr == 0 {
		return nil, &kernel.Error{Module: "sched", Message: "unable to allocate process frame"}
	}

	stack, err := s.frames.Reserve(s.cfg.StackPages)
	if err != nil {
		s.heap.Free(frameAddr)
		return nil, err
	}

	s.lock.Acquire()
	defer s.lock.Release()

	p := &Process{
		PID:    s.nextPID,
		State:  Ready,
		Frame:  frameAddr,
		Stack:  stack,
		Voting: voting,
	}
	s.nextPID++

	f := trap.Frame{
		PC:   uint64(entry),
		SATP: s.cfg.SATP,
		QM:   s.cfg.Quantum,
		PID:  p.PID,
		Mode: cpu.ModeMachine,
	}
	f.Regs[trap.RegRA] = uint64(entry)
	f.Regs[trap.RegSP] = uint64(stack.Address() + uintptr(stack.Size()))
	f.Store(s.mem, frameAddr)

	s.procs = append(s.procs, p)

	log.WithFields(logrus.Fields{
		"pid":    p.PID,
		"entry":  fmt.Sprintf("0x%x", entry),
		"frame":  fmt.Sprintf("0x%x", frameAddr),
		"voting": voting,
	}).Info("process created")
	return p, nil
}

// InitTimer enables machine timer interrupts on h and records the boot time
// used by Elapsed.
func (s *Scheduler) InitTimer(h cpu.Hart) {
	h.WriteCSR(cpu.CSRMie, h.ReadCSR(cpu.CSRMie)|cpu.MachineTimerInterrupt)
	h.WriteCSR(cpu.CSRMstatus, h.ReadCSR(cpu.CSRMstatus)|cpu.MstatusMIE)

	s.lock.Acquire()
	if !s.timerStarted {
		s.bootTime = s.Now()
		s.timerStarted = true
	}
	s.lock.Release()
}

// InitSched programs the timer comparator of hart to fire quantum intervals
// from now.
func (s *Scheduler) InitSched(hart int, quantum uint64) {
	s.mem.Store64(s.mtimecmpAddr(hart), s.Now()+s.cfg.Interval*quantum)
}

// Schedule rotates the process ring and returns the frame of the first
// runnable process for hart. Ready processes are promoted to Running and
// sleeping processes whose wake time has passed are woken. Processes executing
// on another hart are skipped. Before a voting process is dispatched any
// complete triple of queued results is voted on. The second return value is
// false if a full rotation found nothing to run.
func (s *Scheduler) Schedule(hart int) (uintptr, bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	s.current[hart] = nil
	now := s.Now()
	for range s.procs {
		s.procs = append(s.procs[1:], s.procs[0])

		p := s.procs[0]
		if s.runningElsewhere(p, hart) {
			continue
		}

		switch p.State {
		case Ready:
			p.State = Running
		case Sleeping:
			if now < p.WakeAt {
				continue
			}
			p.State = Running
			s.stats.Wakeups++
			log.WithField("pid", p.PID).Debug("process woken")
		case Running:
		default:
			continue
		}

		if p.Voting && len(s.results) >= 3 {
			v := s.voteLocked()
			log.WithFields(logrus.Fields{"pid": p.PID, "value": v.Value, "majority": v.Majority, "results": v.Results}).Info("vote complete")
		}

		s.stats.Dispatches++
		s.current[hart] = p
		return p.Frame, true
	}

	s.stats.Idles++
	return 0, false
}

func (s *Scheduler) runningElsewhere(p *Process, hart int) bool {
	for other, cur := range s.current {
		if cur == p && other != hart {
			return true
		}
	}
	return false
}

// PushResult appends v to the voting queue. While a voting process is alive
// a complete triple stays queued and is voted on by Schedule right before
// the next voting process is dispatched. Without one, the triple is voted on
// immediately and the verdict is returned.
func (s *Scheduler) PushResult(v uint64) (Verdict, bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	s.results = append(s.results, v)
	s.stats.PushedTotal++
	if len(s.results) < 3 || s.hasVoterLocked() {
		return Verdict{}, false
	}

	return s.voteLocked(), true
}

func (s *Scheduler) hasVoterLocked() bool {
	for _, p := range s.procs {
		if p.Voting && p.State != Dead {
			return true
		}
	}
	return false
}

func (s *Scheduler) voteLocked() Verdict {
	v := Vote(s.results[0], s.results[1], s.results[2])
	s.results = append(s.results[:0], s.results[3:]...)

	s.stats.Votes++
	if !v.Majority {
		s.stats.NoMajority++
		if s.cfg.NoMajority == NoMajorityZero {
			v.Accepted = true
		} else {
			s.stats.Rejected++
		}
		log.WithFields(logrus.Fields{"results": v.Results, "policy": s.cfg.NoMajority.String()}).Warn("vote has no majority")
	}

	log.WithFields(logrus.Fields{"value": v.Value, "accepted": v.Accepted}).Debug("vote")
	s.last = v
	s.haveVerdict = true
	return v
}

// Results returns a copy of the queued results awaiting a vote.
func (s *Scheduler) Results() []uint64 {
	s.lock.Acquire()
	defer s.lock.Release()

	return append([]uint64(nil), s.results...)
}

// LastVerdict returns the verdict of the most recent vote. The second return
// value is false if no vote took place yet.
func (s *Scheduler) LastVerdict() (Verdict, bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	return s.last, s.haveVerdict
}

// Sleep suspends the process with the given pid for quanta scheduling
// intervals. It returns false if no live process has that pid.
func (s *Scheduler) Sleep(pid, quanta uint64) bool {
	s.lock.Acquire()
	defer s.lock.Release()

	p := s.findLocked(pid)
	if p == nil || p.State == Dead {
		return false
	}

	p.State = Sleeping
	p.WakeAt = s.Now() + quanta*s.cfg.Interval
	log.WithFields(logrus.Fields{"pid": pid, "wake_at": p.WakeAt}).Debug("process sleeping")
	return true
}

// Exit marks the process with the given pid as dead and releases its stack.
// It returns false if no live process has that pid.
func (s *Scheduler) Exit(pid uint64) bool {
	s.lock.Acquire()
	defer s.lock.Release()

	p := s.findLocked(pid)
	if p == nil || p.State == Dead {
		return false
	}

	p.State = Dead
	s.frames.Release(p.Stack)
	log.WithField("pid", pid).Info("process exited")

	// nobody is left to trigger a vote on dispatch.
	for len(s.results) >= 3 && !s.hasVoterLocked() {
		s.voteLocked()
	}
	return true
}

func (s *Scheduler) findLocked(pid uint64) *Process {
	for _, p := range s.procs {
		if p.PID == pid {
			return p
		}
	}
	return nil
}

// Find returns a copy of the process with the given pid.
func (s *Scheduler) Find(pid uint64) (Process, bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	if p := s.findLocked(pid); p != nil {
		return *p, true
	}
	return Process{}, false
}

// Processes returns a copy of the process ring starting at its front.
func (s *Scheduler) Processes() []Process {
	s.lock.Acquire()
	defer s.lock.Release()

	list := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		list = append(list, *p)
	}
	return list
}

// Elapsed returns the number of scheduling intervals since InitTimer.
func (s *Scheduler) Elapsed() uint64 {
	s.lock.Acquire()
	boot := s.bootTime
	s.lock.Release()

	return (s.Now() - boot) / s.cfg.Interval
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.lock.Acquire()
	defer s.lock.Release()

	return s.stats
}

// DumpTo writes the process ring and the voting queue to w.
func (s *Scheduler) DumpTo(w io.Writer) {
	s.lock.Acquire()
	defer s.lock.Release()

	kfmt.Fprintf(w, "Processes:\n")
	for _, p := range s.procs {
		kfmt.Fprintf(w, "pid %d: %-8s frame 0x%x voting %t\n", p.PID, p.State, p.Frame, p.Voting)
	}
	kfmt.Fprintf(w, "Queued results: %v\n", s.results)
}
