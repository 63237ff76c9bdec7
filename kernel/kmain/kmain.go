// Package kmain wires the kernel subsystems together: it owns their state,
// runs the boot sequence on the boot hart and serves as the machine trap
// entry point for every hart.
package kmain

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"rvos/device"
	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/hal"
	"rvos/kernel/kfmt"
	"rvos/kernel/kheap"
	"rvos/kernel/mem"
	"rvos/kernel/mem/pmm"
	"rvos/kernel/mem/vmm"
	"rvos/kernel/sched"
	"rvos/kernel/syscall"
	"rvos/kernel/trap"

	// drivers register themselves with the device package
	_ "rvos/device/uart"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	log = logrus.WithField("module", "kmain")

	errTooManyHarts = &kernel.Error{Module: "kmain", Message: "hart count exceeds the number of trap frame slots"}
)

// ProcessSpec describes a process created at boot.
type ProcessSpec struct {
	Name   string
	Entry  uintptr
	Voting bool
}

// Config holds the boot parameters of the kernel.
type Config struct {
	Layout hal.Layout
	Harts  int

	// BootQuantum is the quantum armed before the first process runs.
	BootQuantum uint64
	Quantum     uint64
	Interval    uint64

	HeapPages  uint
	HeapPolicy kheap.Policy
	StackPages uint
	NoMajority sched.NoMajorityPolicy

	Processes []ProcessSpec
}

// DefaultConfig returns the boot parameters of a single hart board with
// ramSize bytes of memory and no processes.
func DefaultConfig(ramSize mem.Size) Config {
	return Config{
		Layout:      hal.DefaultLayout(ramSize),
		Harts:       1,
		BootQuantum: 2,
		Quantum:     1,
		Interval:    sched.ContextSwitchTime,
		HeapPages:   kheap.DefaultPages,
		HeapPolicy:  kheap.PolicyArena,
		StackPages:  sched.DefaultStackPages,
	}
}

// Kernel owns the state of every kernel subsystem.
type Kernel struct {
	cfg Config
	mem mem.Memory

	Frames     pmm.Allocator
	Heap       kheap.Heap
	Root       *vmm.AddressSpace
	Sched      *sched.Scheduler
	Syscalls   *syscall.Table
	Dispatcher *trap.Dispatcher

	// hartFrames holds the kernel trap frame of every hart. It is used for
	// traps taken while the hart is idle.
	hartFrames [trap.MaxHarts]uintptr

	booted atomic.Bool
}

// New returns a kernel that runs on top of the physical memory m.
func New(m mem.Memory, cfg Config) *Kernel {
	return &Kernel{cfg: cfg, mem: m}
}

// Booted returns true once the boot hart has finished initializing the
// kernel.
func (k *Kernel) Booted() bool {
	return k.booted.Load()
}

// HartFrame returns the address of the kernel trap frame of hart.
func (k *Kernel) HartFrame(hart int) uintptr {
	return k.hartFrames[hart]
}

// Kmain is the entry point of the boot hart. It initializes the console,
// memory management, the scheduler and the syscall layer, creates the boot
// processes, releases the secondary harts and switches into the first
// runnable process.
func (k *Kernel) Kmain(h cpu.Hart) {
	l := k.cfg.Layout

	hal.DetectHardware(device.Platform{Mem: k.mem, UART: uintptr(l.UART)})
	kfmt.Printf("Initializing the kernel..\n")

	if err := k.init(h); err != nil {
		panicFn(err)
		return
	}

	k.printInfo()
	k.Frames.DumpTo(kfmt.Console())

	for _, spec := range k.cfg.Processes {
		p, err := k.Sched.Spawn(spec.Entry, spec.Voting)
		if err != nil {
			panicFn(err)
			return
		}
		kfmt.Printf("Process %s (pid %d) created with frame at 0x%08x\n", spec.Name, p.PID, p.Frame)
	}

	k.Sched.InitTimer(h)
	k.Sched.InitSched(h.ID(), k.cfg.BootQuantum)

	k.booted.Store(true)
	for hart := 0; hart < k.cfg.Harts; hart++ {
		if hart != h.ID() {
			k.sendSoftwareInterrupt(hart)
		}
	}

	k.Dispatcher.Idle(h)
}

func (k *Kernel) init(h cpu.Hart) *kernel.Error {
	l := k.cfg.Layout

	if k.cfg.Harts < 1 || k.cfg.Harts > trap.MaxHarts {
		return errTooManyHarts
	}

	if err := k.Frames.Init(k.mem, uintptr(l.HeapStart), mem.Size(l.HeapSize)); err != nil {
		return err
	}

	if err := k.Heap.Init(k.mem, &k.Frames, k.cfg.HeapPages, k.cfg.HeapPolicy); err != nil {
		return err
	}

	root, err := vmm.New(k.mem, &k.Frames)
	if err != nil {
		return err
	}
	k.Root = root

	if err := k.identityMapKernel(); err != nil {
		return err
	}
	k.Root.Activate(h, 0)

	for hart := 0; hart < k.cfg.Harts; hart++ {
		frameAddr := k.Heap.MustKzmalloc(trap.FrameSize)
		if frameAddr == 0 {
			return &kernel.Error{Module: "kmain", Message: "unable to allocate hart trap frames"}
		}
		(&trap.Frame{HartID: uint64(hart), SATP: k.Root.SATP(0), Mode: cpu.ModeMachine}).Store(k.mem, frameAddr)
		k.hartFrames[hart] = frameAddr
	}
	h.WriteCSR(cpu.CSRMscratch, uint64(k.hartFrames[h.ID()]))

	scfg := sched.DefaultConfig()
	scfg.CLINT = uintptr(l.CLINT)
	scfg.Interval = k.cfg.Interval
	scfg.Quantum = k.cfg.Quantum
	scfg.StackPages = k.cfg.StackPages
	scfg.NoMajority = k.cfg.NoMajority
	scfg.SATP = k.Root.SATP(0)
	if k.Sched, err = sched.New(k.mem, &k.Heap, &k.Frames, scfg); err != nil {
		return err
	}

	k.Syscalls = &syscall.Table{
		Mem:      k.mem,
		Sched:    k.Sched,
		PowerOff: func() { hal.PowerOff(k.mem, l, hal.ExitSuccess) },
	}

	k.Dispatcher = &trap.Dispatcher{
		Mem:                  k.mem,
		Sched:                k.Sched,
		Syscalls:             k.Syscalls,
		Quantum:              k.cfg.Quantum,
		AckSoftwareInterrupt: k.clearSoftwareInterrupt,
	}
	return nil
}

type mapRegion struct {
	name       string
	start, end uintptr
	perm       vmm.Perm
}

// identityMapKernel maps the kernel image, the page metadata, the kernel heap
// and the MMIO windows 1:1 into the root address space.
func (k *Kernel) identityMapKernel() *kernel.Error {
	l := k.cfg.Layout
	heap := k.Heap.Reservation()

	regions := []mapRegion{
		{"heap", heap.Address(), heap.Address() + uintptr(heap.Size()), vmm.ReadWrite},
		{"metadata", k.Frames.MetaStart(), k.Frames.MetaEnd(), vmm.ReadWrite},
		{"text", uintptr(l.TextStart), uintptr(l.TextEnd), vmm.ReadExecute},
		{"rodata", uintptr(l.RodataStart), uintptr(l.RodataEnd), vmm.ReadExecute},
		{"data", uintptr(l.DataStart), uintptr(l.DataEnd), vmm.ReadWrite},
		{"bss", uintptr(l.BssStart), uintptr(l.BssEnd), vmm.ReadWrite},
		{"stack", uintptr(l.KernelStackStart), uintptr(l.KernelStackEnd), vmm.ReadWrite},
	}
	for _, s := range l.MMIO() {
		regions = append(regions, mapRegion{s.Name, s.Start, s.End, vmm.ReadWrite})
	}

	for _, r := range regions {
		if r.end <= r.start {
			continue
		}
		if err := k.Root.IdentityMapRange(r.start, r.end, r.perm); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"region": r.name,
			"start":  fmt.Sprintf("0x%x", r.start),
			"end":    fmt.Sprintf("0x%x", r.end),
			"perm":   r.perm.String(),
		}).Debug("identity mapped")
	}
	return nil
}

func (k *Kernel) printInfo() {
	l := k.cfg.Layout

	kfmt.Printf("\n")
	kfmt.Printf("TEXT:   0x%x -> 0x%x\n", l.TextStart, l.TextEnd)
	kfmt.Printf("RODATA: 0x%x -> 0x%x\n", l.RodataStart, l.RodataEnd)
	kfmt.Printf("DATA:   0x%x -> 0x%x\n", l.DataStart, l.DataEnd)
	kfmt.Printf("BSS:    0x%x -> 0x%x\n", l.BssStart, l.BssEnd)
	kfmt.Printf("STACK:  0x%x -> 0x%x\n", l.KernelStackStart, l.KernelStackEnd)
	kfmt.Printf("HEAP:   0x%x -> 0x%x\n", k.Heap.Head(), k.Heap.Tail())
	kfmt.Printf("\n")
}

// HartInit is the entry point of the secondary harts. The hart waits for the
// boot hart to release it, enables its timer and idles until a process is
// runnable.
func (k *Kernel) HartInit(h cpu.Hart) {
	h.WriteCSR(cpu.CSRMie, h.ReadCSR(cpu.CSRMie)|cpu.MachineSoftwareInterrupt)
	for !k.booted.Load() {
		h.WaitForInterrupt()
	}
	k.clearSoftwareInterrupt(h.ID())

	h.WriteCSR(cpu.CSRMscratch, uint64(k.hartFrames[h.ID()]))
	k.Root.Activate(h, 0)
	log.WithField("hart", h.ID()).Info("hart online")

	k.Sched.InitTimer(h)
	k.Dispatcher.Idle(h)
}

// HandleTrap is the kernel side of the machine trap vector. The trampoline
// saves the interrupted context into the frame pointed to by mscratch and
// passes its address along with the trap CSRs.
func (k *Kernel) HandleTrap(h cpu.Hart, epc, tval, cause, status uint64, frameAddr uintptr) {
	k.Dispatcher.Handle(h, epc, tval, trap.Cause(cause), status, frameAddr)
}

func (k *Kernel) msipAddr(hart int) uintptr {
	return uintptr(k.cfg.Layout.CLINT) + uintptr(hart)<<2
}

func (k *Kernel) sendSoftwareInterrupt(hart int) {
	k.mem.Store32(k.msipAddr(hart), 1)
}

func (k *Kernel) clearSoftwareInterrupt(hart int) {
	k.mem.Store32(k.msipAddr(hart), 0)
}
