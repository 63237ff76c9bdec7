// Package machine provides a hosted RISC-V board for the kernel: RAM, a
// CLINT, an NS16550 compatible UART, a test finisher and a set of harts
// that execute programs built with Asm.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rvos/kernel/cpu"
	"rvos/kernel/mem"
	"rvos/kernel/mem/phys"
	"rvos/kernel/trap"
)

var log = logrus.WithField("module", "machine")

// Default board addresses.
const (
	DefaultRAMBase     uintptr = 0x8000_0000
	DefaultRAMSize             = 128 * mem.Mb
	DefaultUART        uintptr = 0x1000_0000
	DefaultCLINT       uintptr = 0x0200_0000
	DefaultFinisher    uintptr = 0x0010_0000
	DefaultProgramBase uintptr = 0x2000_0000

	// DefaultTicksPerInstruction is the number of mtime ticks each
	// retired instruction accounts for.
	DefaultTicksPerInstruction = 1000

	// DefaultInstructionBudget bounds a run; idle wake-ups also count
	// against it.
	DefaultInstructionBudget = 10_000_000
)

// Kernel is the software that runs on the board.
type Kernel interface {
	// Kmain is entered on hart 0 after reset. It returns once the hart has
	// been switched into a process.
	Kmain(cpu.Hart)

	// HartInit is entered on every other hart after reset.
	HartInit(cpu.Hart)

	// HandleTrap is the machine trap vector.
	HandleTrap(h cpu.Hart, epc, tval, cause, status uint64, frameAddr uintptr)
}

// Config describes the board.
type Config struct {
	Harts    int
	RAMBase  uintptr
	RAMSize  mem.Size
	UART     uintptr
	CLINT    uintptr
	Finisher uintptr

	TicksPerInstruction uint64

	// InstructionBudget stops the board once exceeded; zero means no
	// limit.
	InstructionBudget uint64

	// Console receives the bytes written to the UART.
	Console io.Writer
}

// DefaultConfig returns a single hart configuration that writes its console
// output to w.
func DefaultConfig(w io.Writer) Config {
	return Config{
		Harts:               1,
		RAMBase:             DefaultRAMBase,
		RAMSize:             DefaultRAMSize,
		UART:                DefaultUART,
		CLINT:               DefaultCLINT,
		Finisher:            DefaultFinisher,
		TicksPerInstruction: DefaultTicksPerInstruction,
		InstructionBudget:   DefaultInstructionBudget,
		Console:             w,
	}
}

// ExitStatus describes why a board stopped.
type ExitStatus int

const (
	ExitRunning ExitStatus = iota
	ExitSuccess
	ExitFailure
	ExitReset
	ExitHalted
	ExitBudget
	ExitCanceled
)

var exitStatusNames = []string{"running", "success", "failure", "reset", "halted", "budget exhausted", "canceled"}

// String implements fmt.Stringer for ExitStatus.
func (s ExitStatus) String() string {
	if int(s) < len(exitStatusNames) {
		return exitStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var (
	errNoHarts        = errors.New("machine: a board needs at least one hart")
	errTooManyHarts   = fmt.Errorf("machine: a board supports at most %d harts", trap.MaxHarts)
	errEmptyProgram   = errors.New("machine: empty program")
	errProgramOverlap = errors.New("machine: program overlaps a loaded program")
	errAlreadyRun     = errors.New("machine: board has already been run")
)

type segment struct {
	base uintptr
	prog Program
}

func (s segment) end() uintptr { return s.base + s.prog.Size() }

// Board is a hosted RISC-V machine.
type Board struct {
	cfg Config

	ram      *phys.RAM
	bus      *Bus
	clint    *CLINT
	uart     *UART
	finisher *Finisher
	harts    []*Hart
	segments []segment
	kernel   Kernel

	done     chan struct{}
	stopOnce sync.Once
	status   atomic.Int32
	ran      atomic.Bool

	retired atomic.Uint64
	live    atomic.Int32
	idle    atomic.Int32
}

// New builds a board from cfg. Close must be called to release its RAM.
func New(cfg Config) (*Board, error) {
	switch {
	case cfg.Harts <= 0:
		return nil, errNoHarts
	case cfg.Harts > trap.MaxHarts:
		return nil, errTooManyHarts
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}

	ram, err := phys.New(cfg.RAMBase, cfg.RAMSize)
	if err != nil {
		return nil, err
	}

	b := &Board{
		cfg:   cfg,
		ram:   ram,
		clint: NewCLINT(cfg.CLINT, cfg.Harts),
		uart:  NewUART(cfg.UART, cfg.Console),
		done:  make(chan struct{}),
	}
	b.finisher = NewFinisher(cfg.Finisher, b.onFinisher)
	b.bus = NewBus(ram, b.clint, b.uart, b.finisher)
	for i := 0; i < cfg.Harts; i++ {
		b.harts = append(b.harts, newHart(i, b))
	}
	return b, nil
}

// Close releases the board RAM.
func (b *Board) Close() error {
	return b.ram.Close()
}

// Memory returns the physical address space seen by the harts.
func (b *Board) Memory() mem.Memory { return b.bus }

// CLINT returns the board interruptor.
func (b *Board) CLINT() *CLINT { return b.clint }

// UART returns the board serial port.
func (b *Board) UART() *UART { return b.uart }

// Hart returns hart id.
func (b *Board) Hart(id int) *Hart { return b.harts[id] }

// Retired returns the number of instructions and idle wake-ups charged so
// far.
func (b *Board) Retired() uint64 { return b.retired.Load() }

// Load places a program at base. Programs live outside RAM and are only
// visible to instruction fetch.
func (b *Board) Load(base uintptr, p Program) error {
	if len(p.Code) == 0 {
		return errEmptyProgram
	}

	s := segment{base: base, prog: p}
	for _, other := range b.segments {
		if s.base < other.end() && other.base < s.end() {
			return fmt.Errorf("%w: %q at 0x%x and %q at 0x%x", errProgramOverlap, p.Name, base, other.prog.Name, other.base)
		}
	}

	b.segments = append(b.segments, s)
	sort.Slice(b.segments, func(i, j int) bool { return b.segments[i].base < b.segments[j].base })
	log.WithFields(logrus.Fields{"program": p.Name, "base": fmt.Sprintf("0x%x", base), "size": p.Size()}).Debug("loaded program")
	return nil
}

// LoadAll places the programs back to back starting at base and returns
// their entry points.
func (b *Board) LoadAll(base uintptr, progs ...Program) ([]uintptr, error) {
	entries := make([]uintptr, 0, len(progs))
	for _, p := range progs {
		if err := b.Load(base, p); err != nil {
			return nil, err
		}
		entries = append(entries, base)
		base += (p.Size() + 0xff) &^ 0xff
	}
	return entries, nil
}

func (b *Board) fetch(pc uint64) (Instruction, bool) {
	addr := uintptr(pc)
	i := sort.Search(len(b.segments), func(i int) bool { return b.segments[i].end() > addr })
	if i == len(b.segments) || addr < b.segments[i].base {
		return Instruction{}, false
	}

	off := addr - b.segments[i].base
	if off%InstructionSize != 0 {
		return Instruction{}, false
	}
	return b.segments[i].prog.Code[off/InstructionSize], true
}

func (b *Board) onFinisher(code uint32) {
	switch code {
	case FinisherPass:
		b.finish(ExitSuccess)
	case FinisherFail:
		b.finish(ExitFailure)
	case FinisherReset:
		b.finish(ExitReset)
	}
}

// finish stops the board. Only the first status is recorded.
func (b *Board) finish(status ExitStatus) {
	b.stopOnce.Do(func() {
		b.status.Store(int32(status))
		close(b.done)
		log.WithField("status", status.String()).Debug("board stopped")
	})
}

func (b *Board) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// charge accounts for one retired instruction and advances mtime.
func (b *Board) charge(ticks uint64) bool {
	n := b.retired.Add(1)
	if b.cfg.InstructionBudget != 0 && n > b.cfg.InstructionBudget {
		b.finish(ExitBudget)
		return false
	}
	b.clint.Advance(ticks)
	return true
}

// Run resets every hart into k and blocks until the board stops or ctx is
// canceled. A board can only be run once.
func (b *Board) Run(ctx context.Context, k Kernel) (ExitStatus, error) {
	if b.ran.Swap(true) {
		return ExitRunning, errAlreadyRun
	}
	b.kernel = k

	stop := context.AfterFunc(ctx, func() { b.finish(ExitCanceled) })
	defer stop()

	b.live.Store(int32(len(b.harts)))
	var g errgroup.Group
	for _, h := range b.harts {
		g.Go(h.run)
	}

	err := g.Wait()
	return ExitStatus(b.status.Load()), err
}
