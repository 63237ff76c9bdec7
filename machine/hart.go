package machine

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"rvos/kernel/cpu"
	"rvos/kernel/mem"
	"rvos/kernel/trap"
)

// Hart is a hardware thread of the board. It implements cpu.Hart for the
// kernel code running on it. All methods must be invoked from the goroutine
// that runs the hart.
type Hart struct {
	id    int
	board *Board

	regs  [32]uint64
	fregs [32]uint64
	pc    uint64
	mode  cpu.Mode
	csrs  map[cpu.CSR]uint64

	// switched is set when the kernel hands a frame to SwitchToUser while
	// handling a trap.
	switched bool

	// hasContext is false until the kernel switches into a process.
	hasContext bool

	tlbFlushes uint64
}

func newHart(id int, b *Board) *Hart {
	return &Hart{
		id:    id,
		board: b,
		mode:  cpu.ModeMachine,
		csrs:  make(map[cpu.CSR]uint64),
	}
}

// ID implements cpu.Hart.
func (h *Hart) ID() int { return h.id }

// PC returns the address of the next instruction.
func (h *Hart) PC() uint64 { return h.pc }

// Reg returns the value of integer register r.
func (h *Hart) Reg(r int) uint64 { return h.regs[r] }

// TLBFlushes returns the number of FlushTLB calls issued on the hart.
func (h *Hart) TLBFlushes() uint64 { return h.tlbFlushes }

func (h *Hart) mip() uint64 {
	var mip uint64
	software, timer := h.board.clint.Pending(h.id)
	if software {
		mip |= cpu.MachineSoftwareInterrupt
	}
	if timer {
		mip |= cpu.MachineTimerInterrupt
	}
	return mip
}

// ReadCSR implements cpu.Hart.
func (h *Hart) ReadCSR(csr cpu.CSR) uint64 {
	switch csr {
	case cpu.CSRMhartid:
		return uint64(h.id)
	case cpu.CSRMip:
		return h.mip()
	default:
		return h.csrs[csr]
	}
}

// WriteCSR implements cpu.Hart. Writes to read-only registers are ignored.
func (h *Hart) WriteCSR(csr cpu.CSR, value uint64) {
	switch csr {
	case cpu.CSRMhartid, cpu.CSRMip:
	default:
		h.csrs[csr] = value
	}
}

// FlushTLB implements cpu.Hart.
func (h *Hart) FlushTLB(asid uint64) {
	h.tlbFlushes++
}

// SwitchToUser implements cpu.Hart. The register state of the frame is
// loaded immediately; execution resumes from it once the trap handler
// returns.
func (h *Hart) SwitchToUser(frameAddr uintptr) {
	var f trap.Frame
	f.Load(h.board.bus, frameAddr)

	h.regs = f.Regs
	h.fregs = f.FRegs
	h.pc = f.PC
	h.mode = f.Mode
	h.regs[0] = 0

	h.csrs[cpu.CSRMscratch] = uint64(frameAddr)
	h.csrs[cpu.CSRSatp] = f.SATP

	status := h.csrs[cpu.CSRMstatus] &^ cpu.MstatusMPPMask
	status |= uint64(f.Mode)<<cpu.MstatusMPPShift | cpu.MstatusMPIE
	h.csrs[cpu.CSRMstatus] = status

	h.switched = true
	h.hasContext = true
}

// WaitForInterrupt implements cpu.Hart. It returns once an interrupt enabled
// in mie is pending. When every live hart is waiting, mtime jumps to the
// earliest armed timer comparator. If the board stops while waiting the hart
// halts.
func (h *Hart) WaitForInterrupt() {
	b := h.board
	b.idle.Add(1)
	defer b.idle.Add(-1)

	for {
		if b.stopped() {
			runtime.Goexit()
		}
		if h.mip()&h.csrs[cpu.CSRMie] != 0 {
			return
		}

		if b.idle.Load() >= b.live.Load() {
			if !b.clint.FastForward() {
				log.WithField("hart", h.id).Warn("all harts idle with no timer armed")
				b.finish(ExitHalted)
				runtime.Goexit()
			}
			if !b.charge(0) {
				runtime.Goexit()
			}
		}
		runtime.Gosched()
	}
}

// pendingInterrupt returns the cause of the highest priority interrupt that
// can be taken in the current state.
func (h *Hart) pendingInterrupt() (trap.Cause, bool) {
	status := h.csrs[cpu.CSRMstatus]
	if h.mode == cpu.ModeMachine && status&cpu.MstatusMIE == 0 {
		return 0, false
	}

	pending := h.mip() & h.csrs[cpu.CSRMie]
	switch {
	case pending&cpu.MachineSoftwareInterrupt != 0:
		return trap.InterruptCause(trap.MachineSoftware), true
	case pending&cpu.MachineTimerInterrupt != 0:
		return trap.InterruptCause(trap.MachineTimer), true
	default:
		return 0, false
	}
}

// trap enters the machine trap vector: the interrupted context is saved into
// the frame held by mscratch and the kernel handler runs. If the handler does
// not switch to another frame the saved context is restored.
func (h *Hart) trap(cause trap.Cause, epc, tval uint64) {
	frameAddr := uintptr(h.csrs[cpu.CSRMscratch])
	if frameAddr == 0 {
		panic(fmt.Errorf("hart %d: %s at 0x%x with no trap frame installed", h.id, cause, epc))
	}

	var f trap.Frame
	f.Load(h.board.bus, frameAddr)
	f.Regs = h.regs
	f.FRegs = h.fregs
	f.PC = epc
	f.Store(h.board.bus, frameAddr)

	status := h.csrs[cpu.CSRMstatus]
	next := status &^ (cpu.MstatusMIE | cpu.MstatusMPIE | cpu.MstatusMPPMask)
	if status&cpu.MstatusMIE != 0 {
		next |= cpu.MstatusMPIE
	}
	next |= uint64(h.mode) << cpu.MstatusMPPShift
	h.csrs[cpu.CSRMstatus] = next
	h.csrs[cpu.CSRMepc] = epc
	h.csrs[cpu.CSRMcause] = uint64(cause)
	h.csrs[cpu.CSRMtval] = tval

	prevMode := h.mode
	h.mode = cpu.ModeMachine
	h.switched = false

	h.board.kernel.HandleTrap(h, epc, tval, uint64(cause), status, frameAddr)

	if !h.switched {
		f.Load(h.board.bus, frameAddr)
		h.regs = f.Regs
		h.fregs = f.FRegs
		h.pc = f.PC
		h.mode = prevMode
	}

	// mret
	status = h.csrs[cpu.CSRMstatus]
	if status&cpu.MstatusMPIE != 0 {
		status |= cpu.MstatusMIE
	} else {
		status &^= cpu.MstatusMIE
	}
	h.csrs[cpu.CSRMstatus] = status | cpu.MstatusMPIE
}

// step executes the instruction at pc.
func (h *Hart) step() {
	pc := h.pc
	in, ok := h.board.fetch(pc)
	if !ok {
		h.trap(trap.ExceptionCause(trap.InstructionAccessFault), pc, pc)
		return
	}

	next := pc + InstructionSize
	switch in.Op {
	case OpLi:
		h.regs[in.Rd] = uint64(in.Imm)
	case OpAddi:
		h.regs[in.Rd] = h.regs[in.Rs1] + uint64(in.Imm)
	case OpAdd:
		h.regs[in.Rd] = h.regs[in.Rs1] + h.regs[in.Rs2]
	case OpMv:
		h.regs[in.Rd] = h.regs[in.Rs1]
	case OpBne:
		if h.regs[in.Rs1] != h.regs[in.Rs2] {
			next = pc + uint64(in.Imm)
		}
	case OpBeq:
		if h.regs[in.Rs1] == h.regs[in.Rs2] {
			next = pc + uint64(in.Imm)
		}
	case OpJ:
		next = pc + uint64(in.Imm)
	case OpEcall:
		h.trap(trap.EcallCause(h.mode), pc, 0)
		return
	case OpWfi:
		h.WaitForInterrupt()
	case OpFlip:
		h.regs[in.Rd] ^= 1 << uint(in.Imm&63)
	default:
		h.trap(trap.ExceptionCause(trap.IllegalInstruction), pc, uint64(in.Imm))
		return
	}

	h.regs[0] = 0
	h.pc = next
}

// run boots the kernel on the hart and executes instructions until the board
// stops or the hart halts.
func (h *Hart) run() (err error) {
	b := h.board
	defer func() {
		if r := recover(); r != nil {
			fault, ok := r.(*mem.AccessFault)
			if !ok {
				if e, isErr := r.(error); isErr {
					err = e
				} else {
					panic(r)
				}
			} else {
				err = fmt.Errorf("hart %d: pc 0x%x: %w", h.id, h.pc, fault)
			}
		}
		b.live.Add(-1)
		b.finish(ExitHalted)
		log.WithFields(logrus.Fields{"hart": h.id, "pc": fmt.Sprintf("0x%x", h.pc)}).Debug("hart stopped")
	}()

	if h.id == 0 {
		b.kernel.Kmain(h)
	} else {
		b.kernel.HartInit(h)
	}

	for !b.stopped() {
		if cause, ok := h.pendingInterrupt(); ok {
			h.trap(cause, h.pc, 0)
			continue
		}
		if !h.hasContext {
			return fmt.Errorf("hart %d: kernel returned without a process to run", h.id)
		}
		if !b.charge(b.cfg.TicksPerInstruction) {
			return nil
		}
		h.step()
	}
	return nil
}
