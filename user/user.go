// Package user contains the programs the kernel runs as processes. They are
// built with the board assembler and talk to the kernel through the ecall
// gate.
package user

import (
	"fmt"
	"sort"

	"rvos/kernel/syscall"
	"rvos/kernel/trap"
	"rvos/machine"
)

// Register aliases used by the programs.
const (
	zero = trap.RegZero
	t0   = trap.RegT0
	s1   = trap.RegS1
	s2   = trap.RegS2
	a0   = trap.RegA0
	a1   = trap.RegA1
	a7   = trap.RegA7
)

// Call emits the instruction sequence for syscall id. Arguments are loaded
// into a0 onwards.
func Call(a *machine.Asm, id syscall.ID, args ...int64) *machine.Asm {
	for i, arg := range args {
		a.Li(uint8(a0+i), arg)
	}
	return a.Li(a7, int64(id)).Ecall()
}

// callWith emits syscall id without touching the argument registers.
func callWith(a *machine.Asm, id syscall.ID) *machine.Asm {
	return a.Li(a7, int64(id)).Ecall()
}

func mustAssemble(a *machine.Asm) machine.Program {
	p, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return p
}

// maxAttempts bounds how often the voting programs repeat a rejected vote.
const maxAttempts = 3

// TMR computes 2+2 three times under voting, prints the verdict and exits.
// If the scheduler rejects the verdict the computation is repeated.
func TMR() machine.Program {
	return FaultyTMR(-1)
}

// FaultyTMR behaves like TMR but corrupts the input of the replica with the
// given index (0-2) during the first attempt. Any other index yields the
// fault free program.
func FaultyTMR(corrupt int) machine.Program {
	name := "tmr"
	if corrupt >= 0 && corrupt < 3 {
		name = fmt.Sprintf("tmr-faulty%d", corrupt)
	}

	a := machine.NewAsm(name)
	a.Li(s1, 0)
	a.Label("start")
	for replica := 0; replica < 3; replica++ {
		a.Li(a0, 2).Li(a1, 2)
		if replica == corrupt {
			skip := fmt.Sprintf("intact%d", replica)
			a.Bne(s1, zero, skip)
			a.Flip(a0, 3)
			a.Label(skip)
		}
		callWith(a, syscall.Sum)
	}
	Call(a, syscall.PrintResult)
	a.Addi(s1, s1, 1)
	a.Bne(a1, zero, "done")
	a.Li(t0, maxAttempts)
	a.Bne(s1, t0, "start")
	a.Label("done")
	Call(a, syscall.PrintTime)
	Call(a, syscall.Exit)
	return mustAssemble(a)
}

// Counter accumulates 1 into a running total iterations times, sleeping for
// a quantum after every step. It then reports the total and sleeps forever.
func Counter(iterations int64) machine.Program {
	a := machine.NewAsm("counter")
	a.Li(s1, 0).Li(s2, 0)
	a.Label("loop")
	a.Mv(a0, s2).Li(a1, 1)
	callWith(a, syscall.Sum)
	a.Mv(s2, a0)
	Call(a, syscall.Sleep, 1)
	a.Addi(s1, s1, 1)
	a.Li(t0, iterations)
	a.Bne(s1, t0, "loop")
	Call(a, syscall.PrintTotal)
	a.Label("forever")
	Call(a, syscall.Sleep, 1000)
	a.J("forever")
	return mustAssemble(a)
}

// Idle waits for interrupts forever.
func Idle() machine.Program {
	a := machine.NewAsm("idle")
	a.Label("loop")
	a.Wfi()
	a.J("loop")
	return mustAssemble(a)
}

// Dump prints its register file and exits.
func Dump() machine.Program {
	a := machine.NewAsm("dump")
	a.Li(s1, 0x5a5a)
	Call(a, syscall.DumpRegisters)
	Call(a, syscall.Exit)
	return mustAssemble(a)
}

// Crash executes an illegal instruction.
func Crash() machine.Program {
	a := machine.NewAsm("crash")
	Call(a, syscall.Nop)
	a.Illegal(0xdeadbeef)
	return mustAssemble(a)
}

// Entry describes a program that can be selected by name.
type Entry struct {
	Name        string
	Description string
	Voting      bool
	Build       func() machine.Program
}

var catalog = map[string]Entry{
	"tmr":        {"tmr", "computes 2+2 under triple modular redundancy", true, TMR},
	"tmr-faulty": {"tmr-faulty", "tmr with a bit flip in the last replica of the first attempt", true, func() machine.Program { return FaultyTMR(2) }},
	"tmr-split":  {"tmr-split", "tmr with a bit flip that splits the first vote", true, func() machine.Program { return FaultyTMR(1) }},
	"counter":    {"counter", "sums ten steps while sleeping between them", false, func() machine.Program { return Counter(10) }},
	"idle":       {"idle", "waits for interrupts forever", false, Idle},
	"dump":       {"dump", "prints its registers and exits", false, Dump},
	"crash":      {"crash", "executes an illegal instruction", false, Crash},
}

// Lookup returns the catalog entry of the program with the given name.
func Lookup(name string) (Entry, bool) {
	e, ok := catalog[name]
	return e, ok
}

// Catalog returns every program entry sorted by name.
func Catalog() []Entry {
	entries := make([]Entry, 0, len(catalog))
	for _, e := range catalog {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
