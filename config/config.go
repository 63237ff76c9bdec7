// Package config loads the board, layout, kernel and process configuration
// of an rvos run from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"rvos/kernel/hal"
	"rvos/kernel/kheap"
	"rvos/kernel/kmain"
	"rvos/kernel/mem"
	"rvos/kernel/sched"
	"rvos/kernel/trap"
	"rvos/machine"
	"rvos/user"
)

// Board describes the hosted machine.
type Board struct {
	Harts               int    `toml:"harts"`
	RAMBase             uint64 `toml:"ram_base"`
	RAMSize             uint64 `toml:"ram_size"`
	ProgramBase         uint64 `toml:"program_base"`
	TicksPerInstruction uint64 `toml:"ticks_per_instruction"`
	InstructionBudget   uint64 `toml:"instruction_budget"`
}

// Kernel holds the tunables of the kernel core.
type Kernel struct {
	BootQuantum uint64 `toml:"boot_quantum"`
	Quantum     uint64 `toml:"quantum"`
	Interval    uint64 `toml:"interval"`
	HeapPages   uint   `toml:"heap_pages"`
	HeapPolicy  string `toml:"heap_policy"`
	StackPages  uint   `toml:"stack_pages"`
	NoMajority  string `toml:"no_majority"`
}

// Process is a process created at boot.
type Process struct {
	Name    string `toml:"name"`
	Program string `toml:"program"`

	// Voting overrides the voting flag of the program.
	Voting *bool `toml:"voting"`

	// Iterations is the step count of the counter program.
	Iterations int64 `toml:"iterations"`

	// FaultReplica selects the replica a voting program corrupts during
	// its first attempt.
	FaultReplica *int `toml:"fault_replica"`
}

// Config is the complete configuration of a run.
type Config struct {
	Board     Board      `toml:"board"`
	Layout    hal.Layout `toml:"layout"`
	Kernel    Kernel     `toml:"kernel"`
	Processes []Process  `toml:"process"`
}

var (
	errNoHarts     = errors.New("config: board needs at least one hart")
	errRAMSize     = errors.New("config: RAM size must be a non-zero multiple of the page size")
	errHeapAlign   = errors.New("config: heap start must be page aligned")
	errHeapOutside = errors.New("config: heap must lie inside RAM")
	errNoProcesses = errors.New("config: at least one process is required")
	errUnknownKey  = errors.New("config: unknown keys")
)

// Default returns the configuration of a single hart board with 128M of RAM
// running the tmr program.
func Default() Config {
	k := kmain.DefaultConfig(machine.DefaultRAMSize)
	return Config{
		Board: Board{
			Harts:               1,
			RAMBase:             uint64(machine.DefaultRAMBase),
			RAMSize:             uint64(machine.DefaultRAMSize),
			ProgramBase:         uint64(machine.DefaultProgramBase),
			TicksPerInstruction: machine.DefaultTicksPerInstruction,
			InstructionBudget:   machine.DefaultInstructionBudget,
		},
		Layout: k.Layout,
		Kernel: Kernel{
			BootQuantum: k.BootQuantum,
			Quantum:     k.Quantum,
			Interval:    k.Interval,
			HeapPages:   k.HeapPages,
			HeapPolicy:  k.HeapPolicy.String(),
			StackPages:  k.StackPages,
			NoMajority:  k.NoMajority.String(),
		},
		Processes: []Process{{Name: "tmr", Program: "tmr"}},
	}
}

// Load decodes the TOML file at path on top of Default and validates the
// result. Keys that do not map to a configuration field are rejected. When
// the file changes the RAM size without setting the heap size the heap is
// extended to the end of RAM.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("%w in %s: %s", errUnknownKey, path, strings.Join(keys, ", "))
	}

	if !md.IsDefined("layout", "heap_size") {
		ramEnd := cfg.Board.RAMBase + cfg.Board.RAMSize
		if ramEnd > cfg.Layout.HeapStart {
			cfg.Layout.HeapSize = ramEnd - cfg.Layout.HeapStart
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot boot.
func (c Config) Validate() error {
	switch {
	case c.Board.Harts < 1:
		return errNoHarts
	case c.Board.Harts > trap.MaxHarts:
		return fmt.Errorf("config: %d harts exceed the %d trap frame slots", c.Board.Harts, trap.MaxHarts)
	case c.Board.RAMSize == 0 || c.Board.RAMSize%uint64(mem.PageSize) != 0:
		return errRAMSize
	case c.Layout.HeapStart%uint64(mem.PageSize) != 0:
		return errHeapAlign
	case c.Layout.HeapStart < c.Board.RAMBase || c.Layout.HeapStart+c.Layout.HeapSize > c.Board.RAMBase+c.Board.RAMSize:
		return errHeapOutside
	case len(c.Processes) == 0:
		return errNoProcesses
	}

	if _, err := parseHeapPolicy(c.Kernel.HeapPolicy); err != nil {
		return err
	}
	if _, err := sched.ParseNoMajorityPolicy(c.Kernel.NoMajority); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for i, p := range c.Processes {
		if _, ok := user.Lookup(p.Program); !ok {
			return fmt.Errorf("config: process %d (%s): unknown program %q", i, p.Name, p.Program)
		}
		if p.FaultReplica != nil && (*p.FaultReplica < 0 || *p.FaultReplica > 2) {
			return fmt.Errorf("config: process %d (%s): fault replica must be 0, 1 or 2", i, p.Name)
		}
	}
	return nil
}

func parseHeapPolicy(name string) (kheap.Policy, error) {
	for _, p := range []kheap.Policy{kheap.PolicyArena, kheap.PolicyCoalesce} {
		if strings.EqualFold(name, p.String()) {
			return p, nil
		}
	}
	if name == "" {
		return kheap.PolicyArena, nil
	}
	return 0, fmt.Errorf("config: unknown heap policy %q", name)
}

// Build builds the program of process p and reports whether the process
// takes part in voting.
func (p Process) Build() (machine.Program, bool) {
	e, _ := user.Lookup(p.Program)
	voting := e.Voting
	if p.Voting != nil {
		voting = *p.Voting
	}

	prog := e.Build()
	switch {
	case p.FaultReplica != nil && e.Voting:
		prog = user.FaultyTMR(*p.FaultReplica)
	case p.Iterations > 0 && p.Program == "counter":
		prog = user.Counter(p.Iterations)
	}
	return prog, voting
}

// MachineConfig returns the board configuration.
func (c Config) MachineConfig() machine.Config {
	return machine.Config{
		Harts:               c.Board.Harts,
		RAMBase:             uintptr(c.Board.RAMBase),
		RAMSize:             mem.Size(c.Board.RAMSize),
		UART:                uintptr(c.Layout.UART),
		CLINT:               uintptr(c.Layout.CLINT),
		Finisher:            uintptr(c.Layout.Finisher),
		TicksPerInstruction: c.Board.TicksPerInstruction,
		InstructionBudget:   c.Board.InstructionBudget,
	}
}

// KernelConfig returns the boot parameters of the kernel. entries holds the
// load address of every process in order.
func (c Config) KernelConfig(entries []uintptr) kmain.Config {
	k := kmain.DefaultConfig(mem.Size(c.Board.RAMSize))
	k.Layout = c.Layout
	k.Harts = c.Board.Harts
	k.BootQuantum = c.Kernel.BootQuantum
	k.Quantum = c.Kernel.Quantum
	k.Interval = c.Kernel.Interval
	k.HeapPages = c.Kernel.HeapPages
	k.StackPages = c.Kernel.StackPages
	k.HeapPolicy, _ = parseHeapPolicy(c.Kernel.HeapPolicy)
	k.NoMajority, _ = sched.ParseNoMajorityPolicy(c.Kernel.NoMajority)

	for i, p := range c.Processes {
		_, voting := p.Build()
		k.Processes = append(k.Processes, kmain.ProcessSpec{Name: p.Name, Entry: entries[i], Voting: voting})
	}
	return k
}
