package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/subcommands"

	"rvos/config"
	"rvos/machine"
	"rvos/sim"
)

// overrides are the configuration settings shared by the commands that boot
// the board.
type overrides struct {
	harts      int
	programs   string
	noMajority string
	heapPolicy string
	budget     int64
}

func (o *overrides) setFlags(f *flag.FlagSet) {
	f.IntVar(&o.harts, "harts", 0, "number of harts; 0 keeps the configured value")
	f.StringVar(&o.programs, "programs", "", "comma separated list of programs replacing the configured processes")
	f.StringVar(&o.noMajority, "no-majority", "", "vote policy without majority: zero or retry")
	f.StringVar(&o.heapPolicy, "heap-policy", "", "kernel heap policy: arena or coalesce")
	f.Int64Var(&o.budget, "budget", -1, "instruction budget; 0 removes the limit, negative keeps the configured value")
}

func (o *overrides) apply(cfg *config.Config) error {
	if o.harts != 0 {
		cfg.Board.Harts = o.harts
	}
	if o.noMajority != "" {
		cfg.Kernel.NoMajority = o.noMajority
	}
	if o.heapPolicy != "" {
		cfg.Kernel.HeapPolicy = o.heapPolicy
	}
	if o.budget >= 0 {
		cfg.Board.InstructionBudget = uint64(o.budget)
	}
	if o.programs != "" {
		cfg.Processes = cfg.Processes[:0:0]
		for _, name := range strings.Split(o.programs, ",") {
			name = strings.TrimSpace(name)
			cfg.Processes = append(cfg.Processes, config.Process{Name: name, Program: name})
		}
	}
	return cfg.Validate()
}

func (o *overrides) config() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if err := o.apply(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// exitStatus maps a board exit status onto the exit status of the command.
func exitStatus(status machine.ExitStatus) subcommands.ExitStatus {
	if status == machine.ExitSuccess {
		return subcommands.ExitSuccess
	}
	return subcommands.ExitFailure
}

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	overrides
	stats bool
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "boot the kernel and run the configured processes until the board stops"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return `boot [flags] - boot the kernel on the hosted board. The console is written
to stdout and the command succeeds if the kernel powers off the board with the
pass code.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	b.overrides.setFlags(f)
	f.BoolVar(&b.stats, "stats", false, "print scheduler statistics when the board stops")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, err := b.overrides.config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitUsageError
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := sim.Run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Fprintf(os.Stderr, "board stopped: %s after %d instructions (%d ticks)\n", res.Status, res.Retired, res.Ticks)
	if b.stats {
		s := res.Stats
		fmt.Fprintf(os.Stderr, "dispatches %d idles %d wakeups %d votes %d no-majority %d rejected %d pushed %d\n",
			s.Dispatches, s.Idles, s.Wakeups, s.Votes, s.NoMajority, s.Rejected, s.PushedTotal)
	}
	return exitStatus(res.Status)
}
