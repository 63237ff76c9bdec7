package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"rvos/kernel/kfmt"
	"rvos/sim"
)

// pagesCmd implements subcommands.Command for the "pages" command.
type pagesCmd struct {
	overrides
	console bool
}

// Name implements subcommands.Command.Name.
func (*pagesCmd) Name() string {
	return "pages"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*pagesCmd) Synopsis() string {
	return "run the board and print the page allocation table and process ring when it stops"
}

// Usage implements subcommands.Command.Usage.
func (*pagesCmd) Usage() string {
	return "pages [flags] - boot the kernel, wait for the board to stop and dump the frame allocator.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *pagesCmd) SetFlags(f *flag.FlagSet) {
	p.overrides.setFlags(f)
	f.BoolVar(&p.console, "console", false, "also print the kernel console")
}

// Execute implements subcommands.Command.Execute.
func (p *pagesCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, err := p.overrides.config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pages: %v\n", err)
		return subcommands.ExitUsageError
	}

	var console io.Writer = io.Discard
	if p.console {
		console = os.Stdout
	}

	board, k, err := sim.Prepare(cfg, console)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pages: %v\n", err)
		return subcommands.ExitFailure
	}
	defer board.Close()

	kfmt.SetOutputSink(nil)
	defer kfmt.SetOutputSink(nil)

	status, err := board.Run(ctx, k)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pages: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("board stopped: %s\n", status)
	if k.Sched == nil {
		fmt.Fprintf(os.Stderr, "pages: the kernel stopped before initializing memory\n")
		return subcommands.ExitFailure
	}
	k.Frames.DumpTo(os.Stdout)
	k.Sched.DumpTo(os.Stdout)
	return subcommands.ExitSuccess
}
