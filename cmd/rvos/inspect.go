package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"rvos/config"
	"rvos/kernel/syscall"
	"rvos/machine"
	"rvos/user"
)

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct{}

// Name implements subcommands.Command.Name.
func (*layoutCmd) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*layoutCmd) Synopsis() string {
	return "print the kernel memory layout and the MMIO map"
}

// Usage implements subcommands.Command.Usage.
func (*layoutCmd) Usage() string {
	return "layout - print the sections of the configured layout.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*layoutCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*layoutCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "layout: %v\n", err)
		return subcommands.ExitUsageError
	}
	printLayout(os.Stdout, cfg)
	return subcommands.ExitSuccess
}

func printLayout(w io.Writer, cfg config.Config) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "SECTION\tSTART\tEND\tSIZE\n")
	for _, s := range cfg.Layout.Sections() {
		fmt.Fprintf(tw, "%s\t0x%08x\t0x%08x\t%s\n", s.Name, s.Start, s.End, s.Size())
	}
	for _, s := range cfg.Layout.MMIO() {
		fmt.Fprintf(tw, "%s\t0x%08x\t0x%08x\t%s\n", s.Name, s.Start, s.End, s.Size())
	}
}

// syscallsCmd implements subcommands.Command for the "syscalls" command.
type syscallsCmd struct{}

// Name implements subcommands.Command.Name.
func (*syscallsCmd) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*syscallsCmd) Synopsis() string {
	return "list the syscalls served by the kernel"
}

// Usage implements subcommands.Command.Usage.
func (*syscallsCmd) Usage() string {
	return "syscalls - print the syscall numbers expected in a7.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*syscallsCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*syscallsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	printSyscalls(os.Stdout)
	return subcommands.ExitSuccess
}

func printSyscalls(w io.Writer) {
	var t syscall.Table
	for id, name := range t.Names() {
		fmt.Fprintf(w, "%2d %s\n", id, name)
	}
}

// programsCmd implements subcommands.Command for the "programs" command.
type programsCmd struct {
	disasm string
}

// Name implements subcommands.Command.Name.
func (*programsCmd) Name() string {
	return "programs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*programsCmd) Synopsis() string {
	return "list the programs that can be run as processes"
}

// Usage implements subcommands.Command.Usage.
func (*programsCmd) Usage() string {
	return "programs [-disasm name] - list the program catalog or disassemble a program.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *programsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.disasm, "disasm", "", "print the instructions of the named program")
}

// Execute implements subcommands.Command.Execute.
func (p *programsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if p.disasm == "" {
		printCatalog(os.Stdout)
		return subcommands.ExitSuccess
	}

	if err := printProgram(os.Stdout, p.disasm); err != nil {
		fmt.Fprintf(os.Stderr, "programs: %v\n", err)
		return subcommands.ExitUsageError
	}
	return subcommands.ExitSuccess
}

func printCatalog(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "NAME\tVOTING\tDESCRIPTION\n")
	for _, e := range user.Catalog() {
		fmt.Fprintf(tw, "%s\t%t\t%s\n", e.Name, e.Voting, e.Description)
	}
}

func printProgram(w io.Writer, name string) error {
	e, ok := user.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown program %q", name)
	}

	prog := e.Build()
	for i, in := range prog.Code {
		fmt.Fprintf(w, "%04x: %s\n", i*machine.InstructionSize, in)
	}
	return nil
}
