// Package sim boots the kernel on a hosted board built from a configuration.
package sim

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"rvos/config"
	"rvos/kernel/kfmt"
	"rvos/kernel/kmain"
	"rvos/kernel/sched"
	"rvos/machine"
)

var log = logrus.WithField("module", "sim")

// Result summarizes a finished run.
type Result struct {
	Status  machine.ExitStatus
	Retired uint64
	Ticks   uint64
	Stats   sched.Stats
}

// Prepare builds the board described by cfg, loads the process programs and
// returns the kernel that will boot on it. The caller owns the board and
// must close it.
func Prepare(cfg config.Config, console io.Writer) (*machine.Board, *kmain.Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	mcfg := cfg.MachineConfig()
	mcfg.Console = console
	board, err := machine.New(mcfg)
	if err != nil {
		return nil, nil, err
	}

	progs := make([]machine.Program, 0, len(cfg.Processes))
	for _, p := range cfg.Processes {
		prog, _ := p.Build()
		progs = append(progs, prog)
	}

	entries, err := board.LoadAll(uintptr(cfg.Board.ProgramBase), progs...)
	if err != nil {
		board.Close()
		return nil, nil, fmt.Errorf("sim: %w", err)
	}

	return board, kmain.New(board.Memory(), cfg.KernelConfig(entries)), nil
}

// Run boots the kernel described by cfg and blocks until the board stops.
// Console output is written to console.
func Run(ctx context.Context, cfg config.Config, console io.Writer) (Result, error) {
	board, k, err := Prepare(cfg, console)
	if err != nil {
		return Result{}, err
	}
	defer board.Close()

	kfmt.SetOutputSink(nil)
	defer kfmt.SetOutputSink(nil)

	status, err := board.Run(ctx, k)
	res := Result{
		Status:  status,
		Retired: board.Retired(),
		Ticks:   board.CLINT().Now(),
	}
	if k.Sched != nil {
		res.Stats = k.Sched.Stats()
	}

	log.WithFields(logrus.Fields{
		"status":  status.String(),
		"retired": res.Retired,
		"ticks":   res.Ticks,
	}).Info("run finished")
	return res, err
}
