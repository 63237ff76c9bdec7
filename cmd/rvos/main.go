// Binary rvos boots the rvos kernel on a hosted RISC-V board.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"rvos/config"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file; the built-in board is used if empty")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(pagesCmd), "")
	subcommands.Register(new(layoutCmd), "inspection")
	subcommands.Register(new(syscallsCmd), "inspection")
	subcommands.Register(new(programsCmd), "inspection")

	flag.Parse()

	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.WarnLevel)
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig returns the configuration selected by the --config flag.
func loadConfig() (config.Config, error) {
	if *configPath == "" {
		return config.Default(), nil
	}
	return config.Load(*configPath)
}
