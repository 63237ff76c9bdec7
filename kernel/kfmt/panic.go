package kfmt

import (
	"errors"

	"rvos/kernel"
	"rvos/kernel/cpu"
)

const panicRule = "\n-----------------------------------\n"

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	// runtimeModule tags panics that did not originate from a kernel.Error.
	runtimeModule = "rt"
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// calling hart. Calls to Panic never return.
//
// A *kernel.Error anywhere in the chain of an error value keeps its module
// tag; other errors and plain strings are reported under the "rt" module.
func Panic(e interface{}) {
	printBanner(asKernelError(e))
	cpuHaltFn()
}

func asKernelError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case nil:
		return nil
	case *kernel.Error:
		return t
	case string:
		return &kernel.Error{Module: runtimeModule, Message: t}
	case error:
		var kerr *kernel.Error
		if errors.As(t, &kerr) {
			return &kernel.Error{Module: kerr.Module, Message: t.Error()}
		}
		return &kernel.Error{Module: runtimeModule, Message: t.Error()}
	default:
		return &kernel.Error{Module: runtimeModule, Message: "unknown cause"}
	}
}

func printBanner(err *kernel.Error) {
	Printf(panicRule)
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf(panicRule)
}
