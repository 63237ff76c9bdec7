package sim

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"rvos/config"
	"rvos/machine"
)

func testConfig(procs ...config.Process) config.Config {
	cfg := config.Default()
	cfg.Board.RAMSize = uint64(16 << 20)
	cfg.Layout.HeapSize = cfg.Board.RAMBase + cfg.Board.RAMSize - cfg.Layout.HeapStart
	cfg.Kernel.HeapPages = 64
	if len(procs) != 0 {
		cfg.Processes = procs
	}
	return cfg
}

func runConfig(t *testing.T, cfg config.Config, expStatus machine.ExitStatus) (Result, string) {
	t.Helper()

	var console bytes.Buffer
	res, err := Run(context.Background(), cfg, &console)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != expStatus {
		t.Fatalf("expected exit status %q; got %q; console:\n%s", expStatus, res.Status, console.String())
	}
	return res, console.String()
}

func expectOutput(t *testing.T, out string, exp ...string) {
	t.Helper()

	for _, s := range exp {
		if !strings.Contains(out, s) {
			t.Errorf("expected console output to contain %q; got:\n%s", s, out)
		}
	}
}

func TestRunTMR(t *testing.T) {
	res, out := runConfig(t, testConfig(), machine.ExitSuccess)

	expectOutput(t, out,
		"[hal] ns16550(0.0.1): port at 0x10000000\n",
		"Initializing the kernel..\n",
		"HEAP:   0x",
		"Process tmr (pid 1) created with frame at 0x",
		"Correct output: 4\n",
		"Time: ",
		"Exiting. Bye.\n",
	)

	if res.Stats.Votes != 1 || res.Stats.PushedTotal != 3 {
		t.Fatalf("expected a single vote over 3 results; got %+v", res.Stats)
	}
	if res.Retired == 0 || res.Ticks == 0 {
		t.Fatalf("expected the board to make progress; got %+v", res)
	}
}

func TestRunFaultyTMR(t *testing.T) {
	replica := func(i int) *int { return &i }

	t.Run("masked fault", func(t *testing.T) {
		cfg := testConfig(config.Process{Name: "tmr", Program: "tmr", FaultReplica: replica(2)})
		_, out := runConfig(t, cfg, machine.ExitSuccess)
		expectOutput(t, out, "Correct output: 4\n")
	})

	t.Run("split vote accepted as zero", func(t *testing.T) {
		cfg := testConfig(config.Process{Name: "tmr", Program: "tmr", FaultReplica: replica(1)})
		res, out := runConfig(t, cfg, machine.ExitSuccess)
		expectOutput(t, out, "Correct output: 0\n")
		if res.Stats.NoMajority != 1 || res.Stats.Votes != 1 {
			t.Fatalf("expected one vote without majority; got %+v", res.Stats)
		}
	})

	t.Run("split vote retried", func(t *testing.T) {
		cfg := testConfig(config.Process{Name: "tmr", Program: "tmr", FaultReplica: replica(1)})
		cfg.Kernel.NoMajority = "retry"
		res, out := runConfig(t, cfg, machine.ExitSuccess)
		expectOutput(t, out, "No majority: [4 12 4]\n", "Correct output: 4\n")
		if res.Stats.Votes != 2 || res.Stats.Rejected != 1 {
			t.Fatalf("expected a rejected vote followed by an accepted one; got %+v", res.Stats)
		}
	})
}

func TestRunWithSleepingProcess(t *testing.T) {
	cfg := testConfig(
		config.Process{Name: "counter", Program: "counter", Iterations: 3},
		config.Process{Name: "tmr", Program: "tmr"},
	)
	res, out := runConfig(t, cfg, machine.ExitSuccess)

	expectOutput(t, out,
		"Process counter (pid 1) created",
		"Process tmr (pid 2) created",
		"Correct output: 4\n",
	)
	if res.Stats.Dispatches < 2 {
		t.Fatalf("expected both processes to be dispatched; got %+v", res.Stats)
	}
}

func TestRunCrash(t *testing.T) {
	cfg := testConfig(config.Process{Name: "crash", Program: "crash"})
	_, out := runConfig(t, cfg, machine.ExitHalted)

	expectOutput(t, out,
		"[trap] unrecoverable error: hart 0: illegal instruction at 0x",
		": 0xdeadbeef",
		"*** kernel panic: system halted ***",
	)
}

func TestRunDump(t *testing.T) {
	cfg := testConfig(config.Process{Name: "dump", Program: "dump"})
	_, out := runConfig(t, cfg, machine.ExitSuccess)

	expectOutput(t, out, "Registers\n", "Exiting. Bye.\n")
}

func TestRunMultipleHarts(t *testing.T) {
	cfg := testConfig()
	cfg.Board.Harts = 2
	_, out := runConfig(t, cfg, machine.ExitSuccess)

	expectOutput(t, out, "Correct output: 4\n")
}

func TestPrepareRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Board.Harts = 0
	if _, _, err := Prepare(cfg, nil); err == nil {
		t.Fatal("expected an invalid configuration to be rejected")
	}
}
