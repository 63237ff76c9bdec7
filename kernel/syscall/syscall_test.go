package syscall

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvos/kernel"
	"rvos/kernel/cpu"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/mem/phys"
	"rvos/kernel/sched"
	"rvos/kernel/trap"
)

const testFrameAddr = uintptr(0x80000100)

type sleepCall struct {
	pid, quanta uint64
}

type fakeScheduler struct {
	procs   map[uint64]sched.Process
	sleeps  []sleepCall
	exits   []uint64
	pushed  []uint64
	verdict *sched.Verdict
	elapsed uint64
}

func (s *fakeScheduler) Find(pid uint64) (sched.Process, bool) {
	p, ok := s.procs[pid]
	return p, ok
}

func (s *fakeScheduler) Sleep(pid, quanta uint64) bool {
	s.sleeps = append(s.sleeps, sleepCall{pid, quanta})
	_, ok := s.procs[pid]
	return ok
}

func (s *fakeScheduler) Exit(pid uint64) bool {
	s.exits = append(s.exits, pid)
	return true
}

func (s *fakeScheduler) PushResult(v uint64) (sched.Verdict, bool) {
	s.pushed = append(s.pushed, v)
	if len(s.pushed)%3 != 0 {
		return sched.Verdict{}, false
	}
	n := len(s.pushed)
	verdict := sched.Vote(s.pushed[n-3], s.pushed[n-2], s.pushed[n-1])
	s.verdict = &verdict
	return verdict, true
}

func (s *fakeScheduler) LastVerdict() (sched.Verdict, bool) {
	if s.verdict == nil {
		return sched.Verdict{}, false
	}
	return *s.verdict, true
}

func (s *fakeScheduler) Elapsed() uint64 { return s.elapsed }

type fakeHart struct{ id int }

func (h fakeHart) ID() int { return h.id }
func (h fakeHart) ReadCSR(cpu.CSR) uint64 { return 0 }
func (h fakeHart) WriteCSR(cpu.CSR, uint64) {}
func (h fakeHart) FlushTLB(uint64) {}
func (h fakeHart) SwitchToUser(uintptr) {}
func (h fakeHart) WaitForInterrupt() {}

type testEnv struct {
	ram     *phys.RAM
	sched   *fakeScheduler
	table   *Table
	console *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ram, err := phys.New(0x80000000, 4*mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ram.Close() })

	var console bytes.Buffer
	kfmt.SetOutputSink(&console)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	s := &fakeScheduler{
		procs: map[uint64]sched.Process{
			1: {PID: 1, State: sched.Running},
			2: {PID: 2, State: sched.Running, Voting: true},
		},
	}

	return &testEnv{
		ram:     ram,
		sched:   s,
		table:   &Table{Mem: ram, Sched: s},
		console: &console,
	}
}

// call stores a frame issuing syscall id on behalf of pid, runs it and
// returns the frame as left behind by the handler.
func (env *testEnv) call(pid uint64, id ID, args ...uint64) trap.Frame {
	f := trap.Frame{PC: 0x20000008, PID: pid}
	f.Regs[trap.RegA7] = uint64(id)
	for i, arg := range args {
		f.Regs[trap.RegA0+i] = arg
	}
	f.Store(env.ram, testFrameAddr)

	env.table.Syscall(fakeHart{id: 3}, testFrameAddr)

	var out trap.Frame
	out.Load(env.ram, testFrameAddr)
	return out
}

func mockPanic(t *testing.T) *interface{} {
	t.Helper()

	var got interface{}
	panicFn = func(e interface{}) { got = e }
	t.Cleanup(func() { panicFn = kfmt.Panic })
	return &got
}

func TestNop(t *testing.T) {
	env := newTestEnv(t)

	f := env.call(1, Nop, 7, 8)
	if f.Regs[trap.RegA0] != 7 || f.Regs[trap.RegA1] != 8 || f.PC != 0x20000008 {
		t.Fatalf("expected nop to leave the frame untouched; got %+v", f)
	}
	if env.console.Len() != 0 {
		t.Fatalf("expected no console output; got %q", env.console.String())
	}
}

func TestDumpRegisters(t *testing.T) {
	env := newTestEnv(t)

	env.call(1, DumpRegisters, 0xcafe)

	out := env.console.String()
	for _, exp := range []string{"Registers\n", "x10: 0x000000000000cafe", "pid: 1"} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestSleep(t *testing.T) {
	env := newTestEnv(t)

	env.call(1, Sleep, 0)
	env.call(2, Sleep, 3)

	exp := []sleepCall{{1, 1}, {2, 3}}
	if diff := cmp.Diff(exp, env.sched.sleeps, cmp.AllowUnexported(sleepCall{})); diff != "" {
		t.Fatalf("unexpected sleep requests (-want +got):\n%s", diff)
	}
}

func TestExit(t *testing.T) {
	env := newTestEnv(t)

	var halted, poweredOff bool
	haltFn = func() { halted = true }
	t.Cleanup(func() { haltFn = cpu.Halt })
	env.table.PowerOff = func() { poweredOff = true }

	env.call(1, Exit)

	if diff := cmp.Diff([]uint64{1}, env.sched.exits); diff != "" {
		t.Fatalf("unexpected exits (-want +got):\n%s", diff)
	}
	if exp, got := "Exiting. Bye.\n", env.console.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
	if !poweredOff || !halted {
		t.Fatalf("expected the board to be powered off (%t) and the hart halted (%t)", poweredOff, halted)
	}
}

func TestVotingCalls(t *testing.T) {
	t.Run("no verdict yet", func(t *testing.T) {
		env := newTestEnv(t)

		f := env.call(2, PrintResult, 99)
		if f.Regs[trap.RegA0] != 0 || f.Regs[trap.RegA1] != 0 {
			t.Fatalf("expected (0, 0); got (%d, %d)", f.Regs[trap.RegA0], f.Regs[trap.RegA1])
		}
		if exp, got := "No result\n", env.console.String(); got != exp {
			t.Fatalf("expected %q; got %q", exp, got)
		}
	})

	specs := []struct {
		results     []uint64
		expA0       uint64
		expA1       uint64
		expAccepted bool
		expOutput   string
	}{
		{[]uint64{5, 5, 9}, 5, 1, true, "Correct output: 5\n"},
		{[]uint64{1, 2, 3}, 0, 0, false, "No majority: [1 2 3]\n"},
	}

	for specIndex, spec := range specs {
		env := newTestEnv(t)

		for _, v := range spec.results {
			env.call(2, PushResult, v)
		}
		if diff := cmp.Diff(spec.results, env.sched.pushed); diff != "" {
			t.Errorf("[spec %d] unexpected queued results (-want +got):\n%s", specIndex, diff)
		}

		f := env.call(2, PrintResult)
		if f.Regs[trap.RegA0] != spec.expA0 || f.Regs[trap.RegA1] != spec.expA1 {
			t.Errorf("[spec %d] expected (a0, a1) = (%d, %d); got (%d, %d)", specIndex, spec.expA0, spec.expA1, f.Regs[trap.RegA0], f.Regs[trap.RegA1])
		}
		if got := env.console.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestSum(t *testing.T) {
	env := newTestEnv(t)

	f := env.call(1, Sum, 2, 2)
	if f.Regs[trap.RegA0] != 4 {
		t.Fatalf("expected a0 to hold 4; got %d", f.Regs[trap.RegA0])
	}
	if exp, got := "Total: 4\n", env.console.String(); got != exp {
		t.Fatalf("expected non-voting caller to print %q; got %q", exp, got)
	}
	if len(env.sched.pushed) != 0 {
		t.Fatal("expected non-voting caller not to push results")
	}

	env.console.Reset()
	env.call(2, Sum, 3, 4)
	if diff := cmp.Diff([]uint64{7}, env.sched.pushed); diff != "" {
		t.Fatalf("expected voting caller to push its sum (-want +got):\n%s", diff)
	}
	if env.console.Len() != 0 {
		t.Fatalf("expected no output for a voting caller; got %q", env.console.String())
	}

	if got := env.table.Total(); got != 7 {
		t.Fatalf("expected last total to be 7; got %d", got)
	}
}

func TestReporting(t *testing.T) {
	env := newTestEnv(t)
	env.sched.elapsed = 12

	env.call(1, Sum, 20, 22)
	env.console.Reset()

	env.call(1, PrintTotal)
	if exp, got := "Total: 42\nTime: 12\n", env.console.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}

	env.console.Reset()
	env.call(1, PrintTime)
	if exp, got := "Time: 12\n", env.console.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestUnknownSyscall(t *testing.T) {
	env := newTestEnv(t)
	got := mockPanic(t)

	env.call(1, ID(42))

	err, ok := (*got).(*kernel.Error)
	if !ok {
		t.Fatalf("expected a fatal *kernel.Error; got %v", *got)
	}
	if exp := "hart 3: unknown syscall 42"; err.Message != exp {
		t.Fatalf("expected message %q; got %q", exp, err.Message)
	}
}

func TestNames(t *testing.T) {
	exp := []string{
		"nop", "dump_registers", "sleep", "exit", "push_result",
		"print_result", "print_total", "print_time", "sum",
	}

	var table Table
	if diff := cmp.Diff(exp, table.Names()); diff != "" {
		t.Fatalf("unexpected syscall names (-want +got):\n%s", diff)
	}

	if exp, got := "syscall(9)", ID(9).String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}
