package kmain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvos/kernel/cpu"
	"rvos/kernel/hal"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/mem/phys"
	"rvos/kernel/sched"
	"rvos/kernel/syscall"
	"rvos/kernel/trap"
)

const (
	testRAMSize   = 4 * mem.Mb
	testCLINT     = hal.RAMBase + 0x30_0000
	testFinisher  = testCLINT + hal.CLINTSize
	testEntry     = uintptr(0x20000000)
	testHeapBytes = 2 * mem.Mb
)

type fakeHart struct {
	id       int
	csrs     map[cpu.CSR]uint64
	switched []uintptr
}

func (h *fakeHart) ID() int { return h.id }
func (h *fakeHart) ReadCSR(csr cpu.CSR) uint64 { return h.csrs[csr] }
func (h *fakeHart) WriteCSR(csr cpu.CSR, v uint64) { h.csrs[csr] = v }
func (h *fakeHart) FlushTLB(uint64) {}
func (h *fakeHart) SwitchToUser(frameAddr uintptr) { h.switched = append(h.switched, frameAddr) }
func (h *fakeHart) WaitForInterrupt() {}

func testConfig() Config {
	cfg := DefaultConfig(testRAMSize)
	cfg.Layout.HeapSize = uint64(testHeapBytes)
	cfg.Layout.CLINT = testCLINT
	cfg.Layout.Finisher = testFinisher
	cfg.Layout.UART = 0
	cfg.HeapPages = 8
	cfg.Processes = []ProcessSpec{{Name: "tmr", Entry: testEntry, Voting: true}}
	return cfg
}

func bootTestKernel(t *testing.T, cfg Config) (*Kernel, *fakeHart, *phys.RAM, *bytes.Buffer) {
	t.Helper()

	ram, err := phys.New(hal.RAMBase, testRAMSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ram.Close() })

	var console bytes.Buffer
	kfmt.SetOutputSink(&console)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	ram.Store64(testCLINT+0xbff8, 1000)

	k := New(ram, cfg)
	h := &fakeHart{csrs: make(map[cpu.CSR]uint64)}
	k.Kmain(h)
	return k, h, ram, &console
}

func TestKmain(t *testing.T) {
	k, h, ram, console := bootTestKernel(t, testConfig())

	if !k.Booted() {
		t.Fatal("expected kernel to report it has booted")
	}

	procs := k.Sched.Processes()
	if len(procs) != 1 {
		t.Fatalf("expected 1 process; got %d", len(procs))
	}
	if diff := cmp.Diff([]uintptr{procs[0].Frame}, h.switched); diff != "" {
		t.Fatalf("expected a switch into the boot process (-want +got):\n%s", diff)
	}
	if procs[0].State != sched.Running || !procs[0].Voting {
		t.Fatalf("unexpected boot process: %+v", procs[0])
	}

	if exp, got := k.Root.SATP(0), h.csrs[cpu.CSRSatp]; got != exp {
		t.Fatalf("expected satp to be 0x%x; got 0x%x", exp, got)
	}
	if exp, got := uint64(k.HartFrame(0)), h.csrs[cpu.CSRMscratch]; got != exp || got == 0 {
		t.Fatalf("expected mscratch to hold the hart frame 0x%x; got 0x%x", exp, got)
	}
	if h.csrs[cpu.CSRMie]&cpu.MachineTimerInterrupt == 0 {
		t.Fatal("expected the machine timer interrupt to be enabled")
	}

	if exp, got := uint64(1000+2*sched.ContextSwitchTime), ram.Load64(testCLINT+0x4000); got != exp {
		t.Fatalf("expected the boot quantum to arm mtimecmp at %d; got %d", exp, got)
	}

	l := k.cfg.Layout
	for _, addr := range []uintptr{uintptr(l.TextStart), uintptr(l.BssStart) + 0x10, k.Heap.Head(), k.Frames.MetaStart(), testCLINT + 0xbff8} {
		if got, err := k.Root.Translate(addr); err != nil || got != addr {
			t.Errorf("expected 0x%x to be identity mapped; got 0x%x, %v", addr, got, err)
		}
	}

	out := console.String()
	for _, exp := range []string{
		"Initializing the kernel..\n",
		"TEXT:   0x80000000 -> 0x80004000\n",
		"Page allocation table:",
		"Process tmr (pid 1) created",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected console output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestHandleTrap(t *testing.T) {
	k, h, ram, _ := bootTestKernel(t, testConfig())

	frameAddr := h.switched[0]
	var f trap.Frame
	f.Load(ram, frameAddr)
	f.Regs[trap.RegA7] = uint64(syscall.Sum)
	f.Regs[trap.RegA0] = 2
	f.Regs[trap.RegA1] = 2
	f.Store(ram, frameAddr)

	k.HandleTrap(h, uint64(testEntry)+8, 0, uint64(trap.ExceptionCause(trap.EcallFromMachine)), 0, frameAddr)

	if diff := cmp.Diff([]uint64{4}, k.Sched.Results()); diff != "" {
		t.Fatalf("expected the voting process to push its sum (-want +got):\n%s", diff)
	}
	if exp, got := uint64(testEntry)+12, trap.LoadPC(ram, frameAddr); got != exp {
		t.Fatalf("expected resume pc 0x%x; got 0x%x", exp, got)
	}
	if len(h.switched) != 2 || h.switched[1] != frameAddr {
		t.Fatalf("expected a switch back into the process; got %v", h.switched)
	}
}

func TestSecondaryHartRelease(t *testing.T) {
	cfg := testConfig()
	cfg.Harts = 2
	k, _, ram, _ := bootTestKernel(t, cfg)

	if got := ram.Load32(testCLINT + 4); got != 1 {
		t.Fatalf("expected the boot hart to raise msip for hart 1; got %d", got)
	}

	h1 := &fakeHart{id: 1, csrs: make(map[cpu.CSR]uint64)}
	k.HartInit(h1)

	if got := ram.Load32(testCLINT + 4); got != 0 {
		t.Fatalf("expected hart 1 to acknowledge its software interrupt; got %d", got)
	}
	if exp, got := uint64(k.HartFrame(1)), h1.csrs[cpu.CSRMscratch]; got != exp || got == 0 {
		t.Fatalf("expected mscratch to hold the hart 1 frame 0x%x; got 0x%x", exp, got)
	}
	if len(h1.switched) != 1 {
		t.Fatalf("expected hart 1 to switch into a process; got %v", h1.switched)
	}
}

func TestKmainFatalErrors(t *testing.T) {
	var got interface{}
	panicFn = func(e interface{}) { got = e }
	defer func() { panicFn = kfmt.Panic }()

	cfg := testConfig()
	cfg.Harts = trap.MaxHarts + 1
	bootTestKernel(t, cfg)

	if got != errTooManyHarts {
		t.Fatalf("expected errTooManyHarts; got %v", got)
	}
}
