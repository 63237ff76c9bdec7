package hal

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvos/device"
	"rvos/kernel"
	"rvos/kernel/kfmt"
	"rvos/kernel/mem"
	"rvos/kernel/mem/phys"
)

type fakeDriver struct {
	name    string
	initErr *kernel.Error
}

func (d *fakeDriver) DriverName() string { return d.name }
func (d *fakeDriver) DriverVersion() (uint16, uint16, uint16) { return 1, 2, 3 }
func (d *fakeDriver) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "probing\n")
	return d.initErr
}

type fakeConsole struct {
	fakeDriver
	bytes.Buffer
}

func TestProbe(t *testing.T) {
	defer func() {
		devices = managedDevices{}
		kfmt.SetOutputSink(nil)
	}()

	var early bytes.Buffer
	kfmt.SetOutputSink(&early)

	cons := &fakeConsole{fakeDriver: fakeDriver{name: "cons"}}
	broken := &fakeDriver{name: "broken", initErr: &kernel.Error{Module: "test", Message: "no such device"}}
	other := &fakeDriver{name: "timer"}

	var probed []uintptr
	list := device.DriverInfoList{
		{Probe: func(p device.Platform) device.Driver { probed = append(probed, p.UART); return nil }},
		{Probe: func(device.Platform) device.Driver { return broken }},
		{Probe: func(device.Platform) device.Driver { return cons }},
		{Probe: func(device.Platform) device.Driver { return other }},
	}

	probe(device.Platform{UART: 0x10000000}, list)

	if diff := cmp.Diff([]uintptr{0x10000000}, probed); diff != "" {
		t.Fatalf("expected probe functions to receive the platform (-want +got):\n%s", diff)
	}

	if ActiveConsole() != cons {
		t.Fatal("expected the first console driver to become active")
	}

	if exp, got := 2, len(ActiveDrivers()); got != exp {
		t.Fatalf("expected %d active drivers; got %d", exp, got)
	}

	expEarly := "[hal] broken(1.2.3): probing\n[hal] broken(1.2.3): init failed: no such device\n[hal] cons(1.2.3): probing\n"
	if got := early.String(); got != expEarly {
		t.Fatalf("expected output before the console attaches to be\n%q\ngot\n%q", expEarly, got)
	}

	expCons := "[hal] cons(1.2.3): initialized\n[hal] timer(1.2.3): probing\n[hal] timer(1.2.3): initialized\n"
	if got := cons.Buffer.String(); got != expCons {
		t.Fatalf("expected console output to be\n%q\ngot\n%q", expCons, got)
	}
}

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout(128 * mem.Mb)

	if exp := uint64(RAMBase + 0x8_8000); l.HeapStart != exp {
		t.Fatalf("expected heap to start at 0x%x; got 0x%x", exp, l.HeapStart)
	}
	if exp := uint64(RAMBase+128*mem.Mb) - l.HeapStart; l.HeapSize != exp {
		t.Fatalf("expected heap to extend to the end of RAM (0x%x bytes); got 0x%x", exp, l.HeapSize)
	}

	var prevEnd uintptr
	for _, s := range l.Sections() {
		if s.Start < prevEnd || s.End < s.Start {
			t.Errorf("section %s [0x%x, 0x%x) overlaps or is inverted", s.Name, s.Start, s.End)
		}
		if s.Start&uintptr(mem.PageSize-1) != 0 {
			t.Errorf("section %s starts at unaligned address 0x%x", s.Name, s.Start)
		}
		prevEnd = s.End
	}

	if got := DefaultLayout(0).HeapSize; got != 0 {
		t.Fatalf("expected an empty heap when RAM ends before the image; got 0x%x", got)
	}
}

func TestPowerOff(t *testing.T) {
	ram, err := phys.New(DefaultFinisher, mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ram.Close()

	l := DefaultLayout(128 * mem.Mb)
	for _, code := range []ExitCode{ExitSuccess, ExitFailure, ExitReset} {
		PowerOff(ram, l, code)
		if got := ExitCode(ram.Load32(DefaultFinisher)); got != code {
			t.Errorf("expected finisher to receive %s (0x%x); got 0x%x", code, uint32(code), uint32(got))
		}
	}
}
