package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfBuffersUntilSinkIsAttached(t *testing.T) {
	defer func() {
		SetOutputSink(nil)
		earlyPrintBuffer.Reset()
	}()

	SetOutputSink(nil)
	earlyPrintBuffer.Reset()

	Printf("hart %d: %s\n", 0, "booting")
	Printf("heap at 0x%x\n", 0x80200000)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	exp := "hart 0: booting\nheap at 0x80200000\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected early output to be replayed as %q; got %q", exp, got)
	}

	buf.Reset()
	Printf("Total: %d", 4)
	if exp, got := "Total: 4", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer
	Fprintf(&buf, "x%2d:%08x", 1, 0xbeef)

	if exp, got := "x 1:0000beef", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestConsole(t *testing.T) {
	defer SetOutputSink(nil)

	earlyPrintBuffer.Reset()
	var buf bytes.Buffer
	SetOutputSink(&buf)

	Fprintf(Console(), "Exiting. %s\n", "Bye.")
	if exp, got := "Exiting. Bye.\n", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}
