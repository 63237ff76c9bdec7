package cpu

import "testing"

func TestHalt(t *testing.T) {
	defer func(origHaltFn func()) {
		haltFn = origHaltFn
	}(haltFn)

	var halted bool
	haltFn = func() { halted = true }

	Halt()
	if !halted {
		t.Fatal("expected Halt to invoke haltFn")
	}
}

func TestModeString(t *testing.T) {
	specs := []struct {
		mode Mode
		exp  string
	}{
		{ModeUser, "user"},
		{ModeSupervisor, "supervisor"},
		{ModeMachine, "machine"},
		{Mode(2), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.mode.String(); got != spec.exp {
			t.Errorf("[spec %d] expected mode string to be %q; got %q", specIndex, spec.exp, got)
		}
	}
}
