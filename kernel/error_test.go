package kernel

import (
	"errors"
	"fmt"
	"testing"
)

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "pmm",
		Message: "out of memory",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	wrapped := fmt.Errorf("boot: %w", err)
	var kerr *Error
	if !errors.As(wrapped, &kerr) || kerr.Module != "pmm" {
		t.Fatalf("expected to unwrap the kernel error; got %v", kerr)
	}
}
