package kernel

// Error describes a kernel error. Kernel errors that carry no dynamic context
// are defined as global variables that are pointers to the Error structure;
// fatal paths that need to report a hart id or an address build a fresh value
// right before handing it to kfmt.Panic.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
