package vmm

// Perm is an abstract access capability for a mapped page. Callers request
// one of these instead of picking page table entry bits.
type Perm uint8

const (
	UserReadWrite Perm = iota
	UserReadExecute
	UserReadWriteExecute
	ReadWrite
	ReadExecute
)

// Flags returns the leaf bits granted by the permission. The second return
// value is false for an unknown permission.
func (p Perm) Flags() (PageTableEntryFlag, bool) {
	switch p {
	case UserReadWrite:
		return FlagRead | FlagWrite | FlagUser, true
	case UserReadExecute:
		return FlagRead | FlagExecute | FlagUser, true
	case UserReadWriteExecute:
		return FlagRead | FlagWrite | FlagExecute | FlagUser, true
	case ReadWrite:
		return FlagRead | FlagWrite, true
	case ReadExecute:
		return FlagRead | FlagExecute, true
	default:
		return 0, false
	}
}

// String implements fmt.Stringer for Perm.
func (p Perm) String() string {
	switch p {
	case UserReadWrite:
		return "urw-"
	case UserReadExecute:
		return "ur-x"
	case UserReadWriteExecute:
		return "urwx"
	case ReadWrite:
		return "-rw-"
	case ReadExecute:
		return "-r-x"
	default:
		return "????"
	}
}
