package trap

import (
	"fmt"

	"rvos/kernel/cpu"
)

// Cause is the raw value of mcause. The top bit distinguishes interrupts
// from exceptions; the remaining bits hold the cause code.
type Cause uint64

const interruptBit = Cause(1) << 63

// Interrupt cause codes.
type Interrupt uint64

const (
	UserSoftware       Interrupt = 0
	SupervisorSoftware Interrupt = 1
	MachineSoftware    Interrupt = 3
	UserTimer          Interrupt = 4
	SupervisorTimer    Interrupt = 5
	MachineTimer       Interrupt = 7
	UserExternal       Interrupt = 8
	SupervisorExternal Interrupt = 9
	MachineExternal    Interrupt = 11
)

var interruptNames = map[Interrupt]string{
	UserSoftware:       "user software interrupt",
	SupervisorSoftware: "supervisor software interrupt",
	MachineSoftware:    "machine software interrupt",
	UserTimer:          "user timer interrupt",
	SupervisorTimer:    "supervisor timer interrupt",
	MachineTimer:       "machine timer interrupt",
	UserExternal:       "user external interrupt",
	SupervisorExternal: "supervisor external interrupt",
	MachineExternal:    "machine external interrupt",
}

// String implements fmt.Stringer for Interrupt.
func (i Interrupt) String() string {
	if name, ok := interruptNames[i]; ok {
		return name
	}
	return fmt.Sprintf("interrupt %d", uint64(i))
}

// Exception cause codes.
type Exception uint64

const (
	InstructionAddressMisaligned Exception = 0
	InstructionAccessFault       Exception = 1
	IllegalInstruction           Exception = 2
	Breakpoint                   Exception = 3
	LoadAddressMisaligned        Exception = 4
	LoadAccessFault              Exception = 5
	StoreAddressMisaligned       Exception = 6
	StoreAccessFault             Exception = 7
	EcallFromUser                Exception = 8
	EcallFromSupervisor          Exception = 9
	EcallFromMachine             Exception = 11
	InstructionPageFault         Exception = 12
	LoadPageFault                Exception = 13
	StorePageFault               Exception = 15
)

var exceptionNames = map[Exception]string{
	InstructionAddressMisaligned: "instruction address misaligned",
	InstructionAccessFault:       "instruction access fault",
	IllegalInstruction:           "illegal instruction",
	Breakpoint:                   "breakpoint",
	LoadAddressMisaligned:        "load address misaligned",
	LoadAccessFault:              "load access fault",
	StoreAddressMisaligned:       "store address misaligned",
	StoreAccessFault:             "store access fault",
	EcallFromUser:                "environment call from user mode",
	EcallFromSupervisor:          "environment call from supervisor mode",
	EcallFromMachine:             "environment call from machine mode",
	InstructionPageFault:         "instruction page fault",
	LoadPageFault:                "load page fault",
	StorePageFault:               "store page fault",
}

// String implements fmt.Stringer for Exception.
func (e Exception) String() string {
	if name, ok := exceptionNames[e]; ok {
		return name
	}
	return fmt.Sprintf("exception %d", uint64(e))
}

// InterruptCause returns the mcause value reported for an interrupt.
func InterruptCause(i Interrupt) Cause {
	return interruptBit | Cause(i)
}

// ExceptionCause returns the mcause value reported for an exception.
func ExceptionCause(e Exception) Cause {
	return Cause(e)
}

// EcallCause returns the exception raised by an ecall executed in mode.
func EcallCause(mode cpu.Mode) Cause {
	switch mode {
	case cpu.ModeUser:
		return ExceptionCause(EcallFromUser)
	case cpu.ModeSupervisor:
		return ExceptionCause(EcallFromSupervisor)
	default:
		return ExceptionCause(EcallFromMachine)
	}
}

// IsInterrupt returns true if the cause describes an asynchronous interrupt.
func (c Cause) IsInterrupt() bool {
	return c&interruptBit != 0
}

// Code returns the cause code without the interrupt bit.
func (c Cause) Code() uint64 {
	return uint64(c &^ interruptBit)
}

// String implements fmt.Stringer for Cause.
func (c Cause) String() string {
	if c.IsInterrupt() {
		return Interrupt(c.Code()).String()
	}
	return Exception(c.Code()).String()
}
