package machine

import "fmt"

// Op is an instruction opcode of the board's reduced instruction set.
type Op uint8

const (
	// OpLi loads Imm into Rd.
	OpLi Op = iota
	// OpAddi stores Rs1+Imm into Rd.
	OpAddi
	// OpAdd stores Rs1+Rs2 into Rd.
	OpAdd
	// OpMv copies Rs1 into Rd.
	OpMv
	// OpBne branches by Imm bytes if Rs1 != Rs2.
	OpBne
	// OpBeq branches by Imm bytes if Rs1 == Rs2.
	OpBeq
	// OpJ jumps by Imm bytes.
	OpJ
	// OpEcall raises an environment call exception.
	OpEcall
	// OpWfi waits for an interrupt.
	OpWfi
	// OpFlip inverts bit Imm of Rd. It models a transient hardware fault.
	OpFlip
	// OpIllegal raises an illegal instruction exception with Imm as the
	// trap value.
	OpIllegal
)

var opNames = [...]string{
	OpLi:      "li",
	OpAddi:    "addi",
	OpAdd:     "add",
	OpMv:      "mv",
	OpBne:     "bne",
	OpBeq:     "beq",
	OpJ:       "j",
	OpEcall:   "ecall",
	OpWfi:     "wfi",
	OpFlip:    "flip",
	OpIllegal: "illegal",
}

// String implements fmt.Stringer for Op.
func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// InstructionSize is the number of bytes the pc advances per instruction.
const InstructionSize = 4

// Instruction is a decoded instruction.
type Instruction struct {
	Op       Op
	Rd       uint8
	Rs1, Rs2 uint8
	Imm      int64
}

// String implements fmt.Stringer for Instruction.
func (in Instruction) String() string {
	switch in.Op {
	case OpLi:
		return fmt.Sprintf("li x%d, %d", in.Rd, in.Imm)
	case OpAddi:
		return fmt.Sprintf("addi x%d, x%d, %d", in.Rd, in.Rs1, in.Imm)
	case OpAdd:
		return fmt.Sprintf("add x%d, x%d, x%d", in.Rd, in.Rs1, in.Rs2)
	case OpMv:
		return fmt.Sprintf("mv x%d, x%d", in.Rd, in.Rs1)
	case OpBne, OpBeq:
		return fmt.Sprintf("%s x%d, x%d, %+d", in.Op, in.Rs1, in.Rs2, in.Imm)
	case OpJ:
		return fmt.Sprintf("j %+d", in.Imm)
	case OpFlip:
		return fmt.Sprintf("flip x%d, %d", in.Rd, in.Imm)
	case OpIllegal:
		return fmt.Sprintf("illegal 0x%x", uint64(in.Imm))
	default:
		return in.Op.String()
	}
}

// Program is a sequence of instructions loaded at a fixed address.
type Program struct {
	Name string
	Code []Instruction
}

// Size returns the number of bytes the program occupies.
func (p Program) Size() uintptr {
	return uintptr(len(p.Code)) * InstructionSize
}

// Asm assembles programs. Branch and jump targets are referenced by label
// and resolved into pc-relative offsets by Assemble.
type Asm struct {
	name   string
	code   []Instruction
	labels map[string]int
	fixups map[int]string
}

// NewAsm returns an assembler for a program with the given name.
func NewAsm(name string) *Asm {
	return &Asm{
		name:   name,
		labels: make(map[string]int),
		fixups: make(map[int]string),
	}
}

func (a *Asm) emit(in Instruction) *Asm {
	a.code = append(a.code, in)
	return a
}

func (a *Asm) emitBranch(in Instruction, label string) *Asm {
	a.fixups[len(a.code)] = label
	return a.emit(in)
}

// Label binds name to the address of the next instruction.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = len(a.code)
	return a
}

// Li emits "li rd, imm".
func (a *Asm) Li(rd uint8, imm int64) *Asm {
	return a.emit(Instruction{Op: OpLi, Rd: rd, Imm: imm})
}

// Addi emits "addi rd, rs1, imm".
func (a *Asm) Addi(rd, rs1 uint8, imm int64) *Asm {
	return a.emit(Instruction{Op: OpAddi, Rd: rd, Rs1: rs1, Imm: imm})
}

// Add emits "add rd, rs1, rs2".
func (a *Asm) Add(rd, rs1, rs2 uint8) *Asm {
	return a.emit(Instruction{Op: OpAdd, Rd: rd, Rs1: rs1, Rs2: rs2})
}

// Mv emits "mv rd, rs1".
func (a *Asm) Mv(rd, rs1 uint8) *Asm {
	return a.emit(Instruction{Op: OpMv, Rd: rd, Rs1: rs1})
}

// Bne emits a branch to label taken if rs1 != rs2.
func (a *Asm) Bne(rs1, rs2 uint8, label string) *Asm {
	return a.emitBranch(Instruction{Op: OpBne, Rs1: rs1, Rs2: rs2}, label)
}

// Beq emits a branch to label taken if rs1 == rs2.
func (a *Asm) Beq(rs1, rs2 uint8, label string) *Asm {
	return a.emitBranch(Instruction{Op: OpBeq, Rs1: rs1, Rs2: rs2}, label)
}

// J emits a jump to label.
func (a *Asm) J(label string) *Asm {
	return a.emitBranch(Instruction{Op: OpJ}, label)
}

// Ecall emits "ecall".
func (a *Asm) Ecall() *Asm {
	return a.emit(Instruction{Op: OpEcall})
}

// Wfi emits "wfi".
func (a *Asm) Wfi() *Asm {
	return a.emit(Instruction{Op: OpWfi})
}

// Flip emits an instruction that inverts bit of rd.
func (a *Asm) Flip(rd uint8, bit int64) *Asm {
	return a.emit(Instruction{Op: OpFlip, Rd: rd, Imm: bit})
}

// Illegal emits an instruction that cannot be decoded.
func (a *Asm) Illegal(word uint32) *Asm {
	return a.emit(Instruction{Op: OpIllegal, Imm: int64(word)})
}

// Assemble resolves all label references and returns the program.
func (a *Asm) Assemble() (Program, error) {
	code := append([]Instruction(nil), a.code...)

	for index, label := range a.fixups {
		target, ok := a.labels[label]
		if !ok {
			return Program{}, fmt.Errorf("%s: undefined label %q", a.name, label)
		}
		code[index].Imm = int64(target-index) * InstructionSize
	}

	return Program{Name: a.name, Code: code}, nil
}
