package vm

import "fmt"

// Opcode is an 8-bit instruction tag. Opcodes are grouped into ranges by
// family. Every operand that follows an opcode is exactly one byte.
type Opcode byte

const (
	// ========================================================================
	// Memory (0x00-0x0F)
	// ========================================================================

	OpNop    Opcode = 0x00 // No operation
	OpBind   Opcode = 0x01 // Allocate a block of DefaultCapacity zero slots
	OpUnbind Opcode = 0x02 // Free a block: UND <blk>
	OpWrite  Opcode = 0x03 // slot = value: WIE <blk> <idx> <val>
	OpRead   Opcode = 0x04 // Record slot value: RAD <blk> <idx>
	OpTake   Opcode = 0x05 // Record block contents, then free: TAE <blk>
	OpJoin   Opcode = 0x06 // New block = a ++ b: JON <a> <b>
	OpSplit  Opcode = 0x07 // New blocks [:at] and [at:]: SPL <blk> <at>
	OpBindN  Opcode = 0x08 // Allocate a block of n zero slots: BNC <n>

	// ========================================================================
	// Arithmetic (0x10-0x14), bitwise (0x15-0x18), comparison (0x19-0x1E)
	// ========================================================================

	OpAdd Opcode = 0x10 // ADD <blk> <idx> <val>
	OpSub Opcode = 0x11
	OpMul Opcode = 0x12
	OpDiv Opcode = 0x13
	OpRem Opcode = 0x14
	OpAnd Opcode = 0x15
	OpOr  Opcode = 0x16
	OpXor Opcode = 0x17
	OpNot Opcode = 0x18 // NOT <blk> <idx>
	OpEq  Opcode = 0x19 // slot = slot == val ? 1 : 0
	OpNeq Opcode = 0x1A
	OpLt  Opcode = 0x1B
	OpGt  Opcode = 0x1C
	OpLe  Opcode = 0x1D
	OpGe  Opcode = 0x1E

	// ========================================================================
	// Control (0x20-0x3F)
	// ========================================================================

	OpGoto          Opcode = 0x20 // GO <target>
	OpGotoNonZero   Opcode = 0x21 // GNZ <blk> <idx> <target>
	OpGotoZero      Opcode = 0x22 // GOZ <blk> <idx> <target>
	OpCall          Opcode = 0x23 // CLL <target>
	OpReturn        Opcode = 0x24
	OpParallelBegin Opcode = 0x30
	OpParallelEnd   Opcode = 0x31

	OpHalt Opcode = 0xFF
)

// Family groups opcodes by what they act on.
type Family uint8

const (
	FamilyMemory Family = iota
	FamilyArithmetic
	FamilyControl
	FamilyHalt
)

func (f Family) String() string {
	switch f {
	case FamilyMemory:
		return "memory"
	case FamilyArithmetic:
		return "arithmetic"
	case FamilyControl:
		return "control"
	case FamilyHalt:
		return "halt"
	default:
		return fmt.Sprintf("Family(%d)", f)
	}
}

// Operand kinds, used by the assembler and disassembler.
type Operand uint8

const (
	OperandBlock  Operand = iota // block identifier
	OperandIndex                 // slot index
	OperandValue                 // immediate value
	OperandTarget                // absolute program offset
	OperandCount                 // slot count
)

func (o Operand) String() string {
	switch o {
	case OperandBlock:
		return "blk"
	case OperandIndex:
		return "idx"
	case OperandValue:
		return "val"
	case OperandTarget:
		return "target"
	case OperandCount:
		return "n"
	default:
		return fmt.Sprintf("Operand(%d)", o)
	}
}

// OpcodeInfo describes an opcode for decoding, tooling and traces.
type OpcodeInfo struct {
	Name     string    // Mnemonic
	Family   Family    //
	Operands []Operand // One byte each
	Doc      string    // One-line description
}

var (
	blkOnly   = []Operand{OperandBlock}
	blkIdx    = []Operand{OperandBlock, OperandIndex}
	blkIdxVal = []Operand{OperandBlock, OperandIndex, OperandValue}
	blkIdxTgt = []Operand{OperandBlock, OperandIndex, OperandTarget}
	tgtOnly   = []Operand{OperandTarget}
)

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Memory
	OpNop:    {"NOP", FamilyMemory, nil, "do nothing"},
	OpBind:   {"BND", FamilyMemory, nil, "allocate a block of 10 zero slots"},
	OpUnbind: {"UND", FamilyMemory, blkOnly, "free a block"},
	OpWrite:  {"WIE", FamilyMemory, blkIdxVal, "store a value in a slot"},
	OpRead:   {"RAD", FamilyMemory, blkIdx, "read a slot into the run result"},
	OpTake:   {"TAE", FamilyMemory, blkOnly, "move a block's slots into the run result and free it"},
	OpJoin:   {"JON", FamilyMemory, []Operand{OperandBlock, OperandBlock}, "allocate a block holding a's slots followed by b's"},
	OpSplit:  {"SPL", FamilyMemory, []Operand{OperandBlock, OperandIndex}, "allocate two blocks from a block's slots before and after an index"},
	OpBindN:  {"BNC", FamilyMemory, []Operand{OperandCount}, "allocate a block of n zero slots"},

	// Arithmetic and logic
	OpAdd: {"ADD", FamilyArithmetic, blkIdxVal, "slot += val"},
	OpSub: {"SUB", FamilyArithmetic, blkIdxVal, "slot -= val"},
	OpMul: {"MUL", FamilyArithmetic, blkIdxVal, "slot *= val"},
	OpDiv: {"DIV", FamilyArithmetic, blkIdxVal, "slot /= val"},
	OpRem: {"REM", FamilyArithmetic, blkIdxVal, "slot %= val"},
	OpAnd: {"AND", FamilyArithmetic, blkIdxVal, "slot &= val"},
	OpOr:  {"ORR", FamilyArithmetic, blkIdxVal, "slot |= val"},
	OpXor: {"XOR", FamilyArithmetic, blkIdxVal, "slot ^= val"},
	OpNot: {"NOT", FamilyArithmetic, blkIdx, "slot = ^slot"},
	OpEq:  {"EQ", FamilyArithmetic, blkIdxVal, "slot = slot == val"},
	OpNeq: {"NEQ", FamilyArithmetic, blkIdxVal, "slot = slot != val"},
	OpLt:  {"LT", FamilyArithmetic, blkIdxVal, "slot = slot < val"},
	OpGt:  {"GT", FamilyArithmetic, blkIdxVal, "slot = slot > val"},
	OpLe:  {"LE", FamilyArithmetic, blkIdxVal, "slot = slot <= val"},
	OpGe:  {"GE", FamilyArithmetic, blkIdxVal, "slot = slot >= val"},

	// Control
	OpGoto:          {"GO", FamilyControl, tgtOnly, "jump"},
	OpGotoNonZero:   {"GNZ", FamilyControl, blkIdxTgt, "jump if slot != 0"},
	OpGotoZero:      {"GOZ", FamilyControl, blkIdxTgt, "jump if slot == 0"},
	OpCall:          {"CLL", FamilyControl, tgtOnly, "push the return offset and jump"},
	OpReturn:        {"RET", FamilyControl, nil, "pop the return offset and jump to it"},
	OpParallelBegin: {"PRB", FamilyControl, nil, "begin a parallel region"},
	OpParallelEnd:   {"PRE", FamilyControl, nil, "end a parallel region and wait for it"},

	OpHalt: {"HLT", FamilyHalt, nil, "stop the machine"},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode and whether it is defined.
func GetOpcodeInfo(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	return info, ok
}

// LookupOpcode returns the opcode with the given mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	if info, ok := opcodeInfoTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))
}

// Valid reports whether op is defined.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return len(opcodeInfoTable[op].Operands)
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// Family returns the family of a defined opcode.
func (op Opcode) Family() Family {
	return opcodeInfoTable[op].Family
}

// IsJump returns true for opcodes that may move the program counter anywhere
// other than the next instruction.
func (op Opcode) IsJump() bool {
	return op >= OpGoto && op <= OpReturn
}

// Allocates returns true for opcodes that allocate blocks.
func (op Opcode) Allocates() bool {
	switch op {
	case OpBind, OpBindN, OpJoin, OpSplit:
		return true
	}
	return false
}

// AllOpcodes returns every defined opcode in ascending order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := 0; op <= 0xFF; op++ {
		if Opcode(op).Valid() {
			opcodes = append(opcodes, Opcode(op))
		}
	}
	return opcodes
}
