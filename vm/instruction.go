package vm

import (
	"fmt"
	"strings"
)

// Instruction is one decoded opcode and its operand bytes.
type Instruction struct {
	PC   int    // Offset of the opcode byte
	Op   Opcode //
	Args []byte // Operand bytes, len == Op.OperandLen()
}

// Len returns the encoded length of the instruction.
func (in Instruction) Len() int {
	return 1 + len(in.Args)
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.PC + in.Len()
}

// Arg returns operand i, or 0 if the opcode has fewer operands.
func (in Instruction) Arg(i int) byte {
	if i < len(in.Args) {
		return in.Args[i]
	}
	return 0
}

// Block returns the block operand, or -1 if the opcode takes none.
func (in Instruction) Block() int {
	info := opcodeInfoTable[in.Op]
	for i, o := range info.Operands {
		if o == OperandBlock {
			return int(in.Args[i])
		}
	}
	return -1
}

// Index returns the slot index operand, or -1 if the opcode takes none.
func (in Instruction) Index() int {
	info := opcodeInfoTable[in.Op]
	for i, o := range info.Operands {
		if o == OperandIndex {
			return int(in.Args[i])
		}
	}
	return -1
}

// String renders the instruction in assembler syntax.
func (in Instruction) String() string {
	if len(in.Args) == 0 {
		return in.Op.String()
	}
	parts := make([]string, len(in.Args))
	for i, a := range in.Args {
		parts[i] = fmt.Sprintf("%d", a)
	}
	return in.Op.String() + " " + strings.Join(parts, " ")
}

// Decode reads the instruction at pc. It fails with ErrUnknownOpcode for an
// undefined tag and ErrMalformedProgram when the operands run past the end
// of code.
func Decode(code []byte, pc int) (Instruction, error) {
	if pc < 0 || pc >= len(code) {
		return Instruction{}, &Error{PC: pc, Block: -1, Index: -1,
			Err: fmt.Errorf("%w: no instruction at offset %d of %d", ErrMalformedProgram, pc, len(code))}
	}
	op := Opcode(code[pc])
	if !op.Valid() {
		return Instruction{}, &Error{PC: pc, Op: op, Block: -1, Index: -1,
			Err: fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, byte(op))}
	}
	end := pc + op.InstructionLen()
	if end > len(code) {
		return Instruction{}, &Error{PC: pc, Op: op, Block: -1, Index: -1,
			Err: fmt.Errorf("%w: %s needs %d operand bytes, %d left", ErrMalformedProgram, op, op.OperandLen(), len(code)-pc-1)}
	}
	return Instruction{PC: pc, Op: op, Args: code[pc+1 : end]}, nil
}

// DecodeAll decodes every instruction in code, stopping at the first error.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		pc = in.Next()
	}
	return out, nil
}

// Validate checks code statically: every instruction decodes, every jump
// target lands on an instruction boundary or the end of code, and parallel
// regions are balanced and contain only region-safe instructions.
//
// The machine does not require a program to validate; bytes after a HLT
// may be anything and are never executed. Validate is for producers that
// want to reject bad output early.
func Validate(code []byte) error {
	insts, err := DecodeAll(code)
	if err != nil {
		return err
	}
	starts := make(map[int]bool, len(insts)+1)
	for _, in := range insts {
		starts[in.PC] = true
	}
	starts[len(code)] = true

	regionStart := -1
	for _, in := range insts {
		switch in.Op {
		case OpGoto, OpCall, OpGotoNonZero, OpGotoZero:
			target := int(in.Args[len(in.Args)-1])
			if !starts[target] {
				return &Error{PC: in.PC, Op: in.Op, Block: in.Block(), Index: in.Index(),
					Err: fmt.Errorf("%w: target %d is not an instruction boundary", ErrJumpOutOfRange, target)}
			}
		}
		if regionStart >= 0 && in.Op != OpParallelEnd {
			if err := checkRegionInstruction(in); err != nil {
				return err
			}
		}
		switch in.Op {
		case OpParallelBegin:
			if regionStart >= 0 {
				return &Error{PC: in.PC, Op: in.Op, Block: -1, Index: -1,
					Err: fmt.Errorf("%w: nested region (outer begins at %d)", ErrIllegalInParallel, regionStart)}
			}
			regionStart = in.PC
		case OpParallelEnd:
			if regionStart < 0 {
				return &Error{PC: in.PC, Op: in.Op, Block: -1, Index: -1,
					Err: fmt.Errorf("%w: PRE without PRB", ErrMalformedProgram)}
			}
			regionStart = -1
		}
	}
	if regionStart >= 0 {
		return &Error{PC: regionStart, Op: OpParallelBegin, Block: -1, Index: -1,
			Err: fmt.Errorf("%w: PRB without PRE", ErrMalformedProgram)}
	}
	return nil
}
