package vm

import (
	"fmt"
	"strings"
)

// DisassembleInstruction formats one instruction as "offset  MNEMONIC args".
func DisassembleInstruction(in Instruction) string {
	return fmt.Sprintf("%04d  %s", in.PC, in)
}

// Disassemble returns a listing of code, one instruction per line. Bytes
// that do not decode are listed as .byte directives so the listing always
// accounts for every byte and assembles back to the same program.
func Disassemble(code []byte) string {
	var sb strings.Builder
	for pc := 0; pc < len(code); {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		in, err := Decode(code, pc)
		if err != nil {
			fmt.Fprintf(&sb, "%04d  .byte %d", pc, code[pc])
			pc++
			continue
		}
		sb.WriteString(DisassembleInstruction(in))
		pc = in.Next()
	}
	return sb.String()
}
