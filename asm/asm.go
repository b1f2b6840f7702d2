// Package asm translates LEM assembly text into machine code.
//
// One instruction per line. A line may start with a label ("loop:") and
// ends at an optional ";" comment. Mnemonics are case-insensitive.
// Operands are decimal, 0x-prefixed hex or 'c' character literals; target
// operands may also name a label.
//
//	      BND
//	      WIE 0 0 3
//	loop: RAD 0 0
//	      SUB 0 0 1
//	      GNZ 0 0 loop
//	      HLT
//
// The directive ".byte v..." emits raw bytes. A leading offset column, as
// printed by vm.Disassemble, is ignored, so listings assemble back into the
// program they came from.
package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/chazu/lem/vm"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Position is a source location.
type Position struct {
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Error is a problem at one source position.
type Error struct {
	Pos Position
	Msg string
}

func (e *Error) Error() string {
	return e.Pos.String() + ": " + e.Msg
}

// ErrorList is every error found in one source. The assembler keeps going
// after an error so that all of them can be reported at once.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0], len(l)-1)
}

// Errors returns the positioned errors contained in err, if any.
func Errors(err error) []*Error {
	var list ErrorList
	if errors.As(err, &list) {
		return list
	}
	var e *Error
	if errors.As(err, &e) {
		return []*Error{e}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

type token struct {
	text string
	col  int // 1-based
}

// tokenize splits a line into whitespace- or comma-separated tokens,
// dropping any comment. Character literals may contain spaces.
func tokenize(line string) []token {
	var toks []token
	runes := []rune(line)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == ';':
			return toks
		case unicode.IsSpace(r) || r == ',':
			i++
		case r == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(runes) {
				j++
			}
			toks = append(toks, token{string(runes[i:j]), i + 1})
			i = j
		default:
			j := i
			for j < len(runes) && !unicode.IsSpace(runes[j]) && runes[j] != ',' && runes[j] != ';' {
				j++
			}
			toks = append(toks, token{string(runes[i:j]), i + 1})
			i = j
		}
	}
	return toks
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || r == '.' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isNumber(s string) bool {
	_, err := strconv.ParseUint(s, 0, 64)
	return err == nil
}

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// Program is assembled machine code plus the source mapping tools need.
type Program struct {
	Code   []byte
	Labels map[string]int // label -> offset
	Lines  map[int]int    // instruction offset -> source line
}

// LineOf returns the source line of the instruction at pc, or 0.
func (p *Program) LineOf(pc int) int {
	return p.Lines[pc]
}

// stmt is one parsed source line that emits bytes.
type stmt struct {
	pos      Position
	op       vm.Opcode
	raw      bool // .byte directive
	operands []token
	size     int
}

// Assemble returns the machine code for src.
func Assemble(src string) ([]byte, error) {
	p, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return p.Code, nil
}

// Parse assembles src and keeps its labels and line table. On failure the
// error is an ErrorList.
func Parse(src string) (*Program, error) {
	a := &assembler{labels: make(map[string]int), labelPos: make(map[string]Position)}
	a.scan(src)
	a.emit()
	if len(a.errs) > 0 {
		return nil, a.errs
	}
	return &Program{Code: a.code, Labels: a.labels, Lines: a.lines}, nil
}

type assembler struct {
	stmts    []stmt
	labels   map[string]int
	labelPos map[string]Position
	code     []byte
	lines    map[int]int
	errs     ErrorList
}

func (a *assembler) errorf(pos Position, format string, args ...any) {
	a.errs = append(a.errs, &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

// scan is the first pass: parse each line, size it and place labels.
func (a *assembler) scan(src string) {
	offset := 0
	for n, line := range strings.Split(src, "\n") {
		toks := tokenize(strings.TrimRight(line, "\r"))
		lineNo := n + 1

		for len(toks) > 0 && strings.HasSuffix(toks[0].text, ":") {
			name := strings.TrimSuffix(toks[0].text, ":")
			pos := Position{lineNo, toks[0].col}
			switch {
			case !isIdent(name):
				a.errorf(pos, "invalid label %q", name)
			case a.labelPos[name].Line != 0:
				a.errorf(pos, "label %q already defined at %s", name, a.labelPos[name])
			default:
				a.labels[name] = offset
				a.labelPos[name] = pos
			}
			toks = toks[1:]
		}

		// Offset column from a disassembly listing.
		if len(toks) > 1 && isDigits(toks[0].text) && !isNumber(toks[1].text) {
			toks = toks[1:]
		}
		if len(toks) == 0 {
			continue
		}

		pos := Position{lineNo, toks[0].col}
		s := stmt{pos: pos, operands: toks[1:]}
		if strings.EqualFold(toks[0].text, ".byte") {
			s.raw = true
			s.size = len(s.operands)
			if s.size == 0 {
				a.errorf(pos, ".byte needs at least one value")
				continue
			}
		} else {
			op, ok := vm.LookupOpcode(strings.ToUpper(toks[0].text))
			if !ok {
				a.errorf(pos, "unknown mnemonic %q", toks[0].text)
				continue
			}
			s.op = op
			s.size = op.InstructionLen()
			if want := op.OperandLen(); len(s.operands) != want {
				a.errorf(pos, "%s takes %d operands, got %d", op, want, len(s.operands))
				continue
			}
		}
		a.stmts = append(a.stmts, s)
		offset += s.size
	}
}

// emit is the second pass: encode every statement with labels resolved.
func (a *assembler) emit() {
	a.lines = make(map[int]int, len(a.stmts))
	for _, s := range a.stmts {
		if !s.raw {
			a.lines[len(a.code)] = s.pos.Line
			a.code = append(a.code, byte(s.op))
		}
		var kinds []vm.Operand
		if info, ok := vm.GetOpcodeInfo(s.op); ok && !s.raw {
			kinds = info.Operands
		}
		for i, tok := range s.operands {
			target := !s.raw && kinds[i] == vm.OperandTarget
			v, err := a.value(tok.text, target)
			if err != nil {
				a.errorf(Position{s.pos.Line, tok.col}, "%v", err)
			}
			a.code = append(a.code, v)
		}
	}
	for name, off := range a.labels {
		if off > 0xFF {
			a.errorf(a.labelPos[name], "label %q at offset %d does not fit in one byte", name, off)
		}
	}
}

// value decodes one operand byte.
func (a *assembler) value(text string, target bool) (byte, error) {
	if strings.HasPrefix(text, "'") {
		s, err := strconv.Unquote(text)
		if err != nil || len([]rune(s)) != 1 {
			return 0, fmt.Errorf("invalid character literal %s", text)
		}
		r := []rune(s)[0]
		if r > 0xFF {
			return 0, fmt.Errorf("character %s does not fit in one byte", text)
		}
		return byte(r), nil
	}
	if isIdent(text) {
		if !target {
			return 0, fmt.Errorf("label %q used as a non-target operand", text)
		}
		off, ok := a.labels[text]
		if !ok {
			return 0, fmt.Errorf("undefined label %q", text)
		}
		return byte(off), nil
	}
	n, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid operand %q", text)
	}
	if n > 0xFF {
		return 0, fmt.Errorf("operand %d does not fit in one byte", n)
	}
	return byte(n), nil
}
