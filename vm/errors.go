package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/lem/heap"
)

// MaxBlockID is the largest block ID a one-byte operand can name.
const MaxBlockID = 0xFF

var (
	ErrMalformedProgram  = errors.New("malformed program")
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrJumpOutOfRange    = errors.New("jump target out of range")
	ErrCallDepthExceeded = errors.New("call depth exceeded")
	ErrReturnUnderflow   = errors.New("return with empty call stack")
	ErrStepLimitExceeded = errors.New("step limit exceeded")
	ErrIllegalInParallel = errors.New("instruction not allowed in parallel region")
	ErrBlockLimit        = errors.New("block id exceeds operand range")

	// Heap errors surface unchanged through the machine.
	ErrOutOfBounds    = heap.ErrOutOfBounds
	ErrUnknownBlock   = heap.ErrUnknownBlock
	ErrStaleHandle    = heap.ErrStaleHandle
	ErrDivisionByZero = heap.ErrDivisionByZero
)

// Error reports a failed instruction. Block and Index are -1 when the
// instruction has no such operand.
type Error struct {
	PC    int
	Op    Opcode
	Block int
	Index int
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pc %d (%s)", e.PC, e.Op)
	if e.Block >= 0 {
		msg += fmt.Sprintf(" block %d", e.Block)
	}
	if e.Index >= 0 {
		msg += fmt.Sprintf(" index %d", e.Index)
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrapErr attaches the location of in to err. Errors that already carry a
// location are returned unchanged.
func wrapErr(err error, in Instruction) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{PC: in.PC, Op: in.Op, Block: in.Block(), Index: in.Index(), Err: err}
}
