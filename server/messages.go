package server

import (
	"context"
	"errors"

	"github.com/chazu/lem/heap"
	"github.com/chazu/lem/vm"
)

// Service and procedure names.
const (
	MachineServiceName = "lem.v1.MachineService"

	RunProcedure          = "/" + MachineServiceName + "/Run"
	OpenSessionProcedure  = "/" + MachineServiceName + "/OpenSession"
	CloseSessionProcedure = "/" + MachineServiceName + "/CloseSession"
	StatsProcedure        = "/" + MachineServiceName + "/Stats"
	AssembleProcedure     = "/" + MachineServiceName + "/Assemble"
	DisassembleProcedure  = "/" + MachineServiceName + "/Disassemble"
)

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// RunRequest runs a program, given either as machine code or as assembly
// source. With a SessionID the program runs against that session's pool.
type RunRequest struct {
	Code      []byte `cbor:"1,keyasint,omitempty"`
	Source    string `cbor:"2,keyasint,omitempty"`
	SessionID string `cbor:"3,keyasint,omitempty"`
	MaxSteps  int    `cbor:"4,keyasint,omitempty"` // 0 uses the server limit
	Name      string `cbor:"5,keyasint,omitempty"` // label for the trace database
}

// RunResponse is the outcome of a run. A program that fails still yields a
// response: Error describes the failure and the other fields the state at
// that point.
type RunResponse struct {
	PC     int         `cbor:"1,keyasint"`
	Steps  int         `cbor:"2,keyasint"`
	Halted bool        `cbor:"3,keyasint"`
	Reads  []ReadValue `cbor:"4,keyasint,omitempty"`
	Takes  []TakeValue `cbor:"5,keyasint,omitempty"`
	Error  *RunError   `cbor:"6,keyasint,omitempty"`
	RunID  int64       `cbor:"7,keyasint,omitempty"` // trace database ID, if recorded
}

type ReadValue struct {
	PC    int    `cbor:"1,keyasint"`
	Block uint32 `cbor:"2,keyasint"`
	Index int    `cbor:"3,keyasint"`
	Value uint32 `cbor:"4,keyasint"`
}

type TakeValue struct {
	PC    int      `cbor:"1,keyasint"`
	Block uint32   `cbor:"2,keyasint"`
	Slots []uint32 `cbor:"3,keyasint"`
}

// RunError is a machine failure. Kind names the error class, for example
// "out_of_bounds".
type RunError struct {
	Kind    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	PC      int    `cbor:"3,keyasint"`
	Op      string `cbor:"4,keyasint,omitempty"`
	Block   int    `cbor:"5,keyasint"`
	Index   int    `cbor:"6,keyasint"`
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type OpenSessionRequest struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

type OpenSessionResponse struct {
	SessionID string `cbor:"1,keyasint"`
}

type CloseSessionRequest struct {
	SessionID string `cbor:"1,keyasint"`
}

type CloseSessionResponse struct{}

type StatsRequest struct {
	SessionID string `cbor:"1,keyasint"`
}

type StatsResponse struct {
	Live   int    `cbor:"1,keyasint"`
	Free   int    `cbor:"2,keyasint"`
	NextID uint32 `cbor:"3,keyasint"`
}

// ---------------------------------------------------------------------------
// Tooling
// ---------------------------------------------------------------------------

type AssembleRequest struct {
	Source string `cbor:"1,keyasint"`
}

// AssembleResponse carries either the code or the diagnostics.
type AssembleResponse struct {
	Code        []byte       `cbor:"1,keyasint,omitempty"`
	Diagnostics []Diagnostic `cbor:"2,keyasint,omitempty"`
}

type Diagnostic struct {
	Line    int    `cbor:"1,keyasint"`
	Column  int    `cbor:"2,keyasint"`
	Message string `cbor:"3,keyasint"`
}

type DisassembleRequest struct {
	Code []byte `cbor:"1,keyasint"`
}

type DisassembleResponse struct {
	Listing string `cbor:"1,keyasint"`
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

var errorKinds = []struct {
	err  error
	kind string
}{
	{vm.ErrMalformedProgram, "malformed_program"},
	{vm.ErrUnknownOpcode, "unknown_opcode"},
	{vm.ErrOutOfBounds, "out_of_bounds"},
	{vm.ErrUnknownBlock, "unknown_block"},
	{vm.ErrStaleHandle, "stale_handle"},
	{vm.ErrDivisionByZero, "division_by_zero"},
	{vm.ErrJumpOutOfRange, "jump_out_of_range"},
	{vm.ErrCallDepthExceeded, "call_depth_exceeded"},
	{vm.ErrReturnUnderflow, "return_underflow"},
	{vm.ErrStepLimitExceeded, "step_limit_exceeded"},
	{vm.ErrIllegalInParallel, "illegal_in_parallel"},
	{vm.ErrBlockLimit, "block_limit"},
	{heap.ErrInvalidCodePoint, "invalid_code_point"},
	{context.DeadlineExceeded, "deadline_exceeded"},
	{context.Canceled, "canceled"},
}

// ErrorKind returns the class name of a machine error.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

func newRunResponse(res *vm.Result, err error) *RunResponse {
	out := &RunResponse{}
	if res != nil {
		out.PC, out.Steps, out.Halted = res.PC, res.Steps, res.Halted
		for _, r := range res.Reads {
			out.Reads = append(out.Reads, ReadValue{PC: r.PC, Block: uint32(r.Block), Index: r.Index, Value: r.Value})
		}
		for _, t := range res.Takes {
			out.Takes = append(out.Takes, TakeValue{PC: t.PC, Block: uint32(t.Block), Slots: t.Slots})
		}
	}
	if err != nil {
		re := &RunError{Kind: ErrorKind(err), Message: err.Error(), Block: -1, Index: -1}
		var ve *vm.Error
		if errors.As(err, &ve) {
			re.PC, re.Op, re.Block, re.Index = ve.PC, ve.Op.String(), ve.Block, ve.Index
		}
		out.Error = re
	}
	return out
}
