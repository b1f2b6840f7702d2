package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/lem/heap"
	"github.com/chazu/lem/task"
)

// checkRegionInstruction rejects instructions that cannot run as an
// independent task: anything that moves the program counter, allocates,
// halts or opens another region.
func checkRegionInstruction(in Instruction) error {
	switch {
	case in.Op.IsJump(), in.Op.Allocates(), in.Op == OpHalt, in.Op == OpParallelBegin:
		return &Error{PC: in.PC, Op: in.Op, Block: in.Block(), Index: in.Index(),
			Err: fmt.Errorf("%w: %s", ErrIllegalInParallel, in.Op)}
	}
	return nil
}

// region decodes the instructions between the PRB at begin and its PRE.
func (m *Machine) region(begin Instruction) (body []Instruction, end Instruction, err error) {
	for pc := begin.Next(); pc < len(m.code); {
		in, err := Decode(m.code, pc)
		if err != nil {
			return nil, Instruction{}, err
		}
		if in.Op == OpParallelEnd {
			return body, in, nil
		}
		if err := checkRegionInstruction(in); err != nil {
			return nil, Instruction{}, err
		}
		body = append(body, in)
		pc = in.Next()
	}
	return nil, Instruction{}, wrapErr(fmt.Errorf("%w: PRB without PRE", ErrMalformedProgram), begin)
}

// fail moves the program counter to the instruction err names.
func (m *Machine) fail(err error) error {
	var ve *Error
	if errors.As(err, &ve) {
		m.pc = ve.PC
	}
	return err
}

// parallel runs a region: one task per instruction, joined at PRE. Reads and
// takes are merged in program order once every task has finished. On error
// the program counter stays on the instruction that failed.
func (m *Machine) parallel(ctx context.Context, begin Instruction) error {
	body, end, err := m.region(begin)
	if err != nil {
		return m.fail(err)
	}
	if m.maxSteps > 0 && m.steps+len(body)+1 > m.maxSteps {
		return wrapErr(fmt.Errorf("%w: %d", ErrStepLimitExceeded, m.maxSteps), begin)
	}

	outs := make([]output, len(body))
	runner := task.New(m.pool, task.WithMaxWorkers(m.maxWorkers))
	for i, in := range body {
		m.trace(in, true)
		out := &outs[i]
		runner.Submit(func(ctx context.Context, _ *heap.Pool) error {
			return m.exec(in, out)
		})
	}
	log.Debugf("region %d..%d: %d tasks", begin.PC, end.PC, len(body))

	if err := runner.RunAll(ctx); err != nil {
		return m.fail(wrapErr(err, begin))
	}

	for i := range outs {
		m.out.merge(&outs[i])
	}
	m.trace(end, false)
	m.pc = end.Next()
	return nil
}
