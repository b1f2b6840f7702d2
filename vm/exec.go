package vm

import (
	"github.com/chazu/lem/heap"
)

// slotOps maps in-place slot opcodes to their Block method.
var slotOps = map[Opcode]func(b *heap.Block, idx int, val uint32) error{
	OpWrite: (*heap.Block).Set,
	OpAdd:   (*heap.Block).Add,
	OpSub:   (*heap.Block).Sub,
	OpMul:   (*heap.Block).Mul,
	OpDiv:   (*heap.Block).Div,
	OpRem:   (*heap.Block).Rem,
	OpAnd:   (*heap.Block).And,
	OpOr:    (*heap.Block).Or,
	OpXor:   (*heap.Block).Xor,
	OpEq:    compare(func(a, b uint32) bool { return a == b }),
	OpNeq:   compare(func(a, b uint32) bool { return a != b }),
	OpLt:    compare(func(a, b uint32) bool { return a < b }),
	OpGt:    compare(func(a, b uint32) bool { return a > b }),
	OpLe:    compare(func(a, b uint32) bool { return a <= b }),
	OpGe:    compare(func(a, b uint32) bool { return a >= b }),
}

func compare(pred func(a, b uint32) bool) func(*heap.Block, int, uint32) error {
	return func(b *heap.Block, idx int, val uint32) error {
		return b.Update(idx, func(v uint32) (uint32, error) {
			if pred(v, val) {
				return 1, nil
			}
			return 0, nil
		})
	}
}

// exec runs an instruction that touches blocks but neither moves the
// program counter nor allocates. It only uses the pool, so it may run on any
// goroutine; reads and takes go to out.
func (m *Machine) exec(in Instruction, out *output) error {
	switch in.Op {
	case OpNop:
		return nil

	case OpUnbind:
		h, err := m.resolve(in.Args[0])
		if err != nil {
			return wrapErr(err, in)
		}
		return wrapErr(m.pool.Free(h), in)

	case OpRead:
		v, err := m.load(in.Args[0], in.Args[1])
		if err != nil {
			return wrapErr(err, in)
		}
		out.reads = append(out.reads, Read{PC: in.PC, Block: heap.ID(in.Args[0]), Index: int(in.Args[1]), Value: v})
		return nil

	case OpTake:
		h, err := m.resolve(in.Args[0])
		if err != nil {
			return wrapErr(err, in)
		}
		slots, err := m.pool.Take(h)
		if err != nil {
			return wrapErr(err, in)
		}
		out.takes = append(out.takes, Take{PC: in.PC, Block: h.ID, Slots: slots})
		return nil

	case OpNot:
		h, err := m.resolve(in.Args[0])
		if err != nil {
			return wrapErr(err, in)
		}
		return wrapErr(m.pool.With(h, func(b *heap.Block) error {
			return b.Not(int(in.Args[1]))
		}), in)
	}

	fn, ok := slotOps[in.Op]
	if !ok {
		return wrapErr(ErrUnknownOpcode, in)
	}
	h, err := m.resolve(in.Args[0])
	if err != nil {
		return wrapErr(err, in)
	}
	return wrapErr(m.pool.With(h, func(b *heap.Block) error {
		return fn(b, int(in.Args[1]), uint32(in.Args[2]))
	}), in)
}
