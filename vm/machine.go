package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/lem/heap"
)

// DefaultMaxCallDepth bounds nested CLL instructions.
const DefaultMaxCallDepth = 256

// Read is a slot value recorded by RAD.
type Read struct {
	PC    int
	Block heap.ID
	Index int
	Value uint32
}

// Take is the final contents of a block consumed by TAE.
type Take struct {
	PC    int
	Block heap.ID
	Slots []uint32
}

// Result is the observable outcome of a run.
type Result struct {
	PC     int    // Offset of the HLT byte, or the end of the program
	Steps  int    // Instructions executed, across every Run call
	Halted bool   // Stopped on HLT rather than by running off the end
	Reads  []Read // In program order
	Takes  []Take // In program order
}

// Option configures a Machine.
type Option func(*Machine)

// WithPool runs the machine against an existing pool, so blocks survive
// between machines. By default each machine gets a fresh pool.
func WithPool(p *heap.Pool) Option {
	return func(m *Machine) { m.pool = p }
}

// WithTracer adds a tracer. Multiple tracers all receive every event.
func WithTracer(t Tracer) Option {
	return func(m *Machine) {
		if t == nil {
			return
		}
		if m.tracer == nil {
			m.tracer = t
			return
		}
		if mt, ok := m.tracer.(multiTracer); ok {
			m.tracer = append(mt, t)
			return
		}
		m.tracer = multiTracer{m.tracer, t}
	}
}

// WithMaxSteps stops the run with ErrStepLimitExceeded after n
// instructions. 0 means unlimited.
func WithMaxSteps(n int) Option {
	return func(m *Machine) { m.maxSteps = n }
}

// WithDefaultCapacity sets the slot count BND allocates.
func WithDefaultCapacity(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.defaultCapacity = n
		}
	}
}

// WithMaxCallDepth bounds the call stack.
func WithMaxCallDepth(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxCallDepth = n
		}
	}
}

// WithMaxWorkers bounds the goroutines used by a parallel region.
// 0 means one per instruction.
func WithMaxWorkers(n int) Option {
	return func(m *Machine) { m.maxWorkers = n }
}

// Machine executes one program. It is not safe for concurrent use; the
// pool it runs against is.
type Machine struct {
	code   []byte
	pool   *heap.Pool
	tracer Tracer

	maxSteps        int
	maxCallDepth    int
	defaultCapacity int
	maxWorkers      int

	pc     int
	steps  int
	halted bool
	calls  []int
	out    output
}

// output collects the reads and takes of a run or of one region task.
type output struct {
	reads []Read
	takes []Take
}

func (o *output) merge(other *output) {
	o.reads = append(o.reads, other.reads...)
	o.takes = append(o.takes, other.takes...)
}

// New creates a machine for code. The program is not copied and must not
// be modified while the machine is in use.
func New(code []byte, opts ...Option) *Machine {
	m := &Machine{
		code:            code,
		maxCallDepth:    DefaultMaxCallDepth,
		defaultCapacity: heap.DefaultCapacity,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = heap.NewPool(0)
	}
	return m
}

// Pool returns the block table the machine runs against.
func (m *Machine) Pool() *heap.Pool {
	return m.pool
}

// PC returns the current program counter.
func (m *Machine) PC() int {
	return m.pc
}

// Halted reports whether the machine stopped on HLT.
func (m *Machine) Halted() bool {
	return m.halted
}

// Result returns a snapshot of the machine's observable state.
func (m *Machine) Result() *Result {
	return &Result{
		PC:     m.pc,
		Steps:  m.steps,
		Halted: m.halted,
		Reads:  append([]Read(nil), m.out.reads...),
		Takes:  append([]Take(nil), m.out.takes...),
	}
}

// Run executes instructions until HLT, the end of the program, an error or
// cancellation of ctx. The result is returned in every case and reflects
// the state at the point the run stopped; on error the PC is that of the
// failing instruction.
//
// Calling Run on a halted machine does nothing.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	for !m.halted && m.pc < len(m.code) {
		if err := ctx.Err(); err != nil {
			return m.Result(), &Error{PC: m.pc, Op: Opcode(m.code[m.pc]), Block: -1, Index: -1, Err: err}
		}
		if m.maxSteps > 0 && m.steps >= m.maxSteps {
			return m.Result(), &Error{PC: m.pc, Op: Opcode(m.code[m.pc]), Block: -1, Index: -1,
				Err: fmt.Errorf("%w: %d", ErrStepLimitExceeded, m.maxSteps)}
		}
		in, err := Decode(m.code, m.pc)
		if err != nil {
			return m.Result(), err
		}
		if err := m.step(ctx, in); err != nil {
			return m.Result(), err
		}
	}
	return m.Result(), nil
}

func (m *Machine) trace(in Instruction, parallel bool) {
	m.steps++
	if m.tracer != nil {
		m.tracer.Trace(Event{Step: m.steps, PC: in.PC, Op: in.Op, Args: in.Args, Parallel: parallel})
	}
}

// step executes one instruction and advances the program counter.
func (m *Machine) step(ctx context.Context, in Instruction) error {
	m.trace(in, false)

	switch in.Op {
	case OpHalt:
		m.halted = true
		return nil

	case OpGoto:
		return m.jump(in, int(in.Args[0]))

	case OpGotoNonZero, OpGotoZero:
		v, err := m.load(in.Args[0], in.Args[1])
		if err != nil {
			return wrapErr(err, in)
		}
		if (v != 0) == (in.Op == OpGotoNonZero) {
			return m.jump(in, int(in.Args[2]))
		}

	case OpCall:
		if len(m.calls) >= m.maxCallDepth {
			return wrapErr(fmt.Errorf("%w: %d", ErrCallDepthExceeded, m.maxCallDepth), in)
		}
		target := int(in.Args[0])
		if err := m.checkTarget(in, target); err != nil {
			return err
		}
		m.calls = append(m.calls, in.Next())
		m.pc = target
		return nil

	case OpReturn:
		n := len(m.calls)
		if n == 0 {
			return wrapErr(ErrReturnUnderflow, in)
		}
		m.pc = m.calls[n-1]
		m.calls = m.calls[:n-1]
		return nil

	case OpParallelBegin:
		return m.parallel(ctx, in)

	case OpParallelEnd:
		return wrapErr(fmt.Errorf("%w: PRE without PRB", ErrMalformedProgram), in)

	case OpBind:
		if _, err := m.allocate(make([]uint32, m.defaultCapacity)); err != nil {
			return wrapErr(err, in)
		}

	case OpBindN:
		if _, err := m.allocate(make([]uint32, in.Args[0])); err != nil {
			return wrapErr(err, in)
		}

	case OpJoin:
		if err := m.join(in); err != nil {
			return wrapErr(err, in)
		}

	case OpSplit:
		if err := m.split(in); err != nil {
			return wrapErr(err, in)
		}

	default:
		if err := m.exec(in, &m.out); err != nil {
			return err
		}
	}

	m.pc = in.Next()
	return nil
}

func (m *Machine) checkTarget(in Instruction, target int) error {
	if target > len(m.code) {
		return wrapErr(fmt.Errorf("%w: %d > %d", ErrJumpOutOfRange, target, len(m.code)), in)
	}
	return nil
}

func (m *Machine) jump(in Instruction, target int) error {
	if err := m.checkTarget(in, target); err != nil {
		return err
	}
	m.pc = target
	return nil
}

// resolve maps a block operand to the handle of the live block it names.
func (m *Machine) resolve(blk byte) (heap.Handle, error) {
	return m.pool.Resolve(heap.ID(blk))
}

func (m *Machine) load(blk, idx byte) (uint32, error) {
	h, err := m.resolve(blk)
	if err != nil {
		return 0, err
	}
	var v uint32
	err = m.pool.View(h, func(b *heap.Block) error {
		v, err = b.Get(int(idx))
		return err
	})
	return v, err
}

func (m *Machine) join(in Instruction) error {
	a, err := m.resolve(in.Args[0])
	if err != nil {
		return err
	}
	b, err := m.resolve(in.Args[1])
	if err != nil {
		return err
	}
	as, err := m.pool.Get(a)
	if err != nil {
		return err
	}
	bs, err := m.pool.Get(b)
	if err != nil {
		return err
	}
	_, err = m.allocate(heap.Concat(as, bs))
	return err
}

func (m *Machine) split(in Instruction) error {
	h, err := m.resolve(in.Args[0])
	if err != nil {
		return err
	}
	slots, err := m.pool.Get(h)
	if err != nil {
		return err
	}
	at := int(in.Args[1])
	if at > len(slots) {
		return fmt.Errorf("%w: split at %d, length %d", ErrOutOfBounds, at, len(slots))
	}
	first, err := m.allocate(slots[:at])
	if err != nil {
		return err
	}
	if _, err := m.allocate(slots[at:]); err != nil {
		return errors.Join(err, m.pool.Free(first))
	}
	return nil
}

// allocate stores slots as a new block whose ID an instruction operand can
// name. An ID past MaxBlockID is handed back and reported as
// ErrBlockLimit.
func (m *Machine) allocate(slots []uint32) (heap.Handle, error) {
	h := m.pool.Allocate(slots)
	if h.ID > MaxBlockID {
		return heap.Handle{}, errors.Join(
			fmt.Errorf("%w: id %d", ErrBlockLimit, h.ID),
			m.pool.Free(h),
		)
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// Front-end helpers: strings and arrays of arrays in the machine's pool
// ---------------------------------------------------------------------------

// WriteString stores s in a new block, one code point per slot.
func (m *Machine) WriteString(s string) heap.Handle {
	return m.pool.AllocateString(s)
}

// ReadString decodes the block at h as a string.
func (m *Machine) ReadString(h heap.Handle) (string, error) {
	return m.pool.ReadString(h)
}

// WriteArrays stores each inner array in its own block and returns a
// parent block holding the child IDs.
func (m *Machine) WriteArrays(arrays [][]uint32) (heap.Handle, error) {
	parent := m.pool.AllocateZero(0)
	if _, err := m.pool.WriteArrays(parent, arrays); err != nil {
		return heap.Handle{}, errors.Join(err, m.pool.Free(parent))
	}
	return parent, nil
}

// ReadArrays decodes a parent block written by WriteArrays.
func (m *Machine) ReadArrays(parent heap.Handle) ([][]uint32, error) {
	return m.pool.ReadArrays(parent)
}
