package heap

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfBounds      = errors.New("index out of bounds")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrUnknownBlock     = errors.New("unknown block")
	ErrStaleHandle      = errors.New("stale block handle")
	ErrInvalidCodePoint = errors.New("invalid code point")
)

// DefaultCapacity is the slot count of a block bound without an explicit size.
const DefaultCapacity = 10

// Block is a fixed-length vector of unsigned 32-bit slots. Its length is set
// at creation and no slot operation changes it. A Block is not safe for
// concurrent use on its own; the Pool serializes access per block.
type Block struct {
	slots []uint32
}

// NewBlock returns a Block holding a copy of values.
func NewBlock(values []uint32) *Block {
	slots := make([]uint32, len(values))
	copy(slots, values)
	return &Block{slots: slots}
}

// Len returns the number of slots.
func (b *Block) Len() int {
	return len(b.slots)
}

// Slots returns a copy of the slot vector.
func (b *Block) Slots() []uint32 {
	out := make([]uint32, len(b.slots))
	copy(out, b.slots)
	return out
}

func (b *Block) check(index int) error {
	if index < 0 || index >= len(b.slots) {
		return fmt.Errorf("%w: index %d, length %d", ErrOutOfBounds, index, len(b.slots))
	}
	return nil
}

// Get returns the value at index.
func (b *Block) Get(index int) (uint32, error) {
	if err := b.check(index); err != nil {
		return 0, err
	}
	return b.slots[index], nil
}

// Set stores value at index.
func (b *Block) Set(index int, value uint32) error {
	if err := b.check(index); err != nil {
		return err
	}
	b.slots[index] = value
	return nil
}

// Update replaces the slot at index with fn applied to its current value.
func (b *Block) Update(index int, fn func(uint32) (uint32, error)) error {
	if err := b.check(index); err != nil {
		return err
	}
	v, err := fn(b.slots[index])
	if err != nil {
		return err
	}
	b.slots[index] = v
	return nil
}

// Arithmetic wraps modulo 2^32.

func (b *Block) Add(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) { return v + value, nil })
}

func (b *Block) Sub(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) { return v - value, nil })
}

func (b *Block) Mul(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) { return v * value, nil })
}

func (b *Block) Div(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) {
		if value == 0 {
			return 0, ErrDivisionByZero
		}
		return v / value, nil
	})
}

func (b *Block) Rem(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) {
		if value == 0 {
			return 0, ErrDivisionByZero
		}
		return v % value, nil
	})
}

func (b *Block) And(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) { return v & value, nil })
}

func (b *Block) Or(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) { return v | value, nil })
}

func (b *Block) Xor(index int, value uint32) error {
	return b.Update(index, func(v uint32) (uint32, error) { return v ^ value, nil })
}

func (b *Block) Not(index int) error {
	return b.Update(index, func(v uint32) (uint32, error) { return ^v, nil })
}
