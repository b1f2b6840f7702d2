package heap

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Strings: one slot per code point
// ---------------------------------------------------------------------------

// EncodeString returns the code points of s as slots.
func EncodeString(s string) []uint32 {
	out := make([]uint32, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		out = append(out, uint32(r))
	}
	return out
}

// DecodeString converts slots back to a string. Slots that are not valid
// Unicode scalar values are rejected.
func DecodeString(slots []uint32) (string, error) {
	var sb strings.Builder
	sb.Grow(len(slots))
	for i, v := range slots {
		r := rune(v)
		if v > utf8.MaxRune || !utf8.ValidRune(r) {
			return "", fmt.Errorf("%w: 0x%X at slot %d", ErrInvalidCodePoint, v, i)
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

// WriteString replaces the contents of h with the code points of s.
func (p *Pool) WriteString(h Handle, s string) error {
	return p.Update(h, EncodeString(s))
}

// AllocateString allocates a block holding the code points of s.
func (p *Pool) AllocateString(s string) Handle {
	return p.Allocate(EncodeString(s))
}

// ReadString decodes the contents of h as a string.
func (p *Pool) ReadString(h Handle) (string, error) {
	slots, err := p.Get(h)
	if err != nil {
		return "", err
	}
	return DecodeString(slots)
}

// ---------------------------------------------------------------------------
// Arrays of arrays: one child block per inner array, child IDs in the parent
// ---------------------------------------------------------------------------

// WriteArrays allocates a child block per inner array and replaces the
// contents of parent with the child IDs. The child handles are returned in
// order.
func (p *Pool) WriteArrays(parent Handle, arrays [][]uint32) ([]Handle, error) {
	if _, err := p.lookup(parent); err != nil {
		return nil, err
	}
	children := make([]Handle, len(arrays))
	ids := make([]uint32, len(arrays))
	for i, a := range arrays {
		children[i] = p.Allocate(a)
		ids[i] = uint32(children[i].ID)
	}
	if err := p.Update(parent, ids); err != nil {
		return nil, errors.Join(err, p.FreeAll(children))
	}
	return children, nil
}

// FreeAll frees every handle in hs, continuing past failures, and returns
// the failures joined.
func (p *Pool) FreeAll(hs []Handle) error {
	var errs []error
	for _, h := range hs {
		if err := p.Free(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadArrays returns the contents of every child block named by parent.
func (p *Pool) ReadArrays(parent Handle) ([][]uint32, error) {
	ids, err := p.Get(parent)
	if err != nil {
		return nil, err
	}
	arrays := make([][]uint32, len(ids))
	for i, id := range ids {
		child, err := p.Resolve(ID(id))
		if err != nil {
			return nil, fmt.Errorf("child %d of %s: %w", i, parent, err)
		}
		if arrays[i], err = p.Get(child); err != nil {
			return nil, fmt.Errorf("child %d of %s: %w", i, parent, err)
		}
	}
	return arrays, nil
}

// FreeArrays frees every child block named by parent, then parent itself.
func (p *Pool) FreeArrays(parent Handle) error {
	ids, err := p.Get(parent)
	if err != nil {
		return err
	}
	for i, id := range ids {
		child, err := p.Resolve(ID(id))
		if err != nil {
			return fmt.Errorf("child %d of %s: %w", i, parent, err)
		}
		if err := p.Free(child); err != nil {
			return err
		}
	}
	return p.Free(parent)
}

// Concat returns the slots of a followed by the slots of b.
func Concat(a, b []uint32) []uint32 {
	out := make([]uint32, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
