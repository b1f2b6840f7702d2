package heap

import (
	"errors"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Block
// ---------------------------------------------------------------------------

func TestBlockWriteThenRead(t *testing.T) {
	for _, capacity := range []int{1, 2, DefaultCapacity, 255} {
		b := NewBlock(make([]uint32, capacity))
		for i := 0; i < capacity; i++ {
			v := uint32(i*7 + 3)
			if err := b.Set(i, v); err != nil {
				t.Fatalf("Set(%d) on len %d: %v", i, capacity, err)
			}
			got, err := b.Get(i)
			if err != nil {
				t.Fatalf("Get(%d) on len %d: %v", i, capacity, err)
			}
			if got != v {
				t.Errorf("Get(%d) = %d, want %d", i, got, v)
			}
		}
	}
}

func TestBlockOutOfBounds(t *testing.T) {
	b := NewBlock(make([]uint32, 3))
	ops := map[string]func() error{
		"Set": func() error { return b.Set(3, 1) },
		"Add": func() error { return b.Add(3, 1) },
		"Sub": func() error { return b.Sub(10, 1) },
		"Mul": func() error { return b.Mul(-1, 1) },
		"Div": func() error { return b.Div(3, 1) },
		"Not": func() error { return b.Not(4) },
		"Get": func() error { _, err := b.Get(3); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("%s out of range: err = %v, want ErrOutOfBounds", name, err)
		}
	}
	for i, v := range b.Slots() {
		if v != 0 {
			t.Errorf("slot %d = %d after failed ops, want 0", i, v)
		}
	}
}

func TestBlockArithmetic(t *testing.T) {
	tests := []struct {
		name  string
		start uint32
		op    func(*Block) error
		want  uint32
	}{
		{"add", 42, func(b *Block) error { return b.Add(0, 10) }, 52},
		{"sub", 42, func(b *Block) error { return b.Sub(0, 2) }, 40},
		{"sub wraps", 0, func(b *Block) error { return b.Sub(0, 1) }, 0xFFFFFFFF},
		{"mul", 6, func(b *Block) error { return b.Mul(0, 7) }, 42},
		{"div", 42, func(b *Block) error { return b.Div(0, 5) }, 8},
		{"rem", 42, func(b *Block) error { return b.Rem(0, 5) }, 2},
		{"and", 0b1100, func(b *Block) error { return b.And(0, 0b1010) }, 0b1000},
		{"or", 0b1100, func(b *Block) error { return b.Or(0, 0b1010) }, 0b1110},
		{"xor", 0b1100, func(b *Block) error { return b.Xor(0, 0b1010) }, 0b0110},
		{"not", 0, func(b *Block) error { return b.Not(0) }, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		b := NewBlock([]uint32{tt.start})
		if err := tt.op(b); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got, _ := b.Get(0); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestBlockDivisionByZero(t *testing.T) {
	b := NewBlock([]uint32{9})
	if err := b.Div(0, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("Div by zero: err = %v, want ErrDivisionByZero", err)
	}
	if err := b.Rem(0, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("Rem by zero: err = %v, want ErrDivisionByZero", err)
	}
	if got, _ := b.Get(0); got != 9 {
		t.Errorf("slot after failed division = %d, want 9", got)
	}
}

func TestNewBlockCopiesInput(t *testing.T) {
	in := []uint32{1, 2, 3}
	b := NewBlock(in)
	in[0] = 99
	if got, _ := b.Get(0); got != 1 {
		t.Errorf("block aliased its input: slot 0 = %d", got)
	}
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

func TestPoolAllocateMintsSequentialIDs(t *testing.T) {
	p := NewPool(4)
	for want := ID(0); want < 20; want++ {
		h := p.AllocateZero(1)
		if h.ID != want {
			t.Fatalf("allocation %d got ID %d", want, h.ID)
		}
		if h.Gen != 1 {
			t.Errorf("fresh ID %d has generation %d, want 1", h.ID, h.Gen)
		}
	}
}

func TestPoolFreeListIsLIFO(t *testing.T) {
	p := NewPool(0)
	var hs []Handle
	for i := 0; i < 5; i++ {
		hs = append(hs, p.AllocateZero(2))
	}
	if err := p.Free(hs[1]); err != nil {
		t.Fatal(err)
	}
	if err := p.Free(hs[3]); err != nil {
		t.Fatal(err)
	}

	if h := p.AllocateZero(2); h.ID != 3 {
		t.Errorf("first reuse got ID %d, want 3", h.ID)
	}
	if h := p.AllocateZero(2); h.ID != 1 {
		t.Errorf("second reuse got ID %d, want 1", h.ID)
	}
	if h := p.AllocateZero(2); h.ID != 5 {
		t.Errorf("after free list drained got ID %d, want 5", h.ID)
	}
}

func TestPoolStaleHandle(t *testing.T) {
	p := NewPool(0)
	old := p.Allocate([]uint32{1, 2, 3})
	if err := p.Free(old); err != nil {
		t.Fatal(err)
	}
	fresh := p.Allocate([]uint32{7})
	if fresh.ID != old.ID {
		t.Fatalf("expected ID reuse, got %s after %s", fresh, old)
	}
	if fresh.Gen == old.Gen {
		t.Fatalf("generation not bumped: %s", fresh)
	}

	if _, err := p.Get(old); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get(stale) err = %v, want ErrStaleHandle", err)
	}
	if err := p.Update(old, []uint32{0}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Update(stale) err = %v, want ErrStaleHandle", err)
	}
	if err := p.Free(old); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Free(stale) err = %v, want ErrStaleHandle", err)
	}

	slots, err := p.Get(fresh)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 1 || slots[0] != 7 {
		t.Errorf("fresh block = %v, want [7]", slots)
	}
}

func TestPoolUnknownBlock(t *testing.T) {
	p := NewPool(0)
	if _, err := p.Resolve(3); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("Resolve(never allocated) err = %v, want ErrUnknownBlock", err)
	}
	h := p.AllocateZero(1)
	p.Free(h)
	if _, err := p.Resolve(h.ID); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("Resolve(freed) err = %v, want ErrUnknownBlock", err)
	}
	if err := p.Free(Handle{}); err == nil {
		t.Error("Free(zero handle) succeeded")
	}
}

func TestPoolUpdateReplacesSlots(t *testing.T) {
	p := NewPool(0)
	h := p.AllocateZero(DefaultCapacity)
	if err := p.Update(h, []uint32{4, 5}); err != nil {
		t.Fatal(err)
	}
	slots, _ := p.Get(h)
	if len(slots) != 2 || slots[0] != 4 || slots[1] != 5 {
		t.Errorf("Get after Update = %v, want [4 5]", slots)
	}
	slots[0] = 100
	again, _ := p.Get(h)
	if again[0] != 4 {
		t.Error("Get returned an alias of the stored slots")
	}
}

func TestPoolStats(t *testing.T) {
	p := NewPool(2)
	a := p.AllocateZero(1)
	p.AllocateZero(1)
	p.AllocateZero(1)
	p.Free(a)

	st := p.Stats()
	if st.Live != 2 || st.Free != 1 || st.NextID != 3 {
		t.Errorf("Stats = %+v, want {Live:2 Free:1 NextID:3}", st)
	}
}

func TestPoolConcurrentWritersDistinctBlocks(t *testing.T) {
	p := NewPool(8)
	const blocks = 32
	const rounds = 200
	hs := make([]Handle, blocks)
	for i := range hs {
		hs[i] = p.AllocateZero(1)
	}

	var wg sync.WaitGroup
	for i := 0; i < blocks; i++ {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(h Handle) {
				defer wg.Done()
				for r := 0; r < rounds; r++ {
					if err := p.With(h, func(b *Block) error { return b.Add(0, 1) }); err != nil {
						t.Error(err)
						return
					}
				}
			}(hs[i])
		}
	}
	wg.Wait()

	for _, h := range hs {
		slots, _ := p.Get(h)
		if slots[0] != 4*rounds {
			t.Errorf("block %s = %d, want %d", h, slots[0], 4*rounds)
		}
	}
}

func TestPoolConcurrentAllocateFree(t *testing.T) {
	p := NewPool(4)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h := p.AllocateZero(2)
				if err := p.With(h, func(b *Block) error { return b.Set(1, 9) }); err != nil {
					t.Error(err)
				}
				if err := p.Free(h); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if n := p.Len(); n != 0 {
		t.Errorf("Len after balanced alloc/free = %d, want 0", n)
	}
}

func TestPoolTake(t *testing.T) {
	p := NewPool(0)
	h := p.Allocate([]uint32{3, 4})

	slots, err := p.Take(h)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 || slots[0] != 3 || slots[1] != 4 {
		t.Errorf("Take = %v, want [3 4]", slots)
	}
	if _, err := p.Get(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get after Take err = %v, want ErrStaleHandle", err)
	}
	if _, err := p.Take(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("second Take err = %v, want ErrStaleHandle", err)
	}
	if again := p.AllocateZero(1); again.ID != h.ID {
		t.Errorf("ID %d not recycled after Take, got %s", h.ID, again)
	}
}

func TestPoolTakeWaitsForWriter(t *testing.T) {
	p := NewPool(0)
	h := p.AllocateZero(1)

	inside := make(chan struct{})
	release := make(chan struct{})
	wrote := make(chan error, 1)
	go func() {
		wrote <- p.With(h, func(b *Block) error {
			close(inside)
			<-release
			return b.Set(0, 7)
		})
	}()
	<-inside

	taken := make(chan []uint32, 1)
	go func() {
		slots, err := p.Take(h)
		if err != nil {
			t.Error(err)
		}
		taken <- slots
	}()
	close(release)

	if err := <-wrote; err != nil {
		t.Fatalf("With: %v", err)
	}
	if slots := <-taken; len(slots) != 1 || slots[0] != 7 {
		t.Errorf("Take = %v, want the write that finished first", slots)
	}
}

func TestPoolTakeConcurrentWrite(t *testing.T) {
	p := NewPool(0)
	for i := 0; i < 2000; i++ {
		h := p.AllocateZero(1)

		var wg sync.WaitGroup
		var writeErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeErr = p.With(h, func(b *Block) error { return b.Set(0, 7) })
		}()
		slots, err := p.Take(h)
		wg.Wait()
		if err != nil {
			t.Fatal(err)
		}

		switch {
		case writeErr == nil && slots[0] != 7:
			t.Fatalf("round %d: write succeeded but Take saw %v", i, slots)
		case writeErr != nil && !errors.Is(writeErr, ErrStaleHandle) && !errors.Is(writeErr, ErrUnknownBlock):
			t.Fatalf("round %d: write after Take err = %v, want a missing-block error", i, writeErr)
		}
	}
}
