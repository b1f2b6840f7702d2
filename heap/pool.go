package heap

import (
	"fmt"
	"sync"
)

// ID identifies a live block. IDs are reused after Free, so long-lived
// references should hold a Handle instead.
type ID uint32

// Handle is an ID paired with the generation it was issued under. Every Free
// bumps the generation of its ID, so a Handle outliving its block is
// rejected with ErrStaleHandle instead of reaching whatever block reuses the
// ID. The zero Handle is never valid.
type Handle struct {
	ID  ID
	Gen uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("#%d@%d", h.ID, h.Gen)
}

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 16

// entry is one live block. mu orders slot operations on the block against
// each other and against Free.
type entry struct {
	mu    sync.RWMutex
	gen   uint32
	freed bool
	block *Block
}

type shard struct {
	mu      sync.RWMutex
	entries map[ID]*entry
}

// Pool owns the block table. Identifier assignment goes through a single
// lock; block storage is split across shards so lookups of different blocks
// do not contend, and each block carries its own lock so a write to one
// block never waits on another.
type Pool struct {
	mu   sync.Mutex
	free []ID     // LIFO
	gens []uint32 // generation per ID, indexed by ID
	next ID

	shards []*shard
}

// Stats is a point-in-time summary of a Pool.
type Stats struct {
	Live   int
	Free   int
	NextID ID
}

// NewPool creates a Pool with n shards. n <= 0 selects DefaultShards.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = DefaultShards
	}
	p := &Pool{shards: make([]*shard, n)}
	for i := range p.shards {
		p.shards[i] = &shard{entries: make(map[ID]*entry)}
	}
	return p
}

func (p *Pool) shardFor(id ID) *shard {
	return p.shards[int(id)%len(p.shards)]
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate stores a copy of slots as a new block. The most recently freed ID
// is reused first; otherwise a new ID is minted.
func (p *Pool) Allocate(slots []uint32) Handle {
	p.mu.Lock()
	var id ID
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		id = p.next
		p.next++
		p.gens = append(p.gens, 1)
	}
	h := Handle{ID: id, Gen: p.gens[id]}
	p.mu.Unlock()

	s := p.shardFor(id)
	s.mu.Lock()
	s.entries[id] = &entry{gen: h.Gen, block: NewBlock(slots)}
	s.mu.Unlock()

	return h
}

// AllocateZero allocates a block of n zero slots.
func (p *Pool) AllocateZero(n int) Handle {
	if n < 0 {
		n = 0
	}
	return p.Allocate(make([]uint32, n))
}

// Free removes the block and makes its ID available for reuse.
func (p *Pool) Free(h Handle) error {
	return p.release(h, nil)
}

// Take removes the block like Free and returns its final slots. The
// snapshot and the removal happen under one exclusive hold of the block,
// so every write that succeeded before Take is in the snapshot and every
// write after it fails.
func (p *Pool) Take(h Handle) ([]uint32, error) {
	var out []uint32
	err := p.release(h, func(b *Block) { out = b.Slots() })
	return out, err
}

// release unlinks the block named by h, calls last with exclusive access
// to it if last is non-nil, and recycles the ID.
func (p *Pool) release(h Handle, last func(*Block)) error {
	s := p.shardFor(h.ID)
	s.mu.Lock()
	e, ok := s.entries[h.ID]
	if !ok {
		s.mu.Unlock()
		return p.missing(h)
	}
	if e.gen != h.Gen {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s, live generation %d", ErrStaleHandle, h, e.gen)
	}
	delete(s.entries, h.ID)
	s.mu.Unlock()

	// Wait out in-flight operations on the block.
	e.mu.Lock()
	if last != nil {
		last(e.block)
	}
	e.freed = true
	e.block = nil
	e.mu.Unlock()

	p.mu.Lock()
	p.gens[h.ID]++
	p.free = append(p.free, h.ID)
	p.mu.Unlock()
	return nil
}

// missing reports why h has no entry: never allocated, or freed since.
func (p *Pool) missing(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(h.ID) < len(p.gens) && p.gens[h.ID] != h.Gen && h.Gen != 0 {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return fmt.Errorf("%w: %d", ErrUnknownBlock, h.ID)
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// Resolve returns the handle of the live block currently named by id.
func (p *Pool) Resolve(id ID) (Handle, error) {
	s := p.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Handle{}, fmt.Errorf("%w: %d", ErrUnknownBlock, id)
	}
	return Handle{ID: id, Gen: e.gen}, nil
}

func (p *Pool) lookup(h Handle) (*entry, error) {
	s := p.shardFor(h.ID)
	s.mu.RLock()
	e, ok := s.entries[h.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, p.missing(h)
	}
	if e.gen != h.Gen {
		return nil, fmt.Errorf("%w: %s, live generation %d", ErrStaleHandle, h, e.gen)
	}
	return e, nil
}

// View calls fn with shared access to the block named by h.
func (p *Pool) View(h Handle, fn func(*Block) error) error {
	e, err := p.lookup(h)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.freed {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return fn(e.block)
}

// With calls fn with exclusive access to the block named by h.
func (p *Pool) With(h Handle, fn func(*Block) error) error {
	e, err := p.lookup(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.freed {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return fn(e.block)
}

// Get returns a snapshot of the block's slots.
func (p *Pool) Get(h Handle) ([]uint32, error) {
	var out []uint32
	err := p.View(h, func(b *Block) error {
		out = b.Slots()
		return nil
	})
	return out, err
}

// Update replaces the block's slot vector with a copy of slots. Unlike the
// slot operations this may change the block's length.
func (p *Pool) Update(h Handle, slots []uint32) error {
	return p.With(h, func(b *Block) error {
		b.slots = NewBlock(slots).slots
		return nil
	})
}

// Len returns the number of live blocks.
func (p *Pool) Len() int {
	n := 0
	for _, s := range p.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns a summary of the pool.
func (p *Pool) Stats() Stats {
	live := p.Len()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: live, Free: len(p.free), NextID: p.next}
}
