// Package heap implements the block heap of the LEM virtual machine.
//
// A Block is a fixed-length vector of u32 slots. The Pool owns every block,
// hands out identifiers, and recycles freed identifiers through a LIFO free
// list:
//
//	p := heap.NewPool(0)
//	h := p.AllocateZero(heap.DefaultCapacity) // #0@1
//	p.Free(h)
//	h2 := p.AllocateZero(4)                   // #0@2, same ID, new generation
//
// Identifiers are what the instruction stream names; Handles add a
// generation so Go callers holding an old handle get ErrStaleHandle rather
// than the block that now occupies the ID.
//
// # Locking
//
// Identifier assignment is serialized by one mutex. The table itself is
// split into shards, each under an RWMutex, and each live block has its own
// RWMutex: View takes it shared, With takes it exclusively. Operations that
// touch several blocks take those locks one at a time and are not atomic as
// a unit.
package heap
