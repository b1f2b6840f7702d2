// Package vm implements the LEM block machine.
//
// A program is a byte stream: an 8-bit opcode followed by zero or more
// one-byte operands. The machine keeps a program counter and runs
// instructions against a heap.Pool until it executes HLT or runs off the
// end of the stream.
//
//	code := []byte{
//		byte(vm.OpBind),
//		byte(vm.OpWrite), 0, 1, 42,
//		byte(vm.OpRead), 0, 1,
//		byte(vm.OpHalt),
//	}
//	res, err := vm.New(code).Run(ctx)
//	// res.Reads[0].Value == 42
//
// Block operands name a raw block ID. The machine resolves it to the live
// handle at execution time, so a block freed by UND or TAE is unknown until
// the allocator hands its ID out again. Since operands are one byte, at
// most 256 blocks (IDs 0 through MaxBlockID) are addressable at once; an
// allocating instruction that would mint a higher ID fails with
// ErrBlockLimit and leaves the pool as it was.
//
// # Parallel regions
//
// Instructions between PRB and PRE run as independent tasks on a
// task.Runner and are joined at PRE. Tasks share the pool and see no
// ordering among themselves; reads and takes are merged in program order.
// Regions may not contain control flow, allocation, HLT or nested regions.
//
// # Errors
//
// A failed instruction is reported as an *Error carrying its location.
// Match the cause with errors.Is against the Err* sentinels.
package vm
