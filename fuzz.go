//go:build gofuzz

package fdir

import "encoding/binary"

// Fuzz drives the unwinder over arbitrary descriptor bytes. The walk must
// terminate without panicking whatever the table contents: descriptor
// counts are authoritative, depth is capped, and unmapped reads stop it.
func Fuzz(data []byte) int {
	if len(data) < 8 {
		return 0
	}

	const (
		exidxBase = 0x0800_0000
		extabBase = 0x0801_0000
		stackBase = 0x2000_0000
	)

	mem := new(SparseMemory)

	// One entry covering every address, pointing into the fuzzed extab.
	exidx := make([]byte, 8)
	binary.LittleEndian.PutUint32(exidx[0:], (0x100-exidxBase)&0x7FFF_FFFF)
	binary.LittleEndian.PutUint32(exidx[4:], (extabBase-(exidxBase+4))&0x7FFF_FFFF)
	mem.CopyAtAddress(exidxBase, exidx)
	mem.CopyAtAddress(extabBase, data)

	stack := make([]byte, 256)
	for i := range stack {
		stack[i] = byte(i)
	}
	mem.CopyAtAddress(stackBase, stack)

	u := Unwinder{Mem: mem, Table: ExidxTable{Mem: mem, Start: exidxBase, End: exidxBase + 8}}
	var cs CallStack
	u.Unwind(&cs, Call{LR: 0x200, FP: stackBase + 64})

	if cs.Size > CallStackMaxSize {
		panic("call stack overflow")
	}
	return 1
}
