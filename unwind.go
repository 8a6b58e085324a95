//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fdir

import "golang.org/x/exp/slices"

const (
	// CallStackMaxSize bounds the number of frames one unwind may emit.
	CallStackMaxSize = 20

	// TerminalLR marks the end of a fully unwound stack. A CANTUNWIND
	// descriptor appends a {TerminalLR, TerminalFP} record and the next
	// iteration stops on it.
	TerminalLR = 0xFFFF_FFFF
	TerminalFP = 0xFFFF_FFFF

	// corruptFP stops the walk when a frame pointer reads back as the
	// 0x07 fill pattern. Heuristic only: nothing in the architecture
	// reserves this value, it just catches walks into freshly
	// initialised stack memory.
	corruptFP = 0x0707_0707
)

// Call is one reconstructed frame: the return address into the caller and
// the caller's frame pointer.
type Call struct {
	LR uint32
	FP uint32
}

// CallStack is the ordered sequence of reconstructed frames, innermost
// first. Size counts the valid entries; it never exceeds CallStackMaxSize.
type CallStack struct {
	Size  int
	Calls [CallStackMaxSize]Call
}

// Frames returns a copy of the valid entries.
func (cs *CallStack) Frames() []Call {
	return slices.Clone(cs.Calls[:cs.Size])
}

// Unwinder walks a target call stack by interpreting the EHABI descriptors
// of the image. It only ever reads the image; the one thing it writes is
// the CallStack handed to Unwind.
type Unwinder struct {
	Mem   Memory
	Table ExidxTable
}

// Compact-model personality routine indices (EHABI §7.3).
const (
	personalitySU16 = 0
	personalityLU16 = 1
	personalityLU32 = 2
)

// descriptor is a positioned compact-model descriptor. word is the first
// descriptor word; addr is the target address it resides at, used to fetch
// overflow words when the unwind instructions spill past the first word.
type descriptor struct {
	mem  Memory
	word uint32
	addr uint32

	failed bool
}

// byteAt returns the unwind byte at absolute byte offset j from the start
// of the descriptor. Bytes are big-endian-packed within each little-endian
// stored word: offset 0 occupies bits 31-24 of the first word. Offsets
// beyond the first word are re-read from memory at the descriptor address.
func (d *descriptor) byteAt(j int) byte {
	w := d.word
	if j >= 4 {
		var ok bool
		w, ok = readWord(d.mem, d.addr+uint32(j&^3))
		if !ok {
			d.failed = true
			return 0
		}
	}
	return byte(w >> (24 - 8*(j&3)))
}

// decodeFrame executes the unwind instructions of a compact-model
// descriptor over the virtual stack pointer and returns the updated vsp.
// refused is set when the descriptor contains the explicit refuse-to-unwind
// instruction, which callers treat exactly like CANTUNWIND.
//
// An unsupported personality index leaves vsp unchanged, equivalent to a
// frame with an empty prologue.
//
// Only the vsp-moving instructions matter for locating the caller frame on
// this platform; register-restoration instructions are parsed for their
// byte length and otherwise ignored.
func (u *Unwinder) decodeFrame(entry, entryPtr, vsp uint32) (newVsp uint32, refused bool) {
	var count, offset2 int
	switch (entry >> 24) & 0xF {
	case personalitySU16:
		// Three unwind bytes in bits 23-0 of the first word.
		count, offset2 = 3, 1
	case personalityLU16, personalityLU32:
		// Bits 23-16 give the number of additional words; the unwind
		// bytes start at byte offset 2 and span 2+4*n bytes.
		n := int((entry >> 16) & 0xFF)
		count, offset2 = 2+4*n, 2
	default:
		return vsp, false
	}

	d := descriptor{mem: u.Mem, word: entry, addr: entryPtr}

	// i indexes instruction bytes; the i-th byte lives at absolute byte
	// offset offset2+i within the descriptor. The advertised count is
	// authoritative; a finish instruction only means the remaining bytes
	// are padding.
	for i := 0; i < count && !d.failed; {
		next := func() byte {
			b := d.byteAt(offset2 + i)
			i++
			return b
		}
		op := next()
		switch {
		case op < 0x40:
			// 00xxxxxx: vsp += (x << 2) + 4
			vsp += uint32(op&0x3F)<<2 + 4
		case op < 0x80:
			// 01xxxxxx: vsp -= (x << 2) + 4
			vsp -= uint32(op&0x3F)<<2 + 4
		case op < 0x90:
			// 1000iiii iiiiiiii: pop {r4-r15} under mask, or refuse
			// to unwind when the mask is empty.
			mask := next()
			if op == 0x80 && mask == 0 {
				return vsp, true
			}
		case op < 0xA0:
			// 1001nnnn: vsp = r[n]. There is no register file to read
			// from here; on this platform compilers do not emit it for
			// the frames we walk, so it degrades to a no-op.
		case op < 0xB0:
			// 1010xnnn: pop r4-r[4+n], optionally r14.
		case op == 0xB0:
			// finish; anything left is padding.
			return vsp, false
		case op == 0xB1:
			// 10110001 0000iiii: pop {r0-r3} under mask. The spare
			// encodings of the operand byte are consumed and ignored.
			next()
		case op == 0xB2:
			// 10110010 uleb128: vsp += 0x204 + (uleb << 2)
			var x, shift uint32
			for {
				b := next()
				x |= uint32(b&0x7F) << shift
				shift += 7
				if b&0x80 == 0 {
					break
				}
			}
			vsp += 0x204 + x<<2
		case op == 0xB3, op >= 0xC6 && op <= 0xC9:
			// VFP and iWMMX pops carrying an operand byte.
			next()
		default:
			// Remaining one-byte pops and spare encodings.
		}
	}
	return vsp, false
}

// Unwind reconstructs the call chain from seed, the (return address, frame
// pointer) pair captured at fault entry. It walks until it reaches a
// terminal record, a refused frame, the depth cap, or memory the image
// does not map.
//
// Each iteration locates the EHABI record for the pending return address,
// snaps the recorded address to the enclosing function's entry point,
// commits the frame, and derives the caller pair from the updated virtual
// stack pointer: the caller's frame pointer and return address sit
// contiguously at the new vsp, in that order.
func (u *Unwinder) Unwind(cs *CallStack, seed Call) {
	*cs = CallStack{}
	cs.Calls[0] = seed

	for {
		if cs.Size >= CallStackMaxSize {
			return
		}
		cur := cs.Calls[cs.Size]
		if cur.LR == TerminalLR || cur.FP == corruptFP {
			return
		}

		e := u.Table.FindEntry(cur.LR)
		// TODO: keep the within-function return address alongside the
		// snapped entry point; snapping loses the call site.
		cs.Calls[cs.Size].LR = e.DecodedFn
		cs.Size++

		var entry, entryPtr uint32
		switch {
		case e.CantUnwind():
			u.appendTerminal(cs)
			continue
		case e.Inline():
			entry, entryPtr = e.Entry, e.DecodedEntry
		default:
			w, ok := readWord(u.Mem, e.DecodedEntry)
			if !ok || w&0x8000_0000 == 0 {
				// Generic-model descriptor, out of scope here. The
				// committed frame stays as the terminal record.
				return
			}
			entry, entryPtr = w, e.DecodedEntry
		}

		vsp, refused := u.decodeFrame(entry, entryPtr, cur.FP)
		if refused {
			u.appendTerminal(cs)
			continue
		}

		fp, ok1 := readWord(u.Mem, vsp)
		lr, ok2 := readWord(u.Mem, vsp+4)
		if !ok1 || !ok2 {
			// The walk left the mapped image; report what we have.
			return
		}
		if cs.Size < CallStackMaxSize {
			// The -1 strips the Thumb state bit from the recovered
			// return address.
			cs.Calls[cs.Size] = Call{LR: lr - 1, FP: fp}
		}
	}
}

// appendTerminal stores the terminal sentinel after the last committed
// frame; the next iteration stops on it. The sentinel is not counted in
// Size and is dropped entirely when the stack is already full.
func (u *Unwinder) appendTerminal(cs *CallStack) {
	if cs.Size < CallStackMaxSize {
		cs.Calls[cs.Size] = Call{LR: TerminalLR, FP: TerminalFP}
	}
}
