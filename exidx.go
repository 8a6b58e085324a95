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

import "sort"

// ExidxCantUnwind is the special second-word value marking a function
// whose frame must not be unwound (EHABI §6).
const ExidxCantUnwind = 0x1

// exidxEntrySize is the fixed size of one .ARM.exidx record: two words.
const exidxEntrySize = 8

// ExidxEntry is one decoded row of the .ARM.exidx index table.
//
// Fn is always a prel31 offset to the function start, so DecodedFn is the
// function's address. Entry is either the CANTUNWIND marker, an inline
// compact descriptor (bit 31 set), or a prel31 offset into .ARM.extab;
// DecodedEntry holds the raw word in the first two cases and the decoded
// descriptor address in the last.
type ExidxEntry struct {
	Fn    uint32
	Entry uint32

	DecodedFn    uint32
	DecodedEntry uint32
}

// CantUnwind reports whether the entry carries the EHABI refuse-to-unwind
// marker.
func (e ExidxEntry) CantUnwind() bool { return e.Entry == ExidxCantUnwind }

// Inline reports whether the descriptor is packed into the index word
// itself (Arm compact model, personality 0).
func (e ExidxEntry) Inline() bool { return e.Entry&0x8000_0000 != 0 }

// ExidxTable is a read-only view of the .ARM.exidx section. Start and End
// are the addresses the linker publishes as __exidx_start and __exidx_end.
//
// The table is assumed sorted by ascending function address, which the
// EHABI requires of the linker; FindEntry relies on it.
type ExidxTable struct {
	Mem   Memory
	Start uint32
	End   uint32
}

// Count returns the number of 8-byte records in the table.
func (t ExidxTable) Count() int {
	return int(t.End-t.Start) / exidxEntrySize
}

// EntryAt reads and decodes the i-th record.
func (t ExidxTable) EntryAt(i int) ExidxEntry {
	p := t.Start + uint32(i)*exidxEntrySize
	e := ExidxEntry{
		Fn:    ReadWord(t.Mem, p),
		Entry: ReadWord(t.Mem, p+4),
	}
	e.DecodedFn = DecodePrel31(e.Fn, p)
	if e.CantUnwind() || e.Inline() {
		e.DecodedEntry = e.Entry
	} else {
		e.DecodedEntry = DecodePrel31(e.Entry, p+4)
	}
	return e
}

// FindEntry returns the record covering returnAddress: the greatest entry
// whose function address is <= returnAddress. If returnAddress precedes
// the first function, the first entry is returned; the decode stage then
// terminates the walk on its own.
func (t ExidxTable) FindEntry(returnAddress uint32) ExidxEntry {
	n := t.Count()
	i := sort.Search(n, func(i int) bool {
		return t.EntryAt(i).DecodedFn > returnAddress
	})
	if i > 0 {
		i--
	}
	return t.EntryAt(i)
}
