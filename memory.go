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

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Memory is the minimum interface required for accesses to the target
// image in this package. Addresses are target addresses, never host
// pointers: the unwinder runs on the host (or, on-device, outside the
// faulted code) and must not dereference anything directly.
//
// The target is a 32-bit little-endian machine. Read returns the raw bytes
// at the given target address, or false if the range is not mapped.
type Memory interface {
	Read(address, size uint32) ([]byte, bool)
}

// MemoryWriter extends Memory with writes, for the few memory-mapped
// register pokes fault initialisation performs.
type MemoryWriter interface {
	Memory
	Write(address uint32, b []byte) bool
}

// ReadWord reads the little-endian 32-bit word at address p. The caller
// guarantees the read lies within a mapped region; an unmapped read is a
// bug in the caller and panics, like an errant load would on the target.
func ReadWord(m Memory, p uint32) uint32 {
	w, ok := readWord(m, p)
	if !ok {
		panic(fmt.Errorf("invalid target memory read at %#x size 4", p))
	}
	return w
}

func readWord(m Memory, p uint32) (uint32, bool) {
	b, ok := m.Read(p, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// DecodePrel31 decodes an EHABI prel31 word loaded from the given target
// address. The low 31 bits hold a signed PC-relative offset; bit 31 is
// reserved for flags and ignored here. The result wraps modulo 2^32.
func DecodePrel31(word, location uint32) uint32 {
	offset := word & 0x7FFF_FFFF
	if offset&0x4000_0000 != 0 {
		offset |= 0x8000_0000
	}
	return location + offset
}

// segment is a contiguous run of target memory.
type segment struct {
	addr uint32
	b    []byte
}

// SparseMemory rebuilds a target address space from discontiguous
// segments, such as the PT_LOAD segments of a firmware image plus a RAM
// dump. Segments are kept sorted by address and must not overlap.
type SparseMemory struct {
	segs []segment
}

// CopyAtAddress maps a copy of b at the given target address.
// Panics if the range overlaps an existing segment.
func (m *SparseMemory) CopyAtAddress(addr uint32, b []byte) {
	if len(b) == 0 {
		return
	}
	i := sort.Search(len(m.segs), func(i int) bool {
		return m.segs[i].addr > addr
	})
	if i > 0 {
		prev := m.segs[i-1]
		if prev.addr+uint32(len(prev.b)) > addr {
			panic(fmt.Errorf("address %#x already mapped", addr))
		}
	}
	if i < len(m.segs) && addr+uint32(len(b)) > m.segs[i].addr {
		panic(fmt.Errorf("range %#x+%d overlaps segment at %#x", addr, len(b), m.segs[i].addr))
	}
	seg := segment{addr: addr, b: append([]byte(nil), b...)}
	m.segs = append(m.segs, segment{})
	copy(m.segs[i+1:], m.segs[i:])
	m.segs[i] = seg
}

// Read implements Memory. The range must lie within a single segment.
func (m *SparseMemory) Read(address, size uint32) ([]byte, bool) {
	i := sort.Search(len(m.segs), func(i int) bool {
		return m.segs[i].addr > address
	})
	if i == 0 {
		return nil, false
	}
	seg := m.segs[i-1]
	off := address - seg.addr
	if off > uint32(len(seg.b)) || size > uint32(len(seg.b))-off {
		return nil, false
	}
	return seg.b[off : off+size], true
}

// RAM is a flat read-write region at a fixed base address. It backs
// synthetic images in tests and stands in for the system control space
// when exercising fault initialisation.
type RAM struct {
	Base uint32
	b    []byte
}

func NewRAM(base uint32, size int) *RAM {
	return &RAM{Base: base, b: make([]byte, size)}
}

func (m *RAM) Read(address, size uint32) ([]byte, bool) {
	off := address - m.Base
	if address < m.Base || off > uint32(len(m.b)) || size > uint32(len(m.b))-off {
		return nil, false
	}
	return m.b[off : off+size], true
}

func (m *RAM) Write(address uint32, b []byte) bool {
	off := address - m.Base
	if address < m.Base || off > uint32(len(m.b)) || uint32(len(b)) > uint32(len(m.b))-off {
		return false
	}
	copy(m.b[off:], b)
	return true
}

// WriteWord stores a little-endian 32-bit word at target address p.
func WriteWord(m MemoryWriter, p, w uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return m.Write(p, b[:])
}
