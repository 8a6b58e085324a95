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

// System control space registers involved in fault handling (ARMv7-M
// architecture reference, B3.2).
const (
	ccrAddr   = 0xE000_ED14 // Configuration and Control
	shcsrAddr = 0xE000_ED24 // System Handler Control and State
	cfsrAddr  = 0xE000_ED28 // Configurable Fault Status
	hfsrAddr  = 0xE000_ED2C // Hard Fault Status
)

// SHCSR fault-enable bits.
const (
	shcsrMemFaultEna = 1 << 16
	shcsrBusFaultEna = 1 << 17
	shcsrUsgFaultEna = 1 << 18
)

// CCR trap bits.
const (
	ccrUnalignTrp = 1 << 3
	ccrDiv0Trp    = 1 << 4
)

// CFSR status bits, named for reporting.
var cfsrBits = []struct {
	bit  uint32
	name string
}{
	{1 << 0, "IACCVIOL"},
	{1 << 1, "DACCVIOL"},
	{1 << 3, "MUNSTKERR"},
	{1 << 4, "MSTKERR"},
	{1 << 5, "MLSPERR"},
	{1 << 7, "MMARVALID"},
	{1 << 8, "IBUSERR"},
	{1 << 9, "PRECISERR"},
	{1 << 10, "IMPRECISERR"},
	{1 << 11, "UNSTKERR"},
	{1 << 12, "STKERR"},
	{1 << 13, "LSPERR"},
	{1 << 15, "BFARVALID"},
	{1 << 16, "UNDEFINSTR"},
	{1 << 17, "INVSTATE"},
	{1 << 18, "INVPC"},
	{1 << 19, "NOCP"},
	{1 << 24, "UNALIGNED"},
	{1 << 25, "DIVBYZERO"},
}

// DescribeCFSR returns the names of the fault-status bits set in cfsr.
func DescribeCFSR(cfsr uint32) []string {
	var names []string
	for _, b := range cfsrBits {
		if cfsr&b.bit != 0 {
			names = append(names, b.name)
		}
	}
	return names
}

// SavedRegisters is the hardware-pushed exception frame, exactly the
// layout the CPU stacks on exception entry: eight little-endian words.
type SavedRegisters struct {
	R0   uint32
	R1   uint32
	R2   uint32
	R3   uint32
	R12  uint32
	LR   uint32
	PC   uint32
	XPSR uint32
}

// DebugInfo is the aggregate snapshot handed to the recovery policy: the
// register frame, the two fault-status words, and the reconstructed call
// stack. One process-wide instance is enough; only a fault writes it, and
// a fault during a fault locks the core up rather than re-entering.
type DebugInfo struct {
	Registers SavedRegisters
	CFSR      uint32
	HFSR      uint32
	Stack     CallStack
}

// FaultState carries the raw values a fault handler records before any
// ordinary call pushes a frame: the exception-return value, both banked
// stack pointers, and the frame-pointer register (r7 with the
// frame-pointer ABI in force). Producing these on-device takes a naked
// handler and an mrs per stack pointer; everything after that boundary is
// plain code in this package.
type FaultState struct {
	ExcReturn uint32
	MSP       uint32
	PSP       uint32
	FP        uint32
}

// StackPointer returns the stack pointer the interrupted context was
// using. Bit 2 of the exception-return value selects the process stack.
func (st FaultState) StackPointer() uint32 {
	if st.ExcReturn&0x4 != 0 {
		return st.PSP
	}
	return st.MSP
}

// Capture fills info with the exception frame found on the active stack
// and the fault-status words, and returns the seed of the unwind: the
// interrupted return address paired with the frame pointer at fault time.
func Capture(mem Memory, st FaultState, info *DebugInfo) Call {
	sp := st.StackPointer()
	info.Registers = SavedRegisters{
		R0:   ReadWord(mem, sp),
		R1:   ReadWord(mem, sp+4),
		R2:   ReadWord(mem, sp+8),
		R3:   ReadWord(mem, sp+12),
		R12:  ReadWord(mem, sp+16),
		LR:   ReadWord(mem, sp+20),
		PC:   ReadWord(mem, sp+24),
		XPSR: ReadWord(mem, sp+28),
	}
	// A post-mortem image may not include the system control space;
	// the status words then read as zero.
	info.CFSR, _ = readWord(mem, cfsrAddr)
	info.HFSR, _ = readWord(mem, hfsrAddr)
	info.Stack = CallStack{}
	return Call{LR: info.Registers.LR, FP: st.FP}
}

// EnableFaults turns on the separately-vectored fault exceptions and the
// usage-fault trap sources: MemManage, BusFault and UsageFault in SHCSR,
// divide-by-zero and unaligned-access trapping in CCR. Pure register
// writes, nothing to fail.
func EnableFaults(mem MemoryWriter) {
	setBits(mem, shcsrAddr, shcsrMemFaultEna|shcsrBusFaultEna|shcsrUsgFaultEna)
	setBits(mem, ccrAddr, ccrDiv0Trp|ccrUnalignTrp)
}

func setBits(mem MemoryWriter, addr, bits uint32) {
	WriteWord(mem, addr, ReadWord(mem, addr)|bits)
}
