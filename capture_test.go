package fdir

import (
	"encoding/binary"
	"reflect"
	"testing"
)

// scbImage maps the system control space with the given status words.
func scbImage(mem *SparseMemory, cfsr, hfsr uint32) {
	b := make([]byte, 0x40)
	binary.LittleEndian.PutUint32(b[cfsrAddr-0xE000_ED00:], cfsr)
	binary.LittleEndian.PutUint32(b[hfsrAddr-0xE000_ED00:], hfsr)
	mem.CopyAtAddress(0xE000_ED00, b)
}

func exceptionFrame(mem *SparseMemory, sp uint32, regs SavedRegisters) {
	b := make([]byte, 32)
	for i, w := range []uint32{regs.R0, regs.R1, regs.R2, regs.R3, regs.R12, regs.LR, regs.PC, regs.XPSR} {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	mem.CopyAtAddress(sp, b)
}

func TestCaptureStackSelection(t *testing.T) {
	const (
		msp = 0x2000_1000
		psp = 0x2000_2000
	)
	mainFrame := SavedRegisters{R0: 1, LR: 0x2001, PC: 0x2000, XPSR: 0x0100_0000}
	procFrame := SavedRegisters{R0: 2, LR: 0x3001, PC: 0x3000, XPSR: 0x0100_0000}

	tests := []struct {
		name      string
		excReturn uint32
		want      SavedRegisters
	}{
		{"handler mode uses MSP", 0xFFFF_FFF1, mainFrame},
		{"thread mode on MSP", 0xFFFF_FFF9, mainFrame},
		{"thread mode on PSP", 0xFFFF_FFFD, procFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := new(SparseMemory)
			exceptionFrame(mem, msp, mainFrame)
			exceptionFrame(mem, psp, procFrame)
			scbImage(mem, 1<<25, 0x4000_0000)

			var info DebugInfo
			seed := Capture(mem, FaultState{
				ExcReturn: tt.excReturn,
				MSP:       msp,
				PSP:       psp,
				FP:        0x2000_0F00,
			}, &info)

			if !reflect.DeepEqual(info.Registers, tt.want) {
				t.Errorf("registers = %+v; want %+v", info.Registers, tt.want)
			}
			if seed.LR != tt.want.LR || seed.FP != 0x2000_0F00 {
				t.Errorf("seed = %+v; want {LR:%#x FP:0x20000f00}", seed, tt.want.LR)
			}
			if info.CFSR != 1<<25 || info.HFSR != 0x4000_0000 {
				t.Errorf("cfsr=%#x hfsr=%#x; want status words from the image", info.CFSR, info.HFSR)
			}
			if info.Stack.Size != 0 {
				t.Errorf("stack size = %d; want cleared", info.Stack.Size)
			}
		})
	}
}

func TestCaptureWithoutControlSpace(t *testing.T) {
	mem := new(SparseMemory)
	exceptionFrame(mem, 0x2000_1000, SavedRegisters{LR: 0x2001})

	var info DebugInfo
	Capture(mem, FaultState{ExcReturn: 0xFFFF_FFF9, MSP: 0x2000_1000}, &info)
	if info.CFSR != 0 || info.HFSR != 0 {
		t.Errorf("cfsr=%#x hfsr=%#x; want zero when the image has no control space", info.CFSR, info.HFSR)
	}
}

func TestEnableFaults(t *testing.T) {
	mem := NewRAM(0xE000_ED00, 0x40)
	// Bits already set elsewhere in the registers must survive.
	WriteWord(mem, shcsrAddr, 1<<0)
	WriteWord(mem, ccrAddr, 1<<9)

	EnableFaults(mem)

	if got := ReadWord(mem, shcsrAddr); got != 1<<0|shcsrMemFaultEna|shcsrBusFaultEna|shcsrUsgFaultEna {
		t.Errorf("SHCSR = %#x; want fault enables set and old bits preserved", got)
	}
	if got := ReadWord(mem, ccrAddr); got != 1<<9|ccrDiv0Trp|ccrUnalignTrp {
		t.Errorf("CCR = %#x; want trap bits set and old bits preserved", got)
	}
}

func TestDescribeCFSR(t *testing.T) {
	names := DescribeCFSR(1<<25 | 1<<1)
	if len(names) != 2 || names[0] != "DACCVIOL" || names[1] != "DIVBYZERO" {
		t.Errorf("DescribeCFSR = %v; want [DACCVIOL DIVBYZERO]", names)
	}
	if names := DescribeCFSR(0); names != nil {
		t.Errorf("DescribeCFSR(0) = %v; want none", names)
	}
}
