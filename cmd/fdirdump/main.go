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

// fdirdump reconstructs the call stack of a faulted Cortex-M firmware from
// its ELF image, a RAM dump, and the register values recorded at fault
// entry, by interpreting the image's EHABI unwind tables.
package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
	flag "github.com/spf13/pflag"

	"github.com/stealthrocket/fdir"
)

type program struct {
	elfPath   string
	dumpPath  string
	dumpAddr  uint32
	excReturn uint32
	msp       uint32
	psp       uint32
	fp        uint32
	pprofPath string
}

var prog program

func init() {
	flag.StringVar(&prog.elfPath, "elf", "", "Path to the firmware ELF image.")
	flag.StringVar(&prog.dumpPath, "dump", "", "Path to a raw dump of the target RAM.")
	flag.Uint32Var(&prog.dumpAddr, "dump-addr", 0x2000_0000, "Target address the RAM dump starts at.")
	flag.Uint32Var(&prog.excReturn, "exc-return", 0xFFFF_FFF9, "LR value at fault-handler entry (EXC_RETURN).")
	flag.Uint32Var(&prog.msp, "msp", 0, "Main stack pointer at fault-handler entry.")
	flag.Uint32Var(&prog.psp, "psp", 0, "Process stack pointer at fault-handler entry.")
	flag.Uint32Var(&prog.fp, "fp", 0, "Frame-pointer register (r7) at fault-handler entry.")
	flag.StringVar(&prog.pprofPath, "pprof", "", "Write the reconstructed trace as a pprof profile to this file.")
}

func main() {
	flag.Parse()

	if err := prog.run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (prog *program) run() error {
	if prog.elfPath == "" || prog.dumpPath == "" {
		return fmt.Errorf("usage: fdirdump --elf <firmware.elf> --dump <ram.bin> [flags]")
	}

	elfData, err := mapFile(prog.elfPath)
	if err != nil {
		return err
	}
	defer elfData.Unmap()

	img, err := fdir.LoadImage(bytes.NewReader(elfData))
	if err != nil {
		return fmt.Errorf("loading firmware image: %w", err)
	}

	dump, err := mapFile(prog.dumpPath)
	if err != nil {
		return err
	}
	defer dump.Unmap()
	img.Mem.CopyAtAddress(prog.dumpAddr, dump)

	var info fdir.DebugInfo
	seed := fdir.Capture(img.Mem, fdir.FaultState{
		ExcReturn: prog.excReturn,
		MSP:       prog.msp,
		PSP:       prog.psp,
		FP:        prog.fp,
	}, &info)

	u := fdir.Unwinder{Mem: img.Mem, Table: img.Table()}
	u.Unwind(&info.Stack, seed)

	printReport(&info)

	if prog.pprofPath != "" {
		if err := fdir.WriteProfile(prog.pprofPath, fdir.Profile(&info)); err != nil {
			return fmt.Errorf("writing profile: %w", err)
		}
	}
	return nil
}

func printReport(info *fdir.DebugInfo) {
	r := info.Registers
	fmt.Printf("fault at pc=%#08x lr=%#08x xpsr=%#08x\n", r.PC, r.LR, r.XPSR)
	fmt.Printf("cfsr=%#08x", info.CFSR)
	if names := fdir.DescribeCFSR(info.CFSR); len(names) > 0 {
		fmt.Printf(" (%s)", strings.Join(names, "|"))
	}
	fmt.Printf(" hfsr=%#08x\n\n", info.HFSR)

	for i, call := range info.Stack.Frames() {
		fmt.Printf(" #%-2d lr=%#08x fp=%#08x\n", i, call.LR, call.FP)
	}
	if info.Stack.Size == fdir.CallStackMaxSize {
		fmt.Println(" ... trace truncated at depth cap")
	}
}

func mapFile(path string) (mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Memory map the file instead of reading it whole.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	return data, nil
}
