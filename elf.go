package fdir

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotArm is returned when the image is not a 32-bit Arm ELF.
	ErrNotArm = errors.New("not a 32-bit Arm ELF image")

	// ErrNoExidx is returned when the image carries no .ARM.exidx
	// section, typically because the toolchain stripped the unwind
	// tables.
	ErrNoExidx = errors.New("image has no .ARM.exidx section")
)

// Image is a firmware image loaded at its link addresses, together with
// the bounds of its EHABI sections. The bounds are the values the linker
// publishes as __exidx_start/__exidx_end and __extab_start/__extab_end.
type Image struct {
	Mem *SparseMemory

	ExidxStart uint32
	ExidxEnd   uint32
	ExtabStart uint32
	ExtabEnd   uint32
}

// LoadImage parses an Arm ELF firmware image, maps the file contents of
// every PT_LOAD segment at its virtual address, and locates the EHABI
// sections. Memory beyond a segment's file size (such as .bss) is not
// mapped, and segments with no file bytes are skipped. .ARM.extab is
// optional: an image whose every descriptor fits inline has none.
func LoadImage(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("elf: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_ARM || f.Class != elf.ELFCLASS32 {
		return nil, ErrNotArm
	}

	img := &Image{Mem: new(SparseMemory)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		b := make([]byte, p.Filesz)
		if _, err := io.ReadFull(io.NewSectionReader(p, 0, int64(p.Filesz)), b); err != nil {
			return nil, fmt.Errorf("elf: segment at %#x: %w", p.Vaddr, err)
		}
		img.Mem.CopyAtAddress(uint32(p.Vaddr), b)
	}

	exidx := f.Section(".ARM.exidx")
	if exidx == nil {
		return nil, ErrNoExidx
	}
	img.ExidxStart = uint32(exidx.Addr)
	img.ExidxEnd = uint32(exidx.Addr + exidx.Size)

	if extab := f.Section(".ARM.extab"); extab != nil {
		img.ExtabStart = uint32(extab.Addr)
		img.ExtabEnd = uint32(extab.Addr + extab.Size)
	}
	return img, nil
}

// Table returns the exidx view over the image.
func (img *Image) Table() ExidxTable {
	return ExidxTable{Mem: img.Mem, Start: img.ExidxStart, End: img.ExidxEnd}
}
