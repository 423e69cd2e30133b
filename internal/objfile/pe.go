package objfile

import (
	"io"

	"github.com/Binject/debug/pe"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

// NewPEFromMemory reads a PE image that the loader has already mapped, with
// sections at their virtual addresses rather than their file offsets.
func NewPEFromMemory(r io.ReaderAt) (*File, error) {
	f, err := pe.NewFileFromMemory(r)
	if err != nil {
		return nil, err
	}
	return newFile(&peFile{f}), nil
}

func (f *peFile) imageBase() (uint64, uint64) {
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return oh.ImageBase, uint64(oh.SizeOfImage)
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase), uint64(oh.SizeOfImage)
	}
	return 0, 0
}

func (f *peFile) layout() (uint64, uint64, []Section) {
	base, size := f.imageBase()
	sections := make([]Section, 0, len(f.pe.Sections))
	for _, s := range f.pe.Sections {
		vsize := uint64(s.VirtualSize)
		if vsize == 0 {
			vsize = uint64(s.Size)
		}
		sections = append(sections, Section{
			Name: s.Name,
			Addr: base + uint64(s.VirtualAddress),
			Size: vsize,
			data: s.Data,
		})
	}
	return base, size, sections
}

func (f *peFile) symbols() (map[string]uint64, error) {
	if f.pe.Symbols == nil {
		return nil, nil
	}
	base, _ := f.imageBase()
	off := make(map[string]uint64, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		n := int(s.SectionNumber)
		if n <= 0 || n > len(f.pe.Sections) {
			continue
		}
		off[s.Name] = base + uint64(f.pe.Sections[n-1].VirtualAddress) + uint64(s.Value)
	}
	return off, nil
}
