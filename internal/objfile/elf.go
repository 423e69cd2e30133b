package objfile

import (
	"debug/elf"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) layout() (uint64, uint64, []Section) {
	var lo, hi uint64
	first := true
	for _, p := range e.elf.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := p.Vaddr
		if p.Align > 1 {
			start &^= p.Align - 1
		}
		if first || start < lo {
			lo = start
		}
		if end := p.Vaddr + p.Memsz; first || end > hi {
			hi = end
		}
		first = false
	}
	var sections []Section
	for _, s := range e.elf.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Addr == 0 {
			continue
		}
		sections = append(sections, Section{
			Name: s.Name,
			Addr: s.Addr,
			Size: s.Size,
			data: s.Data,
		})
	}
	return lo, hi - lo, sections
}

func (e *elfFile) symbols() (map[string]uint64, error) {
	elfSyms, err := e.elf.Symbols()
	if err != nil {
		return nil, err
	}
	return getElfOff(elfSyms), nil
}

func getElfOff(stab []elf.Symbol) map[string]uint64 {
	elfOff := make(map[string]uint64, len(stab))
	for _, k := range stab {
		if k.Value == 0 {
			continue
		}
		elfOff[k.Name] = k.Value
	}
	return elfOff
}
