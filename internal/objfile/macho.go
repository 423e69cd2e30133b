package objfile

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

// Mach-O sections are named "segment,section", e.g. "__TEXT,__text".
func (f *machoFile) layout() (uint64, uint64, []Section) {
	var lo, hi uint64
	first := true
	for _, l := range f.macho.Loads {
		seg, ok := l.(*macho.Segment)
		if !ok || seg.Name == "__PAGEZERO" || seg.Memsz == 0 {
			continue
		}
		if first || seg.Addr < lo {
			lo = seg.Addr
		}
		if end := seg.Addr + seg.Memsz; first || end > hi {
			hi = end
		}
		first = false
	}
	var sections []Section
	for _, s := range f.macho.Sections {
		sections = append(sections, Section{
			Name: s.Seg + "," + s.Name,
			Addr: s.Addr,
			Size: s.Size,
			data: s.Data,
		})
	}
	return lo, hi - lo, sections
}

func (f *machoFile) symbols() (map[string]uint64, error) {
	if f.macho.Symtab == nil {
		return nil, nil
	}
	off := make(map[string]uint64, len(f.macho.Symtab.Syms))
	for _, s := range f.macho.Symtab.Syms {
		if s.Value == 0 {
			continue
		}
		off[s.Name] = s.Value
	}
	return off, nil
}
