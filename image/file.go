package image

import (
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/internal/objfile"
)

// ErrUnknownFormat means the file is not ELF, Mach-O or PE.
var ErrUnknownFormat = objfile.ErrUnknownFormat

const maxFileImage = 1 << 31

// OpenFile lays the executable at path out at its link-time virtual
// addresses in a private buffer. Nothing is executed; the result is meant for
// offline scanning.
func OpenFile(path string) (*Image, error) {
	f, err := objfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Size == 0 || f.Size > maxFileImage {
		return nil, xerrors.Errorf("%s: image size %#x: %w", path, f.Size, ErrOutOfBounds)
	}
	data := make([]byte, f.Size)
	for _, s := range f.Sections {
		if s.Addr < f.Base || s.Addr-f.Base >= f.Size {
			continue
		}
		b, err := s.Data()
		if err != nil {
			// bss and friends have nothing on disk
			continue
		}
		copy(data[s.Addr-f.Base:], b)
	}
	base := Address(f.Base)
	return fromObjFile(f, base, &Buffer{Base: base, Data: data}), nil
}

func fromObjFile(f *objfile.File, base Address, mem Memory) *Image {
	sections := make([]Section, 0, len(f.Sections))
	for _, s := range f.Sections {
		if s.Addr < f.Base {
			continue
		}
		start := RVA(s.Addr - f.Base)
		sections = append(sections, Section{
			Name:  s.Name,
			Range: Range{Start: start, End: start + RVA(s.Size)},
		})
	}
	img := New(base, uint32(f.Size), sections, mem)
	img.linkBase = f.Base
	if syms, err := f.Symbols(); err == nil {
		img.symbols = syms
	}
	return img
}
