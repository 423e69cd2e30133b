// Package objfile reads the section and symbol tables of executable files.
package objfile

import (
	"errors"
	"io"
	"os"

	"golang.org/x/xerrors"
)

// ErrUnknownFormat means none of the supported readers accepted the file.
var ErrUnknownFormat = errors.New("unrecognized object file")

// Section is one loadable section at its link-time virtual address.
type Section struct {
	Name string
	Addr uint64
	Size uint64

	data func() ([]byte, error)
}

// Data returns the file contents of the section. Sections without file
// backing (bss) return a short or empty slice.
func (s Section) Data() ([]byte, error) {
	if s.data == nil {
		return nil, nil
	}
	return s.data()
}

type rawFile interface {
	layout() (base, size uint64, sections []Section)
	symbols() (map[string]uint64, error)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// File is an opened executable.
type File struct {
	// Base is the lowest link-time virtual address the file maps.
	Base uint64
	// Size spans Base to the end of the highest mapping.
	Size     uint64
	Sections []Section

	raw    rawFile
	closer io.Closer
}

// Open opens the named file and tries every supported format.
func Open(name string) (*File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	f, err := NewFile(r)
	if err != nil {
		r.Close()
		return nil, xerrors.Errorf("open %s: %w", name, err)
	}
	f.closer = r
	return f, nil
}

// NewFile reads an executable from r.
func NewFile(r io.ReaderAt) (*File, error) {
	for _, try := range objType {
		if raw, err := try(r); err == nil {
			return newFile(raw), nil
		}
	}
	return nil, ErrUnknownFormat
}

func newFile(raw rawFile) *File {
	base, size, sections := raw.layout()
	return &File{Base: base, Size: size, Sections: sections, raw: raw}
}

// Section returns the first section called name.
func (f *File) Section(name string) (Section, bool) {
	for _, s := range f.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Symbols maps symbol names to link-time virtual addresses.
func (f *File) Symbols() (map[string]uint64, error) {
	return f.raw.symbols()
}

// Close releases the underlying file, if Open created it.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
