// Package image describes a loaded executable module: where it sits in the
// address space, which sections it has, and how to move between relative
// virtual addresses and absolute ones.
//
// Every read goes through a Memory, so the same code works against the live
// process and against fabricated images in tests.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"unsafe"

	"golang.org/x/xerrors"
)

var (
	// ErrNotLoaded means the module could not be located or mapped.
	ErrNotLoaded = errors.New("image: module not loaded")
	// ErrOutOfBounds means an access fell outside readable memory.
	ErrOutOfBounds = errors.New("image: address out of bounds")
	// ErrNoTerminator means no NUL byte was found within the length limit.
	ErrNoTerminator = errors.New("image: string not terminated")
)

// RVA is an address relative to the image base.
type RVA uint32

// Address is an absolute address in the process.
type Address uintptr

// PointerSize is the width of an Address in the host.
const PointerSize = int(unsafe.Sizeof(uintptr(0)))

// Range is a half-open RVA interval.
type Range struct {
	Start, End RVA
}

// Contains reports whether rva is in [Start, End).
func (r Range) Contains(rva RVA) bool {
	return rva >= r.Start && rva < r.End
}

// Len is the number of bytes in the range.
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Section is a named virtual address range of the image.
type Section struct {
	Name string
	Range
}

// Image is a module mapped at Base. It is read-only and safe for
// concurrent use.
type Image struct {
	base     Address
	size     uint32
	sections []Section
	mem      Memory
	symbols  map[string]uint64
	linkBase uint64
}

// New describes an image of size bytes at base. Sections are kept in the
// order given.
func New(base Address, size uint32, sections []Section, mem Memory) *Image {
	return &Image{
		base:     base,
		size:     size,
		sections: append([]Section(nil), sections...),
		mem:      mem,
	}
}

// FromBytes builds an image whose memory is data, mapped at base.
func FromBytes(base Address, data []byte, sections []Section) *Image {
	return New(base, uint32(len(data)), sections, &Buffer{Base: base, Data: data})
}

// Base returns the absolute address of RVA 0.
func (img *Image) Base() Address { return img.base }

// Size returns the number of bytes spanned by the image.
func (img *Image) Size() uint32 { return img.size }

// Memory returns the address space the image reads from.
func (img *Image) Memory() Memory { return img.mem }

// Sections returns a copy of the section table.
func (img *Image) Sections() []Section {
	return append([]Section(nil), img.sections...)
}

// Section returns the first section called name.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// RVAToAbsolute translates rva without checking it against the image.
// Callers validate section membership first.
func (img *Image) RVAToAbsolute(rva RVA) Address {
	return img.base + Address(rva)
}

// AbsoluteToRVA translates addr when it lies inside the image.
func (img *Image) AbsoluteToRVA(addr Address) (RVA, bool) {
	if addr < img.base || uint64(addr-img.base) >= uint64(img.size) {
		return 0, false
	}
	return RVA(addr - img.base), true
}

// Bytes returns a view of n bytes at rva. The view aliases image memory.
func (img *Image) Bytes(rva RVA, n int) ([]byte, error) {
	if n < 0 || uint64(rva)+uint64(n) > uint64(img.size) {
		return nil, xerrors.Errorf("rva %#x+%d: %w", rva, n, ErrOutOfBounds)
	}
	b, err := img.mem.View(img.RVAToAbsolute(rva), n)
	if err != nil {
		return nil, err
	}
	if len(b) < n {
		return nil, xerrors.Errorf("rva %#x+%d: %w", rva, n, ErrOutOfBounds)
	}
	return b, nil
}

// ReadCString copies the NUL-terminated string at addr, which need not be
// inside the image. At most limit bytes are examined.
func (img *Image) ReadCString(addr Address, limit int) ([]byte, error) {
	var out []byte
	page := Address(os.Getpagesize())
	for len(out) < limit {
		// never touch a page past the terminator
		n := int(page - addr%page)
		if rest := limit - len(out); n > rest {
			n = rest
		}
		b, err := img.mem.View(addr, n)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, xerrors.Errorf("string at %#x: %w", addr, ErrOutOfBounds)
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return append(out, b[:i]...), nil
		}
		out = append(out, b...)
		addr += Address(len(b))
	}
	return nil, ErrNoTerminator
}

// ReadAddress reads a pointer-sized little-endian value at addr.
func (img *Image) ReadAddress(addr Address) (Address, error) {
	b, err := img.mem.View(addr, PointerSize)
	if err != nil {
		return 0, err
	}
	if len(b) < PointerSize {
		return 0, xerrors.Errorf("pointer at %#x: %w", addr, ErrOutOfBounds)
	}
	if PointerSize == 4 {
		return Address(binary.LittleEndian.Uint32(b)), nil
	}
	return Address(binary.LittleEndian.Uint64(b)), nil
}

// Symbols returns the symbol table of the backing file translated to this
// image's base. Images without a symbol table return an empty map.
func (img *Image) Symbols() map[string]Address {
	out := make(map[string]Address, len(img.symbols))
	for name, va := range img.symbols {
		if va < img.linkBase {
			continue
		}
		out[name] = img.base + Address(va-img.linkBase)
	}
	return out
}
