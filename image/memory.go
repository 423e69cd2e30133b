package image

import (
	"unsafe"

	"golang.org/x/xerrors"
)

// Memory is an address space that can be viewed in place.
type Memory interface {
	// View returns up to n bytes starting at addr. A short view means the
	// readable region ends before addr+n. Reading an unmapped address is an
	// error, or a fault for the live process.
	View(addr Address, n int) ([]byte, error)
}

// Buffer is a Memory backed by a byte slice mapped at Base.
type Buffer struct {
	Base Address
	Data []byte
}

// View implements Memory.
func (b *Buffer) View(addr Address, n int) ([]byte, error) {
	if addr < b.Base || n < 0 {
		return nil, xerrors.Errorf("view %#x: %w", addr, ErrOutOfBounds)
	}
	// an empty view may sit right after the last byte
	if off := uint64(addr - b.Base); off > uint64(len(b.Data)) || off == uint64(len(b.Data)) && n > 0 {
		return nil, xerrors.Errorf("view %#x: %w", addr, ErrOutOfBounds)
	}
	off := int(addr - b.Base)
	end := off + n
	if end > len(b.Data) {
		end = len(b.Data)
	}
	return b.Data[off:end:end], nil
}

// Live is the memory of the current process. Views alias it directly, so
// callers must only ask for ranges they know are mapped.
var Live Memory = liveMemory{}

type liveMemory struct{}

func (liveMemory) View(addr Address, n int) ([]byte, error) {
	if addr == 0 || n < 0 {
		return nil, xerrors.Errorf("view %#x: %w", addr, ErrOutOfBounds)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n), nil
}
