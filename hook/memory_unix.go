//go:build unix

package hook

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/image"
)

var pageSize = uintptr(unix.Getpagesize())

type unixMemory struct{}

func (unixMemory) Read(addr image.Address, n int) ([]byte, error) {
	return append([]byte(nil), makeSlice(uintptr(addr), uintptr(n))...), nil
}

func (unixMemory) Write(addr image.Address, b []byte) error {
	a, n := uintptr(addr), uintptr(len(b))
	if err := protectPages(a, n); err != nil {
		return xerrors.Errorf("unprotect %#x: %w", a, err)
	}
	copy(makeSlice(a, n), b)
	if err := reProtectPages(a, n); err != nil {
		return xerrors.Errorf("protect %#x: %w", a, err)
	}
	// x86 keeps instruction fetch coherent with stores
	return nil
}

func (unixMemory) Alloc(n int) (image.Address, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, xerrors.Errorf("mmap %d: %w", n, err)
	}
	return image.Address(uintptr(unsafe.Pointer(&b[0]))), nil
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func pageRange(addr, size uintptr) (start, length uintptr) {
	start = pageSize * (addr / pageSize)
	length = pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return start, length
}

func reProtectPages(addr, size uintptr) error {
	start, length := pageRange(addr, size)
	return unix.Mprotect(makeSlice(start, length), unix.PROT_EXEC|unix.PROT_READ)
}

func protectPages(addr, size uintptr) error {
	start, length := pageRange(addr, size)
	return unix.Mprotect(makeSlice(start, length), unix.PROT_EXEC|unix.PROT_READ|unix.PROT_WRITE)
}

func platformMemory() CodeMemory { return unixMemory{} }
