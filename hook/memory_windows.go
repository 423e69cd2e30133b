package hook

import (
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/image"
)

var procFlushInstructionCache = windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushInstructionCache")

type windowsMemory struct{}

func (windowsMemory) Read(addr image.Address, n int) ([]byte, error) {
	return append([]byte(nil), makeSlice(uintptr(addr), uintptr(n))...), nil
}

func (windowsMemory) Write(addr image.Address, b []byte) error {
	a, n := uintptr(addr), uintptr(len(b))
	var old uint32
	if err := windows.VirtualProtect(a, n, windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return xerrors.Errorf("unprotect %#x: %w", a, err)
	}
	copy(makeSlice(a, n), b)
	if err := windows.VirtualProtect(a, n, old, &old); err != nil {
		return xerrors.Errorf("protect %#x: %w", a, err)
	}
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), a, n)
	if r == 0 {
		return xerrors.Errorf("flush %#x: %w", a, err)
	}
	return nil
}

func (windowsMemory) Alloc(n int) (image.Address, error) {
	a, err := windows.VirtualAlloc(0, uintptr(n), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READ)
	if err != nil {
		return 0, xerrors.Errorf("VirtualAlloc %d: %w", n, err)
	}
	return image.Address(a), nil
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func platformMemory() CodeMemory { return windowsMemory{} }
