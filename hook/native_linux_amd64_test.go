package hook

import (
	"bytes"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/k2io/livehook/image"
	"github.com/k2io/livehook/internal/native"
)

// sumTimesThree is (a + b) * 3 in the System V calling convention.
var sumTimesThree = []byte{
	0x55,             // PUSH RBP
	0x48, 0x89, 0xe5, // MOV RBP, RSP
	0x48, 0x89, 0xf8, // MOV RAX, RDI
	0x48, 0x01, 0xf0, // ADD RAX, RSI
	0x48, 0x6b, 0xc0, 0x03, // IMUL RAX, RAX, 3
	0x5d, // POP RBP
	0xc3, // RET
}

func TestNativeHookRoundTrip(t *testing.T) {
	page, err := unix.Mmap(-1, 0, int(pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(page)
	for i := range page {
		page[i] = 0xcc
	}
	copy(page, sumTimesThree)
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		t.Fatal(err)
	}
	target := image.Address(uintptr(unsafe.Pointer(&page[0])))
	call := func() uintptr { return native.Call(uintptr(target), 2, 3) }

	if r := call(); r != 15 {
		t.Fatalf("before hooking: %d", r)
	}

	h, err := New(Default(), target, func(original func(a, b uintptr) uintptr) func(a, b uintptr) uintptr {
		return func(a, b uintptr) uintptr { return original(a, b) + 1000 }
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()
	if r := call(); r != 15 {
		t.Fatalf("initialized: %d", r)
	}

	if err := h.Enable(); err != nil {
		t.Fatal(err)
	}
	if r := call(); r != 1015 {
		t.Fatalf("enabled: %d", r)
	}
	if r := h.Original()(2, 3); r != 15 {
		t.Fatalf("original: %d", r)
	}

	if err := h.Disable(); err != nil {
		t.Fatal(err)
	}
	if r := call(); r != 15 {
		t.Fatalf("disabled: %d", r)
	}
	if !bytes.Equal(page[:len(sumTimesThree)], sumTimesThree) {
		t.Fatalf("code after disable % x", page[:len(sumTimesThree)])
	}

	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if h.State() != Uninitialized {
		t.Fatalf("state %v", h.State())
	}
}
