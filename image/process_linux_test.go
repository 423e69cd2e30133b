package image

import (
	"bytes"
	"os"
	"reflect"
	"testing"
)

func TestOpenCurrentProcess(t *testing.T) {
	live, err := OpenCurrentProcess()
	if err != nil {
		t.Fatal(err)
	}
	text, ok := live.Section(".text")
	if !ok {
		t.Fatal("no .text")
	}

	const name = "github.com/k2io/livehook/image.OpenFile"
	addr, ok := live.Symbols()[name]
	if !ok {
		t.Skip("binary has no symbol table")
	}
	if want := Address(reflect.ValueOf(OpenFile).Pointer()); addr != want {
		t.Fatalf("%s at %#x, want %#x", name, addr, want)
	}
	rva, ok := live.AbsoluteToRVA(addr)
	if !ok || !text.Contains(rva) {
		t.Fatalf("rva %#x outside .text %+v", rva, text.Range)
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	file, err := OpenFile(exe)
	if err != nil {
		t.Fatal(err)
	}
	got, err := live.Bytes(rva, 16)
	if err != nil {
		t.Fatal(err)
	}
	want, err := file.Bytes(rva, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("live % x, file % x", got, want)
	}
}
