package hook

import (
	"errors"
	"reflect"
	"testing"
)

type (
	voidFunc  func(chr uintptr)
	countFunc func(msb uintptr, kind uint32) uint32
	mapFunc   func(out uintptr, kind uint32) uintptr
)

func TestWordResultAdaptsShapes(t *testing.T) {
	var got uintptr
	f, err := wordResult(voidFunc(func(chr uintptr) { got = chr }))
	if err != nil {
		t.Fatal(err)
	}
	void, ok := f.(func(uintptr) uintptr)
	if !ok {
		t.Fatalf("got %T", f)
	}
	if r := void(7); r != 0 || got != 7 {
		t.Fatalf("returned %d, saw %d", r, got)
	}

	f, err = wordResult(countFunc(func(msb uintptr, kind uint32) uint32 { return kind + 0xffffff00 }))
	if err != nil {
		t.Fatal(err)
	}
	count, ok := f.(func(uintptr, uint32) uintptr)
	if !ok {
		t.Fatalf("got %T", f)
	}
	if r := count(0, 0x42); r != 0xffffff42 {
		t.Fatalf("returned %#x", r)
	}

	f, err = wordResult(func(x int8) bool { return x < 0 })
	if err != nil {
		t.Fatal(err)
	}
	if r := f.(func(int8) uintptr)(-1); r != 1 {
		t.Fatalf("returned %d", r)
	}
}

func TestWordResultKeepsWordFuncs(t *testing.T) {
	in := mapFunc(func(out uintptr, kind uint32) uintptr { return out })
	f, err := wordResult(in)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.(mapFunc); !ok || reflect.ValueOf(f).Pointer() != reflect.ValueOf(in).Pointer() {
		t.Fatalf("got %T", f)
	}
}

func TestWordResultRejects(t *testing.T) {
	for desc, fn := range map[string]any{
		"not a func":  42,
		"nil func":    voidFunc(nil),
		"two results": func() (uintptr, error) { return 0, nil },
		"float":       func() float32 { return 0 },
		"string":      func() string { return "" },
		"variadic":    func(...uintptr) uintptr { return 0 },
	} {
		if _, err := wordResult(fn); !errors.Is(err, ErrInputType) {
			t.Errorf("%s: got %v", desc, err)
		}
	}
}
