package hook

import (
	"reflect"
	"unsafe"

	"golang.org/x/xerrors"
)

var uintptrType = reflect.TypeOf(uintptr(0))

// wordResult adapts fn to return exactly one uintptr-sized value, the only
// callback shape the windows runtime accepts. A missing result becomes 0.
// Narrower integer and bool results are widened and the host reads the low
// bits it expects.
func wordResult(fn any) (any, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, ErrInputType
	}
	t := v.Type()
	if t.IsVariadic() || t.NumOut() > 1 {
		return nil, xerrors.Errorf("callback %s: %w", t, ErrInputType)
	}
	if t.NumOut() == 1 {
		out := t.Out(0)
		if out.Size() == unsafe.Sizeof(uintptr(0)) && isWord(out.Kind()) {
			return fn, nil
		}
		if !isWord(out.Kind()) {
			return nil, xerrors.Errorf("callback %s: result %s: %w", t, out, ErrInputType)
		}
	}

	in := make([]reflect.Type, t.NumIn())
	for i := range in {
		in[i] = t.In(i)
	}
	ft := reflect.FuncOf(in, []reflect.Type{uintptrType}, false)
	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		var r uintptr
		if res := v.Call(args); len(res) == 1 {
			r = word(res[0])
		}
		return []reflect.Value{reflect.ValueOf(r)}
	}).Interface(), nil
}

func isWord(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Pointer, reflect.UnsafePointer:
		return true
	}
	return false
}

func word(v reflect.Value) uintptr {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uintptr(v.Int())
	case reflect.Pointer, reflect.UnsafePointer:
		return v.Pointer()
	}
	return uintptr(v.Uint())
}
