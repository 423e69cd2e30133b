// Package native crosses between Go and host code that follows the platform C
// calling convention.
package native

import (
	"github.com/ebitengine/purego"
	"golang.org/x/xerrors"
)

// Call runs the host function at fn with integer or pointer arguments and
// returns its integer result. A fault inside fn is not recoverable.
func Call(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1
}

// Callback returns a host-callable function pointer that runs fn. fn must be
// a func whose arguments and result are integers, pointers or floats.
// Callbacks are never freed.
func Callback(fn any) (addr uintptr, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("callback %T: %v", fn, r)
		}
	}()
	return purego.NewCallback(fn), nil
}

// Bind makes the func variable fptr points at call the host function at addr.
func Bind(fptr any, addr uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("bind %T to %#x: %v", fptr, addr, r)
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return nil
}
