package singleton

import (
	"unsafe"

	"golang.org/x/xerrors"

	"github.com/k2io/livehook/image"
)

// Singleton tags a Go type describing a host object with the host's name
// for it. Implement it on the value type; the method is called on the zero
// value.
type Singleton interface {
	SingletonName() string
}

// Handle points at a live host object. It does not own the object and
// says nothing about who else reads or writes it.
type Handle[T any] struct {
	slot image.Address
	addr image.Address
}

// Slot returns the address of the static that holds the instance pointer.
func (h *Handle[T]) Slot() image.Address { return h.slot }

// Address returns the instance address read from the slot at lookup time.
func (h *Handle[T]) Address() image.Address { return h.addr }

// Pointer reinterprets the instance as a *T. The layout of T is trusted,
// not checked, and the host may mutate the object from its own threads at
// any time.
func (h *Handle[T]) Pointer() *T {
	return (*T)(unsafe.Pointer(uintptr(h.addr)))
}

// Lookup finds the live instance of T. It returns nil and no error when the
// table has no entry for T or when the host has not created the instance
// yet.
func Lookup[T Singleton](l *Locator) (*Handle[T], error) {
	var zero T
	name := zero.SingletonName()
	t, err := l.Table()
	if err != nil {
		return nil, err
	}
	slot, ok := t.Get(name)
	if !ok {
		return nil, nil
	}
	addr, err := l.img.ReadAddress(slot)
	if err != nil {
		return nil, xerrors.Errorf("singleton %s: %w", name, err)
	}
	if addr == 0 {
		return nil, nil
	}
	return &Handle[T]{slot: slot, addr: addr}, nil
}

// Get is Lookup on the Default locator.
func Get[T Singleton]() (*Handle[T], error) {
	return Lookup[T](Default())
}
