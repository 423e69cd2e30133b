// Package hooktest provides an in-memory code space and a call simulator
// for testing code built on package hook without patching the running
// process.
//
// Host functions are Go funcs placed at fake addresses together with the
// machine code of their prologue. Invoke follows the detours and
// trampolines hook writes into that code space, so a test observes exactly
// which function a host call would end up in.
package hooktest

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/xerrors"

	"github.com/k2io/livehook/hook"
	"github.com/k2io/livehook/image"
)

// Prologue is a typical relocatable function prologue:
//
//	MOV [RSP+8], RBX
//	PUSH RDI
//	SUB RSP, 0x20
//	MOV RDI, RCX
var Prologue = []byte{0x48, 0x89, 0x5c, 0x24, 0x08, 0x57, 0x48, 0x83, 0xec, 0x20, 0x48, 0x8b, 0xf9}

const (
	arenaSize    = 1 << 20
	callbackBase = image.Address(0x7ff700000000)
)

// Memory is a hook.CodeMemory over a code buffer mapped at a fixed base and
// a separate arena for Alloc.
type Memory struct {
	lock   sync.Mutex
	code   image.Buffer
	arena  image.Buffer
	used   int
	writes int
}

var _ hook.CodeMemory = (*Memory)(nil)

// NewMemory returns size bytes of INT3-filled code at base.
func NewMemory(base image.Address, size int) *Memory {
	code := bytes.Repeat([]byte{0xcc}, size)
	arenaBase := (base + image.Address(size) + 0x10ffff) &^ 0xffff
	return &Memory{
		code:  image.Buffer{Base: base, Data: code},
		arena: image.Buffer{Base: arenaBase, Data: make([]byte, arenaSize)},
	}
}

// Image describes the code buffer as an image with one .text section.
func (m *Memory) Image() *image.Image {
	text := image.Range{Start: 0, End: image.RVA(len(m.code.Data))}
	return image.New(m.code.Base, uint32(len(m.code.Data)), []image.Section{{Name: ".text", Range: text}}, &m.code)
}

func (m *Memory) viewLocked(addr image.Address, n int) ([]byte, error) {
	for _, b := range []*image.Buffer{&m.code, &m.arena} {
		if v, err := b.View(addr, n); err == nil {
			if len(v) < n {
				return nil, xerrors.Errorf("%#x+%d: %w", addr, n, image.ErrOutOfBounds)
			}
			return v, nil
		}
	}
	return nil, xerrors.Errorf("%#x: %w", addr, image.ErrOutOfBounds)
}

// Read implements hook.CodeMemory.
func (m *Memory) Read(addr image.Address, n int) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, b := range []*image.Buffer{&m.code, &m.arena} {
		// a short read at the end of a buffer is fine for prologue analysis
		if v, err := b.View(addr, n); err == nil {
			return append([]byte(nil), v...), nil
		}
	}
	return nil, xerrors.Errorf("%#x: %w", addr, image.ErrOutOfBounds)
}

// Write implements hook.CodeMemory.
func (m *Memory) Write(addr image.Address, b []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	v, err := m.viewLocked(addr, len(b))
	if err != nil {
		return err
	}
	copy(v, b)
	m.writes++
	return nil
}

// Alloc implements hook.CodeMemory.
func (m *Memory) Alloc(n int) (image.Address, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if n <= 0 || m.used+n > len(m.arena.Data) {
		return 0, xerrors.Errorf("alloc %d: %w", n, image.ErrOutOfBounds)
	}
	a := m.arena.Base + image.Address(m.used)
	m.used += n
	return a, nil
}

// Writes returns the number of successful writes.
func (m *Memory) Writes() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.writes
}

// Put copies b to addr without counting it as a write.
func (m *Memory) Put(addr image.Address, b []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	v, err := m.viewLocked(addr, len(b))
	if err != nil {
		panic(err)
	}
	copy(v, b)
}

// Bytes copies n bytes at addr. It panics outside the code space.
func (m *Memory) Bytes(addr image.Address, n int) []byte {
	b, err := m.Read(addr, n)
	if err != nil || len(b) < n {
		panic(fmt.Sprintf("hooktest: read %#x+%d: %v", addr, n, err))
	}
	return b
}

type function struct {
	addr     image.Address
	prologue []byte
	fn       reflect.Value
}

// Machine runs host functions placed in a Memory. It is also the
// hook.Binder for that memory.
type Machine struct {
	mem *Memory

	lock      sync.Mutex
	funcs     map[image.Address]*function
	callbacks map[image.Address]reflect.Value
}

var _ hook.Binder = (*Machine)(nil)

// NewMachine returns a Machine over mem.
func NewMachine(mem *Memory) *Machine {
	return &Machine{
		mem:       mem,
		funcs:     make(map[image.Address]*function),
		callbacks: make(map[image.Address]reflect.Value),
	}
}

// Manager returns a hook.Manager for the simulated process.
func (mc *Machine) Manager() *hook.Manager {
	return hook.NewManager(mc.mem, mc)
}

// Define places fn at addr and writes prologue there. prologue must only
// hold relocatable instructions and be at least 13 bytes long, like
// Prologue.
func (mc *Machine) Define(addr image.Address, prologue []byte, fn any) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic("hooktest: Define needs a func")
	}
	mc.mem.Put(addr, prologue)
	mc.lock.Lock()
	mc.funcs[addr] = &function{addr: addr, prologue: append([]byte(nil), prologue...), fn: v}
	mc.lock.Unlock()
}

// Callback implements hook.Binder.
func (mc *Machine) Callback(fn any) (image.Address, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0, xerrors.Errorf("callback of %T: %w", fn, hook.ErrInputType)
	}
	mc.lock.Lock()
	defer mc.lock.Unlock()
	a := callbackBase + image.Address(len(mc.callbacks))*16
	mc.callbacks[a] = v
	return a, nil
}

// Bind implements hook.Binder.
func (mc *Machine) Bind(fptr any, addr image.Address) error {
	p := reflect.ValueOf(fptr)
	if p.Kind() != reflect.Pointer || p.Elem().Kind() != reflect.Func {
		return xerrors.Errorf("bind %T: %w", fptr, hook.ErrInputType)
	}
	f := p.Elem()
	f.Set(reflect.MakeFunc(f.Type(), func(in []reflect.Value) []reflect.Value {
		return mc.call(addr, in)
	}))
	return nil
}

// Invoke calls the code at addr the way a host caller would and returns
// the results.
func (mc *Machine) Invoke(addr image.Address, args ...any) []any {
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}
	out := mc.call(addr, in)
	res := make([]any, len(out))
	for i, v := range out {
		res[i] = v.Interface()
	}
	return res
}

// Func binds a func variable to the code at addr, as the host would see it.
func Func[F any](mc *Machine, addr image.Address) F {
	var f F
	if err := mc.Bind(&f, addr); err != nil {
		panic(err)
	}
	return f
}

const maxHops = 16

func (mc *Machine) call(addr image.Address, in []reflect.Value) []reflect.Value {
	for hop := 0; hop < maxHops; hop++ {
		mc.lock.Lock()
		cb, isCallback := mc.callbacks[addr]
		mc.lock.Unlock()
		if isCallback {
			return cb.Call(in)
		}

		head := mc.head(addr)
		if to, ok := jumpTarget(head); ok {
			addr = to
			continue
		}
		if f := mc.entered(addr, head); f != nil {
			return f.fn.Call(in)
		}
		panic(fmt.Sprintf("hooktest: no function at %#x, code % x", addr, head))
	}
	panic(fmt.Sprintf("hooktest: jump loop at %#x", addr))
}

// head reads the bytes at addr that can decide where a call goes.
func (mc *Machine) head(addr image.Address) []byte {
	b, err := mc.mem.Read(addr, 64)
	if err != nil {
		panic(fmt.Sprintf("hooktest: call to unmapped %#x", addr))
	}
	return b
}

// entered finds the function a call to addr runs: either the function
// placed there, with its prologue intact, or a function whose leading k
// prologue bytes were copied to addr and are followed by a jump back to
// function+k.
func (mc *Machine) entered(addr image.Address, head []byte) *function {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	if f, ok := mc.funcs[addr]; ok {
		if bytes.HasPrefix(head, f.prologue) {
			return f
		}
		panic(fmt.Sprintf("hooktest: prologue of %#x overwritten: % x", addr, head))
	}
	for _, f := range mc.funcs {
		for k := 1; k <= len(f.prologue) && k+13 <= len(head); k++ {
			if !bytes.Equal(head[:k], f.prologue[:k]) {
				break
			}
			if to, ok := jumpTarget(head[k:]); ok && to == f.addr+image.Address(k) {
				return f
			}
		}
	}
	return nil
}

func jumpTarget(b []byte) (image.Address, bool) {
	if len(b) < 13 || b[0] != 0x49 || b[1] != 0xbb || b[10] != 0x41 || b[11] != 0xff || b[12] != 0xe3 {
		return 0, false
	}
	var a uint64
	for i := 9; i >= 2; i-- {
		a = a<<8 | uint64(b[i])
	}
	return image.Address(a), true
}
