package hook

import (
	"sync"

	"github.com/k2io/livehook/image"
)

// CodeMemory reads and writes the code of the process being hooked.
type CodeMemory interface {
	// Read copies n bytes at addr.
	Read(addr image.Address, n int) ([]byte, error)
	// Write overwrites code at addr, lifting write protection for the
	// duration and making the new bytes visible to instruction fetch.
	Write(addr image.Address, b []byte) error
	// Alloc returns n bytes of executable memory. It is never freed.
	Alloc(n int) (image.Address, error)
}

// Binder moves functions across the Go and host boundary.
type Binder interface {
	// Callback returns a host-callable address that runs fn.
	Callback(fn any) (image.Address, error)
	// Bind makes the func variable fptr points at call the host code at addr.
	Bind(fptr any, addr image.Address) error
}

// span is a range of code owned by a hook. A nil owner marks a hook still
// being installed.
type span struct {
	start, end image.Address
	owner      any
}

// Manager places hooks into one code space and tracks which bytes each hook
// owns.
type Manager struct {
	mem    CodeMemory
	binder Binder

	// protects spans and arena, and serializes code writes
	lock  sync.Mutex
	spans []*span
	arena struct {
		next image.Address
		left int
	}
}

// arenaChunk is the allocation unit for trampolines.
const arenaChunk = 4096

// NewManager returns a Manager over mem that binds functions with binder.
func NewManager(mem CodeMemory, binder Binder) *Manager {
	return &Manager{mem: mem, binder: binder}
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the Manager for the code of the current process.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(nativeMemory(), nativeBinder{})
	})
	return defaultManager
}

// Memory returns the code space of m.
func (m *Manager) Memory() CodeMemory { return m.mem }

// overlapLocked returns the span sharing a byte with [start, end).
func (m *Manager) overlapLocked(start, end image.Address) *span {
	for _, s := range m.spans {
		if start < s.end && s.start < end {
			return s
		}
	}
	return nil
}

// owned reports whether a hook owns the byte at addr.
func (m *Manager) owned(addr image.Address) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.overlapLocked(addr, addr+1) != nil
}

// reserve claims [start, end) for a hook under construction.
func (m *Manager) reserve(start, end image.Address) (*span, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.overlapLocked(start, end) != nil {
		return nil, ErrAlreadyHooked
	}
	s := &span{start: start, end: end}
	m.spans = append(m.spans, s)
	return s, nil
}

func (m *Manager) drop(s *span) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, x := range m.spans {
		if x == s {
			m.spans = append(m.spans[:i], m.spans[i+1:]...)
			return
		}
	}
}

func (m *Manager) claim(s *span, owner any) {
	m.lock.Lock()
	s.owner = owner
	m.lock.Unlock()
}

// place copies code into the trampoline arena.
func (m *Manager) place(code []byte) (image.Address, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	n := (len(code) + 15) &^ 15
	if m.arena.left < n {
		size := arenaChunk
		if n > size {
			size = n
		}
		addr, err := m.mem.Alloc(size)
		if err != nil {
			return 0, err
		}
		m.arena.next, m.arena.left = addr, size
	}
	addr := m.arena.next
	if err := m.mem.Write(addr, code); err != nil {
		return 0, err
	}
	m.arena.next += image.Address(n)
	m.arena.left -= n
	return addr, nil
}
