// Package hook redirects functions of the host process to Go replacements.
//
// Installing a hook moves the first instructions of the target into a
// trampoline that ends with a jump back into the target, so the original
// behavior stays callable. Enabling the hook overwrites those instructions
// with a jump to the replacement:
//
//	target:      MOV R11, replacement; JMP R11; INT3...
//	trampoline:  <relocated instructions>; MOV R11, target+n; JMP R11
//
// Only x86-64 code is supported.
package hook

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/image"
	"github.com/k2io/livehook/internal/logging"
)

var (
	// ErrAlreadyHooked means another hook owns part of the target code.
	ErrAlreadyHooked = errors.New("hook: target already hooked")
	// ErrInputType means the function type is not a func.
	ErrInputType = errors.New("hook: input is not a func type")
	// ErrRelativeAddr means the target starts with code that cannot be moved.
	ErrRelativeAddr = errors.New("hook: relative address in instruction")
	// ErrTooShort means the target function is shorter than the detour.
	ErrTooShort = errors.New("hook: target function too short")
	// ErrTargetModified means the target no longer holds the code seen at
	// install time.
	ErrTargetModified = errors.New("hook: target code modified")
	// ErrNotInitialized means the hook was released.
	ErrNotInitialized = errors.New("hook: not initialized")
)

// State is the lifecycle position of a Hook.
type State int

const (
	Uninitialized State = iota
	Initialized
	Enabled
	Disabled
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Hook redirects one target function to a replacement of type F. Lifecycle
// calls on the same Hook must not run concurrently.
type Hook[F any] struct {
	m      *Manager
	span   *span
	target image.Address
	// the instructions replaced by the detour
	saved []byte
	// jump to the replacement
	detour     []byte
	trampoline image.Address
	// calls the moved instructions and continues in the target
	original F
	state    State
}

// New installs a hook at target. build receives the call-through to the
// original function and returns the replacement; it runs once. The hook is
// left Initialized: the target is untouched until Enable.
func New[F any](m *Manager, target image.Address, build func(original F) F) (*Hook[F], error) {
	if reflect.TypeOf((*F)(nil)).Elem().Kind() != reflect.Func || build == nil {
		return nil, ErrInputType
	}
	log := logging.L().Named("hook")
	if m.owned(target) {
		return nil, xerrors.Errorf("target %#x: %w", target, ErrAlreadyHooked)
	}

	code, p, err := analyze(m.mem, target)
	if err != nil {
		log.Debug("cannot relocate", zap.Uintptr("target", uintptr(target)), zap.Error(err))
		return nil, err
	}
	// early reservation, build may take a while
	s, err := m.reserve(target, target+image.Address(p.n))
	if err != nil {
		return nil, xerrors.Errorf("target %#x: %w", target, err)
	}
	h, err := initialize(m, s, target, code[:p.n], p, build)
	if err != nil {
		m.drop(s)
		return nil, err
	}
	m.claim(s, h)
	log.Debug("installed",
		zap.Uintptr("target", uintptr(target)),
		zap.Int("length", p.n),
		zap.Uintptr("trampoline", uintptr(h.trampoline)))
	return h, nil
}

func initialize[F any](m *Manager, s *span, target image.Address, saved []byte, p *prologue, build func(F) F) (*Hook[F], error) {
	h := &Hook[F]{
		m:      m,
		span:   s,
		target: target,
		saved:  append([]byte(nil), saved...),
	}
	tramp, err := m.place(p.code)
	if err != nil {
		return nil, xerrors.Errorf("place trampoline: %w", err)
	}
	h.trampoline = tramp
	if err := m.binder.Bind(&h.original, tramp); err != nil {
		return nil, err
	}
	repl := build(h.original)
	if reflect.ValueOf(repl).IsNil() {
		return nil, ErrInputType
	}
	cb, err := m.binder.Callback(repl)
	if err != nil {
		return nil, err
	}
	h.detour = detour(cb, p.n)
	h.state = Initialized
	return h, nil
}

// Target returns the hooked address.
func (h *Hook[F]) Target() image.Address { return h.target }

// State returns the lifecycle state.
func (h *Hook[F]) State() State { return h.state }

// Original returns the call-through to the target's original behavior. It
// stays valid while the hook is enabled or disabled.
func (h *Hook[F]) Original() F { return h.original }

// Enable writes the detour. It is a no-op when already enabled.
func (h *Hook[F]) Enable() error {
	switch h.state {
	case Uninitialized:
		return ErrNotInitialized
	case Enabled:
		return nil
	}
	if err := h.swap(h.saved, h.detour); err != nil {
		return err
	}
	h.state = Enabled
	logging.L().Named("hook").Debug("enabled", zap.Uintptr("target", uintptr(h.target)))
	return nil
}

// Disable restores the original bytes of the target. It is a no-op unless
// the hook is enabled.
func (h *Hook[F]) Disable() error {
	switch h.state {
	case Uninitialized:
		return ErrNotInitialized
	case Initialized, Disabled:
		return nil
	}
	if err := h.swap(h.detour, h.saved); err != nil {
		return err
	}
	h.state = Disabled
	logging.L().Named("hook").Debug("disabled", zap.Uintptr("target", uintptr(h.target)))
	return nil
}

// Release disables the hook and gives up its target, so a new hook may be
// installed there. The trampoline and the callback stay allocated.
func (h *Hook[F]) Release() error {
	if h.state == Uninitialized {
		return nil
	}
	if err := h.Disable(); err != nil {
		return err
	}
	h.m.drop(h.span)
	h.state = Uninitialized
	return nil
}

// swap replaces expect with b at the target.
func (h *Hook[F]) swap(expect, b []byte) error {
	m := h.m
	m.lock.Lock()
	defer m.lock.Unlock()
	cur, err := m.mem.Read(h.target, len(expect))
	if err != nil {
		return err
	}
	if !bytes.Equal(cur, expect) {
		return xerrors.Errorf("target %#x: %w", h.target, ErrTargetModified)
	}
	return m.mem.Write(h.target, b)
}
