package hook

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/image"
	"github.com/k2io/livehook/internal/logging"
)

// ErrPatchOverlap means a byte patch would touch code owned by a hook.
var ErrPatchOverlap = errors.New("hook: patch overlaps a hook")

// PatchBytes overwrites code at addr with b and returns the bytes it
// replaced. Nothing restores them automatically.
func PatchBytes(m *Manager, addr image.Address, b []byte) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	end := addr + image.Address(len(b))
	if m.overlapLocked(addr, end) != nil {
		return nil, xerrors.Errorf("patch %#x+%d: %w", addr, len(b), ErrPatchOverlap)
	}
	prev, err := m.mem.Read(addr, len(b))
	if err != nil {
		return nil, err
	}
	if err := m.mem.Write(addr, b); err != nil {
		return nil, err
	}
	logging.L().Named("hook").Debug("patched",
		zap.Uintptr("addr", uintptr(addr)),
		zap.Binary("old", prev),
		zap.Binary("new", b))
	return prev, nil
}

// Restore writes back the bytes returned by PatchBytes.
func Restore(m *Manager, addr image.Address, previous []byte) error {
	_, err := PatchBytes(m, addr, previous)
	return err
}
