package policy

import (
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/hook"
	"github.com/k2io/livehook/image"
	"github.com/k2io/livehook/internal/logging"
)

// ErrUnexpectedCode means a patch site does not hold the expected
// instruction.
var ErrUnexpectedCode = errors.New("policy: unexpected code at patch site")

const jmpRel8 = 0xeb

// RemoveDropCap turns the conditional short jump guarding the dropped item
// cap into an unconditional one. It returns the replaced byte. A site that
// already holds the unconditional jump is left alone.
func RemoveDropCap(m *hook.Manager, addr image.Address) ([]byte, error) {
	cur, err := m.Memory().Read(addr, 1)
	if err != nil {
		return nil, err
	}
	switch op := cur[0]; {
	case op == jmpRel8:
		return cur, nil
	case op < 0x70 || op > 0x7f:
		return nil, xerrors.Errorf("%#x holds %#02x, want a Jcc rel8: %w", addr, op, ErrUnexpectedCode)
	}
	return hook.PatchBytes(m, addr, []byte{jmpRel8})
}

type lifecycle interface {
	Enable() error
	Disable() error
	Release() error
}

// Installed is the set of hooks and patches placed by Install.
type Installed struct {
	m     *hook.Manager
	hooks []lifecycle
	patch struct {
		addr image.Address
		prev []byte
	}
}

// Install hooks every host function the policy overrides, enables the
// hooks and removes the dropped item cap. On failure everything placed so
// far is released again.
func Install(m *hook.Manager, img *image.Image, locs *Locations, mode Mode) (in *Installed, err error) {
	in = &Installed{m: m}
	defer func() {
		if err != nil {
			err = multierr.Append(err, in.Release())
			in = nil
		}
	}()

	if err = place(in, img, locs, LocChrInsDead, DeathOverride(mode)); err != nil {
		return
	}
	if err = place(in, img, locs, LocQuickmatchMapID, MapOverride(mode)); err != nil {
		return
	}
	if err = place(in, img, locs, LocInitialSpawn, SpawnOverride(mode)); err != nil {
		return
	}
	for _, c := range []struct {
		name  string
		table CountTable
	}{
		{LocMsbEventDataCount, EventSuppression},
		{LocMsbPartsDataCount, PartsSuppression},
		{LocMsbPointDataCount, PointSuppression},
	} {
		if err = place(in, img, locs, c.name, CountOverride(mode, c.table)); err != nil {
			return
		}
	}

	addr, err := locs.Absolute(img, LocDroppedItemCapCheck)
	if err != nil {
		return
	}
	prev, err := RemoveDropCap(m, addr)
	if err != nil {
		return
	}
	in.patch.addr, in.patch.prev = addr, prev
	logging.L().Named("policy").Info("installed", zap.Int("hooks", len(in.hooks)))
	return in, nil
}

func place[F any](in *Installed, img *image.Image, locs *Locations, name string, build func(F) F) error {
	addr, err := locs.Absolute(img, name)
	if err != nil {
		return err
	}
	h, err := hook.New(in.m, addr, build)
	if err != nil {
		return xerrors.Errorf("%s: %w", name, err)
	}
	in.hooks = append(in.hooks, h)
	if err := h.Enable(); err != nil {
		return xerrors.Errorf("%s: %w", name, err)
	}
	return nil
}

// Enable re-enables all hooks.
func (in *Installed) Enable() error {
	var err error
	for _, h := range in.hooks {
		err = multierr.Append(err, h.Enable())
	}
	return err
}

// Disable restores the original code of all hooked functions. The drop cap
// patch stays.
func (in *Installed) Disable() error {
	var err error
	for _, h := range in.hooks {
		err = multierr.Append(err, h.Disable())
	}
	return err
}

// Release undoes everything Install placed, including the drop cap patch.
func (in *Installed) Release() error {
	var err error
	for i := len(in.hooks) - 1; i >= 0; i-- {
		err = multierr.Append(err, in.hooks[i].Release())
	}
	in.hooks = nil
	if in.patch.prev != nil {
		err = multierr.Append(err, hook.Restore(in.m, in.patch.addr, in.patch.prev))
		in.patch.prev = nil
	}
	return err
}
