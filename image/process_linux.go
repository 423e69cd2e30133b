package image

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/internal/logging"
	"github.com/k2io/livehook/internal/objfile"
)

// OpenCurrentProcess returns the main executable of the running process,
// backed by live memory.
func OpenCurrentProcess() (*Image, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, xerrors.Errorf("executable: %v: %w", err, ErrNotLoaded)
	}
	r, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, xerrors.Errorf("maps: %v: %w", err, ErrNotLoaded)
	}
	maps, err := parseMappings(r)
	r.Close()
	if err != nil {
		return nil, xerrors.Errorf("maps: %v: %w", err, ErrNotLoaded)
	}
	base, ok := moduleBase(maps, exe)
	if !ok {
		return nil, xerrors.Errorf("%s not mapped: %w", exe, ErrNotLoaded)
	}
	f, err := objfile.Open(exe)
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrNotLoaded)
	}
	defer f.Close()

	img := fromObjFile(f, base, Live)
	logging.L().Debug("opened process image",
		zap.String("path", exe),
		zap.Uintptr("base", uintptr(base)),
		zap.Uint32("size", img.size),
		zap.Int("sections", len(img.sections)))
	return img, nil
}
