package image

import (
	"bytes"
	"encoding/binary"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/internal/logging"
	"github.com/k2io/livehook/internal/objfile"
)

// OpenCurrentProcess returns the module the process was started from. The
// headers are parsed where the loader mapped them.
func OpenCurrentProcess() (*Image, error) {
	var h windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &h); err != nil {
		return nil, xerrors.Errorf("GetModuleHandleEx: %v: %w", err, ErrNotLoaded)
	}
	base := Address(h)

	dos, err := Live.View(base, 0x40)
	if err != nil || dos[0] != 'M' || dos[1] != 'Z' {
		return nil, xerrors.Errorf("bad DOS header: %w", ErrNotLoaded)
	}
	lfanew := Address(binary.LittleEndian.Uint32(dos[0x3c:]))
	// signature, file header, then SizeOfImage at offset 56 of the optional header
	nt, err := Live.View(base+lfanew, 24+60)
	if err != nil || nt[0] != 'P' || nt[1] != 'E' {
		return nil, xerrors.Errorf("bad NT header: %w", ErrNotLoaded)
	}
	sizeOfImage := binary.LittleEndian.Uint32(nt[24+56:])

	mapped, err := Live.View(base, int(sizeOfImage))
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrNotLoaded)
	}
	f, err := objfile.NewPEFromMemory(bytes.NewReader(mapped))
	if err != nil {
		return nil, xerrors.Errorf("parse headers: %v: %w", err, ErrNotLoaded)
	}

	img := fromObjFile(f, base, Live)
	logging.L().Debug("opened process image",
		zap.Uintptr("base", uintptr(base)),
		zap.Uint32("size", img.size),
		zap.Int("sections", len(img.sections)))
	return img, nil
}
