//go:build !linux && !windows

package image

import "golang.org/x/xerrors"

// OpenCurrentProcess is only implemented for linux and windows hosts.
func OpenCurrentProcess() (*Image, error) {
	return nil, xerrors.Errorf("unsupported platform: %w", ErrNotLoaded)
}
