package hook

import (
	"errors"
	"runtime"

	"github.com/k2io/livehook/image"
	"github.com/k2io/livehook/internal/native"
)

// ErrUnsupported means the process code cannot be hooked on this platform.
var ErrUnsupported = errors.New("hook: unsupported platform")

func nativeMemory() CodeMemory {
	if runtime.GOARCH != "amd64" {
		return unsupportedMemory{}
	}
	return platformMemory()
}

type unsupportedMemory struct{}

func (unsupportedMemory) Read(image.Address, int) ([]byte, error) { return nil, ErrUnsupported }

func (unsupportedMemory) Write(image.Address, []byte) error { return ErrUnsupported }

func (unsupportedMemory) Alloc(int) (image.Address, error) { return 0, ErrUnsupported }

type nativeBinder struct{}

func (nativeBinder) Callback(fn any) (image.Address, error) {
	if runtime.GOOS == "windows" {
		var err error
		if fn, err = wordResult(fn); err != nil {
			return 0, err
		}
	}
	a, err := native.Callback(fn)
	return image.Address(a), err
}

func (nativeBinder) Bind(fptr any, addr image.Address) error {
	return native.Bind(fptr, uintptr(addr))
}
