package singleton

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/k2io/livehook/image"
	"github.com/k2io/livehook/internal/logging"
	"github.com/k2io/livehook/internal/native"
)

// ErrTableBuildFailed is matched by every error from a Locator whose table
// could not be built.
var ErrTableBuildFailed = errors.New("singleton: table build failed")

// TableError carries the cause of a failed table build.
type TableError struct {
	Err error
}

func (e *TableError) Error() string {
	return ErrTableBuildFailed.Error() + ": " + e.Err.Error()
}

func (e *TableError) Unwrap() error { return e.Err }

func (e *TableError) Is(target error) bool { return target == ErrTableBuildFailed }

// NativeNameFunc calls the get-name routine in the host using the platform
// C calling convention.
func NativeNameFunc(fn, metadata image.Address) (image.Address, error) {
	return image.Address(native.Call(uintptr(fn), uintptr(metadata))), nil
}

// Locator builds its table on first use and keeps it, or the failure, for
// the rest of the process.
type Locator struct {
	open    func() (*image.Image, error)
	getName NameFunc
	opts    []Option

	once  sync.Once
	img   *image.Image
	table *Table
	err   error
}

// New returns a Locator that opens its image with open and resolves names
// with getName. Nothing runs until the first lookup.
func New(open func() (*image.Image, error), getName NameFunc, opts ...Option) *Locator {
	return &Locator{open: open, getName: getName, opts: opts}
}

var defaultLocator = New(image.OpenCurrentProcess, NativeNameFunc)

// Default returns the Locator for the current process.
func Default() *Locator {
	return defaultLocator
}

// Table returns the table, building it if no caller has done so yet.
// Concurrent first callers wait for the same build. A failure is returned
// as a *TableError and is never retried.
func (l *Locator) Table() (*Table, error) {
	l.once.Do(l.build)
	return l.table, l.err
}

func (l *Locator) build() {
	log := logging.L().Named("singleton")
	img, err := l.open()
	if err != nil {
		l.err = &TableError{Err: err}
		log.Debug("open image failed", zap.Error(err))
		return
	}
	t, err := BuildTable(img, l.getName, l.opts...)
	if err != nil {
		l.err = &TableError{Err: err}
		log.Debug("table build failed", zap.Error(err))
		return
	}
	l.img = img
	l.table = t
	log.Debug("table built", zap.Int("entries", t.Len()))
}
