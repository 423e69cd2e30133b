// Package singleton finds the host's global "singleton or nil" statics.
//
// Every access to such a static in the host compiles to the same null-check
// idiom:
//
//	MOV  RCX, [static]
//	TEST RCX, RCX
//	JNZ  ok
//	LEA  RCX, [runtime class metadata]
//	CALL get_singleton_name
//
// The locator scans the executable section for that idiom, vets the three
// operands against the section layout and asks the host's get-name routine
// for the type name behind each hit. The resulting table maps type names to
// the absolute address of their static slot.
package singleton

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/image"
	"github.com/k2io/livehook/internal/logging"
	"github.com/k2io/livehook/pattern"
)

// Idiom is the null-check signature. Its captures are the static slot, the
// class metadata and the get-name routine.
const Idiom = "48 8b 0d $ { ' } 48 85 ? 75 ? 48 8d 0d $ { ' } e8 $ { ' }"

var idiom = mustCompile(Idiom)

func mustCompile(text string) *pattern.Pattern {
	p, err := pattern.Compile(text)
	if err != nil {
		panic(err)
	}
	return p
}

var (
	// ErrMissingSection is matched by a *SectionError.
	ErrMissingSection = errors.New("singleton: section not found")
	// ErrMalformedName means the get-name routine returned a null pointer or
	// a string that is not valid UTF-8. The whole table is discarded.
	ErrMalformedName = errors.New("singleton: malformed name")
)

// SectionError reports a section the image does not have.
type SectionError struct {
	Name string
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("singleton: section %s not found", e.Name)
}

func (e *SectionError) Unwrap() error { return ErrMissingSection }

// NameFunc calls the get-name routine at fn with the class metadata address
// and returns the address of the NUL-terminated name.
type NameFunc func(fn, metadata image.Address) (image.Address, error)

// Table maps singleton type names to the absolute address of their static
// slot. It is immutable once built.
type Table struct {
	entries map[string]image.Address
}

// Get returns the slot address for name.
func (t *Table) Get(name string) (image.Address, bool) {
	a, ok := t.entries[name]
	return a, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Names returns the sorted type names.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for n := range t.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildTable scans img for the null-check idiom and resolves a name for
// every plausible hit. A hit whose slot or metadata lies outside the data
// section, or whose call target lies outside the text section, is skipped.
// A bad name aborts the build: a null pointer, invalid UTF-8, or a name
// without a terminator within the WithMaxNameLen bound (4096 bytes unless
// set). When two hits resolve to the same name the later one wins.
func BuildTable(img *image.Image, getName NameFunc, opts ...Option) (*Table, error) {
	cfg := newConfig(opts)
	text, ok := img.Section(cfg.text)
	if !ok {
		return nil, &SectionError{Name: cfg.text}
	}
	data, ok := img.Section(cfg.data)
	if !ok {
		return nil, &SectionError{Name: cfg.data}
	}

	log := logging.L().Named("singleton")
	entries := make(map[string]image.Address)
	s := pattern.Scan(idiom, img, text.Range)
	for s.Next() {
		m := s.Match()
		slot, meta, fn := m.Captures[1], m.Captures[2], m.Captures[3]
		if !data.Contains(slot) || !data.Contains(meta) || !text.Contains(fn) {
			log.Debug("skipping candidate", zap.Uint32("rva", uint32(m.Base)))
			continue
		}

		name, err := resolveName(img, getName, fn, meta, cfg.maxNameLen)
		if err != nil {
			return nil, xerrors.Errorf("candidate at rva %#x: %w", m.Base, err)
		}
		addr := img.RVAToAbsolute(slot)
		if prev, dup := entries[name]; dup && prev != addr {
			log.Debug("duplicate singleton name",
				zap.String("name", name),
				zap.Uintptr("previous", uintptr(prev)),
				zap.Uintptr("slot", uintptr(addr)))
		}
		entries[name] = addr

		if ce := log.Check(zap.DebugLevel, "found singleton"); ce != nil {
			ce.Write(zap.String("name", name),
				zap.Uintptr("slot", uintptr(addr)),
				zap.Strings("code", disassemble(img, m.Base, 5)))
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &Table{entries: entries}, nil
}

func resolveName(img *image.Image, getName NameFunc, fn, meta image.RVA, limit int) (string, error) {
	p, err := getName(img.RVAToAbsolute(fn), img.RVAToAbsolute(meta))
	if err != nil {
		return "", err
	}
	if p == 0 {
		return "", xerrors.Errorf("null name: %w", ErrMalformedName)
	}
	raw, err := img.ReadCString(p, limit)
	if err != nil {
		return "", xerrors.Errorf("name at %#x (%v): %w", p, err, ErrMalformedName)
	}
	if !utf8.Valid(raw) {
		return "", xerrors.Errorf("name at %#x is not utf-8: %w", p, ErrMalformedName)
	}
	return string(raw), nil
}

// disassemble renders up to n instructions at rva for debug output.
func disassemble(img *image.Image, rva image.RVA, n int) []string {
	code, err := img.Bytes(rva, 32)
	if err != nil {
		return nil
	}
	var out []string
	pc := uint64(img.RVAToAbsolute(rva))
	for len(out) < n && len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			break
		}
		out = append(out, x86asm.IntelSyntax(inst, pc, nil))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return out
}
