package hook

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/xerrors"

	"github.com/k2io/livehook/image"
)

// jumpLen is the size of MOV R11, imm64; JMP R11.
const jumpLen = 13

// maxPrologue bounds the bytes read from a target for analysis.
const maxPrologue = 64

// codeChunk is the smallest page size on amd64. A first read at a target
// never crosses it.
const codeChunk = 4096

// errTruncated means the instructions to relocate continue past the bytes
// given.
var errTruncated = xerrors.Errorf("code ends mid prologue: %w", ErrTooShort)

func absJump(to image.Address) []byte {
	a := uint64(to)
	return []byte{
		0x49, 0xbb, // MOV R11, addr64
		byte(a), byte(a >> 8), // .
		byte(a >> 16), byte(a >> 24), // .
		byte(a >> 32), byte(a >> 40), // .
		byte(a >> 48), byte(a >> 56), // .
		0x41, 0xff, 0xe3, // JMP R11
	}
}

func absCall(to image.Address) []byte {
	b := absJump(to)
	b[len(b)-1] = 0xd3 // CALL R11
	return b
}

// jumpTarget decodes an absJump sequence.
func jumpTarget(b []byte) (image.Address, bool) {
	if len(b) < jumpLen || b[0] != 0x49 || b[1] != 0xbb || b[10] != 0x41 || b[11] != 0xff || b[12] != 0xe3 {
		return 0, false
	}
	var a uint64
	for i := 9; i >= 2; i-- {
		a = a<<8 | uint64(b[i])
	}
	return image.Address(a), true
}

// detour is the patch written over a target: a jump to the replacement,
// padded with INT3 up to n bytes.
func detour(to image.Address, n int) []byte {
	b := absJump(to)
	for len(b) < n {
		b = append(b, 0xcc)
	}
	return b
}

var shortJcc = map[x86asm.Op]byte{
	x86asm.JO:  0x70,
	x86asm.JNO: 0x71,
	x86asm.JB:  0x72,
	x86asm.JAE: 0x73,
	x86asm.JE:  0x74,
	x86asm.JNE: 0x75,
	x86asm.JBE: 0x76,
	x86asm.JA:  0x77,
	x86asm.JS:  0x78,
	x86asm.JNS: 0x79,
	x86asm.JP:  0x7a,
	x86asm.JNP: 0x7b,
	x86asm.JL:  0x7c,
	x86asm.JGE: 0x7d,
	x86asm.JLE: 0x7e,
	x86asm.JG:  0x7f,
}

// prologue is the head of a target moved out of the way of the detour.
type prologue struct {
	// bytes of the target replaced by the detour
	n int
	// relocated instructions followed by the jump back, position independent
	code []byte
}

// relocate moves whole instructions from the start of code, which lives at
// pc, until at least jumpLen bytes are covered. Relative branches become
// absolute ones. A RET or JMP ends the function early; the bytes after it
// must then be INT3 or NOP padding.
func relocate(code []byte, pc image.Address) (*prologue, error) {
	var out []byte
	var targets []image.Address
	n := 0
	terminal := false
	for n < jumpLen {
		if n >= len(code) {
			if terminal {
				return nil, xerrors.Errorf("target %#x: %w", pc, ErrTooShort)
			}
			return nil, xerrors.Errorf("target %#x: %w", pc, errTruncated)
		}
		if terminal {
			if c := code[n]; c != 0xcc && c != 0x90 {
				return nil, xerrors.Errorf("target %#x: %d bytes before next code: %w", pc, n, ErrTooShort)
			}
			n++
			continue
		}
		inst, err := x86asm.Decode(code[n:], 64)
		if errors.Is(err, x86asm.ErrTruncated) {
			return nil, xerrors.Errorf("target %#x: %w", pc, errTruncated)
		}
		if err != nil {
			return nil, xerrors.Errorf("decode at %#x: %w", pc+image.Address(n), err)
		}
		next := pc + image.Address(n+inst.Len)
		b, target, err := rewrite(inst, code[n:n+inst.Len], next)
		if err != nil {
			return nil, xerrors.Errorf("%s at %#x: %w", inst, pc+image.Address(n), err)
		}
		if target != 0 {
			targets = append(targets, target)
		}
		out = append(out, b...)
		n += inst.Len
		terminal = inst.Op == x86asm.RET || inst.Op == x86asm.JMP
	}

	end := pc + image.Address(n)
	for _, t := range targets {
		if t >= pc && t < end {
			return nil, xerrors.Errorf("branch to %#x inside patched range: %w", t, ErrRelativeAddr)
		}
	}
	if !terminal {
		out = append(out, absJump(end)...)
	}
	return &prologue{n: n, code: out}, nil
}

// analyze reads the head of the target and relocates it. The first read
// stops at the next codeChunk boundary, so a short function at the end of a
// mapping is never read past. Only a prologue that continues across the
// boundary makes it read on.
func analyze(mem CodeMemory, target image.Address) ([]byte, *prologue, error) {
	n := codeChunk - int(uint64(target)%codeChunk)
	if n > maxPrologue {
		n = maxPrologue
	}
	for {
		code, err := mem.Read(target, n)
		if err != nil {
			return nil, nil, xerrors.Errorf("read target %#x: %w", target, err)
		}
		p, err := relocate(code, target)
		if errors.Is(err, errTruncated) && len(code) == n && n < maxPrologue {
			n = maxPrologue
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return code, p, nil
	}
}

// rewrite returns the relocated form of one instruction and, for a
// branch, its absolute target.
func rewrite(inst x86asm.Inst, raw []byte, next image.Address) ([]byte, image.Address, error) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return nil, 0, ErrRelativeAddr
		}
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return append([]byte(nil), raw...), 0, nil
	}
	target := image.Address(int64(next) + int64(rel))
	switch inst.Op {
	case x86asm.JMP:
		return absJump(target), target, nil
	case x86asm.CALL:
		return absCall(target), target, nil
	}
	if op, ok := shortJcc[inst.Op]; ok {
		// inverted Jcc over the absolute jump
		return append([]byte{op ^ 1, jumpLen}, absJump(target)...), target, nil
	}
	// JRCXZ, LOOP and friends have no inverted form
	return nil, 0, ErrRelativeAddr
}
