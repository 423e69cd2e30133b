// Package pattern compiles byte signatures and scans image memory for them.
//
// A signature is a whitespace separated list of tokens:
//
//	48      exact byte, two hex digits
//	? ??    any byte
//	'       capture the current cursor
//	$       read a little-endian rel32 displacement and continue at its target
//	$ { }   evaluate the group at the displacement target, then resume
//	        right after the displacement
//
// The capture inside "$ { ' }" therefore records the absolute target RVA of a
// RIP-relative operand or call, never the raw operand bytes.
package pattern

import (
	"errors"
	"fmt"
)

// ErrSyntax is matched by every compile error.
var ErrSyntax = errors.New("pattern: syntax error")

// SyntaxError reports a malformed pattern.
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("pattern: syntax error at offset %d: %s", e.Offset, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

type opcode uint8

const (
	opByte opcode = iota
	opAny
	opSave
	opJump
	opPush
	opPop
)

type op struct {
	code opcode
	arg  byte
}

const maxDepth = 8

// Pattern is a compiled signature. It is immutable and safe for concurrent
// use by multiple scanners.
type Pattern struct {
	text  string
	ops   []op
	saves int
}

// Compile parses text into a Pattern.
func Compile(text string) (*Pattern, error) {
	p := &Pattern{text: text}
	depth := 0
	consumes := 0
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isHex(c):
			if i+1 >= len(text) || !isHex(text[i+1]) {
				return nil, &SyntaxError{i, "hex byte needs two digits"}
			}
			p.ops = append(p.ops, op{opByte, unhex(c)<<4 | unhex(text[i+1])})
			consumes++
			i += 2
		case c == '?':
			p.ops = append(p.ops, op{code: opAny})
			consumes++
			i++
			if i < len(text) && text[i] == '?' {
				i++
			}
		case c == '\'':
			p.saves++
			if p.saves > 255 {
				return nil, &SyntaxError{i, "too many captures"}
			}
			p.ops = append(p.ops, op{opSave, byte(p.saves)})
			i++
		case c == '$':
			consumes++
			i++
			j := skipSpace(text, i)
			if j < len(text) && text[j] == '{' {
				if depth++; depth > maxDepth {
					return nil, &SyntaxError{j, "groups nested too deep"}
				}
				p.ops = append(p.ops, op{code: opPush})
				i = j + 1
				break
			}
			p.ops = append(p.ops, op{code: opJump})
		case c == '{':
			return nil, &SyntaxError{i, "group must follow $"}
		case c == '}':
			if depth == 0 {
				return nil, &SyntaxError{i, "unbalanced }"}
			}
			depth--
			p.ops = append(p.ops, op{code: opPop})
			i++
		default:
			return nil, &SyntaxError{i, fmt.Sprintf("unexpected %q", c)}
		}
	}
	if depth != 0 {
		return nil, &SyntaxError{len(text), "unclosed {"}
	}
	if consumes == 0 {
		return nil, &SyntaxError{0, "pattern matches no bytes"}
	}
	return p, nil
}

// Captures is the length of Match.Captures: one per capture mark plus the
// implicit capture 0 holding the match start.
func (p *Pattern) Captures() int {
	return p.saves + 1
}

func (p *Pattern) String() string {
	return p.text
}

// firstByte is the byte every match must start with, if there is one.
func (p *Pattern) firstByte() (byte, bool) {
	for _, o := range p.ops {
		switch o.code {
		case opSave:
			continue
		case opByte:
			return o.arg, true
		}
		return 0, false
	}
	return 0, false
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}
