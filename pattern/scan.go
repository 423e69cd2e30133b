package pattern

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/k2io/livehook/image"
)

// Match is one scan hit. Captures[0] is Base; the others follow the capture
// marks in declaration order. All values are RVAs of the scanned image.
type Match struct {
	Base     image.RVA
	Captures []image.RVA
}

// Scanner walks a region once, front to back. It cannot be rewound; scan
// again for a second pass.
type Scanner struct {
	p      *Pattern
	img    *image.Image
	region image.Range
	buf    []byte
	pos    int
	first  int
	caps   []image.RVA
	match  Match
	err    error
	done   bool
}

// Scan prepares a scan of region. Matches may start anywhere inside region.
// After a hit the scan resumes one byte past the start of that hit.
func Scan(p *Pattern, img *image.Image, region image.Range) *Scanner {
	s := &Scanner{
		p:      p,
		img:    img,
		region: region,
		first:  -1,
		caps:   make([]image.RVA, p.Captures()),
	}
	if b, ok := p.firstByte(); ok {
		s.first = int(b)
	}
	if region.Len() == 0 {
		s.done = true
		return s
	}
	buf, err := img.Bytes(region.Start, region.Len())
	if err != nil {
		s.err = err
		s.done = true
		return s
	}
	s.buf = buf
	return s
}

// Next advances to the next match. It returns false once the region is
// exhausted or the region could not be read; see Err.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	for s.pos < len(s.buf) {
		i := s.pos
		if s.first >= 0 {
			j := bytes.IndexByte(s.buf[i:], byte(s.first))
			if j < 0 {
				break
			}
			i += j
		}
		s.pos = i + 1
		start := s.region.Start + image.RVA(i)
		if s.exec(start) {
			s.match = Match{
				Base:     start,
				Captures: append([]image.RVA(nil), s.caps...),
			}
			return true
		}
	}
	s.done = true
	s.buf = nil
	return false
}

// Match returns the most recent match found by Next.
func (s *Scanner) Match() Match {
	return s.match
}

// Err returns the error that stopped the scan early, if any.
func (s *Scanner) Err() error {
	return s.err
}

func (s *Scanner) exec(start image.RVA) bool {
	var stack [maxDepth]image.RVA
	sp := 0
	cursor := start
	s.caps[0] = start
	for _, o := range s.p.ops {
		switch o.code {
		case opByte:
			b, ok := s.byteAt(cursor)
			if !ok || b != o.arg {
				return false
			}
			cursor++
		case opAny:
			if _, ok := s.byteAt(cursor); !ok {
				return false
			}
			cursor++
		case opSave:
			s.caps[o.arg] = cursor
		case opJump, opPush:
			disp, ok := s.int32At(cursor)
			if !ok {
				return false
			}
			next := int64(cursor) + 4
			target := next + int64(disp)
			if target < 0 || target > math.MaxUint32 {
				return false
			}
			if o.code == opPush {
				stack[sp] = image.RVA(next)
				sp++
			}
			cursor = image.RVA(target)
		case opPop:
			sp--
			cursor = stack[sp]
		}
	}
	return true
}

func (s *Scanner) byteAt(rva image.RVA) (byte, bool) {
	if s.region.Contains(rva) {
		return s.buf[rva-s.region.Start], true
	}
	b, err := s.img.Bytes(rva, 1)
	if err != nil {
		return 0, false
	}
	return b[0], true
}

func (s *Scanner) int32At(rva image.RVA) (int32, bool) {
	var b []byte
	if rva >= s.region.Start && uint64(rva)+4 <= uint64(s.region.End) {
		off := rva - s.region.Start
		b = s.buf[off : off+4]
	} else {
		var err error
		if b, err = s.img.Bytes(rva, 4); err != nil {
			return 0, false
		}
	}
	return int32(binary.LittleEndian.Uint32(b)), true
}
