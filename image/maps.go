package image

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// mapping is one line of /proc/<pid>/maps.
type mapping struct {
	Start, End Address
	Perms      string
	Offset     uint64
	Path       string
}

func parseMappings(r io.Reader) ([]mapping, error) {
	var out []mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		m := mapping{
			Start:  Address(start),
			End:    Address(end),
			Perms:  fields[1],
			Offset: offset,
		}
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

// moduleBase returns the start of the offset-0 mapping of path.
func moduleBase(maps []mapping, path string) (Address, bool) {
	for _, m := range maps {
		if m.Path == path && m.Offset == 0 {
			return m.Start, true
		}
	}
	return 0, false
}
