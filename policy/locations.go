package policy

import (
	"errors"
	"io"
	"os"
	"sort"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/k2io/livehook/image"
)

// Names of the host functions and code sites the policy layer touches.
const (
	LocChrInsDead          = "chr_ins_dead"
	LocQuickmatchMapID     = "map_quickmatch_enum_to_map_id"
	LocInitialSpawn        = "initial_spawn_position"
	LocMsbEventDataCount   = "msb_get_event_data_count"
	LocMsbPointDataCount   = "msb_get_point_data_count"
	LocMsbPartsDataCount   = "msb_get_parts_data_count"
	LocDroppedItemCapCheck = "dropped_item_cap_check"
)

// ErrUnknownLocation means the current context has no such name, or there is
// no such context.
var ErrUnknownLocation = errors.New("policy: unknown location")

// Locations holds the RVAs of named code sites for each host build. A
// context usually names the build, e.g. its version string:
//
//	default: "1.07"
//	contexts:
//	  "1.07":
//	    chr_ins_dead: 0x3a8f10
//	    dropped_item_cap_check: 0x6c1d2b
type Locations struct {
	Default  string                       `yaml:"default"`
	Contexts map[string]map[string]uint32 `yaml:"contexts"`

	context string
}

// LoadLocations decodes a YAML location table and selects its default
// context.
func LoadLocations(r io.Reader) (*Locations, error) {
	l := &Locations{}
	if err := yaml.NewDecoder(r).Decode(l); err != nil {
		return nil, xerrors.Errorf("decode locations: %w", err)
	}
	l.context = l.Default
	if l.context == "" && len(l.Contexts) == 1 {
		for c := range l.Contexts {
			l.context = c
		}
	}
	return l, nil
}

// LoadLocationsFile reads a YAML location table from path.
func LoadLocationsFile(path string) (*Locations, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadLocations(f)
}

// SetContext selects the table used by Resolve.
func (l *Locations) SetContext(name string) error {
	if _, ok := l.Contexts[name]; !ok {
		return xerrors.Errorf("context %q: %w", name, ErrUnknownLocation)
	}
	l.context = name
	return nil
}

// Context returns the selected context.
func (l *Locations) Context() string {
	return l.context
}

// ContextNames returns the sorted context names.
func (l *Locations) ContextNames() []string {
	names := make([]string, 0, len(l.Contexts))
	for c := range l.Contexts {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the RVA of name in the selected context.
func (l *Locations) Resolve(name string) (image.RVA, error) {
	table, ok := l.Contexts[l.context]
	if !ok {
		return 0, xerrors.Errorf("context %q: %w", l.context, ErrUnknownLocation)
	}
	rva, ok := table[name]
	if !ok {
		return 0, xerrors.Errorf("%s in context %q: %w", name, l.context, ErrUnknownLocation)
	}
	return image.RVA(rva), nil
}

// Absolute resolves name against img. The RVA must lie inside the image.
func (l *Locations) Absolute(img *image.Image, name string) (image.Address, error) {
	rva, err := l.Resolve(name)
	if err != nil {
		return 0, err
	}
	if uint64(rva) >= uint64(img.Size()) {
		return 0, xerrors.Errorf("%s at rva %#x: %w", name, rva, image.ErrOutOfBounds)
	}
	return img.RVAToAbsolute(rva), nil
}
