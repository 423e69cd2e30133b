package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/k2io/livehook/image"
)

func TestLocations(t *testing.T) {
	locs, err := LoadLocations(strings.NewReader(locationsYAML))
	if err != nil {
		t.Fatal(err)
	}
	if locs.Context() != "1.07" {
		t.Fatalf("context %q", locs.Context())
	}
	if names := locs.ContextNames(); len(names) != 2 || names[0] != "1.07" || names[1] != "1.08" {
		t.Fatalf("contexts %v", names)
	}
	rva, err := locs.Resolve(LocDroppedItemCapCheck)
	if err != nil || rva != 0x2010 {
		t.Fatalf("got %#x, %v", rva, err)
	}

	if err := locs.SetContext("1.08"); err != nil {
		t.Fatal(err)
	}
	if rva, err := locs.Resolve(LocChrInsDead); err != nil || rva != 0x1040 {
		t.Fatalf("got %#x, %v", rva, err)
	}
	if _, err := locs.Resolve(LocInitialSpawn); !errors.Is(err, ErrUnknownLocation) {
		t.Fatalf("got %v", err)
	}
	if err := locs.SetContext("2.00"); !errors.Is(err, ErrUnknownLocation) {
		t.Fatalf("got %v", err)
	}
	if locs.Context() != "1.08" {
		t.Fatalf("context changed to %q", locs.Context())
	}
}

func TestLocationsSingleContextIsDefault(t *testing.T) {
	locs, err := LoadLocations(strings.NewReader("contexts:\n  steam:\n    chr_ins_dead: 4096\n"))
	if err != nil {
		t.Fatal(err)
	}
	if rva, err := locs.Resolve(LocChrInsDead); err != nil || rva != 0x1000 {
		t.Fatalf("got %#x, %v", rva, err)
	}
}

func TestLocationsAbsolute(t *testing.T) {
	locs, err := LoadLocations(strings.NewReader(locationsYAML))
	if err != nil {
		t.Fatal(err)
	}
	img := image.FromBytes(0x140000000, make([]byte, 0x2000), nil)
	addr, err := locs.Absolute(img, LocChrInsDead)
	if err != nil || addr != 0x140001000 {
		t.Fatalf("got %#x, %v", addr, err)
	}
	if _, err := locs.Absolute(img, LocDroppedItemCapCheck); !errors.Is(err, image.ErrOutOfBounds) {
		t.Fatalf("got %v", err)
	}
}

func TestLoadLocationsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.yaml")
	if err := os.WriteFile(path, []byte(locationsYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	locs, err := LoadLocationsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs.Contexts["1.07"]) != 7 {
		t.Fatalf("got %v", locs.Contexts)
	}

	if _, err := LoadLocations(strings.NewReader("contexts: [1, 2")); err == nil {
		t.Fatal("bad yaml accepted")
	}
}
