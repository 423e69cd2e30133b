package policy

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unsafe"

	"github.com/k2io/livehook/hook"
	"github.com/k2io/livehook/hook/hooktest"
	"github.com/k2io/livehook/image"
)

const base = image.Address(0x140000000)

const locationsYAML = `
default: "1.07"
contexts:
  "1.07":
    chr_ins_dead: 0x1000
    map_quickmatch_enum_to_map_id: 0x1100
    initial_spawn_position: 0x1200
    msb_get_event_data_count: 0x1300
    msb_get_parts_data_count: 0x1400
    msb_get_point_data_count: 0x1500
    dropped_item_cap_check: 0x2010
  "1.08":
    chr_ins_dead: 0x1040
`

type fakeMode struct {
	running bool
	deaths  []uintptr
	spawn   Vec3
}

func (f *fakeMode) Running() bool { return f.running }

func (f *fakeMode) HandleDeath(chr uintptr) { f.deaths = append(f.deaths, chr) }

func (f *fakeMode) TargetMap(qm uint32) uint32 { return 0x3c000000 + qm }

func (f *fakeMode) SpawnPoint() Vec3 { return f.spawn }

type host struct {
	mem    *hooktest.Memory
	mc     *hooktest.Machine
	img    *image.Image
	locs   *Locations
	deaths []uintptr
}

func newHost(t *testing.T, yml string) *host {
	t.Helper()
	locs, err := LoadLocations(strings.NewReader(yml))
	if err != nil {
		t.Fatal(err)
	}
	h := &host{mem: hooktest.NewMemory(base, 0x4000), locs: locs}
	h.mc = hooktest.NewMachine(h.mem)
	h.img = h.mem.Image()

	h.mc.Define(base+0x1000, hooktest.Prologue, DeathFunc(func(chr uintptr) {
		h.deaths = append(h.deaths, chr)
	}))
	h.mc.Define(base+0x1100, hooktest.Prologue, MapFunc(func(out uintptr, qm uint32) uintptr {
		*(*uint32)(unsafe.Pointer(out)) = qm * 100
		return out
	}))
	h.mc.Define(base+0x1200, hooktest.Prologue, SpawnFunc(func(qm, pos, orientation, msb, arg5 uintptr) {
		xyz := (*[3]float32)(unsafe.Pointer(pos))
		xyz[0], xyz[1], xyz[2] = 1, 2, 3
	}))
	for _, rva := range []image.Address{0x1300, 0x1400, 0x1500} {
		h.mc.Define(base+rva, hooktest.Prologue, CountFunc(func(msb uintptr, kind uint32) uint32 {
			return 40 + kind
		}))
	}
	// JB +0x10 guarding the cap
	h.mem.Put(base+0x2010, []byte{0x72, 0x10})
	return h
}

func (h *host) count(rva image.Address, kind uint32) uint32 {
	return hooktest.Func[CountFunc](h.mc, base+rva)(0, kind)
}

func TestInstall(t *testing.T) {
	h := newHost(t, locationsYAML)
	mode := &fakeMode{spawn: Vec3{X: -10, Y: 20.5, Z: 300}}
	in, err := Install(h.mc.Manager(), h.img, h.locs, mode)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.mem.Bytes(base+0x2010, 2); !bytes.Equal(got, []byte{0xeb, 0x10}) {
		t.Fatalf("cap check % x", got)
	}

	die := hooktest.Func[DeathFunc](h.mc, base+0x1000)
	mapID := hooktest.Func[MapFunc](h.mc, base+0x1100)
	spawn := hooktest.Func[SpawnFunc](h.mc, base+0x1200)

	// inactive: everything passes through
	die(7)
	var out uint32
	mapID(uintptr(unsafe.Pointer(&out)), 3)
	var pos [4]float32
	spawn(0, uintptr(unsafe.Pointer(&pos)), 0, 0, 0)
	if len(h.deaths) != 1 || len(mode.deaths) != 0 {
		t.Fatalf("deaths host %v mode %v", h.deaths, mode.deaths)
	}
	if out != 300 || pos != [4]float32{1, 2, 3, 0} {
		t.Fatalf("out %d pos %v", out, pos)
	}
	if n := h.count(0x1300, 4); n != 44 {
		t.Fatalf("event count %d", n)
	}

	mode.running = true
	die(8)
	mapID(uintptr(unsafe.Pointer(&out)), 3)
	spawn(0, uintptr(unsafe.Pointer(&pos)), 0, 0, 0)
	if len(h.deaths) != 1 || len(mode.deaths) != 1 || mode.deaths[0] != 8 {
		t.Fatalf("deaths host %v mode %v", h.deaths, mode.deaths)
	}
	if out != 0x3c000003 {
		t.Fatalf("map id %#x", out)
	}
	if pos != [4]float32{-10, 20.5, 300, 0} {
		t.Fatalf("pos %v", pos)
	}
	for _, c := range []struct {
		rva        image.Address
		kind, want uint32
	}{
		{0x1300, 4, 0}, {0x1300, 12, 0}, {0x1300, 23, 0}, {0x1300, 24, 0}, {0x1300, 5, 45},
		{0x1400, 2, 0}, {0x1400, 9, 0}, {0x1400, 3, 43},
		{0x1500, 0, 0}, {0x1500, 1, 0}, {0x1500, 2, 42},
	} {
		if n := h.count(c.rva, c.kind); n != c.want {
			t.Errorf("count at %#x kind %d = %d, want %d", c.rva, c.kind, n, c.want)
		}
	}

	if err := in.Disable(); err != nil {
		t.Fatal(err)
	}
	if n := h.count(0x1300, 4); n != 44 {
		t.Fatalf("disabled event count %d", n)
	}
	if err := in.Enable(); err != nil {
		t.Fatal(err)
	}
	if n := h.count(0x1300, 4); n != 0 {
		t.Fatalf("re-enabled event count %d", n)
	}

	if err := in.Release(); err != nil {
		t.Fatal(err)
	}
	if got := h.mem.Bytes(base+0x2010, 2); !bytes.Equal(got, []byte{0x72, 0x10}) {
		t.Fatalf("cap check after release % x", got)
	}
	if got := h.mem.Bytes(base+0x1000, len(hooktest.Prologue)); !bytes.Equal(got, hooktest.Prologue) {
		t.Fatalf("prologue after release % x", got)
	}
}

func TestInstallRollsBack(t *testing.T) {
	yml := strings.Replace(locationsYAML, "msb_get_point_data_count", "renamed", 1)
	h := newHost(t, yml)
	m := h.mc.Manager()
	_, err := Install(m, h.img, h.locs, &fakeMode{running: true})
	if !errors.Is(err, ErrUnknownLocation) {
		t.Fatalf("got %v", err)
	}
	for _, rva := range []image.Address{0x1000, 0x1100, 0x1200, 0x1300, 0x1400} {
		if got := h.mem.Bytes(base+rva, len(hooktest.Prologue)); !bytes.Equal(got, hooktest.Prologue) {
			t.Fatalf("%#x left patched: % x", rva, got)
		}
	}
	if got := h.mem.Bytes(base+0x2010, 1); got[0] != 0x72 {
		t.Fatalf("cap check % x", got)
	}
	// targets are free again
	if _, err := hook.New(m, base+0x1000, DeathOverride(&fakeMode{})); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveDropCap(t *testing.T) {
	h := newHost(t, locationsYAML)
	m := h.mc.Manager()
	h.mem.Put(base+0x2020, []byte{0x39, 0xc8})
	if _, err := RemoveDropCap(m, base+0x2020); !errors.Is(err, ErrUnexpectedCode) {
		t.Fatalf("got %v", err)
	}

	prev, err := RemoveDropCap(m, base+0x2010)
	if err != nil || !bytes.Equal(prev, []byte{0x72}) {
		t.Fatalf("got % x, %v", prev, err)
	}
	w := h.mem.Writes()
	if _, err := RemoveDropCap(m, base+0x2010); err != nil {
		t.Fatal(err)
	}
	if h.mem.Writes() != w {
		t.Fatal("patched twice")
	}
}

func TestCountOverride(t *testing.T) {
	calls := 0
	original := func(msb uintptr, kind uint32) uint32 {
		calls++
		return 99
	}
	mode := &fakeMode{running: true}
	f := CountOverride(mode, CountTable{3: 0, 5: 7})(original)
	if f(0, 3) != 0 || f(0, 5) != 7 || calls != 0 {
		t.Fatalf("table values not used, %d calls", calls)
	}
	if f(0, 4) != 99 || calls != 1 {
		t.Fatal("unmapped kind not forwarded")
	}
	mode.running = false
	if f(0, 3) != 99 || calls != 2 {
		t.Fatal("inactive mode not forwarded")
	}
}
