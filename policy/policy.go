// Package policy composes hooks with runtime state. Each replacement asks a
// Mode whether the feature is active before deciding to forward the call,
// amend its result or override it.
package policy

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/k2io/livehook/internal/logging"
)

// Mode is the external state the replacements consult. Its methods run on
// host threads in the middle of host calls and must not block.
type Mode interface {
	// Running reports whether the feature is active.
	Running() bool
	// HandleDeath takes over the death of the character at chr.
	HandleDeath(chr uintptr)
	// TargetMap returns the map id to load for a quickmatch map enum.
	TargetMap(quickmatch uint32) uint32
	// SpawnPoint returns where the local player starts.
	SpawnPoint() Vec3
}

// Vec3 is a position in map space.
type Vec3 struct {
	X, Y, Z float32
}

// Host function types.
type (
	// DeathFunc runs when a character dies.
	DeathFunc func(chr uintptr)
	// MapFunc writes the map id for a quickmatch map enum to out and
	// returns out.
	MapFunc func(out uintptr, quickmatch uint32) uintptr
	// SpawnFunc writes the initial spawn position to pos.
	SpawnFunc func(quickmatch, pos, orientation, msbResCap, arg5 uintptr)
	// CountFunc returns how many entries of kind an MSB resource has.
	CountFunc func(msbResCap uintptr, kind uint32) uint32
)

// CountTable forces the result of a CountFunc for some kinds.
type CountTable map[uint32]uint32

var (
	// EventSuppression drops treasure, NPC invasions, sign pools and retry
	// points.
	EventSuppression = CountTable{4: 0, 12: 0, 23: 0, 24: 0}
	// PartsSuppression drops enemies and dummy enemies.
	PartsSuppression = CountTable{2: 0, 9: 0}
	// PointSuppression drops trigger shapes and invasion points.
	PointSuppression = CountTable{0: 0, 1: 0}
)

// DeathOverride hands character deaths to the mode while it runs.
func DeathOverride(mode Mode) func(DeathFunc) DeathFunc {
	return func(original DeathFunc) DeathFunc {
		return func(chr uintptr) {
			if !mode.Running() {
				original(chr)
				return
			}
			logging.L().Named("policy").Info("caught character death", zap.Uintptr("chr", chr))
			mode.HandleDeath(chr)
		}
	}
}

// MapOverride replaces the map id the host picked while the mode runs.
func MapOverride(mode Mode) func(MapFunc) MapFunc {
	return func(original MapFunc) MapFunc {
		return func(out uintptr, quickmatch uint32) uintptr {
			res := original(out, quickmatch)
			if mode.Running() && res != 0 {
				*(*uint32)(unsafe.Pointer(res)) = mode.TargetMap(quickmatch)
			}
			return res
		}
	}
}

// SpawnOverride moves the initial spawn position to the mode's spawn point
// while it runs. The original always runs first.
func SpawnOverride(mode Mode) func(SpawnFunc) SpawnFunc {
	return func(original SpawnFunc) SpawnFunc {
		return func(quickmatch, pos, orientation, msbResCap, arg5 uintptr) {
			original(quickmatch, pos, orientation, msbResCap, arg5)
			if !mode.Running() || pos == 0 {
				return
			}
			p := mode.SpawnPoint()
			logging.L().Named("policy").Info("overriding initial spawn position",
				zap.Float32("x", p.X), zap.Float32("y", p.Y), zap.Float32("z", p.Z))
			xyz := (*[3]float32)(unsafe.Pointer(pos))
			xyz[0], xyz[1], xyz[2] = p.X, p.Y, p.Z
		}
	}
}

// CountOverride answers from table while the mode runs and forwards every
// other call.
func CountOverride(mode Mode, table CountTable) func(CountFunc) CountFunc {
	return func(original CountFunc) CountFunc {
		return func(msbResCap uintptr, kind uint32) uint32 {
			if mode.Running() {
				if n, ok := table[kind]; ok {
					return n
				}
			}
			return original(msbResCap, kind)
		}
	}
}
