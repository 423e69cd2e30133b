// Package logging holds the process-wide logger shared by all livehook packages.
package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// EnvDebug enables development logging when set to a non-empty value other than "0".
const EnvDebug = "LIVEHOOK_DEBUG"

var logger atomic.Pointer[zap.Logger]

func init() {
	if v := os.Getenv(EnvDebug); v != "" && v != "0" {
		SetDebug(true)
		return
	}
	logger.Store(zap.NewNop())
}

// L returns the current logger. It never returns nil.
func L() *zap.Logger {
	return logger.Load()
}

// Set replaces the logger. A nil logger silences output.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// SetDebug switches between a development logger and no logging at all.
func SetDebug(x bool) {
	if !x {
		Set(nil)
		return
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		Set(nil)
		return
	}
	Set(l.Named("livehook"))
}
