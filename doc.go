/*
Package livehook instruments a running host process from the inside.

Two subsystems do the work:

  - singleton locates global object instances of the host by scanning its
    executable section for the null-check idiom that guards every access to
    a "singleton or nil" static, and asks the host's own reflection routine
    for the type name behind each hit.
  - hook redirects host functions to Go replacements. A replacement gets the
    call-through to the original as an explicit argument, so it can forward,
    amend the result or override it.

The image package describes the loaded module (sections, RVA translation)
and pattern compiles and scans the byte signatures. The policy package shows
how replacements are gated on external state.

Nothing here validates that the host build matches the hardcoded signatures
or addresses. A mismatch shows up as a missing singleton or an install error.
*/
package livehook

import (
	"go.uber.org/zap"

	"github.com/k2io/livehook/internal/logging"
)

// SetDebug turns on development logging for all livehook packages.
func SetDebug(x bool) {
	logging.SetDebug(x)
}

// SetLogger routes all livehook logging to l. Passing nil disables logging.
func SetLogger(l *zap.Logger) {
	logging.Set(l)
}
