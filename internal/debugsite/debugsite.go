// Package debugsite implements the allocation-site capture probe used by
// handle construction (spec §4.2). Capture cost is paid only when the
// process-wide debug flag is enabled; the shape mirrors the teacher's own
// debug-gated stack capture in internal/allocator/allocator.go
// (captureStackTrace / FormatLeaks).
package debugsite

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

const maxFrames = 8

var enabled atomic.Bool

// Enable turns on allocation-site capture process-wide.
func Enable() { enabled.Store(true) }

// Disable turns off allocation-site capture process-wide.
func Disable() { enabled.Store(false) }

// Enabled reports whether capture is currently active.
func Enabled() bool { return enabled.Load() }

// Capture returns a short description of the caller's call site, skipping
// skip additional frames beyond Capture itself. It returns "" when capture
// is disabled, so callers must check Enabled() first to avoid paying the
// runtime.Callers cost on the hot path.
func Capture(skip int) string {
	if !enabled.Load() {
		return ""
	}

	var pcs [maxFrames]uintptr
	n := runtime.Callers(2+skip, pcs[:])
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := ""
	for {
		frame, more := frames.Next()
		out += fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return out
}
