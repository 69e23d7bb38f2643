// Package clock provides the monotonic clock external interface (spec §6).
// The core never calls time.Now directly so tests can control elapsed time
// deterministically, the same narrow-probe style as the teacher's
// getTimestamp helper in internal/allocator/allocator.go.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns a monotonic nanosecond timestamp.
type Clock interface {
	NowNanos() int64
}

// System is the production Clock, backed by time.Now's monotonic reading.
// Its readings count nanoseconds from package initialisation.
type System struct{}

var systemEpoch = time.Now()

func (System) NowNanos() int64 { return int64(time.Since(systemEpoch)) }

// Default is the process-wide System clock instance.
var Default Clock = System{}

// Fake is a test clock that only advances when told to. Safe for
// concurrent use.
type Fake struct {
	nanos int64
}

// NewFake creates a Fake clock starting at the given nanosecond value.
func NewFake(start int64) *Fake {
	f := &Fake{}
	atomic.StoreInt64(&f.nanos, start)
	return f
}

func (f *Fake) NowNanos() int64 { return atomic.LoadInt64(&f.nanos) }

// Advance moves the fake clock forward by d and returns the new value.
func (f *Fake) Advance(d time.Duration) int64 {
	return atomic.AddInt64(&f.nanos, int64(d))
}
