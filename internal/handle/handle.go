// Package handle implements the Handle Core (C2): the shared RAII
// lifecycle every owned native value in this module rides on top of. The
// atomic-state/compare-and-swap close path follows the teacher's
// RefCounter in internal/runtime/gcavoidance/engine.go, and IDs follow the
// collision-resistant-identifier stance the rest of the pack takes with
// google/uuid (documents-worker, mcp-alfarrabio).
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hellblazer/gpuresource/internal/clock"
	"github.com/hellblazer/gpuresource/internal/debugsite"
	"github.com/hellblazer/gpuresource/internal/gpuerr"
)

// State is a point in the handle's lifecycle state machine.
type State int32

const (
	Allocated State = iota
	Closing
	Closed
	Leaked
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "ALLOCATED"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	case Leaked:
		return "LEAKED"
	default:
		return "UNKNOWN"
	}
}

// Cleanup releases the native value. It is invoked at most once, during
// close, after any installed one-shot callback.
type Cleanup func(native any) error

// Handle is the RAII lifecycle wrapper described by spec §4.2. The zero
// value is not usable; construct with New.
type Handle struct {
	id        string
	typeTag   string
	native    any
	state     atomic.Int32
	createdAt int64
	site      string
	clk       clock.Clock

	cleanupOnce sync.Once
	cleanup     Cleanup

	mu       sync.Mutex
	userFn   Cleanup
	closeErr error
}

// New constructs an ALLOCATED handle owning native, tagged with typeTag for
// tracker bookkeeping, and releasable via cleanup. If debug site capture is
// enabled process-wide, the caller's call site is recorded.
func New(typeTag string, native any, cleanup Cleanup, clk clock.Clock) *Handle {
	if clk == nil {
		clk = clock.Default
	}
	h := &Handle{
		id:        uuid.NewString(),
		typeTag:   typeTag,
		native:    native,
		createdAt: clk.NowNanos(),
		clk:       clk,
		cleanup:   cleanup,
	}
	h.state.Store(int32(Allocated))
	if debugsite.Enabled() {
		h.site = debugsite.Capture(1)
	}
	return h
}

// ID returns the handle's stable identifier.
func (h *Handle) ID() string { return h.id }

// TypeTag returns the resource type tag used for tracker reporting.
func (h *Handle) TypeTag() string { return h.typeTag }

// State returns the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// IsValid reports whether the handle's native value is currently usable.
func (h *Handle) IsValid() bool { return h.State() == Allocated }

// Age returns nanoseconds elapsed since construction.
func (h *Handle) Age() int64 { return h.clk.NowNanos() - h.createdAt }

// AllocationSite returns the captured call site, or "" if capture was
// disabled at construction time.
func (h *Handle) AllocationSite() string { return h.site }

// Get returns the owned native value. Fails with CodeInvalidState unless
// the handle is ALLOCATED.
func (h *Handle) Get() (any, error) {
	if h.State() != Allocated {
		return nil, gpuerr.InvalidState("handle.Get", "handle is "+h.State().String())
	}
	return h.native, nil
}

// SetCleanupCallback installs a one-shot callback invoked before the
// subtype's own cleanup, during close. Must be called before Close.
func (h *Handle) SetCleanupCallback(fn Cleanup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userFn = fn
}

// Close is idempotent and safe under arbitrary concurrent invocation: only
// the goroutine that wins the ALLOCATED→CLOSING compare-and-swap performs
// cleanup; all others block until it finishes and observe the same result.
func (h *Handle) Close() error {
	if h.state.CompareAndSwap(int32(Allocated), int32(Closing)) {
		h.runCleanup()
		return h.closeErr
	}

	switch h.State() {
	case Closing:
		// Another goroutine is closing; wait for it to finish.
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.closeErr
	default:
		// Already CLOSED or LEAKED: no-op.
		return nil
	}
}

func (h *Handle) runCleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cleanupOnce.Do(func() {
		var errs []error

		if h.userFn != nil {
			if err := h.userFn(h.native); err != nil {
				errs = append(errs, err)
			}
		}
		if h.cleanup != nil {
			if err := h.cleanup(h.native); err != nil {
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			h.state.Store(int32(Leaked))
			h.closeErr = gpuerr.CloseFailed("handle.Close", errs)
			return
		}
		h.state.Store(int32(Closed))
	})
}

// MarkLeaked transitions the handle directly to LEAKED without invoking
// cleanup. It is tracker-private: intended for shutdown audits where the
// native value must be abandoned rather than released.
func (h *Handle) MarkLeaked() {
	h.state.CompareAndSwap(int32(Allocated), int32(Leaked))
}
