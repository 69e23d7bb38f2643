package tracker

import (
	"strings"
	"testing"
	"time"

	"github.com/hellblazer/gpuresource/internal/clock"
	"github.com/hellblazer/gpuresource/internal/handle"
)

func newTestHandle(typeTag string, clk clock.Clock) *handle.Handle {
	return handle.New(typeTag, nil, func(any) error { return nil }, clk)
}

func TestTrackerRegistry(t *testing.T) {
	t.Run("RegisterUnregisterUpdatesCount", func(t *testing.T) {
		tr := New()
		h := newTestHandle("buffer", nil)
		tr.Register(h)
		if tr.ActiveCount() != 1 {
			t.Fatalf("ActiveCount = %d, want 1", tr.ActiveCount())
		}
		tr.Unregister(h)
		if tr.ActiveCount() != 0 {
			t.Fatalf("ActiveCount = %d, want 0", tr.ActiveCount())
		}
	})

	t.Run("GetFindsRegisteredHandle", func(t *testing.T) {
		tr := New()
		h := newTestHandle("buffer", nil)
		tr.Register(h)
		got, ok := tr.Get(h.ID())
		if !ok || got != h {
			t.Fatalf("Get = %v, %v", got, ok)
		}
	})

	t.Run("ActiveIDsIsSnapshot", func(t *testing.T) {
		tr := New()
		h1 := newTestHandle("buffer", nil)
		h2 := newTestHandle("buffer", nil)
		tr.Register(h1)
		tr.Register(h2)
		ids := tr.ActiveIDs()
		if len(ids) != 2 {
			t.Fatalf("len(ids) = %d, want 2", len(ids))
		}
	})
}

// TestActiveCountInvariant pins down spec §3's data-model invariant:
// active_count() = total_allocated - total_freed - total_leaked, across a
// lifecycle mixing normal unregister and a leaked-on-shutdown handle.
func TestActiveCountInvariant(t *testing.T) {
	tr := New()
	h1 := newTestHandle("buffer", nil)
	h2 := newTestHandle("buffer", nil)
	h3 := newTestHandle("buffer", nil)

	tr.Register(h1)
	tr.Register(h2)
	tr.Register(h3)
	assertInvariant(t, tr)

	if err := h1.Close(); err != nil {
		t.Fatalf("h1.Close: %v", err)
	}
	tr.Unregister(h1)
	assertInvariant(t, tr)

	if tr.TotalAllocated() != 3 {
		t.Fatalf("TotalAllocated = %d, want 3", tr.TotalAllocated())
	}
	if tr.TotalFreed() != 1 {
		t.Fatalf("TotalFreed = %d, want 1", tr.TotalFreed())
	}

	tr.Shutdown()
	assertInvariant(t, tr)
	if tr.TotalLeaked() != 2 {
		t.Fatalf("TotalLeaked = %d, want 2", tr.TotalLeaked())
	}
	if tr.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after shutdown", tr.ActiveCount())
	}
}

func assertInvariant(t *testing.T, tr *Tracker) {
	t.Helper()
	want := tr.TotalAllocated() - tr.TotalFreed() - tr.TotalLeaked()
	if int64(tr.ActiveCount()) != want {
		t.Fatalf("ActiveCount = %d, want %d (total_allocated=%d - total_freed=%d - total_leaked=%d)",
			tr.ActiveCount(), want, tr.TotalAllocated(), tr.TotalFreed(), tr.TotalLeaked())
	}
}

func TestTrackerForceCloseAll(t *testing.T) {
	tr := New()
	closed := false
	h := handle.New("buffer", nil, func(any) error { closed = true; return nil }, nil)
	tr.Register(h)

	n := tr.ForceCloseAll()
	if n != 1 {
		t.Fatalf("ForceCloseAll = %d, want 1", n)
	}
	if !closed {
		t.Fatal("handle cleanup was not invoked")
	}
}

func TestTrackerDiff(t *testing.T) {
	tr := New()
	h1 := newTestHandle("buffer", nil)
	tr.Register(h1)
	before := tr.CaptureSnapshot()

	h2 := newTestHandle("buffer", nil)
	tr.Register(h2)
	after := tr.CaptureSnapshot()

	report := Diff(before, after)
	if report.Total != 1 {
		t.Fatalf("Total = %d, want 1", report.Total)
	}
	leakedIDs := report.Leaked["buffer"]
	if len(leakedIDs) != 1 || leakedIDs[0] != h2.ID() {
		t.Fatalf("Leaked[buffer] = %v, want [%s]", leakedIDs, h2.ID())
	}
}

// TestTrackerLeakReportFormat reproduces scenario S3: capture a snapshot,
// create 3 handles, close 1, capture a second snapshot. The diff must
// report 2 net leaks, and the formatted report must contain the substring
// "Total Leaks: 2" and list both leaked IDs.
func TestTrackerLeakReportFormat(t *testing.T) {
	tr := New()
	before := tr.CaptureSnapshot()

	h1 := newTestHandle("buffer", nil)
	h2 := newTestHandle("buffer", nil)
	h3 := newTestHandle("buffer", nil)
	tr.Register(h1)
	tr.Register(h2)
	tr.Register(h3)

	if err := h1.Close(); err != nil {
		t.Fatalf("h1.Close: %v", err)
	}
	tr.Unregister(h1)

	after := tr.CaptureSnapshot()
	report := Diff(before, after)
	if report.Total != 2 {
		t.Fatalf("Total = %d, want 2", report.Total)
	}

	formatted := FormatLeakReport(report)
	if !strings.Contains(formatted, "Total Leaks: 2") {
		t.Fatalf("formatted report missing %q: %s", "Total Leaks: 2", formatted)
	}
	if !strings.Contains(formatted, h2.ID()) || !strings.Contains(formatted, h3.ID()) {
		t.Fatalf("formatted report missing leaked IDs: %s", formatted)
	}
}

// TestFormatReport reproduces the per-type, per-handle tracker report
// spec §6 describes, distinct from the before/after leak report.
func TestFormatReport(t *testing.T) {
	tr := New()
	h1 := newTestHandle("buffer", nil)
	h2 := newTestHandle("shader-program", nil)
	tr.Register(h1)
	tr.Register(h2)

	report := tr.FormatReport()
	if !strings.Contains(report, "Active: 2") {
		t.Fatalf("report missing active count: %s", report)
	}
	if !strings.Contains(report, "Total Allocated: 2") {
		t.Fatalf("report missing total allocated: %s", report)
	}
	if !strings.Contains(report, "buffer (1):") || !strings.Contains(report, "shader-program (1):") {
		t.Fatalf("report missing per-type groups: %s", report)
	}
	if !strings.Contains(report, h1.ID()) || !strings.Contains(report, h2.ID()) {
		t.Fatalf("report missing per-handle lines: %s", report)
	}
	if !strings.Contains(report, "age=") {
		t.Fatalf("report missing per-handle age: %s", report)
	}
}

func TestTrackerShutdown(t *testing.T) {
	t.Run("MarksRemainingLeaked", func(t *testing.T) {
		tr := New()
		h := newTestHandle("buffer", nil)
		tr.Register(h)

		tr.Shutdown()

		if h.State() != handle.Leaked {
			t.Fatalf("state = %v, want LEAKED", h.State())
		}
		if tr.TotalLeaked() != 1 {
			t.Fatalf("TotalLeaked = %d, want 1", tr.TotalLeaked())
		}
	})

	t.Run("IdempotentAcrossMultipleCalls", func(t *testing.T) {
		tr := New()
		h := newTestHandle("buffer", nil)
		tr.Register(h)

		tr.Shutdown()
		tr.Shutdown()

		if tr.TotalLeaked() != 1 {
			t.Fatalf("TotalLeaked = %d, want 1 after repeated shutdown", tr.TotalLeaked())
		}
	})

	t.Run("ForceCloseWhenConfigured", func(t *testing.T) {
		tr := New(WithForceCloseOnShutdown(true))
		cleaned := false
		h := handle.New("buffer", nil, func(any) error { cleaned = true; return nil }, nil)
		tr.Register(h)

		tr.Shutdown()

		if !cleaned {
			t.Fatal("expected cleanup to run under force-close-on-shutdown")
		}
	})

	t.Run("NoopWhenNoActiveHandles", func(t *testing.T) {
		tr := New()
		tr.Shutdown()
		if tr.TotalLeaked() != 0 {
			t.Fatalf("TotalLeaked = %d, want 0", tr.TotalLeaked())
		}
	})
}

func TestTrackerPeriodicScan(t *testing.T) {
	tr := New(WithMaxIdle(10*time.Millisecond), WithLeakDetection(true))
	h := newTestHandle("buffer", nil)
	tr.Register(h)

	tr.StartPeriodicScan(5 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	tr.StopPeriodicScan()

	// Periodic scan only warns; it must never close or unregister.
	if h.State() != handle.Allocated {
		t.Fatalf("state = %v, want ALLOCATED (scan must not close)", h.State())
	}
	if tr.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1 (scan must not unregister)", tr.ActiveCount())
	}
}

func TestTrackerScanDisabledWithoutLeakDetection(t *testing.T) {
	tr := New(WithMaxIdle(1 * time.Millisecond))
	tr.StartPeriodicScan(1 * time.Millisecond)
	tr.StopPeriodicScan() // must not hang even though scan never started
}
