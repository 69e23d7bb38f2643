// Package tracker implements the Resource Tracker (C3): the id→handle
// registry backing leak detection and shutdown auditing. The registry
// itself is the teacher's own lock-free map pattern (see
// internal/concurrency), generalized from internal/runtime/concurrency's
// lfmap.go; the periodic-scan/shutdown shape follows the teacher's
// Runtime.Shutdown in internal/allocator/runtime.go.
package tracker

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hellblazer/gpuresource/internal/concurrency"
	"github.com/hellblazer/gpuresource/internal/handle"
	"github.com/hellblazer/gpuresource/internal/logging"
)

// Snapshot is a point-in-time view of active handle IDs grouped by type
// tag, used as the before/after input to Diff.
type Snapshot struct {
	ByType map[string][]string
}

// LeakReport is the result of comparing two snapshots: every ID present
// after but absent before, per spec §4.3's diff contract.
type LeakReport struct {
	Before  Snapshot
	After   Snapshot
	Leaked  map[string][]string // type tag -> leaked IDs
	Total   int
}

// Tracker owns the active-handle registry and the optional periodic
// idle-age scanner.
type Tracker struct {
	handles *concurrency.Map[string, *handle.Handle]

	maxIdle          time.Duration
	leakDetection    bool
	forceCloseOnStop bool

	scanMu   sync.Mutex
	scanStop chan struct{}
	scanWG   sync.WaitGroup

	// Monotonic counters backing the §3 data-model invariant
	// active_count() = total_allocated - total_freed - total_leaked. Only
	// Register/Unregister/Shutdown's leak path ever move these; ForceCloseAll
	// is an emergency escape outside the normal accounting and does not.
	totalAllocated atomic.Int64
	totalFreed     atomic.Int64
	totalLeaked    atomic.Int64

	shutdownOnce sync.Once
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithMaxIdle sets the idle-age threshold the periodic scanner warns
// about. Zero disables the scanner regardless of WithLeakDetection.
func WithMaxIdle(d time.Duration) Option {
	return func(t *Tracker) { t.maxIdle = d }
}

// WithLeakDetection enables the periodic scanner, subject to max-idle > 0.
func WithLeakDetection(enabled bool) Option {
	return func(t *Tracker) { t.leakDetection = enabled }
}

// WithForceCloseOnShutdown makes Shutdown force-close remaining handles
// instead of only marking them LEAKED.
func WithForceCloseOnShutdown(enabled bool) Option {
	return func(t *Tracker) { t.forceCloseOnStop = enabled }
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{handles: concurrency.NewString[*handle.Handle](256)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds h to the active set and bumps total-allocated.
func (t *Tracker) Register(h *handle.Handle) {
	t.handles.Store(h.ID(), h)
	t.totalAllocated.Add(1)
}

// Unregister removes h from the active set and, if h was registered, bumps
// total-freed. This is the normal release path; handles that go missing
// via Shutdown's leak handling are counted as leaked instead, not freed.
func (t *Tracker) Unregister(h *handle.Handle) {
	if t.handles.Delete(h.ID()) {
		t.totalFreed.Add(1)
	}
}

// ActiveCount returns the number of currently tracked handles. Equal to
// TotalAllocated() - TotalFreed() - TotalLeaked() per spec §3's data-model
// invariant.
func (t *Tracker) ActiveCount() int { return t.handles.Len() }

// TotalAllocated returns the cumulative count of handles ever registered.
func (t *Tracker) TotalAllocated() int64 { return t.totalAllocated.Load() }

// TotalFreed returns the cumulative count of handles ever unregistered via
// the normal release path.
func (t *Tracker) TotalFreed() int64 { return t.totalFreed.Load() }

// ActiveIDs returns a snapshot copy of every active handle's ID.
func (t *Tracker) ActiveIDs() []string { return t.handles.Keys() }

// Get looks up a tracked handle by ID.
func (t *Tracker) Get(id string) (*handle.Handle, bool) { return t.handles.Load(id) }

// ForceCloseAll closes every currently-active handle and returns the count
// closed. Intended as an emergency escape, not part of the ordinary
// shutdown path.
func (t *Tracker) ForceCloseAll() int {
	var targets []*handle.Handle
	t.handles.Range(func(_ string, h *handle.Handle) bool {
		targets = append(targets, h)
		return true
	})

	closed := 0
	for _, h := range targets {
		if err := h.Close(); err == nil {
			closed++
		}
	}
	return closed
}

// CaptureSnapshot builds a Snapshot from the handles currently active.
func (t *Tracker) CaptureSnapshot() Snapshot {
	byType := make(map[string][]string)
	t.handles.Range(func(id string, h *handle.Handle) bool {
		byType[h.TypeTag()] = append(byType[h.TypeTag()], id)
		return true
	})
	return Snapshot{ByType: byType}
}

// Diff computes a LeakReport: for each type tag, every ID present in after
// but not in before is a leak.
func Diff(before, after Snapshot) LeakReport {
	leaked := make(map[string][]string)
	total := 0

	for typeTag, afterIDs := range after.ByType {
		beforeSet := make(map[string]struct{}, len(before.ByType[typeTag]))
		for _, id := range before.ByType[typeTag] {
			beforeSet[id] = struct{}{}
		}
		for _, id := range afterIDs {
			if _, ok := beforeSet[id]; !ok {
				leaked[typeTag] = append(leaked[typeTag], id)
				total++
			}
		}
	}

	return LeakReport{Before: before, After: after, Leaked: leaked, Total: total}
}

// StartPeriodicScan starts a background scanner that warns (without
// closing or unregistering) about any handle whose age exceeds max-idle.
// Only meaningful when max-idle > 0 and leak detection is enabled; calling
// it otherwise is a no-op.
func (t *Tracker) StartPeriodicScan(period time.Duration) {
	if t.maxIdle <= 0 || !t.leakDetection {
		return
	}

	t.scanMu.Lock()
	defer t.scanMu.Unlock()
	if t.scanStop != nil {
		return
	}

	stop := make(chan struct{})
	t.scanStop = stop
	t.scanWG.Add(1)

	go func() {
		defer t.scanWG.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.scanOnce()
			}
		}
	}()
}

func (t *Tracker) scanOnce() {
	log := logging.Get()
	t.handles.Range(func(id string, h *handle.Handle) bool {
		if h.State() == handle.Allocated && time.Duration(h.Age()) > t.maxIdle {
			log.Warn().
				Str("handle_id", id).
				Str("type_tag", h.TypeTag()).
				Dur("age", time.Duration(h.Age())).
				Msg("handle exceeds max idle age")
		}
		return true
	})
}

// StopPeriodicScan stops the scanner started by StartPeriodicScan, if any.
func (t *Tracker) StopPeriodicScan() {
	t.scanMu.Lock()
	stop := t.scanStop
	t.scanStop = nil
	t.scanMu.Unlock()

	if stop != nil {
		close(stop)
		t.scanWG.Wait()
	}
}

// TotalLeaked returns the cumulative count of handles Shutdown found still
// registered across this tracker's lifetime, whether it marked them LEAKED
// or force-closed them.
func (t *Tracker) TotalLeaked() int64 { return t.totalLeaked.Load() }

// Shutdown is idempotent: it stops the scanner, and if any handle remains
// active, marks each LEAKED (or force-closes them if configured), bumps
// total-leaked, and logs a formatted report.
func (t *Tracker) Shutdown() {
	t.shutdownOnce.Do(func() {
		t.StopPeriodicScan()

		var remaining []*handle.Handle
		t.handles.Range(func(_ string, h *handle.Handle) bool {
			remaining = append(remaining, h)
			return true
		})

		if len(remaining) == 0 {
			return
		}

		log := logging.Get()
		for _, h := range remaining {
			if t.forceCloseOnStop {
				_ = h.Close()
			} else {
				h.MarkLeaked()
			}
			t.totalLeaked.Add(1)
			t.handles.Delete(h.ID())
		}

		log.Warn().
			Int("leaked_count", len(remaining)).
			Str("report", formatLeakReport(remaining)).
			Msg("tracker shutdown with active handles outstanding")
	})
}

// FormatLeakReport renders a LeakReport as the two-section text form spec
// §7 describes: before/after counts, then per-type leaked-ID lists capped
// at 5 entries with an "and N more" tail. The exact layout is not meant to
// be machine-parsed; only the "Total Leaks: N" line and the listed IDs are
// contractual.
func FormatLeakReport(r LeakReport) string {
	const maxPerType = 5
	out := "Total Leaks: " + strconv.Itoa(r.Total) + "\n"
	out += "Before: " + strconv.Itoa(countIDs(r.Before.ByType)) + " active, After: " + strconv.Itoa(countIDs(r.After.ByType)) + "\n"

	for typeTag, ids := range r.Leaked {
		out += typeTag + ": "
		shown := ids
		more := 0
		if len(ids) > maxPerType {
			shown = ids[:maxPerType]
			more = len(ids) - maxPerType
		}
		for i, id := range shown {
			if i > 0 {
				out += ", "
			}
			out += id
		}
		if more > 0 {
			out += ", and " + strconv.Itoa(more) + " more"
		}
		out += "\n"
	}
	return out
}

// FormatReport renders the tracker's current state as the text form spec
// §6 calls "a tracker report": allocation counts, handles grouped by
// type tag, and one age line per handle. Unlike FormatLeakReport this
// reflects live state, not a before/after diff.
func (t *Tracker) FormatReport() string {
	byType := make(map[string][]*handle.Handle)
	t.handles.Range(func(_ string, h *handle.Handle) bool {
		byType[h.TypeTag()] = append(byType[h.TypeTag()], h)
		return true
	})

	out := "Active: " + strconv.Itoa(t.ActiveCount()) + "\n"
	out += "Total Allocated: " + strconv.Itoa(int(t.TotalAllocated())) + "\n"
	out += "Total Freed: " + strconv.Itoa(int(t.TotalFreed())) + "\n"
	out += "Total Leaked: " + strconv.Itoa(int(t.TotalLeaked())) + "\n"

	for typeTag, handles := range byType {
		out += typeTag + " (" + strconv.Itoa(len(handles)) + "):\n"
		for _, h := range handles {
			out += "  " + h.ID() + " age=" + time.Duration(h.Age()).String() + "\n"
		}
	}
	return out
}

func countIDs(byType map[string][]string) int {
	n := 0
	for _, ids := range byType {
		n += len(ids)
	}
	return n
}

func formatLeakReport(remaining []*handle.Handle) string {
	const maxListed = 20
	out := ""
	for i, h := range remaining {
		if i >= maxListed {
			out += "... and more"
			break
		}
		site := h.AllocationSite()
		if site == "" {
			site = "(no allocation site captured)"
		}
		out += h.TypeTag() + " " + h.ID() + " " + site + "\n"
	}
	return out
}
