// Package resourcemanager implements the Unified Resource Manager (C7): the
// façade uniting the handle core, tracker, buffer pool, and composite
// manager behind buffer issuance, an identity-keyed buffer→handle map, and
// aggregate statistics. The owns-several-subsystems-and-aggregates-stats
// shape follows the teacher's Runtime façade in internal/allocator/runtime.go
// (AllocObject/FreeObject plus GetRuntimeStats); the fixed-lock-order
// discipline over two maps is new, required by spec §5, and has no direct
// teacher analogue beyond the general "acquire locks in a stable order"
// practice visible throughout internal/allocator.
package resourcemanager

import (
	"sync"
	"time"
	"unsafe"

	"github.com/hellblazer/gpuresource/internal/bufferpool"
	"github.com/hellblazer/gpuresource/internal/clock"
	"github.com/hellblazer/gpuresource/internal/config"
	"github.com/hellblazer/gpuresource/internal/gpuerr"
	"github.com/hellblazer/gpuresource/internal/handle"
	"github.com/hellblazer/gpuresource/internal/logging"
	"github.com/hellblazer/gpuresource/internal/metrics"
	"github.com/hellblazer/gpuresource/internal/nativealloc"
	"github.com/hellblazer/gpuresource/internal/tracker"
)

// resourceEntry is the bookkeeping record kept alongside a handle, whether
// it backs a pooled memory buffer or a foreign GPU-typed resource.
type resourceEntry struct {
	h         *handle.Handle
	sizeBytes int64
	buf       []byte // set only for memory entries; used by cleanup_unused to call back into ReleaseMemory
}

// Statistics is the aggregate snapshot get_statistics() returns.
type Statistics struct {
	ActiveCount         int
	TotalBytes          int64
	ByType              map[string]int64
	Pool                bufferpool.Stats
	TrackerActiveCount  int
	TotalLeaked         int64
}

// Manager is the C7 unified resource manager.
type Manager struct {
	cfg     config.Config
	pool    *bufferpool.Pool
	tracker *tracker.Tracker
	clk     clock.Clock
	m       *metrics.Manager

	// Fixed lock order per spec §5: handleMu is always acquired before
	// identityMu when both are needed.
	handleMu sync.Mutex
	foreign  map[string]*resourceEntry // handle ID -> foreign resource entry

	identityMu sync.Mutex
	identity   map[uintptr]*resourceEntry // buffer address -> memory resource entry

	byTypeMu sync.Mutex
	byType   map[string]int64

	holdMu      sync.Mutex
	releaseCnt  int64
	avgHoldNano int64

	closed bool
}

// New constructs a Manager over its own C4 pool and C3 tracker, configured
// per cfg.
func New(cfg config.Config, alloc nativealloc.Allocator, clk clock.Clock, poolMetrics *metrics.Pool, mgrMetrics *metrics.Manager) *Manager {
	if clk == nil {
		clk = clock.Default
	}
	return &Manager{
		cfg:  cfg,
		pool: bufferpool.New(cfg, alloc, clk, poolMetrics),
		tracker: tracker.New(
			tracker.WithMaxIdle(cfg.MaxIdle),
			tracker.WithLeakDetection(cfg.LeakDetectionEnabled),
			tracker.WithForceCloseOnShutdown(cfg.ForceCloseOnShutdown),
		),
		clk:      clk,
		m:        mgrMetrics,
		foreign:  make(map[string]*resourceEntry),
		identity: make(map[uintptr]*resourceEntry),
		byType:   make(map[string]int64),
	}
}

// Pool exposes the underlying buffer pool for direct borrow() callers per
// spec §6 ("the core exposes ... C4 for borrowing regions directly").
func (m *Manager) Pool() *bufferpool.Pool { return m.pool }

// Tracker exposes the underlying tracker for snapshot/diff callers.
func (m *Manager) Tracker() *tracker.Tracker { return m.tracker }

func addrOf(buf []byte) (uintptr, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&buf[0])), true
}

func (m *Manager) addBytes(typeTag string, delta int64) {
	m.byTypeMu.Lock()
	m.byType[typeTag] += delta
	m.byTypeMu.Unlock()
	if m.m != nil {
		m.byTypeMu.Lock()
		total := m.byType[typeTag]
		m.byTypeMu.Unlock()
		m.m.BytesByType.WithLabelValues(typeTag).Set(float64(total))
	}
}

func (m *Manager) recordHoldTime(d time.Duration) {
	m.holdMu.Lock()
	m.releaseCnt++
	m.avgHoldNano = (m.avgHoldNano*(m.releaseCnt-1) + int64(d)) / m.releaseCnt
	avg := m.avgHoldNano
	m.holdMu.Unlock()
	if m.m != nil {
		m.m.AvgHoldNanos.Set(float64(avg))
	}
}

func (m *Manager) updateActiveHandlesMetric() {
	if m.m == nil {
		return
	}
	m.m.ActiveHandles.Set(float64(m.tracker.ActiveCount()))
}

// admitOne enforces config.MaxResourceCount (spec §3's "absolute cap on
// active handles") before a new handle is registered. config.New validates
// MaxResourceCount > 0, so the cap always applies.
func (m *Manager) admitOne(op string) error {
	if m.tracker.ActiveCount() >= m.cfg.MaxResourceCount {
		return gpuerr.ResourceLimitExceeded(op, m.cfg.MaxResourceCount)
	}
	return nil
}

// AllocateMemory implements allocate_memory(size): borrows a size-classed
// region from the pool, wraps it in a handle, and records its identity.
func (m *Manager) AllocateMemory(size int) ([]byte, error) {
	if size < 0 {
		return nil, gpuerr.InvalidArgument("resourcemanager.AllocateMemory", "negative size")
	}

	m.handleMu.Lock()
	closed := m.closed
	m.handleMu.Unlock()
	if closed {
		return nil, gpuerr.InvalidState("resourcemanager.AllocateMemory", "manager is closed")
	}
	if size > 0 {
		if err := m.admitOne("resourcemanager.AllocateMemory"); err != nil {
			return nil, err
		}
	}

	region, err := m.pool.Allocate(size)
	if err != nil {
		return nil, err
	}
	if region.Bytes == nil {
		return nil, nil // size == 0: boundary case, zero-length buffer, untracked
	}

	h := handle.New("memory", region, func(native any) error {
		r := native.(nativealloc.Region)
		return m.pool.ReturnToPool(r)
	}, m.clk)
	entry := &resourceEntry{h: h, sizeBytes: int64(len(region.Bytes)), buf: region.Bytes}

	m.handleMu.Lock()
	m.identityMu.Lock()
	if stale, ok := m.identity[region.Addr]; ok {
		// Open Question O-1 from spec §9: the pool handed back a region
		// whose identity this manager still believes is owned by an older
		// handle (a lost release). Abandon the stale handle without
		// re-running its cleanup — that cleanup would hand the
		// now-live region straight back to the pool out from under the
		// new owner — and drop its accounting so totals don't
		// double-count.
		stale.h.MarkLeaked()
		m.tracker.Unregister(stale.h)
		m.addBytes(stale.h.TypeTag(), -stale.sizeBytes)
		logging.Get().Warn().
			Str("handle_id", stale.h.ID()).
			Msg("allocate_memory observed a stale identity-map entry; abandoning prior handle")
	}
	m.identity[region.Addr] = entry
	m.identityMu.Unlock()
	m.handleMu.Unlock()

	m.tracker.Register(h)
	m.addBytes(h.TypeTag(), entry.sizeBytes)
	m.updateActiveHandlesMetric()

	return region.Bytes, nil
}

// ReleaseMemory implements release_memory(buffer): looks up by identity and
// closes the owning handle. A miss (double-free or foreign buffer) is
// logged at warning level but the region is still defensively offered to
// the pool, matching spec §7's "double-free is a warning, not a failure."
func (m *Manager) ReleaseMemory(buf []byte) error {
	addr, ok := addrOf(buf)
	if !ok {
		return nil
	}

	m.handleMu.Lock()
	m.identityMu.Lock()
	entry, found := m.identity[addr]
	if found {
		delete(m.identity, addr)
	}
	m.identityMu.Unlock()
	m.handleMu.Unlock()

	if !found {
		logging.Get().Warn().
			Msg("release_memory: no tracked handle for this buffer identity (double-free or foreign buffer)")
		_ = m.pool.ReturnToPool(nativealloc.Region{Bytes: buf, Addr: addr})
		return nil
	}

	age := entry.h.Age()
	err := entry.h.Close()
	m.tracker.Unregister(entry.h)
	m.addBytes(entry.h.TypeTag(), -entry.sizeBytes)
	m.recordHoldTime(time.Duration(age))
	m.updateActiveHandlesMetric()
	return err
}

// Register implements register(handle) for foreign GPU-typed handles: h
// already carries its own type-tag; sizeBytes is the caller's self-declared
// size for per-type accounting.
func (m *Manager) Register(h *handle.Handle, sizeBytes int64) error {
	m.handleMu.Lock()
	if m.closed {
		m.handleMu.Unlock()
		return gpuerr.InvalidState("resourcemanager.Register", "manager is closed")
	}
	m.handleMu.Unlock()

	if err := m.admitOne("resourcemanager.Register"); err != nil {
		return err
	}

	m.handleMu.Lock()
	if m.closed {
		m.handleMu.Unlock()
		return gpuerr.InvalidState("resourcemanager.Register", "manager is closed")
	}
	m.foreign[h.ID()] = &resourceEntry{h: h, sizeBytes: sizeBytes}
	m.handleMu.Unlock()

	m.tracker.Register(h)
	m.addBytes(h.TypeTag(), sizeBytes)
	m.updateActiveHandlesMetric()
	return nil
}

// Unregister implements unregister(handle): a no-op if h was never
// registered (already closed, or never tracked by this manager).
func (m *Manager) Unregister(h *handle.Handle) error {
	m.handleMu.Lock()
	entry, ok := m.foreign[h.ID()]
	if ok {
		delete(m.foreign, h.ID())
	}
	m.handleMu.Unlock()
	if !ok {
		return nil
	}

	m.tracker.Unregister(h)
	m.addBytes(h.TypeTag(), -entry.sizeBytes)
	m.updateActiveHandlesMetric()
	return nil
}

// GetResourcesByType implements get_resources_by_type(tag): every
// currently tracked handle (memory or foreign) whose type-tag matches.
func (m *Manager) GetResourcesByType(tag string) []*handle.Handle {
	var out []*handle.Handle

	m.handleMu.Lock()
	for _, e := range m.foreign {
		if e.h.TypeTag() == tag {
			out = append(out, e.h)
		}
	}
	m.handleMu.Unlock()

	m.identityMu.Lock()
	for _, e := range m.identity {
		if e.h.TypeTag() == tag {
			out = append(out, e.h)
		}
	}
	m.identityMu.Unlock()

	return out
}

// GetAllocatedBytes implements get_allocated_bytes(tag).
func (m *Manager) GetAllocatedBytes(tag string) int64 {
	m.byTypeMu.Lock()
	defer m.byTypeMu.Unlock()
	return m.byType[tag]
}

// GetTotalAllocatedBytes implements get_total_allocated_bytes().
func (m *Manager) GetTotalAllocatedBytes() int64 {
	m.byTypeMu.Lock()
	defer m.byTypeMu.Unlock()
	var total int64
	for _, n := range m.byType {
		total += n
	}
	return total
}

// CleanupUnused implements cleanup_unused(max_age): closes any handle
// (memory or foreign) older than maxAge and returns the count closed.
func (m *Manager) CleanupUnused(maxAge time.Duration) int {
	type candidate struct {
		isMemory bool
		h        *handle.Handle
		buf      []byte
	}
	var candidates []candidate

	m.handleMu.Lock()
	for _, e := range m.foreign {
		if e.h.State() == handle.Allocated && time.Duration(e.h.Age()) > maxAge {
			candidates = append(candidates, candidate{h: e.h})
		}
	}
	m.handleMu.Unlock()

	m.identityMu.Lock()
	for _, e := range m.identity {
		if e.h.State() == handle.Allocated && time.Duration(e.h.Age()) > maxAge {
			candidates = append(candidates, candidate{isMemory: true, h: e.h, buf: e.buf})
		}
	}
	m.identityMu.Unlock()

	count := 0
	for _, c := range candidates {
		if c.isMemory {
			if err := m.ReleaseMemory(c.buf); err == nil {
				count++
			}
		} else {
			if err := m.Unregister(c.h); err == nil {
				_ = c.h.Close()
				count++
			}
		}
	}
	return count
}

// PerformMaintenance implements perform_maintenance(): C4 eviction followed
// by cleanup_unused(config.max-idle).
func (m *Manager) PerformMaintenance() (evicted, cleaned int) {
	evicted = m.pool.EvictExpired()
	cleaned = m.CleanupUnused(m.cfg.MaxIdle)
	return evicted, cleaned
}

// GetStatistics implements get_statistics().
func (m *Manager) GetStatistics() Statistics {
	m.byTypeMu.Lock()
	byType := make(map[string]int64, len(m.byType))
	var total int64
	for k, v := range m.byType {
		byType[k] = v
		total += v
	}
	m.byTypeMu.Unlock()

	return Statistics{
		ActiveCount:        m.tracker.ActiveCount(),
		TotalBytes:         total,
		ByType:             byType,
		Pool:               m.pool.Stats(),
		TrackerActiveCount: m.tracker.ActiveCount(),
		TotalLeaked:        m.tracker.TotalLeaked(),
	}
}

// Close implements close(): closes every outstanding handle, clears C4, and
// shuts down C3.
func (m *Manager) Close() error {
	m.handleMu.Lock()
	if m.closed {
		m.handleMu.Unlock()
		return nil
	}
	m.closed = true
	var handles []*handle.Handle
	for _, e := range m.foreign {
		handles = append(handles, e.h)
	}
	m.foreign = make(map[string]*resourceEntry)
	m.handleMu.Unlock()

	m.identityMu.Lock()
	for _, e := range m.identity {
		handles = append(handles, e.h)
	}
	m.identity = make(map[uintptr]*resourceEntry)
	m.identityMu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
		m.tracker.Unregister(h)
	}

	_ = m.pool.Close()
	m.tracker.Shutdown()

	if len(errs) > 0 {
		return gpuerr.CloseFailed("resourcemanager.Close", errs)
	}
	return nil
}
