// Package bufferpool implements the Size-Classed Buffer Pool (C4): a
// map-of-buckets-by-size-class pool with RAII borrow/return, TTL and
// capacity-driven eviction, and hit/miss/eviction telemetry. The
// map-keyed-by-size, mutex-per-bucket shape follows the teacher's
// PoolAllocatorImpl in internal/allocator/pool.go; growth/shrink and
// average-hold-time bookkeeping follow the running-average formula in
// documents-worker's pkg/memory-pool.go Buffer.Release.
package bufferpool

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hellblazer/gpuresource/internal/clock"
	"github.com/hellblazer/gpuresource/internal/config"
	"github.com/hellblazer/gpuresource/internal/concurrency"
	"github.com/hellblazer/gpuresource/internal/gpuerr"
	"github.com/hellblazer/gpuresource/internal/metrics"
	"github.com/hellblazer/gpuresource/internal/nativealloc"
)

// Category buckets size classes for TTL scaling, per spec §3.
type Category int

const (
	Small Category = iota
	Medium
	XLarge
	Batch
)

const (
	kib = 1024
	mib = 1024 * kib
)

// CategoryFor classifies a size into its TTL category.
func CategoryFor(size int64) Category {
	switch {
	case size <= 64*kib:
		return Small
	case size <= 10*mib:
		return Medium
	case size <= 100*mib:
		return XLarge
	default:
		return Batch
	}
}

// RoundUpPowerOfTwo computes the bucket key 2^ceil(log2(max(size,1))).
func RoundUpPowerOfTwo(size int) int64 {
	if size < 1 {
		size = 1
	}
	p := int64(1)
	for p < int64(size) {
		p <<= 1
	}
	return p
}

func zeroFill(b []byte) {
	// clear() lowers to a word-sized memclr with a byte tail; this is the
	// zero-fill-on-every-handout guarantee, paid even on fresh allocations
	// since the native allocator does not promise zeroed memory.
	clear(b)
}

type entry struct {
	region     nativealloc.Region
	sizeClass  int64
	lastUsed   int64
	insertedAt int64
	useCount   int64
	acquiredAt int64 // nanos at borrow/allocate time, for hold-time telemetry
}

type bucket struct {
	mu        sync.Mutex
	sizeClass int64
	idle      []*entry
	keepWarm  bool
}

// Stats is a point-in-time snapshot of pool telemetry.
type Stats struct {
	Buckets      map[int64]int
	IdleBytes    int64
	Allocations  int64
	Hits         int64
	Misses       int64
	Evictions    int64
	Borrowed     int64
	HitRate      float64
	GrowthCount  int64
	ShrinkCount  int64
	AvgHoldTime  time.Duration
}

// Pool is the C4 size-classed buffer pool.
type Pool struct {
	cfg   config.Config
	alloc nativealloc.Allocator
	clk   clock.Clock
	m     *metrics.Pool

	bucketsMu sync.RWMutex
	buckets   map[int64]*bucket

	identity *concurrency.Map[uintptr, *entry]

	idleBytes   atomic.Int64
	allocations atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	borrowed    atomic.Int64
	growths     atomic.Int64
	shrinks     atomic.Int64

	holdMu      sync.Mutex
	releaseCnt  int64
	avgHoldNano int64

	closed atomic.Bool

	// onFree, if set, is called with a region's former address immediately
	// after the native allocator actually reclaims it — whether that
	// happens synchronously on release (pool closed, over capacity) or
	// later from TTL or capacity-sweep eviction. Callers keeping a
	// side-channel map keyed by region address (pinnedpool's device-buffer
	// table) register this to invalidate stale entries precisely when the
	// backing memory disappears, not merely when their own lease closes.
	onFree func(addr uintptr)
}

// SetOnFree installs the pool's free-notification callback. Not safe to
// call concurrently with pool operations; intended for one-time wiring
// right after New.
func (p *Pool) SetOnFree(fn func(addr uintptr)) {
	p.onFree = fn
}

// New constructs a Pool. m may be nil to skip Prometheus instrumentation.
func New(cfg config.Config, alloc nativealloc.Allocator, clk clock.Clock, m *metrics.Pool) *Pool {
	if clk == nil {
		clk = clock.Default
	}
	return &Pool{
		cfg:      cfg,
		alloc:    alloc,
		clk:      clk,
		m:        m,
		buckets:  make(map[int64]*bucket),
		identity: concurrency.New[uintptr, *entry](256, func(k uintptr) uint64 { return uint64(k) }),
	}
}

func (p *Pool) bucketFor(sizeClass int64) *bucket {
	p.bucketsMu.RLock()
	b, ok := p.buckets[sizeClass]
	p.bucketsMu.RUnlock()
	if ok {
		return b
	}

	p.bucketsMu.Lock()
	defer p.bucketsMu.Unlock()
	if b, ok = p.buckets[sizeClass]; ok {
		return b
	}
	b = &bucket{sizeClass: sizeClass}
	p.buckets[sizeClass] = b
	return b
}

func (p *Pool) ttlFor(cat Category) time.Duration {
	switch cat {
	case XLarge:
		return p.cfg.MaxIdle * 5
	case Batch:
		return p.cfg.MaxIdle * 10
	default:
		return p.cfg.MaxIdle
	}
}

func (p *Pool) allocFresh(size int) (nativealloc.Region, error) {
	if p.cfg.AlignBuffers {
		return p.alloc.AllocAligned(p.cfg.Alignment, size)
	}
	return p.alloc.Alloc(size)
}

func (p *Pool) freeRegion(r nativealloc.Region) error {
	if r.Bytes == nil {
		return nil
	}
	var err error
	if r.Aligned {
		err = p.alloc.FreeAligned(r)
	} else {
		err = p.alloc.Free(r)
	}
	if p.onFree != nil {
		p.onFree(r.Addr)
	}
	return err
}

func (p *Pool) recordHit() {
	p.hits.Add(1)
	if p.m != nil {
		p.m.Hits.Inc()
	}
}

func (p *Pool) recordMiss() {
	p.misses.Add(1)
	if p.m != nil {
		p.m.Misses.Inc()
	}
}

// Lease is an owned region borrowed from the pool. Close returns it,
// matching the RAII return-on-drop contract: callers should defer Close.
type Lease struct {
	Region     nativealloc.Region
	pool       *Pool
	sizeClass  int64 // <= 0 means this lease bypassed pooling entirely
	acquiredAt int64
	prior      *entry // non-nil when this region was popped from a bucket, to preserve its FIFO/LFU history across reuse
	closed     atomic.Bool
}

// Close returns the region to the pool, or frees it directly if it
// bypassed pooling or the pool has since been closed.
func (l *Lease) Close() error {
	_, err := l.CloseRetained()
	return err
}

// CloseRetained is Close plus the pool's disposition of the region:
// retained is true when the region now lives in its bucket's idle list,
// false when it was freed outright (pool closed, over capacity, or a
// bypass lease). Callers that hold a side-channel mapping keyed by the
// region's address — such as pinnedpool's device-buffer table — need
// this to know whether that mapping is still valid.
func (l *Lease) CloseRetained() (retained bool, err error) {
	if l == nil || l.pool == nil {
		return false, nil
	}
	if !l.closed.CompareAndSwap(false, true) {
		return false, nil
	}
	return l.pool.returnLease(l)
}

// Borrow implements borrow(size): an RAII lease, zero-filled, reused from
// the matching bucket when possible.
func (p *Pool) Borrow(size int) (*Lease, error) {
	if size < 0 {
		return nil, gpuerr.InvalidArgument("bufferpool.Borrow", "negative size")
	}
	if p.closed.Load() {
		return nil, gpuerr.InvalidState("bufferpool.Borrow", "pool is closed")
	}
	now := p.clk.NowNanos()

	if size == 0 {
		return &Lease{pool: p, sizeClass: -1, acquiredAt: now}, nil
	}

	if size < p.cfg.MinBufferSize || size > p.cfg.MaxBufferSize {
		region, err := p.allocFresh(size)
		if err != nil {
			return nil, err
		}
		zeroFill(region.Bytes)
		p.recordMiss()
		p.allocations.Add(1)
		p.growths.Add(1)
		p.borrowed.Add(1)
		return &Lease{Region: region, pool: p, sizeClass: -1, acquiredAt: now}, nil
	}

	sc := RoundUpPowerOfTwo(size)
	e, hit := p.popIdle(sc)
	if hit {
		zeroFill(e.region.Bytes)
		p.recordHit()
		p.borrowed.Add(1)
		return &Lease{Region: e.region, pool: p, sizeClass: sc, acquiredAt: now, prior: e}, nil
	}

	region, err := p.allocFresh(int(sc))
	if err != nil {
		return nil, err
	}
	zeroFill(region.Bytes)
	p.recordMiss()
	p.allocations.Add(1)
	p.growths.Add(1)
	p.borrowed.Add(1)
	return &Lease{Region: region, pool: p, sizeClass: sc, acquiredAt: now}, nil
}

// Allocate implements allocate(size): same borrowing logic as Borrow, but
// returns a raw Region tracked in an identity-keyed map so a bare
// ReturnToPool(region) call (as used by the unified resource manager) can
// find it again without holding a Lease.
func (p *Pool) Allocate(size int) (nativealloc.Region, error) {
	lease, err := p.Borrow(size)
	if err != nil {
		return nativealloc.Region{}, err
	}
	if lease.Region.Bytes == nil {
		return lease.Region, nil
	}

	now := p.clk.NowNanos()
	e := lease.prior
	if e == nil {
		e = &entry{region: lease.Region, sizeClass: lease.sizeClass, insertedAt: now}
	}
	e.acquiredAt = lease.acquiredAt
	p.identity.Store(lease.Region.Addr, e)
	return lease.Region, nil
}

// ReturnToPool implements return_to_pool(region): looks the region up by
// identity, and if found, pushes it back onto its bucket (capacity
// permitting) or frees it via the native allocator. Duplicate returns of
// the same region are detected via the identity map and ignored.
func (p *Pool) ReturnToPool(region nativealloc.Region) error {
	if region.Bytes == nil {
		return nil
	}
	e, ok := p.identity.LoadAndDelete(region.Addr)
	if !ok {
		return nil
	}
	p.borrowed.Add(-1)
	if e.sizeClass <= 0 {
		return p.freeRegion(e.region)
	}
	e.lastUsed = p.clk.NowNanos()
	_, err := p.release(e)
	return err
}

func (p *Pool) returnLease(l *Lease) (retained bool, err error) {
	p.borrowed.Add(-1)
	if l.sizeClass <= 0 {
		return false, p.freeRegion(l.Region)
	}
	now := p.clk.NowNanos()
	e := l.prior
	if e == nil {
		e = &entry{region: l.Region, sizeClass: l.sizeClass, insertedAt: now}
	}
	e.lastUsed = now
	e.acquiredAt = l.acquiredAt
	return p.release(e)
}

func (p *Pool) popIdle(sizeClass int64) (*entry, bool) {
	b := p.bucketFor(sizeClass)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.idle) == 0 {
		return nil, false
	}
	e := b.idle[len(b.idle)-1]
	b.idle = b.idle[:len(b.idle)-1]
	p.idleBytes.Add(-int64(len(e.region.Bytes)))
	e.useCount++
	e.lastUsed = p.clk.NowNanos()
	return e, true
}

func (p *Pool) release(e *entry) (retained bool, err error) {
	if e.acquiredAt > 0 {
		p.recordHoldTime(time.Duration(p.clk.NowNanos() - e.acquiredAt))
	}

	if p.closed.Load() {
		return false, p.freeRegion(e.region)
	}

	if !p.hasCapacity(e.sizeClass, len(e.region.Bytes)) {
		p.shrinks.Add(1)
		return false, p.freeRegion(e.region)
	}

	b := p.bucketFor(e.sizeClass)
	b.mu.Lock()
	b.idle = append(b.idle, e)
	b.mu.Unlock()

	p.idleBytes.Add(int64(len(e.region.Bytes)))
	if p.m != nil {
		p.m.BucketLen.WithLabelValues(bucketLabel(e.sizeClass)).Set(float64(len(b.idle)))
	}

	// A capacity sweep triggered by this insertion may evict this entry
	// (or any other) immediately afterward; that disposition is reported
	// separately through onFree rather than folded into this return value,
	// since the sweep's victim is chosen by policy and is not necessarily e.
	p.maybeEvictForCapacity()
	return true, nil
}

func (p *Pool) hasCapacity(sizeClass int64, regionLen int) bool {
	switch p.cfg.CapMode {
	case config.CapModeCount:
		total := 0
		p.bucketsMu.RLock()
		for _, ob := range p.buckets {
			ob.mu.Lock()
			total += len(ob.idle)
			ob.mu.Unlock()
		}
		p.bucketsMu.RUnlock()
		if total >= p.cfg.MaxPoolSizeCount {
			return false
		}
		b := p.bucketFor(sizeClass)
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.idle) < p.cfg.MaxBuffersPerClass
	default: // CapModeBytes
		return p.idleBytes.Load()+int64(regionLen) <= p.cfg.MaxPoolSizeBytes
	}
}

// KeepWarm pins the bucket for size from eviction.
func (p *Pool) KeepWarm(size int) {
	sc := RoundUpPowerOfTwo(size)
	b := p.bucketFor(sc)
	b.mu.Lock()
	b.keepWarm = true
	b.mu.Unlock()
}

// ClearKeepWarm unpins the bucket for size, restoring it to normal
// eviction on the next scan.
func (p *Pool) ClearKeepWarm(size int) {
	sc := RoundUpPowerOfTwo(size)
	b := p.bucketFor(sc)
	b.mu.Lock()
	b.keepWarm = false
	b.mu.Unlock()
}

// EvictExpired drops regions from every non-keep-warm bucket whose idle
// time exceeds the TTL for their category, and returns the count evicted.
func (p *Pool) EvictExpired() int {
	p.bucketsMu.RLock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.bucketsMu.RUnlock()

	now := p.clk.NowNanos()
	evicted := 0

	for _, b := range buckets {
		b.mu.Lock()
		if b.keepWarm {
			b.mu.Unlock()
			continue
		}
		ttl := p.ttlFor(CategoryFor(b.sizeClass))
		kept := b.idle[:0]
		for _, e := range b.idle {
			if time.Duration(now-e.lastUsed) > ttl {
				_ = p.freeRegion(e.region)
				p.idleBytes.Add(-int64(len(e.region.Bytes)))
				evicted++
			} else {
				kept = append(kept, e)
			}
		}
		b.idle = kept
		b.mu.Unlock()
	}

	if evicted > 0 {
		p.evictions.Add(int64(evicted))
		if p.m != nil {
			p.m.Evictions.Add(float64(evicted))
		}
	}
	return evicted
}

type candidate struct {
	b *bucket
	e *entry
}

func (p *Pool) snapshotCandidates(buckets []*bucket) []candidate {
	var cands []candidate
	for _, b := range buckets {
		b.mu.Lock()
		if !b.keepWarm {
			for _, e := range b.idle {
				cands = append(cands, candidate{b: b, e: e})
			}
		}
		b.mu.Unlock()
	}
	return cands
}

func (p *Pool) pickVictim(cands []candidate) *candidate {
	if len(cands) == 0 {
		return nil
	}
	best := &cands[0]
	for i := 1; i < len(cands); i++ {
		if less(&cands[i], best, p.cfg.EvictionPolicy) {
			best = &cands[i]
		}
	}
	return best
}

func less(c, best *candidate, policy config.EvictionPolicy) bool {
	switch policy {
	case config.LFU:
		return c.e.useCount < best.e.useCount
	case config.FIFO:
		return c.e.insertedAt < best.e.insertedAt
	case config.LargestFirst:
		return len(c.e.region.Bytes) > len(best.e.region.Bytes)
	case config.Hybrid:
		if c.e.lastUsed != best.e.lastUsed {
			return c.e.lastUsed < best.e.lastUsed
		}
		return len(c.e.region.Bytes) > len(best.e.region.Bytes)
	default: // LRU
		return c.e.lastUsed < best.e.lastUsed
	}
}

func (p *Pool) removeFromBucket(b *bucket, target *entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.idle {
		if e == target {
			b.idle = append(b.idle[:i], b.idle[i+1:]...)
			return true
		}
	}
	return false
}

// maybeEvictForCapacity runs a capacity-triggered sweep when the pool's
// idle-byte total crosses the configured high-water mark, evicting by the
// configured policy until it falls to low-water. Only meaningful in
// byte-cap mode; count-cap mode enforces its ceiling per insert instead.
func (p *Pool) maybeEvictForCapacity() {
	if p.cfg.CapMode != config.CapModeBytes {
		return
	}
	high := int64(float64(p.cfg.MaxPoolSizeBytes) * p.cfg.HighWater)
	if p.idleBytes.Load() <= high {
		return
	}
	low := int64(float64(p.cfg.MaxPoolSizeBytes) * p.cfg.LowWater)

	p.bucketsMu.RLock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.bucketsMu.RUnlock()

	const maxAttempts = 10000
	for attempt := 0; attempt < maxAttempts && p.idleBytes.Load() > low; attempt++ {
		cands := p.snapshotCandidates(buckets)
		victim := p.pickVictim(cands)
		if victim == nil {
			break
		}
		if !p.removeFromBucket(victim.b, victim.e) {
			continue
		}
		_ = p.freeRegion(victim.e.region)
		p.idleBytes.Add(-int64(len(victim.e.region.Bytes)))
		p.evictions.Add(1)
		if p.m != nil {
			p.m.Evictions.Inc()
		}
	}
}

// Clear frees every idle region, including keep-warm buckets.
func (p *Pool) Clear() {
	p.bucketsMu.RLock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.bucketsMu.RUnlock()

	for _, b := range buckets {
		b.mu.Lock()
		for _, e := range b.idle {
			_ = p.freeRegion(e.region)
			p.idleBytes.Add(-int64(len(e.region.Bytes)))
		}
		b.idle = nil
		b.mu.Unlock()
	}
}

// Close marks the pool closed (rejecting further Borrow/Allocate calls)
// and clears every bucket.
func (p *Pool) Close() error {
	p.closed.Store(true)
	p.Clear()
	return nil
}

// recordHoldTime folds a single release's hold duration into the running
// average, per the documents-worker running-average formula.
func (p *Pool) recordHoldTime(d time.Duration) {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	p.releaseCnt++
	p.avgHoldNano = (p.avgHoldNano*(p.releaseCnt-1) + int64(d)) / p.releaseCnt
}

// Stats returns a point-in-time telemetry snapshot.
func (p *Pool) Stats() Stats {
	p.bucketsMu.RLock()
	bucketCounts := make(map[int64]int, len(p.buckets))
	for sc, b := range p.buckets {
		b.mu.Lock()
		bucketCounts[sc] = len(b.idle)
		b.mu.Unlock()
	}
	p.bucketsMu.RUnlock()

	hits := p.hits.Load()
	misses := p.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	p.holdMu.Lock()
	avgHold := time.Duration(p.avgHoldNano)
	p.holdMu.Unlock()

	return Stats{
		Buckets:     bucketCounts,
		IdleBytes:   p.idleBytes.Load(),
		Allocations: p.allocations.Load(),
		Hits:        hits,
		Misses:      misses,
		Evictions:   p.evictions.Load(),
		Borrowed:    p.borrowed.Load(),
		HitRate:     hitRate,
		GrowthCount: p.growths.Load(),
		ShrinkCount: p.shrinks.Load(),
		AvgHoldTime: avgHold,
	}
}

func bucketLabel(sizeClass int64) string {
	return strconv.FormatInt(sizeClass, 10)
}
