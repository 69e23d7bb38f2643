// Package pinnedpool implements the Pinned Buffer Pool (C5): a sibling of
// the size-classed buffer pool specialized for regions that are
// simultaneously host-accessible and device-visible for DMA. It shares
// C4's size-class bucketing (internal/bufferpool) and adds the device-side
// handle half of the compound owning value.
package pinnedpool

import (
	"sync"
	"sync/atomic"

	"github.com/hellblazer/gpuresource/internal/bufferpool"
	"github.com/hellblazer/gpuresource/internal/clock"
	"github.com/hellblazer/gpuresource/internal/config"
	"github.com/hellblazer/gpuresource/internal/gpu"
	"github.com/hellblazer/gpuresource/internal/gpuerr"
	"github.com/hellblazer/gpuresource/internal/metrics"
	"github.com/hellblazer/gpuresource/internal/nativealloc"
)

// PinnedBuffer is the compound owning value spec §4.5 describes: a
// host-accessible byte view plus the device-side handle backing it.
type PinnedBuffer struct {
	Host   []byte
	Device gpu.DeviceBuffer
	Size   int
	Mode   gpu.AccessMode

	pool    *Pool
	lease   *bufferpool.Lease
	closed  atomic.Bool
}

// Close returns the buffer to the pinned pool if capacity permits;
// otherwise it releases the device-side handle and drops the host view.
func (pb *PinnedBuffer) Close() error {
	if pb == nil || !pb.closed.CompareAndSwap(false, true) {
		return nil
	}
	return pb.pool.reclaim(pb)
}

// Pool is the C5 pinned buffer pool. Borrowing needs a GPU driver: a Pool
// built without one fails every Borrow with CodeGPUNotConfigured, while
// Close and Stats still work.
type Pool struct {
	driver gpu.Driver
	bytes  *bufferpool.Pool

	mu      sync.Mutex
	devices map[uintptr]gpu.DeviceBuffer // host region addr -> device buffer, for reuse on return
}

// New constructs a Pool over the given host allocator and GPU driver.
// driver may be nil: Borrow then fails with gpu-not-configured.
func New(cfg config.Config, alloc nativealloc.Allocator, driver gpu.Driver, clk clock.Clock, m *metrics.Pool) *Pool {
	p := &Pool{
		driver:  driver,
		bytes:   bufferpool.New(cfg, alloc, clk, m),
		devices: make(map[uintptr]gpu.DeviceBuffer),
	}
	// The host pool can free a region through paths this pool never
	// initiates directly — a capacity sweep evicting it, TTL expiry, or a
	// shrink on release when the bucket is over capacity. onFree is the
	// single point that fires whenever the backing memory actually goes
	// away, so the device-side handle is released and the stale map entry
	// dropped regardless of which path triggered the free.
	p.bytes.SetOnFree(func(addr uintptr) {
		p.mu.Lock()
		dev, ok := p.devices[addr]
		if ok {
			delete(p.devices, addr)
		}
		p.mu.Unlock()
		if ok && p.driver != nil {
			_ = p.driver.Release(dev)
		}
	})
	return p
}

// Borrow implements allocation for the pinned pool: it borrows a
// size-classed host region from the shared bucket discipline, then asks
// the driver for a matching device-side buffer.
func (p *Pool) Borrow(size int, mode gpu.AccessMode) (*PinnedBuffer, error) {
	if p.driver == nil {
		return nil, gpuerr.GPUNotConfigured("pinnedpool.Borrow")
	}

	lease, err := p.bytes.Borrow(size)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	dev, reused := p.devices[lease.Region.Addr]
	p.mu.Unlock()

	if !reused {
		dev, err = p.driver.CreateBuffer(len(lease.Region.Bytes), mode)
		if err != nil {
			_ = lease.Close()
			return nil, gpuerr.AllocFailed("pinnedpool.Borrow", err)
		}
		p.mu.Lock()
		p.devices[lease.Region.Addr] = dev
		p.mu.Unlock()
	}

	return &PinnedBuffer{
		Host:   lease.Region.Bytes,
		Device: dev,
		Size:   size,
		Mode:   mode,
		pool:   p,
		lease:  lease,
	}, nil
}

// reclaim returns the host region to the bucket pool. Device-handle and
// map cleanup is handled uniformly by the onFree callback registered in
// New, whichever path (this release, a later capacity sweep, or TTL
// expiry) ends up actually freeing the region.
func (p *Pool) reclaim(pb *PinnedBuffer) error {
	return pb.lease.Close()
}

// Close shuts the pinned pool down: clears the host-region pool and
// releases every outstanding device buffer mapping this pool tracked.
func (p *Pool) Close() error {
	p.mu.Lock()
	devices := make([]gpu.DeviceBuffer, 0, len(p.devices))
	for _, d := range p.devices {
		devices = append(devices, d)
	}
	p.devices = make(map[uintptr]gpu.DeviceBuffer)
	p.mu.Unlock()

	for _, d := range devices {
		if p.driver != nil {
			_ = p.driver.Release(d)
		}
	}
	return p.bytes.Close()
}

// Stats exposes the shared bucket telemetry.
func (p *Pool) Stats() bufferpool.Stats { return p.bytes.Stats() }
