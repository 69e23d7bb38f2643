// Package nativealloc implements the Native Allocator Facade (C1): it
// obtains and releases raw byte regions on behalf of the size-classed
// buffer pool. It is the concrete, in-process default for the narrow
// native-allocator interface spec §6 treats as an external collaborator
// (OS-level aligned/unaligned allocation is explicitly out of the core's
// scope; this package is the one adapter the core ships so the rest of
// the system has something to allocate against).
//
// The tracked-slice bookkeeping and alignUp helper follow the teacher's
// SystemAllocatorImpl in internal/allocator/allocator.go; page-aligned
// allocation on unix targets follows the teacher's own build-tag-gated
// golang.org/x/sys/unix usage in internal/runtime/asyncio.
package nativealloc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hellblazer/gpuresource/internal/gpuerr"
)

// Region is a contiguous host-memory span owned by the caller until freed.
// Addr is the base address of Bytes, exposed for identity-keyed maps that
// must key on memory identity rather than slice value.
type Region struct {
	Bytes   []byte
	Addr    uintptr
	Aligned bool

	// raw backs Bytes when alignment padding required allocating more than
	// requested; Free must release raw, not Bytes, for aligned regions.
	raw []byte
}

// Len reports the usable length of the region.
func (r Region) Len() int { return len(r.Bytes) }

// Allocator is the external native-allocator interface from spec §6:
// alloc/free and alloc_aligned/free_aligned over byte regions. It does not
// guarantee zeroed memory; callers that need zeroed memory (C4) must zero
// it themselves.
type Allocator interface {
	Alloc(size int) (Region, error)
	AllocAligned(alignment, size int) (Region, error)
	Free(r Region) error
	FreeAligned(r Region) error
	Stats() Stats
}

// Stats reports cumulative facade-level allocation counters.
type Stats struct {
	TotalAllocated uint64
	TotalFreed     uint64
	AllocCount     uint64
	FreeCount      uint64
}

// System is the default Allocator: make()-backed for plain Alloc, and
// platform-specific (see alloc_unix.go / alloc_fallback.go) for
// AllocAligned.
type System struct {
	totalAllocated uint64
	totalFreed     uint64
	allocCount     uint64
	freeCount      uint64

	mu            sync.Mutex
	active        map[uintptr]int // addr -> size, for double-free detection
	alignedActive map[uintptr]alignedEntry
}

// NewSystem creates a System allocator.
func NewSystem() *System {
	return &System{
		active:        make(map[uintptr]int),
		alignedActive: make(map[uintptr]alignedEntry),
	}
}

func alignUp(size, alignment int) int {
	return (size + alignment - 1) &^ (alignment - 1)
}

// alignedEntry tracks the underlying allocation backing an aligned Region
// so FreeAligned can release the right thing (an mmap span on unix, or an
// over-sized make() buffer elsewhere) instead of the caller-visible
// sub-slice.
type alignedEntry struct {
	size int
	raw  []byte
}

func validateAlignedArgs(op string, alignment, size int) error {
	if size < 0 {
		return gpuerr.InvalidArgument(op, "negative size")
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return gpuerr.InvalidArgument(op, "alignment must be a positive power of two")
	}
	return nil
}

// Alloc allocates size bytes with default Go-slice alignment. A panic from
// make() (a length the runtime refuses) is recovered and reported as *Error
// with CodeAllocFailed; an out-of-memory condition that the Go runtime
// treats as fatal still terminates the process.
func (s *System) Alloc(size int) (reg Region, err error) {
	if size < 0 {
		return Region{}, gpuerr.InvalidArgument("nativealloc.Alloc", "negative size")
	}
	if size == 0 {
		return Region{}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = gpuerr.AllocFailed("nativealloc.Alloc", fmt.Errorf("%v", r))
		}
	}()

	buf := make([]byte, size)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	s.mu.Lock()
	s.active[addr] = size
	s.mu.Unlock()

	atomic.AddUint64(&s.totalAllocated, uint64(size))
	atomic.AddUint64(&s.allocCount, 1)

	return Region{Bytes: buf, Addr: addr}, nil
}

// Free releases a region obtained from Alloc. Double-free is detected and
// ignored (defensive, matching spec §7's "double-free is a warning, not a
// failure" policy one layer up in the unified manager).
func (s *System) Free(r Region) error {
	if r.Bytes == nil {
		return nil
	}

	s.mu.Lock()
	size, ok := s.active[r.Addr]
	if ok {
		delete(s.active, r.Addr)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	atomic.AddUint64(&s.totalFreed, uint64(size))
	atomic.AddUint64(&s.freeCount, 1)
	return nil
}

func (s *System) Stats() Stats {
	return Stats{
		TotalAllocated: atomic.LoadUint64(&s.totalAllocated),
		TotalFreed:     atomic.LoadUint64(&s.totalFreed),
		AllocCount:     atomic.LoadUint64(&s.allocCount),
		FreeCount:      atomic.LoadUint64(&s.freeCount),
	}
}

// trackAligned records an aligned region and bumps the allocation counters.
// Platform-specific AllocAligned implementations call this after obtaining
// the underlying memory.
func (s *System) trackAligned(addr uintptr, size int, raw []byte) {
	s.mu.Lock()
	s.alignedActive[addr] = alignedEntry{size: size, raw: raw}
	s.mu.Unlock()

	atomic.AddUint64(&s.totalAllocated, uint64(size))
	atomic.AddUint64(&s.allocCount, 1)
}

// FreeAligned releases a region obtained from AllocAligned.
func (s *System) FreeAligned(r Region) error {
	if r.Bytes == nil {
		return nil
	}

	s.mu.Lock()
	entry, ok := s.alignedActive[r.Addr]
	if ok {
		delete(s.alignedActive, r.Addr)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if err := s.releaseAligned(r, entry); err != nil {
		return err
	}

	atomic.AddUint64(&s.totalFreed, uint64(entry.size))
	atomic.AddUint64(&s.freeCount, 1)
	return nil
}
