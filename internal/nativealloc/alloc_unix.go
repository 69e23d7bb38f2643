//go:build unix

// Page-aligned allocation on unix targets via golang.org/x/sys/unix,
// mirroring the build-tag-gated unix.Mmap usage in the teacher's
// internal/runtime/asyncio zero-copy and kqueue poller files.
package nativealloc

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hellblazer/gpuresource/internal/gpuerr"
)

// AllocAligned returns a region whose base address is a multiple of
// alignment, by mmap-ing anonymous pages (always page-aligned). alignment
// values above the system page size are not supported and return
// CodeInvalidArgument.
func (s *System) AllocAligned(alignment, size int) (Region, error) {
	if err := validateAlignedArgs("nativealloc.AllocAligned", alignment, size); err != nil {
		return Region{}, err
	}
	if size == 0 {
		return Region{}, nil
	}

	pageSize := unix.Getpagesize()
	if alignment > pageSize {
		return Region{}, gpuerr.InvalidArgument("nativealloc.AllocAligned", "alignment exceeds page size on this platform")
	}

	length := alignUp(size, pageSize)
	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Region{}, gpuerr.AllocFailed("nativealloc.AllocAligned", err)
	}

	addr := uintptr(unsafe.Pointer(&buf[0]))
	region := Region{Bytes: buf[:size], Addr: addr, Aligned: true, raw: buf}
	s.trackAligned(addr, length, buf)
	return region, nil
}

func (s *System) releaseAligned(r Region, entry alignedEntry) error {
	if err := unix.Munmap(entry.raw); err != nil {
		return gpuerr.CleanupFailed("nativealloc.FreeAligned", err)
	}
	return nil
}
