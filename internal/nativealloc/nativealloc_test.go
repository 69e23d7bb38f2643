package nativealloc

import "testing"

func TestSystemAlloc(t *testing.T) {
	t.Run("BasicAllocation", func(t *testing.T) {
		s := NewSystem()
		r, err := s.Alloc(128)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if len(r.Bytes) != 128 {
			t.Fatalf("len = %d, want 128", len(r.Bytes))
		}
		if r.Addr == 0 {
			t.Fatal("zero address")
		}
	})

	t.Run("ZeroSize", func(t *testing.T) {
		s := NewSystem()
		r, err := s.Alloc(0)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if r.Bytes != nil {
			t.Fatal("expected nil bytes for zero-size alloc")
		}
	})

	t.Run("NegativeSize", func(t *testing.T) {
		s := NewSystem()
		if _, err := s.Alloc(-1); err == nil {
			t.Fatal("expected error for negative size")
		}
	})

	t.Run("StatsTrackAllocAndFree", func(t *testing.T) {
		s := NewSystem()
		r, _ := s.Alloc(64)
		if got := s.Stats(); got.AllocCount != 1 || got.TotalAllocated != 64 {
			t.Fatalf("stats after alloc = %+v", got)
		}
		if err := s.Free(r); err != nil {
			t.Fatalf("Free: %v", err)
		}
		if got := s.Stats(); got.FreeCount != 1 || got.TotalFreed != 64 {
			t.Fatalf("stats after free = %+v", got)
		}
	})

	t.Run("DoubleFreeIsNoop", func(t *testing.T) {
		s := NewSystem()
		r, _ := s.Alloc(32)
		if err := s.Free(r); err != nil {
			t.Fatalf("first Free: %v", err)
		}
		if err := s.Free(r); err != nil {
			t.Fatalf("second Free: %v", err)
		}
		if got := s.Stats(); got.FreeCount != 1 {
			t.Fatalf("FreeCount = %d, want 1 after double free", got.FreeCount)
		}
	})
}

func TestSystemAllocAligned(t *testing.T) {
	t.Run("AlignmentHonored", func(t *testing.T) {
		s := NewSystem()
		const alignment = 64
		r, err := s.AllocAligned(alignment, 256)
		if err != nil {
			t.Fatalf("AllocAligned: %v", err)
		}
		if r.Addr%alignment != 0 {
			t.Fatalf("addr %x not aligned to %d", r.Addr, alignment)
		}
		if len(r.Bytes) != 256 {
			t.Fatalf("len = %d, want 256", len(r.Bytes))
		}
	})

	t.Run("RejectsNonPowerOfTwoAlignment", func(t *testing.T) {
		s := NewSystem()
		if _, err := s.AllocAligned(3, 64); err == nil {
			t.Fatal("expected error for non-power-of-two alignment")
		}
	})

	t.Run("FreeAlignedUpdatesStats", func(t *testing.T) {
		s := NewSystem()
		r, err := s.AllocAligned(16, 48)
		if err != nil {
			t.Fatalf("AllocAligned: %v", err)
		}
		if err := s.FreeAligned(r); err != nil {
			t.Fatalf("FreeAligned: %v", err)
		}
		if got := s.Stats(); got.FreeCount != 1 {
			t.Fatalf("FreeCount = %d, want 1", got.FreeCount)
		}
	})
}
