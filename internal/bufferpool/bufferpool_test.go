package bufferpool

import (
	"testing"
	"time"

	"github.com/hellblazer/gpuresource/internal/clock"
	"github.com/hellblazer/gpuresource/internal/config"
	"github.com/hellblazer/gpuresource/internal/nativealloc"
)

func newTestPool(t *testing.T, opts ...config.Option) (*Pool, *clock.Fake) {
	t.Helper()
	cfg, err := config.New(opts...)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	fc := clock.NewFake(0)
	return New(cfg, nativealloc.NewSystem(), fc, nil), fc
}

func TestRoundUpPowerOfTwo(t *testing.T) {
	cases := map[int]int64{0: 1, 1: 1, 2: 2, 3: 4, 300: 512, 1024: 1024, 1025: 2048}
	for in, want := range cases {
		if got := RoundUpPowerOfTwo(in); got != want {
			t.Errorf("RoundUpPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestBorrowZeroSize(t *testing.T) {
	p, _ := newTestPool(t)
	l, err := p.Borrow(0)
	if err != nil {
		t.Fatalf("Borrow(0): %v", err)
	}
	if l.Region.Bytes != nil {
		t.Fatal("expected zero-length region")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBorrowReuseRoundTrip(t *testing.T) {
	p, _ := newTestPool(t)

	l1, err := p.Borrow(4096)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	addr1 := l1.Region.Addr
	if got := p.Stats(); got.Misses != 1 || got.Hits != 0 {
		t.Fatalf("stats after first borrow = %+v", got)
	}

	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := p.Borrow(4096)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if l2.Region.Addr != addr1 {
		t.Fatal("expected region reuse (same identity)")
	}
	if got := p.Stats(); got.Hits != 1 {
		t.Fatalf("Hits = %d, want 1", got.Hits)
	}
}

func TestBorrowZeroFillOnReuse(t *testing.T) {
	p, _ := newTestPool(t)

	l1, _ := p.Borrow(64)
	for i := range l1.Region.Bytes {
		l1.Region.Bytes[i] = 0xFF
	}
	_ = l1.Close()

	l2, _ := p.Borrow(64)
	for i, b := range l2.Region.Bytes {
		if b != 0 {
			t.Fatalf("byte %d = %x, want zero", i, b)
		}
	}
}

func TestBorrowBypassesPoolingOutsideRange(t *testing.T) {
	p, _ := newTestPool(t, config.WithBufferSizeRange(1024, 4096))
	l, err := p.Borrow(8)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if l.sizeClass != -1 {
		t.Fatal("expected bypass (sizeClass -1) for below-min size")
	}
	if got := p.Stats(); got.Misses != 1 || got.Hits != 0 {
		t.Fatalf("stats = %+v, want 1 miss", got)
	}
}

func TestDoubleReturnIgnored(t *testing.T) {
	p, _ := newTestPool(t)
	region, err := p.Allocate(128)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := p.ReturnToPool(region); err != nil {
		t.Fatalf("first ReturnToPool: %v", err)
	}
	if err := p.ReturnToPool(region); err != nil {
		t.Fatalf("second ReturnToPool: %v", err)
	}
	if got := p.Stats(); got.Buckets[128] != 1 {
		t.Fatalf("bucket count = %d, want 1 (duplicate return must not double-insert)", got.Buckets[128])
	}
}

func TestKeepWarmPreventsEviction(t *testing.T) {
	p, fc := newTestPool(t, config.WithMaxIdle(100*time.Millisecond))

	l, _ := p.Borrow(4096)
	_ = l.Close()

	p.KeepWarm(4096)
	fc.Advance(300 * time.Millisecond)
	p.EvictExpired()

	if got := p.Stats().Buckets[4096]; got != 1 {
		t.Fatalf("bucket[4096] = %d, want 1 (keep-warm should prevent eviction)", got)
	}

	p.ClearKeepWarm(4096)
	p.EvictExpired()

	if got := p.Stats().Buckets[4096]; got != 0 {
		t.Fatalf("bucket[4096] = %d, want 0 after clearing keep-warm", got)
	}
}

func TestEvictExpiredRespectsTTLCategoryScaling(t *testing.T) {
	p, fc := newTestPool(t, config.WithMaxIdle(10*time.Millisecond))

	small, _ := p.Borrow(1024)
	_ = small.Close()

	batch, _ := p.Borrow(200 << 20) // > 100 MiB => Batch category, ttl = 10x base
	_ = batch.Close()

	fc.Advance(50 * time.Millisecond) // exceeds small's ttl, not batch's (100ms)
	evicted := p.EvictExpired()

	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1 (only the small bucket should expire)", evicted)
	}
}

func TestSizeClassReuseScenario(t *testing.T) {
	// S2 from the end-to-end scenarios. By power-of-two rounding, 300 and
	// 500 map to bucket 512 and 600 to bucket 1024; borrowing and closing
	// them one after another lets 500 reuse 300's region, leaving one idle
	// region in each bucket. A subsequent borrow(700) hits bucket 1024,
	// borrow(2000) misses (bucket 2048 is empty).
	p, _ := newTestPool(t)

	for _, size := range []int{300, 500, 600} {
		l, err := p.Borrow(size)
		if err != nil {
			t.Fatalf("Borrow(%d): %v", size, err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	if got := p.Stats().Buckets[1024]; got != 1 {
		t.Fatalf("bucket[1024] = %d, want 1", got)
	}
	if got := p.Stats().Buckets[512]; got != 1 {
		t.Fatalf("bucket[512] = %d, want 1", got)
	}

	l, err := p.Borrow(700)
	if err != nil {
		t.Fatalf("Borrow(700): %v", err)
	}
	if got := p.Stats(); got.Hits != 2 {
		t.Fatalf("Hits = %d, want 2 (500 from bucket 512, 700 from bucket 1024)", got.Hits)
	}
	_ = l.Close()

	if _, err := p.Borrow(2000); err != nil {
		t.Fatalf("Borrow(2000): %v", err)
	}
	if got := p.Stats(); got.Misses != 3 {
		t.Fatalf("Misses = %d, want 3 (300, 600, and 2000 into empty bucket 2048)", got.Misses)
	}
}

func TestClosedPoolRejectsBorrowButAcceptsReturn(t *testing.T) {
	p, _ := newTestPool(t)
	l, err := p.Borrow(128)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := p.Borrow(128); err == nil {
		t.Fatal("expected error borrowing from a closed pool")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("outstanding lease Close on closed pool: %v", err)
	}
}
