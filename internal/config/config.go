// Package config implements the Configuration component (C8): a
// functional-options builder validated at construction, following the
// teacher's own Config/Option/defaultConfig shape in
// internal/allocator/allocator.go.
package config

import (
	"time"

	"github.com/hellblazer/gpuresource/internal/gpuerr"
)

// EvictionPolicy selects how a buffer pool bucket orders candidates for
// eviction.
type EvictionPolicy int

const (
	LRU EvictionPolicy = iota
	LFU
	FIFO
	LargestFirst
	Hybrid
)

func (p EvictionPolicy) String() string {
	switch p {
	case LRU:
		return "LRU"
	case LFU:
		return "LFU"
	case FIFO:
		return "FIFO"
	case LargestFirst:
		return "LARGEST-FIRST"
	case Hybrid:
		return "HYBRID"
	default:
		return "UNKNOWN"
	}
}

// PoolCapMode selects which capacity rule return_to_pool consults: the
// accumulated idle-byte total (mode A, "bytes") or idle region counts
// (mode B, "count": the size class's count against max-buffers-per-class
// and the pool-wide count against max-pool-size-count). Spec §4.4
// describes both modes without naming which one governs when both
// max-pool-size-bytes and max-buffers-per-class are set; this type makes
// the choice an explicit, independently documented knob rather than an
// implicit precedence rule (see DESIGN.md, open question 3).
type PoolCapMode int

const (
	CapModeBytes PoolCapMode = iota
	CapModeCount
)

// Config holds every recognized option from spec §3's configuration
// table. Construct via New, never directly; the zero value has not been
// validated.
type Config struct {
	MaxPoolSizeBytes  int64
	MaxPoolSizeCount  int
	MaxBuffersPerClass int
	CapMode           PoolCapMode

	HighWater float64
	LowWater  float64

	EvictionPolicy EvictionPolicy

	MaxIdle time.Duration // base TTL for SMALL/MEDIUM; ×5 XLARGE, ×10 BATCH

	MaxResourceCount int

	LeakDetectionEnabled bool
	LeakScanInterval     time.Duration

	AsyncCleanupEnabled bool
	CleanupThreadCount  int
	CleanupInterval     time.Duration

	AlignBuffers bool
	Alignment    int

	MinBufferSize int
	MaxBufferSize int

	ForceCloseOnShutdown bool
}

// Option mutates a Config during construction.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		MaxPoolSizeBytes:   512 << 20, // 512 MiB
		MaxPoolSizeCount:   10000,
		MaxBuffersPerClass: 256,
		CapMode:            CapModeBytes,

		HighWater: 0.90,
		LowWater:  0.70,

		EvictionPolicy: LRU,

		MaxIdle: 5 * time.Minute,

		MaxResourceCount: 10000,

		LeakDetectionEnabled: true,
		LeakScanInterval:     30 * time.Second,

		AsyncCleanupEnabled: true,
		CleanupThreadCount:  2,
		CleanupInterval:     10 * time.Second,

		AlignBuffers: false,
		Alignment:    64,

		MinBufferSize: 64,
		MaxBufferSize: 256 << 20, // 256 MiB

		ForceCloseOnShutdown: false,
	}
}

// WithMaxPoolSizeBytes sets the mode-A byte cap on pooled-but-idle region
// size.
func WithMaxPoolSizeBytes(n int64) Option { return func(c *Config) { c.MaxPoolSizeBytes = n } }

// WithMaxPoolSizeCount sets the mode-B cap on total pooled region count.
func WithMaxPoolSizeCount(n int) Option { return func(c *Config) { c.MaxPoolSizeCount = n } }

// WithMaxBuffersPerClass sets the per-size-class region cap.
func WithMaxBuffersPerClass(n int) Option { return func(c *Config) { c.MaxBuffersPerClass = n } }

// WithCapMode selects which capacity rule governs return_to_pool.
func WithCapMode(m PoolCapMode) Option { return func(c *Config) { c.CapMode = m } }

// WithWaterMarks sets the fractional thresholds that trigger (high) and
// terminate (low) capacity-driven eviction sweeps.
func WithWaterMarks(low, high float64) Option {
	return func(c *Config) { c.LowWater = low; c.HighWater = high }
}

// WithEvictionPolicy selects the bucket eviction order.
func WithEvictionPolicy(p EvictionPolicy) Option { return func(c *Config) { c.EvictionPolicy = p } }

// WithMaxIdle sets the base idle TTL for SMALL/MEDIUM categories.
func WithMaxIdle(d time.Duration) Option { return func(c *Config) { c.MaxIdle = d } }

// WithMaxResourceCount sets the absolute cap on active handles.
func WithMaxResourceCount(n int) Option { return func(c *Config) { c.MaxResourceCount = n } }

// WithLeakDetection enables the tracker's periodic idle-age scan.
func WithLeakDetection(enabled bool, interval time.Duration) Option {
	return func(c *Config) { c.LeakDetectionEnabled = enabled; c.LeakScanInterval = interval }
}

// WithAsyncCleanup records the pool maintenance settings. Only validation
// reads them: no component of this module starts cleanup workers, and pool
// eviction runs only when PerformMaintenance or EvictExpired is called.
func WithAsyncCleanup(enabled bool, threads int, interval time.Duration) Option {
	return func(c *Config) {
		c.AsyncCleanupEnabled = enabled
		c.CleanupThreadCount = threads
		c.CleanupInterval = interval
	}
}

// WithAlignment forces aligned allocation in the native allocator facade.
func WithAlignment(alignment int) Option {
	return func(c *Config) { c.AlignBuffers = true; c.Alignment = alignment }
}

// WithBufferSizeRange sets the pooled size range; sizes outside [min, max]
// bypass pooling entirely.
func WithBufferSizeRange(min, max int) Option {
	return func(c *Config) { c.MinBufferSize = min; c.MaxBufferSize = max }
}

// WithForceCloseOnShutdown makes the tracker force-close (instead of only
// mark LEAKED) any handle still active at shutdown.
func WithForceCloseOnShutdown(enabled bool) Option {
	return func(c *Config) { c.ForceCloseOnShutdown = enabled }
}

// New builds a Config from the default baseline plus opts, and validates
// it per spec §3's rules.
func New(opts ...Option) (Config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	const op = "config.New"

	if !(0 < c.LowWater && c.LowWater < c.HighWater && c.HighWater <= 1.0) {
		return gpuerr.InvalidArgument(op, "require 0 < low-water < high-water <= 1.0")
	}
	if c.MaxPoolSizeBytes <= 0 {
		return gpuerr.InvalidArgument(op, "max-pool-size-bytes must be positive")
	}
	if c.MaxPoolSizeCount <= 0 {
		return gpuerr.InvalidArgument(op, "max-pool-size-count must be positive")
	}
	if c.MaxBuffersPerClass <= 0 {
		return gpuerr.InvalidArgument(op, "max-buffers-per-class must be positive")
	}
	if c.MaxResourceCount <= 0 {
		return gpuerr.InvalidArgument(op, "max-resource-count must be positive")
	}
	if c.Alignment <= 0 || c.Alignment&(c.Alignment-1) != 0 {
		return gpuerr.InvalidArgument(op, "alignment must be a positive power of two")
	}
	if c.MinBufferSize <= 0 || c.MaxBufferSize <= 0 || c.MinBufferSize > c.MaxBufferSize {
		return gpuerr.InvalidArgument(op, "require 0 < min-buffer-size <= max-buffer-size")
	}
	if c.AsyncCleanupEnabled && c.CleanupThreadCount <= 0 {
		return gpuerr.InvalidArgument(op, "cleanup-thread-count must be positive when async cleanup is enabled")
	}
	return nil
}

// Minimal returns a small-footprint preset suited to constrained
// environments: a tight pool, no background workers.
func Minimal() (Config, error) {
	return New(
		WithMaxPoolSizeBytes(16<<20),
		WithMaxPoolSizeCount(64),
		WithMaxBuffersPerClass(16),
		WithWaterMarks(0.70, 0.90),
		WithEvictionPolicy(LRU),
		WithMaxIdle(1*time.Minute),
		WithMaxResourceCount(256),
		WithLeakDetection(false, 0),
		WithAsyncCleanup(false, 0, 0),
		WithBufferSizeRange(64, 16<<20),
	)
}

// Default returns the spec's documented default preset: 512 MiB pool,
// high=0.90, low=0.70, LRU, 5-minute idle, 10 000 handles, leak detection
// on with 30s scan, async cleanup with 2 workers at 10s cadence.
func Default() (Config, error) {
	return New()
}

// Production returns a larger-footprint preset for sustained high-volume
// workloads: bigger pool and handle ceiling, more cleanup workers, a
// tighter scan interval.
func Production() (Config, error) {
	return New(
		WithMaxPoolSizeBytes(4<<30),
		WithMaxPoolSizeCount(100000),
		WithMaxBuffersPerClass(2048),
		WithWaterMarks(0.75, 0.92),
		WithEvictionPolicy(Hybrid),
		WithMaxIdle(10*time.Minute),
		WithMaxResourceCount(200000),
		WithLeakDetection(true, 15*time.Second),
		WithAsyncCleanup(true, 8, 5*time.Second),
		WithBufferSizeRange(64, 512<<20),
	)
}
