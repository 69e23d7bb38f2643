// Package metrics registers the Prometheus collectors that mirror the
// buffer pool's and resource manager's in-process Stats() structs, the
// same dual-surface pattern (struct return value + scrapeable counters)
// used by documents-worker and birdnet-go's pkg/metrics packages in the
// reference corpus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pool groups the buffer pool's Prometheus collectors.
type Pool struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Borrowed  prometheus.Gauge
	BucketLen *prometheus.GaugeVec
}

// NewPool creates (but does not register) a Pool collector set, namespaced
// by the given pool name so the same process can host C4 and C5 pools side
// by side.
func NewPool(name string) *Pool {
	return &Pool{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpuresource", Subsystem: name, Name: "pool_hits_total",
			Help: "Buffer pool borrow calls satisfied from a bucket.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpuresource", Subsystem: name, Name: "pool_misses_total",
			Help: "Buffer pool borrow calls that allocated fresh memory.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpuresource", Subsystem: name, Name: "pool_evictions_total",
			Help: "Regions freed by idle or capacity eviction.",
		}),
		Borrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpuresource", Subsystem: name, Name: "pool_borrowed",
			Help: "Regions currently checked out of the pool.",
		}),
		BucketLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gpuresource", Subsystem: name, Name: "pool_bucket_len",
			Help: "Idle region count per size-class bucket.",
		}, []string{"bucket_bytes"}),
	}
}

// Register adds every collector in p to reg.
func (p *Pool) Register(reg *prometheus.Registry) {
	reg.MustRegister(p.Hits, p.Misses, p.Evictions, p.Borrowed, p.BucketLen)
}

// Manager groups the unified resource manager's Prometheus collectors.
type Manager struct {
	ActiveHandles prometheus.Gauge
	BytesByType   *prometheus.GaugeVec
	AvgHoldNanos  prometheus.Gauge
}

// NewManager creates (but does not register) a Manager collector set.
func NewManager() *Manager {
	return &Manager{
		ActiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpuresource", Name: "manager_active_handles",
			Help: "Handles currently owned by the unified resource manager.",
		}),
		BytesByType: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gpuresource", Name: "manager_bytes_by_type",
			Help: "Bytes attributed to each resource type-tag.",
		}, []string{"type_tag"}),
		AvgHoldNanos: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpuresource", Name: "manager_avg_hold_nanos",
			Help: "Running average of handle lifetime from allocate to release.",
		}),
	}
}

// Register adds every collector in m to reg.
func (m *Manager) Register(reg *prometheus.Registry) {
	reg.MustRegister(m.ActiveHandles, m.BytesByType, m.AvgHoldNanos)
}
