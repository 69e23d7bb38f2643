// Package concurrency provides the lock-free id→value map the resource
// tracker is built on: reads never block, and insert/remove are
// linearizable via compare-and-swap on bucket heads. Adapted from the
// teacher's LockFreeMap in internal/runtime/concurrency/lfmap.go, extended
// with an approximate Len counter and a LoadAndDelete primitive the
// tracker's unregister path needs to report whether it actually removed
// something.
package concurrency

import (
	"hash/fnv"
	"sync/atomic"
)

// Map is a lock-free hash map with a fixed bucket count. Buckets are
// singly-linked lists manipulated via atomic pointers; a node's value is
// swapped independently of list structure so Load never contends with
// Store/Delete on other keys.
type Map[K comparable, V any] struct {
	buckets []atomic.Pointer[node[K, V]]
	mask    uint64
	hasher  func(K) uint64
	size    atomic.Int64
}

type node[K comparable, V any] struct {
	key  K
	val  atomic.Pointer[valBox[V]]
	next atomic.Pointer[node[K, V]]
}

type valBox[V any] struct{ v V }

// New creates a map with bucket count rounded up to the next power of two.
func New[K comparable, V any](buckets uint64, hasher func(K) uint64) *Map[K, V] {
	if buckets < 2 {
		buckets = 2
	}
	n := uint64(1)
	for n < buckets {
		n <<= 1
	}
	return &Map[K, V]{
		buckets: make([]atomic.Pointer[node[K, V]], n),
		mask:    n - 1,
		hasher:  hasher,
	}
}

// NewString creates a map for string keys using FNV-1a.
func NewString[V any](buckets uint64) *Map[string, V] {
	return New[string, V](buckets, func(k string) uint64 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(k))
		return h.Sum64()
	})
}

func (m *Map[K, V]) bucketIndex(key K) uint64 {
	return m.hasher(key) & m.mask
}

// Load returns the value for key if present.
func (m *Map[K, V]) Load(key K) (V, bool) {
	var zero V
	b := &m.buckets[m.bucketIndex(key)]
	for n := b.Load(); n != nil; n = n.next.Load() {
		if n.key == key {
			vb := n.val.Load()
			if vb == nil {
				return zero, false
			}
			return vb.v, true
		}
	}
	return zero, false
}

// Store sets the value for key, inserting if absent.
func (m *Map[K, V]) Store(key K, value V) {
	idx := m.bucketIndex(key)
	head := &m.buckets[idx]
	for {
		for n := head.Load(); n != nil; n = n.next.Load() {
			if n.key == key {
				n.val.Store(&valBox[V]{v: value})
				return
			}
		}
		newNode := &node[K, V]{key: key}
		newNode.val.Store(&valBox[V]{v: value})
		oldHead := head.Load()
		newNode.next.Store(oldHead)
		if head.CompareAndSwap(oldHead, newNode) {
			m.size.Add(1)
			return
		}
	}
}

// LoadOrStore returns the existing value if present, else stores and
// returns the given value.
func (m *Map[K, V]) LoadOrStore(key K, value V) (V, bool) {
	if v, ok := m.Load(key); ok {
		return v, true
	}
	m.Store(key, value)
	return value, false
}

// LoadAndDelete removes key if present and returns its prior value.
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	var zero V
	idx := m.bucketIndex(key)
	head := &m.buckets[idx]

	prevPtr := head
	n := prevPtr.Load()
	for n != nil {
		next := n.next.Load()
		if n.key == key {
			vb := n.val.Swap(nil)
			if vb == nil {
				return zero, false
			}
			if prevPtr.CompareAndSwap(n, next) {
				m.size.Add(-1)
			}
			return vb.v, true
		}
		prevPtr = &n.next
		n = next
	}
	return zero, false
}

// Delete removes key if present.
func (m *Map[K, V]) Delete(key K) bool {
	_, ok := m.LoadAndDelete(key)
	return ok
}

// Len returns an approximate element count, accurate absent concurrent
// mutation.
func (m *Map[K, V]) Len() int { return int(m.size.Load()) }

// Range iterates key-value pairs in unspecified order; if fn returns
// false, iteration stops early. Range observes a point-in-time view per
// bucket, not a single atomic snapshot of the whole map.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for i := range m.buckets {
		for n := m.buckets[i].Load(); n != nil; n = n.next.Load() {
			vb := n.val.Load()
			if vb == nil {
				continue
			}
			if !fn(n.key, vb.v) {
				return
			}
		}
	}
}

// Keys returns a snapshot copy of all present keys.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Len())
	m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
