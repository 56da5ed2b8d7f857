package utils

import (
	"sync"

	"go.uber.org/atomic"
)

// ConcurrentMap is a typed sync.Map that tracks its length.
type ConcurrentMap[K comparable, V any] struct {
	inner sync.Map
	// Self-managed Len(), see: https://github.com/golang/go/issues/20680.
	len atomic.Uint64
}

func NewConcurrentMap[K comparable, V any]() *ConcurrentMap[K, V] {
	return &ConcurrentMap[K, V]{}
}

// Len returns the number of entries.
func (m *ConcurrentMap[K, V]) Len() int {
	return int(m.len.Load())
}

// Insert inserts or replaces the value of key.
func (m *ConcurrentMap[K, V]) Insert(key K, value V) {
	if _, loaded := m.inner.Swap(key, value); !loaded {
		m.len.Inc()
	}
}

func (m *ConcurrentMap[K, V]) Get(key K) (V, bool) {
	var zero V
	value, ok := m.inner.Load(key)
	if !ok {
		return zero, false
	}
	return value.(V), true
}

func (m *ConcurrentMap[K, V]) Contain(key K) bool {
	_, ok := m.inner.Load(key)
	return ok
}

// GetOrInsert returns the existing value and true if key is present,
// otherwise it stores value and returns it with false.
func (m *ConcurrentMap[K, V]) GetOrInsert(key K, value V) (V, bool) {
	stored, loaded := m.inner.LoadOrStore(key, value)
	if !loaded {
		m.len.Inc()
	}
	return stored.(V), loaded
}

// GetAndRemove removes key and returns its former value.
func (m *ConcurrentMap[K, V]) GetAndRemove(key K) (V, bool) {
	var zero V
	value, loaded := m.inner.LoadAndDelete(key)
	if !loaded {
		return zero, false
	}
	m.len.Dec()
	return value.(V), true
}

// Remove deletes key, do nothing if it is absent.
func (m *ConcurrentMap[K, V]) Remove(key K) {
	m.GetAndRemove(key)
}

// Range calls f for every entry until f returns false.
func (m *ConcurrentMap[K, V]) Range(f func(key K, value V) bool) {
	m.inner.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Values returns a snapshot of the values.
func (m *ConcurrentMap[K, V]) Values() []V {
	values := make([]V, 0, m.Len())
	m.Range(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}
