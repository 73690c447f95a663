// Package shard provides a fixed-shard concurrent map. Keys hash to one of
// a fixed number of buckets, each behind its own lock, so operations on
// distinct keys rarely contend and per-key latency stays flat as the map
// grows.
package shard

import "sync"

const bucketCount = 32

// Map is a string-keyed concurrent map sharded across fixed buckets.
type Map[V any] struct {
	buckets [bucketCount]bucket[V]
}

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// NewMap returns an empty sharded map.
func NewMap[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.buckets {
		m.buckets[i].m = make(map[string]V)
	}
	return m
}

// fnv-1a, inlined to keep the hot path allocation-free.
func hash(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	return &m.buckets[hash(key)%bucketCount]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	return v, ok
}

// Set stores v under key.
func (m *Map[V]) Set(key string, v V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	b.m[key] = v
	b.mu.Unlock()
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	b := m.bucketFor(key)
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// Update runs fn for key under its bucket's write lock. fn receives the
// current value and whether it exists, and returns the value to store and
// whether to keep it; keep == false deletes the key. This is the atomic
// read-modify-write primitive compound registry operations build on.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (V, bool)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	cur, ok := b.m[key]
	next, keep := fn(cur, ok)
	if keep {
		b.m[key] = next
	} else if ok {
		delete(b.m, key)
	}
	b.mu.Unlock()
}

// Len returns the number of entries across all buckets.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Each bucket is
// read-locked only while its own entries are visited, so entries mutated
// concurrently in other buckets may or may not be seen.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// DeleteFunc removes every entry for which fn returns true, one bucket at a
// time under its write lock, and returns how many were removed.
func (m *Map[V]) DeleteFunc(fn func(key string, v V) bool) int {
	removed := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		for k, v := range b.m {
			if fn(k, v) {
				delete(b.m, k)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}
