// Package cowmap is an insertion-ordered map with lock-free snapshot reads
// and serialized copy-on-write mutation.
package cowmap

import (
	"sync"
	"sync/atomic"
)

type snapshot[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

// Map publishes an immutable snapshot after every mutation. Readers never
// block; writers hold one mutex and publish once per Update.
type Map[K comparable, V any] struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot[K, V]]
}

func New[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{}
	m.snap.Store(&snapshot[K, V]{values: map[K]V{}})
	return m
}

func (m *Map[K, V]) load() *snapshot[K, V] {
	if s := m.snap.Load(); s != nil {
		return s
	}
	return &snapshot[K, V]{}
}

func (m *Map[K, V]) Load(k K) (V, bool) {
	v, ok := m.load().values[k]
	return v, ok
}

func (m *Map[K, V]) Len() int { return len(m.load().keys) }

// Range visits entries of the current snapshot in insertion order until fn
// returns false.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	s := m.load()
	for _, k := range s.keys {
		if !fn(k, s.values[k]) {
			return
		}
	}
}

func (m *Map[K, V]) Keys() []K {
	s := m.load()
	out := make([]K, len(s.keys))
	copy(out, s.keys)
	return out
}

func (m *Map[K, V]) Values() []V {
	s := m.load()
	out := make([]V, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.values[k])
	}
	return out
}

func (m *Map[K, V]) Store(k K, v V) {
	m.Update(func(tx *Tx[K, V]) { tx.Set(k, v) })
}

// Delete removes k and reports whether it was present.
func (m *Map[K, V]) Delete(k K) bool {
	var ok bool
	m.Update(func(tx *Tx[K, V]) { ok = tx.Delete(k) })
	return ok
}

// LoadOrStore returns the existing value for k, or stores and returns v.
func (m *Map[K, V]) LoadOrStore(k K, v V) (V, bool) {
	if cur, ok := m.Load(k); ok {
		return cur, true
	}
	var out V
	var loaded bool
	m.Update(func(tx *Tx[K, V]) {
		if cur, ok := tx.Get(k); ok {
			out, loaded = cur, true
			return
		}
		tx.Set(k, v)
		out = v
	})
	return out, loaded
}

// Update runs fn under the writer lock against a private copy and publishes
// the copy when fn returns. Readers see either the old or the new snapshot.
func (m *Map[K, V]) Update(fn func(tx *Tx[K, V])) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.load()
	tx := &Tx[K, V]{
		keys:   append([]K(nil), cur.keys...),
		values: make(map[K]V, len(cur.values)),
	}
	for k, v := range cur.values {
		tx.values[k] = v
	}
	fn(tx)
	if tx.dirty {
		m.snap.Store(&snapshot[K, V]{keys: tx.keys, values: tx.values})
	}
}

// Tx is a private working copy handed to Update callbacks. It must not escape
// the callback.
type Tx[K comparable, V any] struct {
	keys   []K
	values map[K]V
	dirty  bool
}

func (tx *Tx[K, V]) Get(k K) (V, bool) {
	v, ok := tx.values[k]
	return v, ok
}

func (tx *Tx[K, V]) Len() int { return len(tx.keys) }

// Set keeps the original position of an existing key.
func (tx *Tx[K, V]) Set(k K, v V) {
	if _, ok := tx.values[k]; !ok {
		tx.keys = append(tx.keys, k)
	}
	tx.values[k] = v
	tx.dirty = true
}

func (tx *Tx[K, V]) Delete(k K) bool {
	if _, ok := tx.values[k]; !ok {
		return false
	}
	delete(tx.values, k)
	for i, key := range tx.keys {
		if key == k {
			tx.keys = append(tx.keys[:i], tx.keys[i+1:]...)
			break
		}
	}
	tx.dirty = true
	return true
}

func (tx *Tx[K, V]) Range(fn func(K, V) bool) {
	for _, k := range tx.keys {
		if !fn(k, tx.values[k]) {
			return
		}
	}
}

// DeleteFunc removes every entry for which drop returns true and reports how
// many were removed.
func (tx *Tx[K, V]) DeleteFunc(drop func(K, V) bool) int {
	kept := tx.keys[:0]
	removed := 0
	for _, k := range tx.keys {
		if drop(k, tx.values[k]) {
			delete(tx.values, k)
			removed++
			continue
		}
		kept = append(kept, k)
	}
	tx.keys = kept
	if removed > 0 {
		tx.dirty = true
	}
	return removed
}
