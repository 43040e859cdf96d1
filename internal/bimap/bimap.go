// Package bimap provides an immutable two-way lookup table for enum
// encodings.
package bimap

// Map maps keys to values and values back to keys. It is built once and
// never modified, so it is safe for concurrent use.
type Map[K comparable, V comparable] struct {
	forward map[K]V
	reverse map[V]K
}

// New copies pairs into a Map. When two keys share a value the reverse
// lookup keeps an arbitrary one of them.
func New[K comparable, V comparable](pairs map[K]V) *Map[K, V] {
	m := &Map[K, V]{
		forward: make(map[K]V, len(pairs)),
		reverse: make(map[V]K, len(pairs)),
	}
	for k, v := range pairs {
		m.forward[k] = v
		m.reverse[v] = k
	}
	return m
}

// Value returns the value for key.
func (m *Map[K, V]) Value(key K) (V, bool) {
	v, ok := m.forward[key]
	return v, ok
}

// Key returns the key for value.
func (m *Map[K, V]) Key(value V) (K, bool) {
	k, ok := m.reverse[value]
	return k, ok
}

// Len returns the number of pairs.
func (m *Map[K, V]) Len() int {
	return len(m.forward)
}
