// Package sortedmap provides immutable ordered maps and sets ordered by a
// comparison function.
//
// Every mutating operation returns a new value and leaves the receiver
// untouched. The maps are persistent B+trees from
// github.com/benbjohnson/immutable, so unchanged nodes are shared between
// versions and keeping an old snapshot around (for a view diff or a rolled
// back transaction) costs only the nodes on the modified path.
package sortedmap

import "github.com/benbjohnson/immutable"

// comparer adapts a comparison function to immutable.Comparer.
type comparer[K any] func(a, b K) int

func (c comparer[K]) Compare(a, b K) int { return c(a, b) }

// Map is an immutable sorted map. The zero value is an empty map that can be
// read but not written; create maps with New.
type Map[K, V any] struct {
	cmp  func(a, b K) int
	tree *immutable.SortedMap[K, V]
}

// New returns an empty map ordered by cmp.
func New[K, V any](cmp func(a, b K) int) Map[K, V] {
	return Map[K, V]{cmp: cmp, tree: immutable.NewSortedMap[K, V](comparer[K](cmp))}
}

// Len returns the number of entries.
func (m Map[K, V]) Len() int {
	if m.tree == nil {
		return 0
	}
	return m.tree.Len()
}

// IsEmpty reports whether the map has no entries.
func (m Map[K, V]) IsEmpty() bool { return m.Len() == 0 }

// Get returns the value stored under k.
func (m Map[K, V]) Get(k K) (V, bool) {
	if m.tree == nil {
		var zero V
		return zero, false
	}
	return m.tree.Get(k)
}

// Has reports whether k is present.
func (m Map[K, V]) Has(k K) bool {
	_, ok := m.Get(k)
	return ok
}

// Insert returns a map with k set to v.
func (m Map[K, V]) Insert(k K, v V) Map[K, V] {
	return Map[K, V]{cmp: m.cmp, tree: m.tree.Set(k, v)}
}

// Remove returns a map without k. Removing a missing key returns m.
func (m Map[K, V]) Remove(k K) Map[K, V] {
	if !m.Has(k) {
		return m
	}
	return Map[K, V]{cmp: m.cmp, tree: m.tree.Delete(k)}
}

func (m Map[K, V]) iterator() *immutable.SortedMapIterator[K, V] {
	if m.tree == nil {
		return nil
	}
	return m.tree.Iterator()
}

// Min returns the smallest entry.
func (m Map[K, V]) Min() (K, V, bool) {
	itr := m.iterator()
	if itr == nil {
		var k K
		var v V
		return k, v, false
	}
	itr.First()
	return itr.Next()
}

// Max returns the largest entry.
func (m Map[K, V]) Max() (K, V, bool) {
	itr := m.iterator()
	if itr == nil {
		var k K
		var v V
		return k, v, false
	}
	itr.Last()
	return itr.Prev()
}

// Ascend calls fn for every entry in ascending order until fn returns false.
func (m Map[K, V]) Ascend(fn func(K, V) bool) {
	itr := m.iterator()
	if itr == nil {
		return
	}
	itr.First()
	walk(itr.Next, fn)
}

// AscendFrom calls fn for every entry with key >= from in ascending order
// until fn returns false.
func (m Map[K, V]) AscendFrom(from K, fn func(K, V) bool) {
	itr := m.iterator()
	if itr == nil {
		return
	}
	itr.Seek(from)
	walk(itr.Next, fn)
}

// Descend calls fn for every entry in descending order until fn returns false.
func (m Map[K, V]) Descend(fn func(K, V) bool) {
	itr := m.iterator()
	if itr == nil {
		return
	}
	itr.Last()
	walk(itr.Prev, fn)
}

func walk[K, V any](step func() (K, V, bool), fn func(K, V) bool) {
	for {
		k, v, ok := step()
		if !ok || !fn(k, v) {
			return
		}
	}
}

// Keys returns all keys in ascending order.
func (m Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Len())
	m.Ascend(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Comparator returns the ordering function of the map.
func (m Map[K, V]) Comparator() func(a, b K) int { return m.cmp }
