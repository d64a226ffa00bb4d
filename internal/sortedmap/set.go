package sortedmap

// Set is an immutable sorted set.
type Set[K any] struct {
	m Map[K, struct{}]
}

// NewSet returns an empty set ordered by cmp.
func NewSet[K any](cmp func(a, b K) int) Set[K] {
	return Set[K]{m: New[K, struct{}](cmp)}
}

// SetOf returns a set containing keys.
func SetOf[K any](cmp func(a, b K) int, keys ...K) Set[K] {
	s := NewSet(cmp)
	for _, k := range keys {
		s = s.Add(k)
	}
	return s
}

func (s Set[K]) Len() int       { return s.m.Len() }
func (s Set[K]) IsEmpty() bool  { return s.m.IsEmpty() }
func (s Set[K]) Has(k K) bool   { return s.m.Has(k) }
func (s Set[K]) Add(k K) Set[K] { return Set[K]{m: s.m.Insert(k, struct{}{})} }

// Remove returns a set without k.
func (s Set[K]) Remove(k K) Set[K] { return Set[K]{m: s.m.Remove(k)} }

// Min returns the smallest element.
func (s Set[K]) Min() (K, bool) {
	k, _, ok := s.m.Min()
	return k, ok
}

// Max returns the largest element.
func (s Set[K]) Max() (K, bool) {
	k, _, ok := s.m.Max()
	return k, ok
}

// Ascend calls fn for each element in order until fn returns false.
func (s Set[K]) Ascend(fn func(K) bool) {
	s.m.Ascend(func(k K, _ struct{}) bool { return fn(k) })
}

// AscendFrom calls fn for each element >= from until fn returns false.
func (s Set[K]) AscendFrom(from K, fn func(K) bool) {
	s.m.AscendFrom(from, func(k K, _ struct{}) bool { return fn(k) })
}

// Union returns a set holding the elements of s and other. The result uses
// the ordering of s.
func (s Set[K]) Union(other Set[K]) Set[K] {
	out := s
	other.Ascend(func(k K) bool {
		out = out.Add(k)
		return true
	})
	return out
}

// Slice returns the elements in ascending order.
func (s Set[K]) Slice() []K { return s.m.Keys() }

// Equal reports whether both sets hold the same elements.
func (s Set[K]) Equal(other Set[K]) bool {
	if s.Len() != other.Len() {
		return false
	}
	equal := true
	s.Ascend(func(k K) bool {
		equal = other.Has(k)
		return equal
	})
	return equal
}
