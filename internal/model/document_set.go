package model

import (
	"strings"

	"github.com/steveyegge/docsync/internal/sortedmap"
)

// DocumentKeySet is an ordered set of document keys.
type DocumentKeySet = sortedmap.Set[DocumentKey]

// NewDocumentKeySet returns a key set holding keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	return sortedmap.SetOf(CompareKeys, keys...)
}

// DocumentMap is an ordered map from key to document.
type DocumentMap = sortedmap.Map[DocumentKey, *Document]

// NewDocumentMap returns an empty document map.
func NewDocumentMap() DocumentMap {
	return sortedmap.New[DocumentKey, *Document](CompareKeys)
}

// DocumentComparator orders documents for a query.
type DocumentComparator func(a, b *Document) int

// KeyOrder orders documents by key only.
func KeyOrder(a, b *Document) int { return CompareKeys(a.key, b.key) }

// DocumentSet is an immutable set of documents ordered by a query
// comparator, with key lookup.
type DocumentSet struct {
	keyed  DocumentMap
	sorted sortedmap.Set[*Document]
}

// NewDocumentSet returns an empty set ordered by cmp, falling back to key
// order for ties.
func NewDocumentSet(cmp DocumentComparator) DocumentSet {
	if cmp == nil {
		cmp = KeyOrder
	}
	full := func(a, b *Document) int {
		if c := cmp(a, b); c != 0 {
			return c
		}
		return CompareKeys(a.key, b.key)
	}
	return DocumentSet{keyed: NewDocumentMap(), sorted: sortedmap.NewSet(full)}
}

func (s DocumentSet) Len() int { return s.keyed.Len() }
func (s DocumentSet) IsEmpty() bool { return s.keyed.IsEmpty() }
func (s DocumentSet) Has(key DocumentKey) bool { return s.keyed.Has(key) }

// Get returns the document stored under key, or nil.
func (s DocumentSet) Get(key DocumentKey) *Document {
	d, _ := s.keyed.Get(key)
	return d
}

// First returns the first document in query order, or nil.
func (s DocumentSet) First() *Document {
	d, _ := s.sorted.Min()
	return d
}

// Last returns the last document in query order, or nil.
func (s DocumentSet) Last() *Document {
	d, _ := s.sorted.Max()
	return d
}

// Add returns a set with doc inserted, replacing any document with the same
// key.
func (s DocumentSet) Add(doc *Document) DocumentSet {
	s = s.Delete(doc.key)
	return DocumentSet{keyed: s.keyed.Insert(doc.key, doc), sorted: s.sorted.Add(doc)}
}

// Delete returns a set without key.
func (s DocumentSet) Delete(key DocumentKey) DocumentSet {
	old, ok := s.keyed.Get(key)
	if !ok {
		return s
	}
	return DocumentSet{keyed: s.keyed.Remove(key), sorted: s.sorted.Remove(old)}
}

// Ascend visits documents in query order until fn returns false.
func (s DocumentSet) Ascend(fn func(*Document) bool) { s.sorted.Ascend(fn) }

// Docs returns the documents in query order.
func (s DocumentSet) Docs() []*Document { return s.sorted.Slice() }

// Keys returns the keys in key order.
func (s DocumentSet) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	s.keyed.Ascend(func(k DocumentKey, _ *Document) bool {
		keys = keys.Add(k)
		return true
	})
	return keys
}

// Equal reports whether both sets hold equal documents in the same order.
func (s DocumentSet) Equal(o DocumentSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	a, b := s.Docs(), o.Docs()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func (s DocumentSet) String() string {
	parts := make([]string, 0, s.Len())
	s.Ascend(func(d *Document) bool {
		parts = append(parts, d.String())
		return true
	})
	return "DocumentSet[" + strings.Join(parts, ", ") + "]"
}
