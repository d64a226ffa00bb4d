package local

import (
	"cmp"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/sortedmap"
)

type docRef struct {
	key model.DocumentKey
	id  int
}

func compareByKey(a, b docRef) int {
	if c := model.CompareKeys(a.key, b.key); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

func compareByID(a, b docRef) int {
	if c := cmp.Compare(a.id, b.id); c != 0 {
		return c
	}
	return model.CompareKeys(a.key, b.key)
}

// ReferenceSet tracks which ids (targets or batches) hold references to
// which documents, indexed both ways. It is not safe for concurrent use.
type ReferenceSet struct {
	byKey sortedmap.Set[docRef]
	byID  sortedmap.Set[docRef]
}

// NewReferenceSet returns an empty set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: sortedmap.NewSet(compareByKey),
		byID:  sortedmap.NewSet(compareByID),
	}
}

func (r *ReferenceSet) IsEmpty() bool { return r.byKey.IsEmpty() }

// AddReference records that id references key.
func (r *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ref := docRef{key: key, id: id}
	r.byKey = r.byKey.Add(ref)
	r.byID = r.byID.Add(ref)
}

// AddReferences records that id references every key in keys.
func (r *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	keys.Ascend(func(k model.DocumentKey) bool {
		r.AddReference(k, id)
		return true
	})
}

// RemoveReference drops one reference.
func (r *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	ref := docRef{key: key, id: id}
	r.byKey = r.byKey.Remove(ref)
	r.byID = r.byID.Remove(ref)
}

// RemoveReferences drops the references id holds to keys.
func (r *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	keys.Ascend(func(k model.DocumentKey) bool {
		r.RemoveReference(k, id)
		return true
	})
}

// RemoveReferencesForID drops every reference held by id and returns the
// keys that were referenced.
func (r *ReferenceSet) RemoveReferencesForID(id int) model.DocumentKeySet {
	keys := r.ReferencesForID(id)
	r.RemoveReferences(keys, id)
	return keys
}

// RemoveAllReferences empties the set.
func (r *ReferenceSet) RemoveAllReferences() {
	*r = *NewReferenceSet()
}

// ReferencesForID returns the keys referenced by id.
func (r *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	r.byID.AscendFrom(docRef{id: id}, func(ref docRef) bool {
		if ref.id != id {
			return false
		}
		keys = keys.Add(ref.key)
		return true
	})
	return keys
}

// ContainsKey reports whether any id references key.
func (r *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	found := false
	r.byKey.AscendFrom(docRef{key: key, id: minInt}, func(ref docRef) bool {
		found = ref.key == key
		return false
	})
	return found
}

const minInt = -int(^uint(0)>>1) - 1
