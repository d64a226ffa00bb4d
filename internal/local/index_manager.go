package local

import (
	"math"
	"strconv"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
)

// FieldIndex is a single-field equality index over one collection group.
type FieldIndex struct {
	CollectionGroup string          `json:"collectionGroup"`
	Field           model.FieldPath `json:"field"`
	// ReadTime is the newest document read time reflected in the index.
	ReadTime model.SnapshotVersion `json:"readTime"`
}

// IndexManager maintains the collection parent index used by collection
// group queries and the configured field indexes.
type IndexManager struct{}

// NewIndexManager returns an index manager.
func NewIndexManager() *IndexManager { return &IndexManager{} }

// AddToCollectionParentIndex records that collection exists.
func (m *IndexManager) AddToCollectionParentIndex(txn persistence.Txn, collection model.ResourcePath) error {
	key := persistence.Key().String(collection.LastSegment()).String(collection.Parent().String()).Bytes()
	return txn.Put(persistence.CollectionParents, key, nil)
}

// GetCollectionParents returns the parent paths of every collection named
// collectionID.
func (m *IndexManager) GetCollectionParents(txn persistence.Txn, collectionID string) ([]model.ResourcePath, error) {
	var parents []model.ResourcePath
	prefix := persistence.Key().String(collectionID).Bytes()
	err := txn.Scan(persistence.CollectionParents, prefix, func(k, _ []byte) (bool, error) {
		r := persistence.ReadKey(k)
		if _, err := r.String(); err != nil {
			return false, err
		}
		parent, err := r.String()
		if err != nil {
			return false, err
		}
		parents = append(parents, model.ParseResourcePath(parent))
		return true, nil
	})
	return parents, err
}

func indexConfigKey(group string, field model.FieldPath) []byte {
	return persistence.Key().String(group).String(field.String()).Bytes()
}

// FieldIndexes returns the indexes configured for collectionGroup.
func (m *IndexManager) FieldIndexes(txn persistence.Txn, collectionGroup string) ([]FieldIndex, error) {
	return m.scanIndexes(txn, persistence.Key().String(collectionGroup).Bytes())
}

// AllFieldIndexes returns every configured index.
func (m *IndexManager) AllFieldIndexes(txn persistence.Txn) ([]FieldIndex, error) {
	return m.scanIndexes(txn, nil)
}

func (m *IndexManager) scanIndexes(txn persistence.Txn, prefix []byte) ([]FieldIndex, error) {
	var out []FieldIndex
	err := txn.Scan(persistence.IndexConfigs, prefix, func(_, v []byte) (bool, error) {
		var idx FieldIndex
		if err := decodeJSON(v, &idx); err != nil {
			return false, err
		}
		out = append(out, idx)
		return true, nil
	})
	return out, err
}

func (m *IndexManager) saveIndex(txn persistence.Txn, idx FieldIndex) error {
	b, err := encodeJSON(idx)
	if err != nil {
		return err
	}
	return txn.Put(persistence.IndexConfigs, indexConfigKey(idx.CollectionGroup, idx.Field), b)
}

// ConfigureFieldIndexes replaces the configured indexes with indexes and
// backfills them from the remote documents.
func (m *IndexManager) ConfigureFieldIndexes(txn persistence.Txn, indexes []FieldIndex, remoteDocs *RemoteDocumentCache) error {
	var keys [][]byte
	for _, table := range []persistence.Table{persistence.IndexConfigs, persistence.IndexEntries} {
		keys = keys[:0]
		err := txn.Scan(table, nil, func(k, _ []byte) (bool, error) {
			keys = append(keys, append([]byte(nil), k...))
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(table, k); err != nil {
				return err
			}
		}
	}
	for _, idx := range indexes {
		idx.ReadTime = model.MinVersion()
		if err := m.saveIndex(txn, idx); err != nil {
			return err
		}
	}
	return remoteDocs.ForEach(txn, func(doc *model.Document) (bool, error) {
		return true, m.UpdateIndexEntries(txn, doc)
	})
}

// indexValueKey maps values that compare equal to the same string. Numbers
// are normalized so 1 and 1.0 share an entry.
func indexValueKey(v model.Value) string {
	if v.IsNumber() {
		f := v.Number()
		if f == 0 || math.IsNaN(f) {
			f = math.Abs(f)
		}
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v.CanonicalString()
}

// indexable reports whether equality on v can be answered from an index.
func indexable(v model.Value) bool {
	switch v.Kind() {
	case model.KindArray, model.KindMap, model.KindVector, model.KindServerTimestamp:
		return false
	}
	return true
}

func forwardEntryKey(idx FieldIndex, valueKey string, key model.DocumentKey) []byte {
	return persistence.Key().String("f").String(idx.CollectionGroup).String(idx.Field.String()).
		String(valueKey).String(key.String()).Bytes()
}

func reverseEntryKey(idx FieldIndex, key model.DocumentKey) []byte {
	return persistence.Key().String("r").String(idx.CollectionGroup).String(idx.Field.String()).
		String(key.String()).Bytes()
}

func (m *IndexManager) removeEntry(txn persistence.Txn, idx FieldIndex, key model.DocumentKey) error {
	rk := reverseEntryKey(idx, key)
	old, ok, err := txn.Get(persistence.IndexEntries, rk)
	if err != nil || !ok {
		return err
	}
	if err := txn.Delete(persistence.IndexEntries, forwardEntryKey(idx, string(old), key)); err != nil {
		return err
	}
	return txn.Delete(persistence.IndexEntries, rk)
}

// UpdateIndexEntries re-indexes doc in every index of its collection group.
func (m *IndexManager) UpdateIndexEntries(txn persistence.Txn, doc *model.Document) error {
	indexes, err := m.FieldIndexes(txn, doc.Key().CollectionGroup())
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := m.removeEntry(txn, idx, doc.Key()); err != nil {
			return err
		}
		if doc.IsFoundDocument() {
			if v, ok := doc.Field(idx.Field); ok && indexable(v) {
				vk := indexValueKey(v)
				if err := txn.Put(persistence.IndexEntries, forwardEntryKey(idx, vk, doc.Key()), nil); err != nil {
					return err
				}
				if err := txn.Put(persistence.IndexEntries, reverseEntryKey(idx, doc.Key()), []byte(vk)); err != nil {
					return err
				}
			}
		}
		if doc.ReadTime().Compare(idx.ReadTime) > 0 {
			idx.ReadTime = doc.ReadTime()
			if err := m.saveIndex(txn, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveIndexEntries drops key from every index of its collection group.
func (m *IndexManager) RemoveIndexEntries(txn persistence.Txn, key model.DocumentKey) error {
	indexes, err := m.FieldIndexes(txn, key.CollectionGroup())
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := m.removeEntry(txn, idx, key); err != nil {
			return err
		}
	}
	return nil
}

// DocumentsWithValue returns the keys whose indexed field equals v.
func (m *IndexManager) DocumentsWithValue(txn persistence.Txn, idx FieldIndex, v model.Value) (model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	prefix := persistence.Key().String("f").String(idx.CollectionGroup).String(idx.Field.String()).
		String(indexValueKey(v)).Bytes()
	err := txn.Scan(persistence.IndexEntries, prefix, func(k, _ []byte) (bool, error) {
		r := persistence.ReadKey(k[len(prefix):])
		s, err := r.String()
		if err != nil {
			return false, err
		}
		key, err := model.ParseDocumentKey(s)
		if err != nil {
			return false, err
		}
		keys = keys.Add(key)
		return true, nil
	})
	return keys, err
}
