package local

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// RemoteDocumentCache holds the last known server state of every cached
// document, including confirmed deletes.
type RemoteDocumentCache struct {
	indexManager *IndexManager
}

// NewRemoteDocumentCache returns a cache that keeps indexManager up to date.
func NewRemoteDocumentCache(indexManager *IndexManager) *RemoteDocumentCache {
	return &RemoteDocumentCache{indexManager: indexManager}
}

func remoteDocumentKey(key model.DocumentKey) []byte {
	return documentKeyBytes(persistence.Key(), key).Bytes()
}

// Add stores doc, replacing any previous entry. The document's read time is
// stored with it.
func (c *RemoteDocumentCache) Add(txn persistence.Txn, doc *model.Document) error {
	b, err := encodeJSON(doc)
	if err != nil {
		return err
	}
	if err := txn.Put(persistence.RemoteDocuments, remoteDocumentKey(doc.Key()), b); err != nil {
		return err
	}
	if err := c.indexManager.AddToCollectionParentIndex(txn, doc.Key().CollectionPath()); err != nil {
		return err
	}
	return c.indexManager.UpdateIndexEntries(txn, doc)
}

// Remove deletes the entry for key.
func (c *RemoteDocumentCache) Remove(txn persistence.Txn, key model.DocumentKey) error {
	if err := txn.Delete(persistence.RemoteDocuments, remoteDocumentKey(key)); err != nil {
		return err
	}
	return c.indexManager.RemoveIndexEntries(txn, key)
}

// Get returns the cached document, or an invalid document if none is cached.
func (c *RemoteDocumentCache) Get(txn persistence.Txn, key model.DocumentKey) (*model.Document, error) {
	b, ok, err := txn.Get(persistence.RemoteDocuments, remoteDocumentKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return model.NewInvalidDocument(key), nil
	}
	doc := &model.Document{}
	if err := decodeJSON(b, doc); err != nil {
		return nil, fmt.Errorf("document %s: %w", key, err)
	}
	return doc, nil
}

// GetAll returns an entry for every key, invalid when not cached.
func (c *RemoteDocumentCache) GetAll(txn persistence.Txn, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs := model.NewDocumentMap()
	var err error
	keys.Ascend(func(k model.DocumentKey) bool {
		var doc *model.Document
		doc, err = c.Get(txn, k)
		if err != nil {
			return false
		}
		docs = docs.Insert(k, doc)
		return true
	})
	return docs, err
}

// GetDocumentsMatchingQuery scans the collection q targets and returns the
// documents read after since that either match q or are in mutatedKeys.
// q must not be a collection group query.
func (c *RemoteDocumentCache) GetDocumentsMatchingQuery(txn persistence.Txn, q *query.Query, since model.SnapshotVersion, mutatedKeys model.DocumentKeySet) (model.DocumentMap, error) {
	docs := model.NewDocumentMap()
	prefix := persistence.Key().String(q.Path.String()).Bytes()
	err := txn.Scan(persistence.RemoteDocuments, prefix, func(_, v []byte) (bool, error) {
		doc := &model.Document{}
		if err := decodeJSON(v, doc); err != nil {
			return false, err
		}
		if !since.IsMin() && doc.ReadTime().Compare(since) <= 0 {
			return true, nil
		}
		if q.Matches(doc) || mutatedKeys.Has(doc.Key()) {
			docs = docs.Insert(doc.Key(), doc)
		}
		return true, nil
	})
	return docs, err
}

// ForEach visits every cached document in collection order.
func (c *RemoteDocumentCache) ForEach(txn persistence.Txn, fn func(*model.Document) (bool, error)) error {
	return txn.Scan(persistence.RemoteDocuments, nil, func(_, v []byte) (bool, error) {
		doc := &model.Document{}
		if err := decodeJSON(v, doc); err != nil {
			return false, err
		}
		return fn(doc)
	})
}
