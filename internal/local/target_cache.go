package local

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

var targetGlobalKey = []byte("target_global")

// TargetGlobal is the cache-wide target metadata.
type TargetGlobal struct {
	HighestTargetID             int                   `json:"highestTargetId"`
	HighestListenSequenceNumber int64                 `json:"highestListenSequenceNumber"`
	LastRemoteSnapshotVersion   model.SnapshotVersion `json:"lastRemoteSnapshotVersion"`
	TargetCount                 int                   `json:"targetCount"`
}

// referenceDelegate is told whenever a target starts or stops referencing
// a document.
type referenceDelegate interface {
	addReference(txn persistence.Txn, targetID int, key model.DocumentKey) error
	removeReference(txn persistence.Txn, targetID int, key model.DocumentKey) error
}

// TargetCache stores target data and the documents that match each target.
type TargetCache struct {
	delegate referenceDelegate
}

// NewTargetCache returns a target cache.
func NewTargetCache() *TargetCache { return &TargetCache{} }

func targetKey(targetID int) []byte { return persistence.Key().Int(int64(targetID)).Bytes() }

func canonicalIDKey(canonicalID string, targetID int) []byte {
	return persistence.Key().String(canonicalID).Int(int64(targetID)).Bytes()
}

func targetDocumentKey(targetID int, key model.DocumentKey) []byte {
	return persistence.Key().Int(int64(targetID)).String(key.String()).Bytes()
}

func documentTargetKey(key model.DocumentKey, targetID int) []byte {
	return persistence.Key().String(key.String()).Int(int64(targetID)).Bytes()
}

// Metadata returns the cache-wide target metadata.
func (c *TargetCache) Metadata(txn persistence.Txn) (*TargetGlobal, error) {
	g := &TargetGlobal{}
	b, ok, err := txn.Get(persistence.Globals, targetGlobalKey)
	if err != nil || !ok {
		return g, err
	}
	return g, decodeJSON(b, g)
}

func (c *TargetCache) saveMetadata(txn persistence.Txn, g *TargetGlobal) error {
	b, err := encodeJSON(g)
	if err != nil {
		return err
	}
	return txn.Put(persistence.Globals, targetGlobalKey, b)
}

func (c *TargetCache) updateMetadata(txn persistence.Txn, fn func(*TargetGlobal)) error {
	g, err := c.Metadata(txn)
	if err != nil {
		return err
	}
	fn(g)
	return c.saveMetadata(txn, g)
}

// SetTargetsMetadata records the highest sequence number in use and the
// snapshot version of the last remote event.
func (c *TargetCache) SetTargetsMetadata(txn persistence.Txn, highestSeq int64, lastRemote model.SnapshotVersion) error {
	return c.updateMetadata(txn, func(g *TargetGlobal) {
		if highestSeq > g.HighestListenSequenceNumber {
			g.HighestListenSequenceNumber = highestSeq
		}
		if !lastRemote.IsMin() {
			g.LastRemoteSnapshotVersion = lastRemote
		}
	})
}

// ObserveSequenceNumber raises the stored highest sequence number to seq.
func (c *TargetCache) ObserveSequenceNumber(txn persistence.Txn, seq int64) error {
	g, err := c.Metadata(txn)
	if err != nil || seq <= g.HighestListenSequenceNumber {
		return err
	}
	g.HighestListenSequenceNumber = seq
	return c.saveMetadata(txn, g)
}

func (c *TargetCache) saveTargetData(txn persistence.Txn, td *TargetData) error {
	b, err := encodeJSON(td)
	if err != nil {
		return err
	}
	return txn.Put(persistence.Targets, targetKey(td.TargetID), b)
}

// AddTargetData stores a new target.
func (c *TargetCache) AddTargetData(txn persistence.Txn, td *TargetData) error {
	if err := c.saveTargetData(txn, td); err != nil {
		return err
	}
	if err := txn.Put(persistence.TargetCanonicalIDs, canonicalIDKey(td.Target.CanonicalID(), td.TargetID), nil); err != nil {
		return err
	}
	return c.updateMetadata(txn, func(g *TargetGlobal) {
		if td.TargetID > g.HighestTargetID {
			g.HighestTargetID = td.TargetID
		}
		if td.SequenceNumber > g.HighestListenSequenceNumber {
			g.HighestListenSequenceNumber = td.SequenceNumber
		}
		g.TargetCount++
	})
}

// UpdateTargetData replaces the stored data of an existing target.
func (c *TargetCache) UpdateTargetData(txn persistence.Txn, td *TargetData) error {
	if err := c.saveTargetData(txn, td); err != nil {
		return err
	}
	return c.ObserveSequenceNumber(txn, td.SequenceNumber)
}

// RemoveTargetData deletes a target and its document matches.
func (c *TargetCache) RemoveTargetData(txn persistence.Txn, td *TargetData) error {
	if _, err := c.RemoveMatchingKeysForTargetID(txn, td.TargetID); err != nil {
		return err
	}
	if err := txn.Delete(persistence.Targets, targetKey(td.TargetID)); err != nil {
		return err
	}
	if err := txn.Delete(persistence.TargetCanonicalIDs, canonicalIDKey(td.Target.CanonicalID(), td.TargetID)); err != nil {
		return err
	}
	return c.updateMetadata(txn, func(g *TargetGlobal) {
		if g.TargetCount > 0 {
			g.TargetCount--
		}
	})
}

// GetTargetData returns the stored data for target, or nil.
func (c *TargetCache) GetTargetData(txn persistence.Txn, target *query.Target) (*TargetData, error) {
	canonicalID := target.CanonicalID()
	var found *TargetData
	prefix := persistence.Key().String(canonicalID).Bytes()
	err := txn.Scan(persistence.TargetCanonicalIDs, prefix, func(k, _ []byte) (bool, error) {
		r := persistence.ReadKey(k)
		if _, err := r.String(); err != nil {
			return false, err
		}
		id, err := r.Int()
		if err != nil {
			return false, err
		}
		td, err := c.GetTargetDataByID(txn, int(id))
		if err != nil {
			return false, err
		}
		if td != nil && td.Target.CanonicalID() == canonicalID {
			found = td
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// GetTargetDataByID returns the stored data for targetID, or nil.
func (c *TargetCache) GetTargetDataByID(txn persistence.Txn, targetID int) (*TargetData, error) {
	b, ok, err := txn.Get(persistence.Targets, targetKey(targetID))
	if err != nil || !ok {
		return nil, err
	}
	td := &TargetData{}
	return td, decodeJSON(b, td)
}

// ForEachTarget visits every stored target in target id order.
func (c *TargetCache) ForEachTarget(txn persistence.Txn, fn func(*TargetData) (bool, error)) error {
	return txn.Scan(persistence.Targets, nil, func(_, v []byte) (bool, error) {
		td := &TargetData{}
		if err := decodeJSON(v, td); err != nil {
			return false, err
		}
		return fn(td)
	})
}

// AddMatchingKeys records that keys match targetID.
func (c *TargetCache) AddMatchingKeys(txn persistence.Txn, keys model.DocumentKeySet, targetID int) error {
	var err error
	keys.Ascend(func(k model.DocumentKey) bool {
		if err = txn.Put(persistence.TargetDocuments, targetDocumentKey(targetID, k), nil); err != nil {
			return false
		}
		if err = txn.Put(persistence.DocumentTargets, documentTargetKey(k, targetID), nil); err != nil {
			return false
		}
		if c.delegate != nil {
			err = c.delegate.addReference(txn, targetID, k)
		}
		return err == nil
	})
	return err
}

// RemoveMatchingKeys records that keys no longer match targetID.
func (c *TargetCache) RemoveMatchingKeys(txn persistence.Txn, keys model.DocumentKeySet, targetID int) error {
	var err error
	keys.Ascend(func(k model.DocumentKey) bool {
		if err = txn.Delete(persistence.TargetDocuments, targetDocumentKey(targetID, k)); err != nil {
			return false
		}
		if err = txn.Delete(persistence.DocumentTargets, documentTargetKey(k, targetID)); err != nil {
			return false
		}
		if c.delegate != nil {
			err = c.delegate.removeReference(txn, targetID, k)
		}
		return err == nil
	})
	return err
}

// RemoveMatchingKeysForTargetID drops every match of targetID and returns
// the keys that matched.
func (c *TargetCache) RemoveMatchingKeysForTargetID(txn persistence.Txn, targetID int) (model.DocumentKeySet, error) {
	keys, err := c.GetMatchingKeysForTargetID(txn, targetID)
	if err != nil {
		return keys, err
	}
	return keys, c.RemoveMatchingKeys(txn, keys, targetID)
}

// GetMatchingKeysForTargetID returns the documents that match targetID.
func (c *TargetCache) GetMatchingKeysForTargetID(txn persistence.Txn, targetID int) (model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	err := txn.Scan(persistence.TargetDocuments, targetKey(targetID), func(k, _ []byte) (bool, error) {
		r := persistence.ReadKey(k)
		if _, err := r.Int(); err != nil {
			return false, err
		}
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

// ContainsKey reports whether any target matches key.
func (c *TargetCache) ContainsKey(txn persistence.Txn, key model.DocumentKey) (bool, error) {
	found := false
	err := txn.Scan(persistence.DocumentTargets, persistence.Key().String(key.String()).Bytes(), func(_, _ []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}
