package local

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
)

// lruReferenceDelegate stamps documents and targets with the sequence
// number of the transaction that last touched them, and answers the
// collector's questions about them.
type lruReferenceDelegate struct {
	targetCache  *TargetCache
	remoteDocs   *RemoteDocumentCache
	indexManager *IndexManager
	// inMemoryPins holds documents referenced by local views.
	inMemoryPins *ReferenceSet

	currentSeq int64
	stamped    bool
}

var (
	_ referenceDelegate = (*lruReferenceDelegate)(nil)
	_ lruDelegate       = (*lruReferenceDelegate)(nil)
)

func documentSequenceKey(key model.DocumentKey) []byte {
	return persistence.Key().String(key.String()).Bytes()
}

// beginTransaction sets the sequence number stamped by the next transaction.
func (d *lruReferenceDelegate) beginTransaction(seq int64) {
	d.currentSeq = seq
	d.stamped = false
}

func (d *lruReferenceDelegate) writeSentinel(txn persistence.Txn, key model.DocumentKey) error {
	d.stamped = true
	return txn.Put(persistence.DocumentSequence, documentSequenceKey(key), encodeInt(d.currentSeq))
}

func (d *lruReferenceDelegate) addReference(txn persistence.Txn, _ int, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *lruReferenceDelegate) removeReference(txn persistence.Txn, _ int, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

// removeMutationReference is called when a batch that wrote key leaves the
// queue.
func (d *lruReferenceDelegate) removeMutationReference(txn persistence.Txn, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

// updateLimboDocument is called when a limbo resolution confirms key.
func (d *lruReferenceDelegate) updateLimboDocument(txn persistence.Txn, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

// removeTarget stamps a released target so it ages from now on.
func (d *lruReferenceDelegate) removeTarget(txn persistence.Txn, td *TargetData) error {
	d.stamped = true
	return d.targetCache.UpdateTargetData(txn, td.WithSequenceNumber(d.currentSeq))
}

func (d *lruReferenceDelegate) sequenceNumberCount(txn persistence.Txn) (int, error) {
	meta, err := d.targetCache.Metadata(txn)
	if err != nil {
		return 0, err
	}
	orphans := 0
	err = d.forEachOrphanedDocument(txn, func(model.DocumentKey, int64) { orphans++ })
	return meta.TargetCount + orphans, err
}

func (d *lruReferenceDelegate) forEachTarget(txn persistence.Txn, fn func(seq int64)) error {
	return d.targetCache.ForEachTarget(txn, func(td *TargetData) (bool, error) {
		fn(td.SequenceNumber)
		return true, nil
	})
}

// forEachOrphanedDocument visits documents that carry a sequence number but
// match no target.
func (d *lruReferenceDelegate) forEachOrphanedDocument(txn persistence.Txn, fn func(key model.DocumentKey, seq int64)) error {
	return txn.Scan(persistence.DocumentSequence, nil, func(k, v []byte) (bool, error) {
		s, err := persistence.ReadKey(k).String()
		if err != nil {
			return false, err
		}
		key, err := model.ParseDocumentKey(s)
		if err != nil {
			return false, err
		}
		seq, err := decodeInt(v)
		if err != nil {
			return false, err
		}
		inTarget, err := d.targetCache.ContainsKey(txn, key)
		if err != nil {
			return false, err
		}
		if !inTarget {
			fn(key, seq)
		}
		return true, nil
	})
}

func (d *lruReferenceDelegate) removeTargets(txn persistence.Txn, upperBound int64, active map[int]bool) (int, error) {
	var doomed []*TargetData
	err := d.targetCache.ForEachTarget(txn, func(td *TargetData) (bool, error) {
		if td.SequenceNumber <= upperBound && !active[td.TargetID] {
			doomed = append(doomed, td)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, td := range doomed {
		if err := d.targetCache.RemoveTargetData(txn, td); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

func (d *lruReferenceDelegate) isPinned(txn persistence.Txn, key model.DocumentKey) (bool, error) {
	if d.inMemoryPins != nil && d.inMemoryPins.ContainsKey(key) {
		return true, nil
	}
	return MutationQueuesContainKey(txn, d.indexManager, key)
}

func (d *lruReferenceDelegate) removeOrphanedDocuments(txn persistence.Txn, upperBound int64) (int, error) {
	var candidates []model.DocumentKey
	err := d.forEachOrphanedDocument(txn, func(key model.DocumentKey, seq int64) {
		if seq <= upperBound {
			candidates = append(candidates, key)
		}
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range candidates {
		pinned, err := d.isPinned(txn, key)
		if err != nil {
			return removed, err
		}
		if pinned {
			continue
		}
		if err := d.remoteDocs.Remove(txn, key); err != nil {
			return removed, err
		}
		if err := txn.Delete(persistence.DocumentSequence, documentSequenceKey(key)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
