package local

import (
	"fmt"
	"sort"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// queueMetadata is the per-user row in mutation_queues.
type queueMetadata struct {
	LastAcknowledgedBatchID int    `json:"lastAcknowledgedBatchId"`
	LastStreamToken         []byte `json:"lastStreamToken,omitempty"`
}

// MutationQueue is the persisted FIFO of one user's unacknowledged batches.
type MutationQueue struct {
	userID       string
	indexManager *IndexManager
	nextBatchID  int
}

// NewMutationQueue returns the queue of userID. Call Start before use.
func NewMutationQueue(userID string, indexManager *IndexManager) *MutationQueue {
	return &MutationQueue{userID: userID, indexManager: indexManager, nextBatchID: 1}
}

// UserID returns the owner of the queue.
func (q *MutationQueue) UserID() string { return q.userID }

func (q *MutationQueue) batchKey(batchID int) []byte {
	return persistence.Key().String(q.userID).Int(int64(batchID)).Bytes()
}

func (q *MutationQueue) documentPrefix(key model.DocumentKey) *persistence.KeyBuilder {
	return documentKeyBytes(persistence.Key().String(q.userID), key)
}

func (q *MutationQueue) userPrefix() []byte { return persistence.Key().String(q.userID).Bytes() }

// Start loads the next batch id. Batch ids are unique across users.
func (q *MutationQueue) Start(txn persistence.Txn) error {
	highest := 0
	err := txn.Scan(persistence.Mutations, nil, func(_, v []byte) (bool, error) {
		var b mutation.Batch
		if err := decodeJSON(v, &b); err != nil {
			return false, err
		}
		if b.BatchID > highest {
			highest = b.BatchID
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to load mutation queue: %w", err)
	}
	meta, err := q.metadata(txn)
	if err != nil {
		return err
	}
	if meta.LastAcknowledgedBatchID > highest {
		highest = meta.LastAcknowledgedBatchID
	}
	q.nextBatchID = highest + 1
	return nil
}

func (q *MutationQueue) metadata(txn persistence.Txn) (*queueMetadata, error) {
	meta := &queueMetadata{LastAcknowledgedBatchID: mutation.BatchIDUnknown}
	b, ok, err := txn.Get(persistence.MutationQueues, q.userPrefix())
	if err != nil || !ok {
		return meta, err
	}
	return meta, decodeJSON(b, meta)
}

func (q *MutationQueue) saveMetadata(txn persistence.Txn, meta *queueMetadata) error {
	b, err := encodeJSON(meta)
	if err != nil {
		return err
	}
	return txn.Put(persistence.MutationQueues, q.userPrefix(), b)
}

// IsEmpty reports whether the queue holds no batches.
func (q *MutationQueue) IsEmpty(txn persistence.Txn) (bool, error) {
	empty := true
	err := txn.Scan(persistence.Mutations, q.userPrefix(), func(_, _ []byte) (bool, error) {
		empty = false
		return false, nil
	})
	return empty, err
}

func (q *MutationQueue) saveBatch(txn persistence.Txn, batch *mutation.Batch) error {
	b, err := encodeJSON(batch)
	if err != nil {
		return err
	}
	return txn.Put(persistence.Mutations, q.batchKey(batch.BatchID), b)
}

// AddMutationBatch assigns the next batch id and stores a new batch.
func (q *MutationQueue) AddMutationBatch(txn persistence.Txn, localWriteTime model.Timestamp, baseMutations, mutations []*mutation.Mutation) (*mutation.Batch, error) {
	batch := &mutation.Batch{
		BatchID:        q.nextBatchID,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	q.nextBatchID++

	if err := q.saveBatch(txn, batch); err != nil {
		return nil, err
	}
	meta, err := q.metadata(txn)
	if err != nil {
		return nil, err
	}
	if err := q.saveMetadata(txn, meta); err != nil {
		return nil, err
	}
	for _, m := range mutations {
		key := q.documentPrefix(m.Key).Int(int64(batch.BatchID)).Bytes()
		if err := txn.Put(persistence.DocumentMutations, key, nil); err != nil {
			return nil, err
		}
		if err := q.indexManager.AddToCollectionParentIndex(txn, m.Key.CollectionPath()); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// UpdateMutationBatch rewrites a stored batch, for example after its base
// mutations were re-based.
func (q *MutationQueue) UpdateMutationBatch(txn persistence.Txn, batch *mutation.Batch) error {
	return q.saveBatch(txn, batch)
}

// LookupMutationBatch returns the batch with id, or nil.
func (q *MutationQueue) LookupMutationBatch(txn persistence.Txn, batchID int) (*mutation.Batch, error) {
	b, ok, err := txn.Get(persistence.Mutations, q.batchKey(batchID))
	if err != nil || !ok {
		return nil, err
	}
	batch := &mutation.Batch{}
	return batch, decodeJSON(b, batch)
}

// NextMutationBatchAfterBatchID returns the first batch with an id greater
// than batchID, or nil.
func (q *MutationQueue) NextMutationBatchAfterBatchID(txn persistence.Txn, batchID int) (*mutation.Batch, error) {
	var next *mutation.Batch
	start := q.batchKey(batchID + 1)
	end := persistence.Key().String(q.userID).Int(1<<62).Bytes()
	err := txn.ScanRange(persistence.Mutations, start, end, func(_, v []byte) (bool, error) {
		next = &mutation.Batch{}
		return false, decodeJSON(v, next)
	})
	return next, err
}

// HighestUnacknowledgedBatchID returns the id of the newest queued batch or
// mutation.BatchIDUnknown.
func (q *MutationQueue) HighestUnacknowledgedBatchID(txn persistence.Txn) (int, error) {
	batches, err := q.AllMutationBatches(txn)
	if err != nil || len(batches) == 0 {
		return mutation.BatchIDUnknown, err
	}
	return batches[len(batches)-1].BatchID, nil
}

// AllMutationBatches returns the queue in batch id order.
func (q *MutationQueue) AllMutationBatches(txn persistence.Txn) ([]*mutation.Batch, error) {
	var out []*mutation.Batch
	err := txn.Scan(persistence.Mutations, q.userPrefix(), func(_, v []byte) (bool, error) {
		b := &mutation.Batch{}
		if err := decodeJSON(v, b); err != nil {
			return false, err
		}
		out = append(out, b)
		return true, nil
	})
	return out, err
}

func (q *MutationQueue) batchIDsForPrefix(txn persistence.Txn, prefix []byte, ids map[int]bool) error {
	return txn.Scan(persistence.DocumentMutations, prefix, func(k, _ []byte) (bool, error) {
		r := persistence.ReadKey(k)
		if _, err := r.String(); err != nil {
			return false, err
		}
		if _, err := readDocumentKey(r); err != nil {
			return false, err
		}
		id, err := r.Int()
		if err != nil {
			return false, err
		}
		ids[int(id)] = true
		return true, nil
	})
}

func (q *MutationQueue) lookupAll(txn persistence.Txn, ids map[int]bool) ([]*mutation.Batch, error) {
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	out := make([]*mutation.Batch, 0, len(sorted))
	for _, id := range sorted {
		b, err := q.LookupMutationBatch(txn, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// AllMutationBatchesAffectingDocumentKeys returns, in batch id order, every
// batch that writes one of keys.
func (q *MutationQueue) AllMutationBatchesAffectingDocumentKeys(txn persistence.Txn, keys model.DocumentKeySet) ([]*mutation.Batch, error) {
	ids := map[int]bool{}
	var err error
	keys.Ascend(func(k model.DocumentKey) bool {
		err = q.batchIDsForPrefix(txn, q.documentPrefix(k).Bytes(), ids)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return q.lookupAll(txn, ids)
}

// AllMutationBatchesAffectingQuery returns, in batch id order, every batch
// that writes a document in the collection (or document) q targets.
func (q *MutationQueue) AllMutationBatchesAffectingQuery(txn persistence.Txn, qry *query.Query) ([]*mutation.Batch, error) {
	if qry.IsCollectionGroupQuery() {
		return nil, fmt.Errorf("collection group queries must be split by parent first")
	}
	if qry.IsDocumentQuery() {
		key, err := model.NewDocumentKey(qry.Path)
		if err != nil {
			return nil, err
		}
		return q.AllMutationBatchesAffectingDocumentKeys(txn, model.NewDocumentKeySet(key))
	}
	ids := map[int]bool{}
	prefix := persistence.Key().String(q.userID).String(qry.Path.String()).Bytes()
	if err := q.batchIDsForPrefix(txn, prefix, ids); err != nil {
		return nil, err
	}
	return q.lookupAll(txn, ids)
}

// ContainsKey reports whether any queued batch writes key.
func (q *MutationQueue) ContainsKey(txn persistence.Txn, key model.DocumentKey) (bool, error) {
	found := false
	err := txn.Scan(persistence.DocumentMutations, q.documentPrefix(key).Bytes(), func(_, _ []byte) (bool, error) {
		found = true
		return false, nil
	})
	return found, err
}

// RemoveMutationBatch deletes batch and its document index rows.
func (q *MutationQueue) RemoveMutationBatch(txn persistence.Txn, batch *mutation.Batch) error {
	if err := txn.Delete(persistence.Mutations, q.batchKey(batch.BatchID)); err != nil {
		return err
	}
	for _, m := range batch.Mutations {
		key := q.documentPrefix(m.Key).Int(int64(batch.BatchID)).Bytes()
		if err := txn.Delete(persistence.DocumentMutations, key); err != nil {
			return err
		}
	}
	return nil
}

// AcknowledgeBatch records batch as the last acknowledged batch along with
// the stream token that came with the acknowledgement.
func (q *MutationQueue) AcknowledgeBatch(txn persistence.Txn, batch *mutation.Batch, streamToken []byte) error {
	meta, err := q.metadata(txn)
	if err != nil {
		return err
	}
	if batch.BatchID > meta.LastAcknowledgedBatchID {
		meta.LastAcknowledgedBatchID = batch.BatchID
	}
	meta.LastStreamToken = streamToken
	return q.saveMetadata(txn, meta)
}

// LastStreamToken returns the write stream token to resume with.
func (q *MutationQueue) LastStreamToken(txn persistence.Txn) ([]byte, error) {
	meta, err := q.metadata(txn)
	if err != nil {
		return nil, err
	}
	return meta.LastStreamToken, nil
}

// SetLastStreamToken stores the write stream token.
func (q *MutationQueue) SetLastStreamToken(txn persistence.Txn, token []byte) error {
	meta, err := q.metadata(txn)
	if err != nil {
		return err
	}
	meta.LastStreamToken = token
	return q.saveMetadata(txn, meta)
}

// MutationQueuesContainKey reports whether the queue of any user writes key.
func MutationQueuesContainKey(txn persistence.Txn, indexManager *IndexManager, key model.DocumentKey) (bool, error) {
	var users []string
	err := txn.Scan(persistence.MutationQueues, nil, func(k, _ []byte) (bool, error) {
		user, err := persistence.ReadKey(k).String()
		if err != nil {
			return false, err
		}
		users = append(users, user)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	for _, user := range users {
		found, err := NewMutationQueue(user, indexManager).ContainsKey(txn, key)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}
