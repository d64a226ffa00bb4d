package local

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// LocalDocumentsView combines remote documents with the overlays of pending
// local writes.
type LocalDocumentsView struct {
	remoteDocs   *RemoteDocumentCache
	queue        *MutationQueue
	overlays     *DocumentOverlayCache
	indexManager *IndexManager
}

// NewLocalDocumentsView returns a view over the given caches.
func NewLocalDocumentsView(remoteDocs *RemoteDocumentCache, queue *MutationQueue, overlays *DocumentOverlayCache, indexManager *IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{remoteDocs: remoteDocs, queue: queue, overlays: overlays, indexManager: indexManager}
}

func applyOverlay(doc *model.Document, o *mutation.Overlay) {
	if o == nil {
		return
	}
	o.Mutation.ApplyToLocalView(doc, &model.FieldMask{}, model.Now())
}

// GetDocument returns the local view of key. Missing documents come back as
// invalid documents.
func (v *LocalDocumentsView) GetDocument(txn persistence.Txn, key model.DocumentKey) (*model.Document, error) {
	o, err := v.overlays.GetOverlay(txn, key)
	if err != nil {
		return nil, err
	}
	doc, err := v.baseDocument(txn, key, o)
	if err != nil {
		return nil, err
	}
	applyOverlay(doc, o)
	return doc, nil
}

// baseDocument skips the remote read when the overlay replaces the whole
// document.
func (v *LocalDocumentsView) baseDocument(txn persistence.Txn, key model.DocumentKey, o *mutation.Overlay) (*model.Document, error) {
	if o == nil || o.Mutation.Type == mutation.Patch {
		return v.remoteDocs.Get(txn, key)
	}
	return model.NewInvalidDocument(key), nil
}

// GetDocuments returns the local view of keys.
func (v *LocalDocumentsView) GetDocuments(txn persistence.Txn, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := v.remoteDocs.GetAll(txn, keys)
	if err != nil {
		return docs, err
	}
	return v.GetLocalViewOfDocuments(txn, docs, model.NewDocumentKeySet())
}

// GetLocalViewOfDocuments applies overlays to docs, which must be remote
// documents owned by the caller. Documents in existenceChanged whose
// overlay may depend on existence get their overlay recomputed first.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(txn persistence.Txn, docs model.DocumentMap, existenceChanged model.DocumentKeySet) (model.DocumentMap, error) {
	keys := model.NewDocumentKeySet()
	docs.Ascend(func(k model.DocumentKey, _ *model.Document) bool {
		keys = keys.Add(k)
		return true
	})
	overlays, err := v.overlays.GetOverlays(txn, keys)
	if err != nil {
		return docs, err
	}

	recalculate := model.NewDocumentMap()
	docs.Ascend(func(k model.DocumentKey, doc *model.Document) bool {
		o := overlays[k]
		if existenceChanged.Has(k) && (o == nil || o.Mutation.Type == mutation.Patch) {
			recalculate = recalculate.Insert(k, doc)
			return true
		}
		applyOverlay(doc, o)
		return true
	})
	if recalculate.IsEmpty() {
		return docs, nil
	}
	if err := v.RecalculateAndSaveOverlays(txn, recalculate); err != nil {
		return docs, err
	}
	// Recalculation replayed the batches onto the documents in place.
	return docs, nil
}

// RecalculateAndSaveOverlays replays every queued batch that touches docs,
// in batch id order, and stores the net effect as one overlay per document.
// The documents are updated in place to their local view.
func (v *LocalDocumentsView) RecalculateAndSaveOverlays(txn persistence.Txn, docs model.DocumentMap) error {
	keys := model.NewDocumentKeySet()
	docs.Ascend(func(k model.DocumentKey, _ *model.Document) bool {
		keys = keys.Add(k)
		return true
	})
	batches, err := v.queue.AllMutationBatchesAffectingDocumentKeys(txn, keys)
	if err != nil {
		return err
	}

	masks := map[model.DocumentKey]*model.FieldMask{}
	largest := map[model.DocumentKey]int{}
	for _, b := range batches {
		b.Keys().Ascend(func(k model.DocumentKey) bool {
			doc, ok := docs.Get(k)
			if !ok {
				return true
			}
			mask, seen := masks[k]
			if !seen {
				mask = &model.FieldMask{}
			}
			masks[k] = b.ApplyToLocalView(doc, mask)
			largest[k] = b.BatchID
			return true
		})
	}

	byBatch := map[int]map[model.DocumentKey]*mutation.Mutation{}
	docs.Ascend(func(k model.DocumentKey, doc *model.Document) bool {
		id, touched := largest[k]
		if !touched {
			id = mutation.BatchIDUnknown
		}
		if byBatch[id] == nil {
			byBatch[id] = map[model.DocumentKey]*mutation.Mutation{}
		}
		if touched {
			byBatch[id][k] = mutation.CalculateOverlayMutation(doc, masks[k])
		} else {
			byBatch[id][k] = nil
		}
		return true
	})
	for id, overlays := range byBatch {
		if err := v.overlays.SaveOverlays(txn, id, overlays); err != nil {
			return err
		}
	}
	return nil
}

// RecalculateAndSaveOverlaysForDocumentKeys recomputes the overlays of keys
// from their remote documents.
func (v *LocalDocumentsView) RecalculateAndSaveOverlaysForDocumentKeys(txn persistence.Txn, keys model.DocumentKeySet) error {
	docs, err := v.remoteDocs.GetAll(txn, keys)
	if err != nil {
		return err
	}
	return v.RecalculateAndSaveOverlays(txn, docs)
}

// GetDocumentsMatchingQuery returns the local view of every document that
// matches q, considering remote documents read after sinceReadTime and all
// overlays.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(txn persistence.Txn, q *query.Query, sinceReadTime model.SnapshotVersion) (model.DocumentMap, error) {
	switch {
	case q.IsDocumentQuery():
		return v.documentsMatchingDocumentQuery(txn, q)
	case q.IsCollectionGroupQuery():
		return v.documentsMatchingCollectionGroupQuery(txn, q, sinceReadTime)
	}
	return v.documentsMatchingCollectionQuery(txn, q, sinceReadTime)
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(txn persistence.Txn, q *query.Query) (model.DocumentMap, error) {
	out := model.NewDocumentMap()
	key, err := model.NewDocumentKey(q.Path)
	if err != nil {
		return out, err
	}
	doc, err := v.GetDocument(txn, key)
	if err != nil {
		return out, err
	}
	if doc.IsFoundDocument() {
		out = out.Insert(key, doc)
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionGroupQuery(txn persistence.Txn, q *query.Query, since model.SnapshotVersion) (model.DocumentMap, error) {
	out := model.NewDocumentMap()
	parents, err := v.indexManager.GetCollectionParents(txn, q.CollectionGroup)
	if err != nil {
		return out, err
	}
	for _, parent := range parents {
		sub := q.AsCollectionQueryAtPath(parent.Child(q.CollectionGroup))
		docs, err := v.documentsMatchingCollectionQuery(txn, sub, since)
		if err != nil {
			return out, err
		}
		docs.Ascend(func(k model.DocumentKey, d *model.Document) bool {
			out = out.Insert(k, d)
			return true
		})
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(txn persistence.Txn, q *query.Query, since model.SnapshotVersion) (model.DocumentMap, error) {
	overlays, err := v.overlays.GetOverlaysForCollection(txn, q.Path, mutation.BatchIDUnknown)
	if err != nil {
		return model.DocumentMap{}, err
	}
	mutated := model.NewDocumentKeySet()
	for k := range overlays {
		mutated = mutated.Add(k)
	}
	remote, err := v.remoteDocs.GetDocumentsMatchingQuery(txn, q, since, mutated)
	if err != nil {
		return model.DocumentMap{}, err
	}
	// Mutated documents read before since still need their base version.
	for k, o := range overlays {
		if remote.Has(k) {
			continue
		}
		doc, err := v.baseDocument(txn, k, o)
		if err != nil {
			return model.DocumentMap{}, err
		}
		remote = remote.Insert(k, doc)
	}
	return v.overlayAndFilter(q, remote, overlays), nil
}

func (v *LocalDocumentsView) overlayAndFilter(q *query.Query, docs model.DocumentMap, overlays map[model.DocumentKey]*mutation.Overlay) model.DocumentMap {
	out := model.NewDocumentMap()
	docs.Ascend(func(k model.DocumentKey, doc *model.Document) bool {
		applyOverlay(doc, overlays[k])
		if q.Matches(doc) {
			out = out.Insert(k, doc)
		}
		return true
	})
	return out
}
