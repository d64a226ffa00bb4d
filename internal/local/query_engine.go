package local

import (
	"log"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// QueryPath names the strategy a query execution used.
type QueryPath int

const (
	QueryPathFullScan QueryPath = iota
	QueryPathIndex
	QueryPathRemoteKeys
)

func (p QueryPath) String() string {
	switch p {
	case QueryPathIndex:
		return "index"
	case QueryPathRemoteKeys:
		return "remote-keys"
	}
	return "full-scan"
}

// QueryEngine picks the cheapest way to compute a query's local results.
// Every path returns the same unlimited set of matching documents; the
// caller applies the limit.
type QueryEngine struct {
	docs         *LocalDocumentsView
	indexManager *IndexManager
	logger       *log.Logger
}

// NewQueryEngine returns an engine reading through docs.
func NewQueryEngine(docs *LocalDocumentsView, indexManager *IndexManager, logger *log.Logger) *QueryEngine {
	return &QueryEngine{docs: docs, indexManager: indexManager, logger: logger}
}

// GetDocumentsMatchingQuery returns the local view of every document
// matching q. lastLimboFree and remoteKeys describe the last time q's target
// was known to be in sync with the server.
func (e *QueryEngine) GetDocumentsMatchingQuery(txn persistence.Txn, q *query.Query, lastLimboFree model.SnapshotVersion, remoteKeys model.DocumentKeySet) (model.DocumentMap, QueryPath, error) {
	docs, ok, err := e.performQueryUsingIndex(txn, q)
	if err != nil || ok {
		return docs, QueryPathIndex, err
	}
	docs, ok, err = e.performQueryUsingRemoteKeys(txn, q, lastLimboFree, remoteKeys)
	if err != nil || ok {
		return docs, QueryPathRemoteKeys, err
	}
	docs, err = e.docs.GetDocumentsMatchingQuery(txn, q, model.MinVersion())
	return docs, QueryPathFullScan, err
}

// indexedEquality returns the first top-level equality filter of q that a
// configured field index serves. An index that has never seen a document
// cannot narrow anything and is skipped.
func (e *QueryEngine) indexedEquality(txn persistence.Txn, q *query.Query) (*FieldIndex, *query.Filter, error) {
	if q.IsCollectionGroupQuery() || q.IsDocumentQuery() {
		return nil, nil, nil
	}
	indexes, err := e.indexManager.FieldIndexes(txn, q.Path.LastSegment())
	if err != nil || len(indexes) == 0 {
		return nil, nil, err
	}
	for i := range q.Filters {
		f := &q.Filters[i]
		if f.IsComposite() || f.Op != query.Equal || f.Field.IsKeyField() || !indexable(*f.Value) {
			continue
		}
		for j := range indexes {
			if indexes[j].Field.Equal(f.Field) && !indexes[j].ReadTime.IsMin() {
				return &indexes[j], f, nil
			}
		}
	}
	return nil, nil, nil
}

// performQueryUsingIndex answers q from the index entries plus whatever
// changed after the index's read time. The second result is false when no
// index applies.
func (e *QueryEngine) performQueryUsingIndex(txn persistence.Txn, q *query.Query) (model.DocumentMap, bool, error) {
	idx, f, err := e.indexedEquality(txn, q)
	if err != nil || idx == nil {
		return model.DocumentMap{}, false, err
	}
	keys, err := e.indexManager.DocumentsWithValue(txn, *idx, *f.Value)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	docs, err := e.docs.GetDocuments(txn, keys)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	// Documents read after the index was last updated and local writes are
	// not covered by the entries.
	newer, err := e.docs.GetDocumentsMatchingQuery(txn, q, idx.ReadTime)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	e.logger.Printf("query %s served by index on %s.%s (%d candidates, %d since %s)",
		q.CanonicalID(), idx.CollectionGroup, idx.Field, keys.Len(), newer.Len(), idx.ReadTime)
	out := filterMatches(q, docs)
	newer.Ascend(func(k model.DocumentKey, d *model.Document) bool {
		out = out.Insert(k, d)
		return true
	})
	return out, true, nil
}

// performQueryUsingRemoteKeys reuses the documents the server last reported
// for q's target and adds only what changed since. The second result is
// false when the previous results cannot be trusted.
func (e *QueryEngine) performQueryUsingRemoteKeys(txn persistence.Txn, q *query.Query, lastLimboFree model.SnapshotVersion, remoteKeys model.DocumentKeySet) (model.DocumentMap, bool, error) {
	if q.MatchesAllDocuments() || lastLimboFree.IsMin() {
		return model.DocumentMap{}, false, nil
	}
	docs, err := e.docs.GetDocuments(txn, remoteKeys)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	previous := limitedResults(q, filterMatches(q, docs))
	if q.HasLimit() && needsRefill(q, previous, remoteKeys, lastLimboFree) {
		return model.DocumentMap{}, false, nil
	}

	remaining, err := e.docs.GetDocumentsMatchingQuery(txn, q, lastLimboFree)
	if err != nil {
		return model.DocumentMap{}, false, err
	}
	previous.Ascend(func(d *model.Document) bool {
		remaining = remaining.Insert(d.Key(), d)
		return true
	})
	return remaining, true, nil
}

func filterMatches(q *query.Query, docs model.DocumentMap) model.DocumentMap {
	out := model.NewDocumentMap()
	docs.Ascend(func(k model.DocumentKey, d *model.Document) bool {
		if q.Matches(d) {
			out = out.Insert(k, d)
		}
		return true
	})
	return out
}

// limitedResults sorts docs in q's order and applies q's limit.
func limitedResults(q *query.Query, docs model.DocumentMap) model.DocumentSet {
	set := model.NewDocumentSet(q.Comparator())
	docs.Ascend(func(_ model.DocumentKey, d *model.Document) bool {
		set = set.Add(d)
		return true
	})
	if !q.HasLimit() {
		return set
	}
	for set.Len() > q.Limit {
		if q.LimitType == query.LimitToFirst {
			set = set.Delete(set.Last().Key())
		} else {
			set = set.Delete(set.First().Key())
		}
	}
	return set
}

// needsRefill reports whether a limit query's previous window could have
// changed in a way the remote keys cannot reveal: a member dropped out, or
// the document at the edge of the window was modified after the last
// limbo-free snapshot.
func needsRefill(q *query.Query, previous model.DocumentSet, remoteKeys model.DocumentKeySet, lastLimboFree model.SnapshotVersion) bool {
	if previous.Len() != remoteKeys.Len() {
		return true
	}
	var edge *model.Document
	if q.LimitType == query.LimitToFirst {
		edge = previous.Last()
	} else {
		edge = previous.First()
	}
	if edge == nil {
		return false
	}
	return edge.HasPendingWrites() || edge.Version().Compare(lastLimboFree) > 0
}
