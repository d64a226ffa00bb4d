package core

import (
	"fmt"
	"slices"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// ChangeType is the kind of a DocumentViewChange.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
	// ChangeMetadata means only the pending-writes state changed.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// order sorts removals first, then additions, then modifications.
func (t ChangeType) order() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	}
	return 2
}

// DocumentViewChange is one document entering, leaving or changing in a
// view.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.Document
}

// DocumentChangeSet folds successive changes to the same document into
// one.
type DocumentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

// NewDocumentChangeSet returns an empty change set.
func NewDocumentChangeSet() *DocumentChangeSet {
	return &DocumentChangeSet{changes: map[model.DocumentKey]DocumentViewChange{}}
}

// Track records change, merging it with any earlier change to the same
// document.
func (s *DocumentChangeSet) Track(change DocumentViewChange) {
	key := change.Doc.Key()
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change
		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		panic(fmt.Sprintf("unsupported change %s after %s for %s", change.Type, old.Type, key))
	}
}

// Len returns the number of tracked documents.
func (s *DocumentChangeSet) Len() int { return len(s.changes) }

// Changes returns the merged changes in key order.
func (s *DocumentChangeSet) Changes() []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b DocumentViewChange) int {
		return model.CompareKeys(a.Doc.Key(), b.Doc.Key())
	})
	return out
}

// SyncState says whether a view reflects the server.
type SyncState int

const (
	SyncStateNone SyncState = iota
	// SyncStateLocal means the view may include unconfirmed local state.
	SyncStateLocal
	// SyncStateSynced means the view is current with the server and has no
	// limbo documents.
	SyncStateSynced
)

// ViewSnapshot is what a listener sees after a view changes.
type ViewSnapshot struct {
	Query       *query.Query
	Docs        model.DocumentSet
	OldDocs     model.DocumentSet
	DocChanges  []DocumentViewChange
	MutatedKeys model.DocumentKeySet
	// FromCache is set until the view is synced with the server.
	FromCache        bool
	SyncStateChanged bool
	// ExcludesMetadataChanges is set when metadata-only changes were
	// filtered out for the listener.
	ExcludesMetadataChanges bool
	// HasCachedResults is set when the target had a resume token, so the
	// cached documents were once in sync.
	HasCachedResults bool
}

// FromInitialDocuments returns a snapshot adding every document in docs.
func FromInitialDocuments(q *query.Query, docs model.DocumentSet, mutated model.DocumentKeySet, fromCache, hasCachedResults bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	docs.Ascend(func(d *model.Document) bool {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: d})
		return true
	})
	return &ViewSnapshot{
		Query:            q,
		Docs:             docs,
		OldDocs:          model.NewDocumentSet(q.Comparator()),
		DocChanges:       changes,
		MutatedKeys:      mutated,
		FromCache:        fromCache,
		SyncStateChanged: true,
		HasCachedResults: hasCachedResults,
	}
}

// HasPendingWrites reports whether any document has unacknowledged writes.
func (s *ViewSnapshot) HasPendingWrites() bool { return !s.MutatedKeys.IsEmpty() }

// withoutMetadataChanges returns a copy without metadata-only changes.
func (s *ViewSnapshot) withoutMetadataChanges() *ViewSnapshot {
	c := *s
	c.DocChanges = slices.DeleteFunc(slices.Clone(s.DocChanges), func(ch DocumentViewChange) bool {
		return ch.Type == ChangeMetadata
	})
	c.ExcludesMetadataChanges = true
	return &c
}
