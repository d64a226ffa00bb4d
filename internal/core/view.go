package core

import (
	"slices"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// LimboChangeType says whether a key entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving limbo.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the pending result of ComputeDocChanges, applied
// with ApplyChanges.
type ViewDocumentChanges struct {
	DocumentSet model.DocumentSet
	ChangeSet   *DocumentChangeSet
	MutatedKeys model.DocumentKeySet
	// NeedsRefill is set when documents left a limited view and the local
	// store must be queried again to fill the gap.
	NeedsRefill bool
}

// ViewChange is the outcome of ApplyChanges. Snapshot is nil when nothing
// visible changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View is the state of one query: the documents it shows, which of them the
// server has confirmed and which are in limbo.
type View struct {
	query      *query.Query
	comparator model.DocumentComparator

	documents   model.DocumentSet
	synced      model.DocumentKeySet
	mutatedKeys model.DocumentKeySet
	limbo       model.DocumentKeySet
	current     bool
	syncState   SyncState
}

// NewView returns a view of q. syncedKeys are the documents the server last
// reported as matching q's target.
func NewView(q *query.Query, syncedKeys model.DocumentKeySet) *View {
	cmp := q.Comparator()
	return &View{
		query:       q,
		comparator:  cmp,
		documents:   model.NewDocumentSet(cmp),
		synced:      syncedKeys,
		mutatedKeys: model.NewDocumentKeySet(),
		limbo:       model.NewDocumentKeySet(),
	}
}

// SyncedDocuments returns the keys the server has confirmed.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.synced }

// Documents returns the documents the view currently shows.
func (v *View) Documents() model.DocumentSet { return v.documents }

// LimboDocuments returns the keys currently in limbo.
func (v *View) LimboDocuments() model.DocumentKeySet { return v.limbo }

// ComputeDocChanges diffs changed documents against the view. Passing the
// result of an earlier call continues from it, which is how a refill after
// NeedsRefill is folded in.
func (v *View) ComputeDocChanges(changes model.DocumentMap, previous *ViewDocumentChanges) *ViewDocumentChanges {
	changeSet := NewDocumentChangeSet()
	oldDocs := v.documents
	mutated := v.mutatedKeys
	if previous != nil {
		changeSet = previous.ChangeSet
		oldDocs = previous.DocumentSet
		mutated = previous.MutatedKeys
	}
	newDocs := oldDocs
	needsRefill := false

	var lastInLimit, firstInLimit *model.Document
	if v.query.HasLimit() && oldDocs.Len() == v.query.Limit {
		if v.query.LimitType == query.LimitToFirst {
			lastInLimit = oldDocs.Last()
		} else {
			firstInLimit = oldDocs.First()
		}
	}

	changes.Ascend(func(key model.DocumentKey, entry *model.Document) bool {
		oldDoc := oldDocs.Get(key)
		var newDoc *model.Document
		if v.query.Matches(entry) {
			newDoc = entry
		}
		oldHadPending := oldDoc != nil && v.mutatedKeys.Has(key)
		newHasPending := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		applied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.Track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					applied = true
					if (lastInLimit != nil && v.comparator(newDoc, lastInLimit) > 0) ||
						(firstInLimit != nil && v.comparator(newDoc, firstInLimit) < 0) {
						// The document moved past the edge of the window; a
						// document outside it may belong in its place.
						needsRefill = true
					}
				}
			} else if oldHadPending != newHasPending {
				changeSet.Track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				applied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.Track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			applied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			applied = true
			if lastInLimit != nil || firstInLimit != nil {
				needsRefill = true
			}
		}

		if applied {
			if newDoc != nil {
				newDocs = newDocs.Add(newDoc)
				if newHasPending {
					mutated = mutated.Add(key)
				} else {
					mutated = mutated.Remove(key)
				}
			} else {
				newDocs = newDocs.Delete(key)
				mutated = mutated.Remove(key)
			}
		}
		return true
	})

	if v.query.HasLimit() {
		for newDocs.Len() > v.query.Limit {
			var drop *model.Document
			if v.query.LimitType == query.LimitToFirst {
				drop = newDocs.Last()
			} else {
				drop = newDocs.First()
			}
			newDocs = newDocs.Delete(drop.Key())
			mutated = mutated.Remove(drop.Key())
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: drop})
		}
	}

	return &ViewDocumentChanges{
		DocumentSet: newDocs,
		ChangeSet:   changeSet,
		MutatedKeys: mutated,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back a committed document while the
// view still shows the local write, so the write does not flicker.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.Document) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges makes docChanges the view's state and returns the snapshot
// to raise. targetChange, when the change came from the server, updates
// the synced keys and current flag; targetIsPendingReset suppresses limbo
// tracking while the target is being re-listened.
func (v *View) ApplyChanges(docChanges *ViewDocumentChanges, limboResolutionEnabled bool, targetChange *local.TargetChange, targetIsPendingReset bool) *ViewChange {
	oldDocs := v.documents
	v.documents = docChanges.DocumentSet
	v.mutatedKeys = docChanges.MutatedKeys

	changes := docChanges.ChangeSet.Changes()
	slices.SortStableFunc(changes, func(a, b DocumentViewChange) int {
		if c := a.Type.order() - b.Type.order(); c != 0 {
			return c
		}
		return v.comparator(a.Doc, b.Doc)
	})

	v.applyTargetChange(targetChange)
	var limboChanges []LimboDocumentChange
	if limboResolutionEnabled && !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.limbo.IsEmpty() && v.current && !targetIsPendingReset
	newState := SyncStateLocal
	if synced {
		newState = SyncStateSynced
	}
	stateChanged := newState != v.syncState
	v.syncState = newState

	if len(changes) == 0 && !stateChanged {
		return &ViewChange{LimboChanges: limboChanges}
	}
	return &ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             docChanges.DocumentSet,
			OldDocs:          oldDocs,
			DocChanges:       changes,
			MutatedKeys:      docChanges.MutatedKeys,
			FromCache:        newState == SyncStateLocal,
			SyncStateChanged: stateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange marks the view out of date when the client goes
// offline, so listeners see FromCache.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) *ViewChange {
	if !v.current || state != remote.OnlineStateOffline {
		return &ViewChange{}
	}
	v.current = false
	return v.ApplyChanges(&ViewDocumentChanges{
		DocumentSet: v.documents,
		ChangeSet:   NewDocumentChangeSet(),
		MutatedKeys: v.mutatedKeys,
	}, false, nil, false)
}

// SynchronizeWithPersistedState resets the view from a fresh local query.
func (v *View) SynchronizeWithPersistedState(result *local.QueryResult) *ViewChange {
	v.synced = result.RemoteKeys
	v.limbo = model.NewDocumentKeySet()
	return v.ApplyChanges(v.ComputeDocChanges(result.Documents, nil), true, nil, false)
}

// ComputeInitialSnapshot returns a snapshot of everything the view shows.
func (v *View) ComputeInitialSnapshot() *ViewSnapshot {
	return FromInitialDocuments(v.query, v.documents, v.mutatedKeys, v.syncState == SyncStateLocal, false)
}

func (v *View) applyTargetChange(change *local.TargetChange) {
	if change == nil {
		return
	}
	change.AddedDocuments.Ascend(func(k model.DocumentKey) bool {
		v.synced = v.synced.Add(k)
		return true
	})
	change.RemovedDocuments.Ascend(func(k model.DocumentKey) bool {
		v.synced = v.synced.Remove(k)
		return true
	})
	v.current = change.Current
}

// updateLimboDocuments recomputes which shown documents the server has not
// confirmed. Limbo is only meaningful once the target is current.
func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}
	old := v.limbo
	v.limbo = model.NewDocumentKeySet()
	v.documents.Ascend(func(d *model.Document) bool {
		if v.shouldBeInLimbo(d.Key()) {
			v.limbo = v.limbo.Add(d.Key())
		}
		return true
	})

	var changes []LimboDocumentChange
	old.Ascend(func(k model.DocumentKey) bool {
		if !v.limbo.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: k})
		}
		return true
	})
	v.limbo.Ascend(func(k model.DocumentKey) bool {
		if !old.Has(k) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: k})
		}
		return true
	})
	return changes
}

func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.synced.Has(key) {
		return false
	}
	doc := v.documents.Get(key)
	if doc == nil {
		return false
	}
	// Local writes explain why the server does not report the document.
	return !doc.HasLocalMutations()
}
