package remote

import (
	"log"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
)

// TargetMetadataProvider gives the aggregator the state it needs about
// targets it does not own.
type TargetMetadataProvider interface {
	// GetRemoteKeysForTarget returns the keys the server last reported for
	// targetID.
	GetRemoteKeysForTarget(targetID int) model.DocumentKeySet
	// GetTargetDataForTarget returns the target data of an active target,
	// or nil if the target is no longer listened to.
	GetTargetDataForTarget(targetID int) *local.TargetData
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// targetState tracks one target between remote events.
type targetState struct {
	// pendingResponses counts watch and unwatch requests the server has not
	// acknowledged. Changes for a target with pending responses are ignored.
	pendingResponses  int
	current           bool
	resumeToken       []byte
	documentChanges   map[model.DocumentKey]changeType
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{documentChanges: map[model.DocumentKey]changeType{}, hasPendingChanges: true}
}

func (s *targetState) isPending() bool { return s.pendingResponses != 0 }

func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasPendingChanges = true
		s.resumeToken = token
	}
}

func (s *targetState) toTargetChange() *local.TargetChange {
	tc := local.NewTargetChange()
	tc.ResumeToken = s.resumeToken
	tc.Current = s.current
	for key, ct := range s.documentChanges {
		switch ct {
		case changeAdded:
			tc.AddedDocuments = tc.AddedDocuments.Add(key)
		case changeModified:
			tc.ModifiedDocuments = tc.ModifiedDocuments.Add(key)
		case changeRemoved:
			tc.RemovedDocuments = tc.RemovedDocuments.Add(key)
		}
	}
	return tc
}

func (s *targetState) clearPendingChanges() {
	s.hasPendingChanges = false
	s.documentChanges = map[model.DocumentKey]changeType{}
}

func (s *targetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	s.hasPendingChanges = true
	s.documentChanges[key] = ct
}

func (s *targetState) removeDocumentChange(key model.DocumentKey) {
	s.hasPendingChanges = true
	delete(s.documentChanges, key)
}

func (s *targetState) markCurrent() {
	s.hasPendingChanges = true
	s.current = true
}

// BloomFilterResult is the outcome of applying a bloom filter to a count
// mismatch.
type BloomFilterResult int

const (
	BloomFilterSkipped BloomFilterResult = iota
	BloomFilterSuccess
	BloomFilterFalsePositive
)

// WatchChangeAggregator accumulates watch changes into RemoteEvents. It is
// driven from the async queue and is not safe for concurrent use.
type WatchChangeAggregator struct {
	metadata TargetMetadataProvider
	logger   *log.Logger

	targetStates           map[int]*targetState
	pendingDocumentUpdates model.DocumentMap
	// pendingDocumentTargetMapping records which targets each pending
	// document was reported for, to find limbo-only documents.
	pendingDocumentTargetMapping map[model.DocumentKey]map[int]bool
	pendingTargetResets          map[int]local.Purpose

	// OnBloomFilterApplied is a test hook called after every existence
	// filter mismatch.
	OnBloomFilterApplied func(targetID int, result BloomFilterResult)
}

// NewWatchChangeAggregator returns an empty aggregator.
func NewWatchChangeAggregator(metadata TargetMetadataProvider, logger *log.Logger) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		metadata:                     metadata,
		logger:                       logger,
		targetStates:                 map[int]*targetState{},
		pendingDocumentUpdates:       model.NewDocumentMap(),
		pendingDocumentTargetMapping: map[model.DocumentKey]map[int]bool{},
		pendingTargetResets:          map[int]local.Purpose{},
	}
}

// HandleDocumentChange processes a document update, delete or removal.
func (a *WatchChangeAggregator) HandleDocumentChange(c *DocumentChange) {
	for _, id := range c.UpdatedTargetIDs {
		switch {
		case c.Doc != nil && c.Doc.IsFoundDocument():
			a.addDocumentToTarget(id, c.Doc)
		case c.Doc != nil && c.Doc.IsNoDocument():
			a.removeDocumentFromTarget(id, c.Key, c.Doc)
		}
	}
	for _, id := range c.RemovedTargetIDs {
		a.removeDocumentFromTarget(id, c.Key, c.Doc)
	}
}

// HandleTargetChange processes a target state change.
func (a *WatchChangeAggregator) HandleTargetChange(c *WatchTargetChange) {
	for _, id := range a.targetIDsFor(c) {
		st := a.ensureTargetState(id)
		switch c.State {
		case TargetNoChange:
			if a.isActiveTarget(id) {
				st.updateResumeToken(c.ResumeToken)
			}
		case TargetAdded:
			// The server acknowledged a watch request. Changes that arrived
			// before it belong to an earlier incarnation of the target.
			st.pendingResponses--
			if !st.isPending() {
				st.clearPendingChanges()
			}
			st.updateResumeToken(c.ResumeToken)
		case TargetRemoved:
			st.pendingResponses--
			if !st.isPending() {
				a.RemoveTarget(id)
			}
		case TargetCurrent:
			if a.isActiveTarget(id) {
				st.markCurrent()
				st.updateResumeToken(c.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(id) {
				a.resetTarget(id)
				a.targetStates[id].updateResumeToken(c.ResumeToken)
			}
		}
	}
}

func (a *WatchChangeAggregator) targetIDsFor(c *WatchTargetChange) []int {
	if len(c.TargetIDs) > 0 {
		return c.TargetIDs
	}
	var ids []int
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleExistenceFilter compares the server's document count for a target
// with the tracked membership and schedules a reset on mismatch.
func (a *WatchChangeAggregator) HandleExistenceFilter(f *ExistenceFilterChange) {
	td := a.targetDataForActiveTarget(f.TargetID)
	if td == nil {
		return
	}
	if td.Target.IsDocumentTarget() {
		if f.Count == 0 {
			// The document was deleted without the server sending a delete.
			key, err := model.NewDocumentKey(td.Target.Path)
			if err == nil {
				a.removeDocumentFromTarget(f.TargetID, key, model.NewNoDocument(key, model.MinVersion()))
			}
		}
		return
	}

	current := a.currentDocumentCount(f.TargetID)
	if current == f.Count {
		return
	}
	result := a.applyBloomFilter(f, current)
	if result != BloomFilterSuccess {
		a.resetTarget(f.TargetID)
		purpose := local.PurposeExistenceFilterMismatch
		if result == BloomFilterFalsePositive {
			purpose = local.PurposeExistenceFilterMismatchBloom
		}
		a.pendingTargetResets[f.TargetID] = purpose
	}
	if a.OnBloomFilterApplied != nil {
		a.OnBloomFilterApplied(f.TargetID, result)
	}
}

func (a *WatchChangeAggregator) applyBloomFilter(f *ExistenceFilterChange, current int) BloomFilterResult {
	if f.UnchangedNames == nil {
		return BloomFilterSkipped
	}
	bloom, err := NewBloomFilter(f.UnchangedNames.Bitmap, f.UnchangedNames.Padding, f.UnchangedNames.HashCount)
	if err != nil {
		a.logger.Printf("Ignoring bloom filter for target %d: %v", f.TargetID, err)
		return BloomFilterSkipped
	}
	if bloom.BitCount() == 0 {
		return BloomFilterSkipped
	}
	removed := a.filterRemovedDocuments(bloom, f.TargetID)
	if f.Count != current-removed {
		return BloomFilterFalsePositive
	}
	return BloomFilterSuccess
}

// filterRemovedDocuments drops every remote key the bloom filter rules out
// and returns how many were dropped.
func (a *WatchChangeAggregator) filterRemovedDocuments(bloom *BloomFilter, targetID int) int {
	removed := 0
	a.metadata.GetRemoteKeysForTarget(targetID).Ascend(func(key model.DocumentKey) bool {
		if !bloom.MightContain(key.String()) {
			a.removeDocumentFromTarget(targetID, key, nil)
			removed++
		}
		return true
	})
	return removed
}

func (a *WatchChangeAggregator) currentDocumentCount(targetID int) int {
	tc := a.ensureTargetState(targetID).toTargetChange()
	return a.metadata.GetRemoteKeysForTarget(targetID).Len() +
		tc.AddedDocuments.Len() - tc.RemovedDocuments.Len()
}

// CreateRemoteEvent converts the accumulated changes into a RemoteEvent at
// snapshotVersion and resets the pending state.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) *local.RemoteEvent {
	ev := local.NewRemoteEvent(snapshotVersion)

	for id, st := range a.targetStates {
		td := a.targetDataForActiveTarget(id)
		if td == nil {
			continue
		}
		if st.current && td.Target.IsDocumentTarget() {
			// A current document target without the document means the
			// document does not exist.
			key, err := model.NewDocumentKey(td.Target.Path)
			if err == nil && !a.pendingDocumentUpdates.Has(key) && !a.targetContainsDocument(id, key) {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, snapshotVersion))
			}
		}
		if st.hasPendingChanges {
			ev.TargetChanges[id] = st.toTargetChange()
			st.clearPendingChanges()
		}
	}

	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for id := range targets {
			td := a.targetDataForActiveTarget(id)
			if td != nil && td.Purpose != local.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			ev.ResolvedLimboDocuments = ev.ResolvedLimboDocuments.Add(key)
		}
	}

	a.pendingDocumentUpdates.Ascend(func(key model.DocumentKey, doc *model.Document) bool {
		doc.SetReadTime(snapshotVersion)
		ev.DocumentUpdates = ev.DocumentUpdates.Insert(key, doc)
		return true
	})
	for id, purpose := range a.pendingTargetResets {
		ev.TargetMismatches[id] = purpose
	}

	a.pendingDocumentUpdates = model.NewDocumentMap()
	a.pendingDocumentTargetMapping = map[model.DocumentKey]map[int]bool{}
	a.pendingTargetResets = map[int]local.Purpose{}
	return ev
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int, doc *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}
	ct := changeAdded
	if a.targetContainsDocument(targetID, doc.Key()) {
		ct = changeModified
	}
	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), ct)
	a.pendingDocumentUpdates = a.pendingDocumentUpdates.Insert(doc.Key(), doc)
	a.addTargetMapping(doc.Key(), targetID)
}

// removeDocumentFromTarget records that key left targetID. updated, if
// set, is the new state of the document.
func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int, key model.DocumentKey, updated *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}
	st := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, key) {
		st.addDocumentChange(key, changeRemoved)
	} else {
		// The document was added and removed within one event.
		st.removeDocumentChange(key)
	}
	a.addTargetMapping(key, targetID)
	if updated != nil {
		a.pendingDocumentUpdates = a.pendingDocumentUpdates.Insert(key, updated)
	}
}

func (a *WatchChangeAggregator) addTargetMapping(key model.DocumentKey, targetID int) {
	targets, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		targets = map[int]bool{}
		a.pendingDocumentTargetMapping[key] = targets
	}
	targets[targetID] = true
}

// RemoveTarget forgets targetID.
func (a *WatchChangeAggregator) RemoveTarget(targetID int) {
	delete(a.targetStates, targetID)
}

// resetTarget drops all tracked membership so the next snapshot rebuilds
// the target from scratch.
func (a *WatchChangeAggregator) resetTarget(targetID int) {
	a.targetStates[targetID] = newTargetState()
	a.metadata.GetRemoteKeysForTarget(targetID).Ascend(func(key model.DocumentKey) bool {
		a.removeDocumentFromTarget(targetID, key, nil)
		return true
	})
}

// RecordPendingTargetRequest notes that a watch or unwatch request for
// targetID was sent and its acknowledgement is outstanding.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int) {
	a.ensureTargetState(targetID).pendingResponses++
}

func (a *WatchChangeAggregator) ensureTargetState(targetID int) *targetState {
	st, ok := a.targetStates[targetID]
	if !ok {
		st = newTargetState()
		a.targetStates[targetID] = st
	}
	return st
}

func (a *WatchChangeAggregator) targetContainsDocument(targetID int, key model.DocumentKey) bool {
	return a.metadata.GetRemoteKeysForTarget(targetID).Has(key)
}

func (a *WatchChangeAggregator) isActiveTarget(targetID int) bool {
	return a.targetDataForActiveTarget(targetID) != nil
}

// targetDataForActiveTarget returns nil for targets that are unknown or
// awaiting a server acknowledgement.
func (a *WatchChangeAggregator) targetDataForActiveTarget(targetID int) *local.TargetData {
	if st, ok := a.targetStates[targetID]; ok && st.isPending() {
		return nil
	}
	return a.metadata.GetTargetDataForTarget(targetID)
}
