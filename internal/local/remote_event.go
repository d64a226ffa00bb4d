package local

import "github.com/steveyegge/docsync/internal/model"

// TargetChange is the accumulated change to one target's membership since
// the last remote event.
type TargetChange struct {
	// ResumeToken is empty when the server did not send a new one.
	ResumeToken []byte
	// Current is set once the target has caught up with the server.
	Current           bool
	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

// NewTargetChange returns an empty change.
func NewTargetChange() *TargetChange {
	return &TargetChange{
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// HasDocumentChanges reports whether membership changed.
func (c *TargetChange) HasDocumentChanges() bool {
	return c.AddedDocuments.Len()+c.ModifiedDocuments.Len()+c.RemovedDocuments.Len() > 0
}

// RemoteEvent is a consistent snapshot of watch changes at one version.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[int]*TargetChange
	// TargetMismatches holds targets whose existence filter did not match
	// and must be re-listened from scratch, with the purpose to use.
	TargetMismatches map[int]Purpose
	DocumentUpdates  model.DocumentMap
	// ResolvedLimboDocuments are updated documents that only belong to
	// limbo resolution targets.
	ResolvedLimboDocuments model.DocumentKeySet
}

// NewRemoteEvent returns an empty event at version.
func NewRemoteEvent(version model.SnapshotVersion) *RemoteEvent {
	return &RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          map[int]*TargetChange{},
		TargetMismatches:       map[int]Purpose{},
		DocumentUpdates:        model.NewDocumentMap(),
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}

// SynthesizedCurrentChange returns an event that only marks targetID
// current, used when the view must be marked in sync without a server
// snapshot.
func SynthesizedCurrentChange(targetID int, current bool, resumeToken []byte) *RemoteEvent {
	ev := NewRemoteEvent(model.MinVersion())
	change := NewTargetChange()
	change.Current = current
	change.ResumeToken = resumeToken
	ev.TargetChanges[targetID] = change
	return ev
}
