package remote

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

// WatchChange is one message received on the listen stream: a
// *DocumentChange, *ExistenceFilterChange or *WatchTargetChange.
type WatchChange interface {
	isWatchChange()
}

// DocumentChange reports that a document was updated, deleted or removed
// from some targets. Doc is a found document for updates, a no-document
// for deletes and nil when the document merely left the targets.
type DocumentChange struct {
	UpdatedTargetIDs []int             `json:"updatedTargetIds,omitempty"`
	RemovedTargetIDs []int             `json:"removedTargetIds,omitempty"`
	Key              model.DocumentKey `json:"key"`
	Doc              *model.Document   `json:"doc,omitempty"`
}

// BloomFilterDigest is the wire form of a bloom filter.
type BloomFilterDigest struct {
	Bitmap    []byte `json:"bitmap"`
	Padding   int    `json:"padding"`
	HashCount int    `json:"hashCount"`
}

// ExistenceFilterChange carries the server's count of documents matching a
// target, optionally with a bloom filter of their names.
type ExistenceFilterChange struct {
	TargetID       int                `json:"targetId"`
	Count          int                `json:"count"`
	UnchangedNames *BloomFilterDigest `json:"unchangedNames,omitempty"`
}

// TargetChangeState says what a WatchTargetChange reports.
type TargetChangeState int

const (
	// TargetNoChange carries only a resume token or, with no target ids, a
	// global snapshot version.
	TargetNoChange TargetChangeState = iota
	TargetAdded
	TargetRemoved
	TargetCurrent
	TargetReset
)

func (s TargetChangeState) String() string {
	switch s {
	case TargetNoChange:
		return "no-change"
	case TargetAdded:
		return "added"
	case TargetRemoved:
		return "removed"
	case TargetCurrent:
		return "current"
	case TargetReset:
		return "reset"
	}
	return fmt.Sprintf("TargetChangeState(%d)", int(s))
}

// WatchTargetChange reports a state change for targets. An empty TargetIDs
// list means every target.
type WatchTargetChange struct {
	State       TargetChangeState     `json:"state"`
	TargetIDs   []int                 `json:"targetIds,omitempty"`
	ResumeToken []byte                `json:"resumeToken,omitempty"`
	ReadTime    model.SnapshotVersion `json:"readTime"`
	// Cause is set when the server removed the targets because of an error.
	Cause *status.Error `json:"cause,omitempty"`
}

func (*DocumentChange) isWatchChange()        {}
func (*ExistenceFilterChange) isWatchChange() {}
func (*WatchTargetChange) isWatchChange()     {}

// snapshotVersion returns the consistent snapshot version carried by
// change. Only a global no-change target change carries one.
func snapshotVersion(change WatchChange) model.SnapshotVersion {
	tc, ok := change.(*WatchTargetChange)
	if !ok || tc.State != TargetNoChange || len(tc.TargetIDs) != 0 {
		return model.MinVersion()
	}
	return tc.ReadTime
}
