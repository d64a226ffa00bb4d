package local

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// Purpose says why a target is being listened to.
type Purpose int

const (
	// PurposeListen is a regular query listener.
	PurposeListen Purpose = iota
	// PurposeExistenceFilterMismatch re-listens after a count mismatch.
	PurposeExistenceFilterMismatch
	// PurposeExistenceFilterMismatchBloom re-listens after a bloom filter
	// could not explain a count mismatch.
	PurposeExistenceFilterMismatchBloom
	// PurposeLimboResolution listens to one document in limbo.
	PurposeLimboResolution
)

func (p Purpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return fmt.Sprintf("Purpose(%d)", int(p))
}

// TargetData is everything the local store knows about one target.
type TargetData struct {
	Target         *query.Target `json:"target"`
	TargetID       int           `json:"targetId"`
	Purpose        Purpose       `json:"purpose"`
	SequenceNumber int64         `json:"sequenceNumber"`
	// SnapshotVersion is the version of the last consistent snapshot
	// received for the target.
	SnapshotVersion model.SnapshotVersion `json:"snapshotVersion"`
	// LastLimboFreeSnapshotVersion is the last version at which the view
	// had no limbo documents. The query engine relies on it to re-run
	// queries incrementally.
	LastLimboFreeSnapshotVersion model.SnapshotVersion `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  []byte                `json:"resumeToken,omitempty"`
	// ExpectedCount is the number of documents that matched on the last
	// listen, sent so the server can report existence filter mismatches.
	ExpectedCount *int `json:"expectedCount,omitempty"`
}

// NewTargetData returns target data for a freshly allocated target.
func NewTargetData(target *query.Target, targetID int, purpose Purpose, sequenceNumber int64) *TargetData {
	return &TargetData{Target: target, TargetID: targetID, Purpose: purpose, SequenceNumber: sequenceNumber}
}

func (t *TargetData) clone() *TargetData {
	c := *t
	return &c
}

// WithSequenceNumber returns a copy stamped with seq.
func (t *TargetData) WithSequenceNumber(seq int64) *TargetData {
	c := t.clone()
	c.SequenceNumber = seq
	return c
}

// WithResumeToken returns a copy with a new resume token and snapshot
// version. The expected count is cleared since it belonged to the old token.
func (t *TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.ResumeToken = token
	c.SnapshotVersion = version
	c.ExpectedCount = nil
	return c
}

// WithExpectedCount returns a copy carrying n as the expected count.
func (t *TargetData) WithExpectedCount(n int) *TargetData {
	c := t.clone()
	c.ExpectedCount = &n
	return c
}

// WithLastLimboFreeSnapshotVersion returns a copy with v as the limbo-free
// version.
func (t *TargetData) WithLastLimboFreeSnapshotVersion(v model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.LastLimboFreeSnapshotVersion = v
	return c
}

// TargetIDGenerator hands out target ids of one parity. The local store
// uses even ids and the sync engine odd ids for limbo targets, so the two
// never collide.
type TargetIDGenerator struct {
	last int
}

// TargetIDGeneratorForTargetCache returns a generator of even ids greater
// than highest.
func TargetIDGeneratorForTargetCache(highest int) *TargetIDGenerator {
	return &TargetIDGenerator{last: highest &^ 1}
}

// TargetIDGeneratorForSyncEngine returns a generator of odd ids.
func TargetIDGeneratorForSyncEngine() *TargetIDGenerator {
	return &TargetIDGenerator{last: -1}
}

// Next returns the next id.
func (g *TargetIDGenerator) Next() int {
	g.last += 2
	return g.last
}

// ListenSequence issues the sequence numbers the LRU collector orders
// references by. It behaves like a Lamport clock: Observe moves it past any
// number seen in persisted state.
type ListenSequence struct {
	last int64
}

// ListenSequenceInvalid marks the absence of a sequence number.
const ListenSequenceInvalid int64 = -1

// NewListenSequence starts after last.
func NewListenSequence(last int64) *ListenSequence { return &ListenSequence{last: last} }

// Next returns a number greater than any issued or observed so far.
func (s *ListenSequence) Next() int64 {
	s.last++
	return s.last
}

// Observe records a number seen elsewhere.
func (s *ListenSequence) Observe(seq int64) {
	if seq > s.last {
		s.last = seq
	}
}

// Current returns the last number issued or observed.
func (s *ListenSequence) Current() int64 { return s.last }
