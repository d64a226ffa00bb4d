package mutation

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
)

// BatchIDUnknown is used where no batch has been assigned yet.
const BatchIDUnknown = -1

// Batch is an atomic group of mutations sharing one local write time.
// BaseMutations pin the values non-idempotent transforms read and are
// applied before Mutations.
type Batch struct {
	BatchID        int             `json:"batchId"`
	LocalWriteTime model.Timestamp `json:"localWriteTime"`
	BaseMutations  []*Mutation     `json:"baseMutations,omitempty"`
	Mutations      []*Mutation     `json:"mutations"`
}

// ApplyToLocalView applies every mutation of b that targets doc, base
// mutations first, and returns the accumulated mask.
func (b *Batch) ApplyToLocalView(doc *model.Document, mask *model.FieldMask) *model.FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// ApplyToRemoteDocument applies the acknowledged results of b to doc.
func (b *Batch) ApplyToRemoteDocument(doc *model.Document, result *BatchResult) error {
	if len(result.MutationResults) != len(b.Mutations) {
		return fmt.Errorf("batch %d: expected %d mutation results, got %d",
			b.BatchID, len(b.Mutations), len(result.MutationResults))
	}
	for i, m := range b.Mutations {
		if m.Key != doc.Key() {
			continue
		}
		if err := m.ApplyToRemoteDocument(doc, result.MutationResults[i]); err != nil {
			return fmt.Errorf("batch %d: %w", b.BatchID, err)
		}
	}
	return nil
}

// Keys returns the set of documents written by b.
func (b *Batch) Keys() model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys = keys.Add(m.Key)
	}
	return keys
}

// Touches reports whether b writes key.
func (b *Batch) Touches(key model.DocumentKey) bool {
	for _, m := range b.Mutations {
		if m.Key == key {
			return true
		}
	}
	return false
}

// Equal compares batch ids, write times and mutations.
func (b *Batch) Equal(o *Batch) bool {
	if b.BatchID != o.BatchID || b.LocalWriteTime != o.LocalWriteTime ||
		len(b.Mutations) != len(o.Mutations) || len(b.BaseMutations) != len(o.BaseMutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(o.Mutations[i]) {
			return false
		}
	}
	for i := range b.BaseMutations {
		if !b.BaseMutations[i].Equal(o.BaseMutations[i]) {
			return false
		}
	}
	return true
}

// BatchResult is the server's acknowledgement of a batch.
type BatchResult struct {
	Batch           *Batch
	CommitVersion   model.SnapshotVersion
	MutationResults []Result
	StreamToken     []byte
	// DocVersions maps every written key to the version the server reported.
	DocVersions map[model.DocumentKey]model.SnapshotVersion
}

// NewBatchResult pairs batch with the server results.
func NewBatchResult(batch *Batch, commitVersion model.SnapshotVersion, results []Result, streamToken []byte) (*BatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return nil, fmt.Errorf("batch %d: expected %d mutation results, got %d",
			batch.BatchID, len(batch.Mutations), len(results))
	}
	versions := make(map[model.DocumentKey]model.SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}
	return &BatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// Overlay is the net local mutation for one document, tagged with the
// largest batch id it reflects.
type Overlay struct {
	LargestBatchID int       `json:"largestBatchId"`
	Mutation       *Mutation `json:"mutation"`
}

func (o *Overlay) Key() model.DocumentKey { return o.Mutation.Key }
