package devserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/status"
)

// store is the authoritative document set. Callers hold Server.mu.
type store struct {
	docs    model.DocumentMap
	version int64
}

// newStore starts the clock at the current time so the first snapshot
// already has a non-zero read time.
func newStore() *store {
	return &store{docs: model.NewDocumentMap(), version: time.Now().UnixMicro()}
}

// nextVersion returns a commit version later than every previous one.
func (s *store) nextVersion() model.SnapshotVersion {
	now := time.Now().UnixMicro()
	if now <= s.version {
		now = s.version + 1
	}
	s.version = now
	return model.VersionFromMicros(now)
}

func (s *store) current() model.SnapshotVersion { return model.VersionFromMicros(s.version) }

func (s *store) get(key model.DocumentKey) *model.Document {
	if doc, ok := s.docs.Get(key); ok {
		return doc.Clone()
	}
	return model.NewNoDocument(key, model.MinVersion())
}

// commit applies writes atomically at a new version. It returns the
// results and the documents that changed, deletions as no-documents.
func (s *store) commit(writes []*mutation.Mutation) (model.SnapshotVersion, []mutation.Result, []*model.Document, error) {
	version := s.nextVersion()
	working := map[model.DocumentKey]*model.Document{}
	var order []model.DocumentKey
	results := make([]mutation.Result, 0, len(writes))

	for _, m := range writes {
		if m == nil || m.Key.IsZero() {
			return version, nil, nil, status.Errorf(status.InvalidArgument, "write without a document key")
		}
		doc, ok := working[m.Key]
		if !ok {
			doc = s.get(m.Key)
			working[m.Key] = doc
			order = append(order, m.Key)
		}
		res, err := m.Commit(doc, version)
		if errors.Is(err, mutation.ErrPreconditionFailed) {
			return version, nil, nil, status.Errorf(status.FailedPrecondition, "%v", err)
		}
		if err != nil {
			return version, nil, nil, status.Errorf(status.InvalidArgument, "%v", err)
		}
		results = append(results, res)
	}

	changed := make([]*model.Document, 0, len(order))
	for _, key := range order {
		doc := working[key]
		switch {
		case doc.IsFoundDocument():
			stored := model.NewFoundDocument(key, version, doc.Data().Clone())
			s.docs = s.docs.Insert(key, stored)
			changed = append(changed, stored.Clone())
		case doc.IsNoDocument():
			s.docs = s.docs.Remove(key)
			changed = append(changed, model.NewNoDocument(key, version))
		}
	}
	return version, results, changed, nil
}

// evaluate returns the keys and documents of t's result, limit applied.
func (s *store) evaluate(t *query.Target) []*model.Document {
	q := t.AsQuery()
	var out []*model.Document
	s.docs.Ascend(func(_ model.DocumentKey, doc *model.Document) bool {
		if q.Matches(doc) {
			out = append(out, doc)
		}
		return true
	})
	slices.SortFunc(out, q.Comparator())
	if t.Limit > 0 && len(out) > t.Limit {
		out = out[:t.Limit]
	}
	return out
}

// resumeToken encodes version as an opaque token.
func resumeToken(version model.SnapshotVersion) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(version.Micros()))
}

func parseResumeToken(token []byte) (model.SnapshotVersion, error) {
	if len(token) != 8 {
		return model.MinVersion(), fmt.Errorf("malformed resume token of %d bytes", len(token))
	}
	return model.VersionFromMicros(int64(binary.BigEndian.Uint64(token))), nil
}
