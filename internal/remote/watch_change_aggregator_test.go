package remote

import (
	"io"
	"log"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

type fakeMetadata struct {
	targets    map[int]*local.TargetData
	remoteKeys map[int]model.DocumentKeySet
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{targets: map[int]*local.TargetData{}, remoteKeys: map[int]model.DocumentKeySet{}}
}

func (m *fakeMetadata) GetRemoteKeysForTarget(id int) model.DocumentKeySet {
	if keys, ok := m.remoteKeys[id]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

func (m *fakeMetadata) GetTargetDataForTarget(id int) *local.TargetData { return m.targets[id] }

func (m *fakeMetadata) listen(id int, q *query.Query, purpose local.Purpose, remote ...string) {
	m.targets[id] = local.NewTargetData(q.ToTarget(), id, purpose, 1)
	m.remoteKeys[id] = keySet(remote...)
}

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func docKey(path string) model.DocumentKey { return model.MustDocumentKey(path) }

func keySet(paths ...string) model.DocumentKeySet {
	set := model.NewDocumentKeySet()
	for _, p := range paths {
		set = set.Add(docKey(p))
	}
	return set
}

func keyPaths(set model.DocumentKeySet) []string {
	var out []string
	set.Ascend(func(k model.DocumentKey) bool {
		out = append(out, k.String())
		return true
	})
	return out
}

func foundDoc(path string, us int64) *model.Document {
	return model.NewFoundDocument(docKey(path), model.VersionFromMicros(us),
		model.ObjectValueOf(map[string]model.Value{"name": model.String(path)}))
}

func TestAggregatorAddsDocuments(t *testing.T) {
	meta := newFakeMetadata()
	meta.listen(2, query.NewCollectionQuery("rooms"), local.PurposeListen)
	agg := NewWatchChangeAggregator(meta, discardLogger())

	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{2}, Key: docKey("rooms/a"), Doc: foundDoc("rooms/a", 1)})
	agg.HandleTargetChange(&WatchTargetChange{State: TargetCurrent, TargetIDs: []int{2}, ResumeToken: []byte("t1")})

	ev := agg.CreateRemoteEvent(model.VersionFromMicros(5))
	change, ok := ev.TargetChanges[2]
	if !ok {
		t.Fatal("expected a change for target 2")
	}
	if !change.Current {
		t.Error("expected target to be current")
	}
	if string(change.ResumeToken) != "t1" {
		t.Errorf("expected resume token t1, got %q", change.ResumeToken)
	}
	if diff := cmp.Diff([]string{"rooms/a"}, keyPaths(change.AddedDocuments)); diff != "" {
		t.Errorf("added documents mismatch (-want +got):\n%s", diff)
	}
	doc, ok := ev.DocumentUpdates.Get(docKey("rooms/a"))
	if !ok {
		t.Fatal("expected rooms/a in document updates")
	}
	if !doc.ReadTime().Equal(model.VersionFromMicros(5)) {
		t.Errorf("expected read time 5, got %s", doc.ReadTime())
	}

	// Pending changes are consumed by the event.
	if again := agg.CreateRemoteEvent(model.VersionFromMicros(6)); len(again.TargetChanges) != 0 {
		t.Errorf("expected no target changes, got %d", len(again.TargetChanges))
	}
}

func TestAggregatorIgnoresPendingTargets(t *testing.T) {
	meta := newFakeMetadata()
	meta.listen(2, query.NewCollectionQuery("rooms"), local.PurposeListen)
	agg := NewWatchChangeAggregator(meta, discardLogger())

	agg.RecordPendingTargetRequest(2)
	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{2}, Key: docKey("rooms/a"), Doc: foundDoc("rooms/a", 1)})
	agg.HandleTargetChange(&WatchTargetChange{State: TargetAdded, TargetIDs: []int{2}})
	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{2}, Key: docKey("rooms/b"), Doc: foundDoc("rooms/b", 1)})

	ev := agg.CreateRemoteEvent(model.VersionFromMicros(5))
	if diff := cmp.Diff([]string{"rooms/b"}, keyPaths(ev.TargetChanges[2].AddedDocuments)); diff != "" {
		t.Errorf("added documents mismatch (-want +got):\n%s", diff)
	}
	if ev.DocumentUpdates.Has(docKey("rooms/a")) {
		t.Error("expected change before the acknowledgement to be dropped")
	}
}

func TestAggregatorModifiedAndRemoved(t *testing.T) {
	meta := newFakeMetadata()
	meta.listen(2, query.NewCollectionQuery("rooms"), local.PurposeListen, "rooms/a", "rooms/b")
	agg := NewWatchChangeAggregator(meta, discardLogger())

	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{2}, Key: docKey("rooms/a"), Doc: foundDoc("rooms/a", 2)})
	agg.HandleDocumentChange(&DocumentChange{RemovedTargetIDs: []int{2}, Key: docKey("rooms/b")})
	// Added then removed within one event cancels out.
	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{2}, Key: docKey("rooms/c"), Doc: foundDoc("rooms/c", 2)})
	agg.HandleDocumentChange(&DocumentChange{RemovedTargetIDs: []int{2}, Key: docKey("rooms/c")})

	change := agg.CreateRemoteEvent(model.VersionFromMicros(5)).TargetChanges[2]
	if diff := cmp.Diff([]string{"rooms/a"}, keyPaths(change.ModifiedDocuments)); diff != "" {
		t.Errorf("modified documents mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rooms/b"}, keyPaths(change.RemovedDocuments)); diff != "" {
		t.Errorf("removed documents mismatch (-want +got):\n%s", diff)
	}
	if change.AddedDocuments.Len() != 0 {
		t.Errorf("expected no added documents, got %v", keyPaths(change.AddedDocuments))
	}
}

func digestOf(f *BloomFilter) *BloomFilterDigest {
	return &BloomFilterDigest{Bitmap: f.Bitmap(), Padding: f.Padding(), HashCount: f.HashCount()}
}

func TestAggregatorExistenceFilter(t *testing.T) {
	tests := []struct {
		name        string
		count       int
		bloom       []string
		wantResult  BloomFilterResult
		wantApplied bool
		wantReset   bool
		wantPurpose local.Purpose
		wantRemoved []string
	}{
		{
			name:  "count matches",
			count: 3,
		},
		{
			name:        "mismatch without bloom filter",
			count:       2,
			wantResult:  BloomFilterSkipped,
			wantApplied: true,
			wantReset:   true,
			wantPurpose: local.PurposeExistenceFilterMismatch,
			wantRemoved: []string{"rooms/a", "rooms/b", "rooms/c"},
		},
		{
			name:        "bloom filter explains mismatch",
			count:       2,
			bloom:       []string{"rooms/a", "rooms/b"},
			wantResult:  BloomFilterSuccess,
			wantApplied: true,
			wantRemoved: []string{"rooms/c"},
		},
		{
			name:        "bloom filter false positive",
			count:       2,
			bloom:       []string{"rooms/a", "rooms/b", "rooms/c"},
			wantResult:  BloomFilterFalsePositive,
			wantApplied: true,
			wantReset:   true,
			wantPurpose: local.PurposeExistenceFilterMismatchBloom,
			wantRemoved: []string{"rooms/a", "rooms/b", "rooms/c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := newFakeMetadata()
			meta.listen(2, query.NewCollectionQuery("rooms"), local.PurposeListen, "rooms/a", "rooms/b", "rooms/c")
			agg := NewWatchChangeAggregator(meta, discardLogger())
			applied := false
			var result BloomFilterResult
			agg.OnBloomFilterApplied = func(id int, r BloomFilterResult) {
				applied = true
				result = r
			}

			f := &ExistenceFilterChange{TargetID: 2, Count: tt.count}
			if tt.bloom != nil {
				f.UnchangedNames = digestOf(BuildBloomFilter(tt.bloom, 0.01))
			}
			agg.HandleExistenceFilter(f)

			if applied != tt.wantApplied {
				t.Fatalf("expected applied=%v, got %v", tt.wantApplied, applied)
			}
			if applied && result != tt.wantResult {
				t.Errorf("expected result %d, got %d", tt.wantResult, result)
			}

			ev := agg.CreateRemoteEvent(model.VersionFromMicros(5))
			purpose, reset := ev.TargetMismatches[2]
			if reset != tt.wantReset {
				t.Fatalf("expected reset=%v, got %v", tt.wantReset, reset)
			}
			if reset && purpose != tt.wantPurpose {
				t.Errorf("expected purpose %s, got %s", tt.wantPurpose, purpose)
			}
			var removed []string
			if change, ok := ev.TargetChanges[2]; ok {
				removed = keyPaths(change.RemovedDocuments)
			}
			if diff := cmp.Diff(tt.wantRemoved, removed); diff != "" {
				t.Errorf("removed documents mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAggregatorInvalidBloomFilterIsSkipped(t *testing.T) {
	meta := newFakeMetadata()
	meta.listen(2, query.NewCollectionQuery("rooms"), local.PurposeListen, "rooms/a", "rooms/b")
	agg := NewWatchChangeAggregator(meta, discardLogger())
	var result BloomFilterResult = -1
	agg.OnBloomFilterApplied = func(_ int, r BloomFilterResult) { result = r }

	agg.HandleExistenceFilter(&ExistenceFilterChange{
		TargetID:       2,
		Count:          1,
		UnchangedNames: &BloomFilterDigest{Bitmap: []byte{0x01}, Padding: 9, HashCount: 1},
	})
	if result != BloomFilterSkipped {
		t.Errorf("expected skipped, got %d", result)
	}
	if _, ok := agg.CreateRemoteEvent(model.VersionFromMicros(5)).TargetMismatches[2]; !ok {
		t.Error("expected target to be reset")
	}
}

func TestAggregatorDocumentTargetDeletedByFilter(t *testing.T) {
	meta := newFakeMetadata()
	meta.listen(4, query.NewDocumentQuery(docKey("rooms/a")), local.PurposeListen, "rooms/a")
	agg := NewWatchChangeAggregator(meta, discardLogger())

	agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 4, Count: 0})
	ev := agg.CreateRemoteEvent(model.VersionFromMicros(5))

	doc, ok := ev.DocumentUpdates.Get(docKey("rooms/a"))
	if !ok || !doc.IsNoDocument() {
		t.Fatalf("expected a deleted rooms/a, got %v", doc)
	}
	if diff := cmp.Diff([]string{"rooms/a"}, keyPaths(ev.TargetChanges[4].RemovedDocuments)); diff != "" {
		t.Errorf("removed documents mismatch (-want +got):\n%s", diff)
	}
	if len(ev.TargetMismatches) != 0 {
		t.Errorf("expected no mismatches for a document target, got %v", ev.TargetMismatches)
	}
}

func TestAggregatorResolvesLimboDocuments(t *testing.T) {
	meta := newFakeMetadata()
	meta.listen(1, query.NewDocumentQuery(docKey("rooms/x")), local.PurposeLimboResolution)
	meta.listen(3, query.NewDocumentQuery(docKey("rooms/z")), local.PurposeLimboResolution)
	meta.listen(2, query.NewCollectionQuery("rooms"), local.PurposeListen)
	agg := NewWatchChangeAggregator(meta, discardLogger())

	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{1}, Key: docKey("rooms/x"), Doc: foundDoc("rooms/x", 1)})
	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{2}, Key: docKey("rooms/y"), Doc: foundDoc("rooms/y", 1)})
	// rooms/z never arrives before its target goes current, so it does not
	// exist.
	agg.HandleTargetChange(&WatchTargetChange{State: TargetCurrent, TargetIDs: []int{3}, ResumeToken: []byte("z")})

	ev := agg.CreateRemoteEvent(model.VersionFromMicros(7))
	if diff := cmp.Diff([]string{"rooms/x", "rooms/z"}, keyPaths(ev.ResolvedLimboDocuments)); diff != "" {
		t.Errorf("resolved limbo documents mismatch (-want +got):\n%s", diff)
	}
	z, ok := ev.DocumentUpdates.Get(docKey("rooms/z"))
	if !ok || !z.IsNoDocument() {
		t.Fatalf("expected a synthesized deletion of rooms/z, got %v", z)
	}
	if !z.Version().Equal(model.VersionFromMicros(7)) {
		t.Errorf("expected deletion at version 7, got %s", z.Version())
	}
}

func TestAggregatorTargetReset(t *testing.T) {
	meta := newFakeMetadata()
	meta.listen(2, query.NewCollectionQuery("rooms"), local.PurposeListen, "rooms/a")
	agg := NewWatchChangeAggregator(meta, discardLogger())

	agg.HandleTargetChange(&WatchTargetChange{State: TargetReset, TargetIDs: []int{2}, ResumeToken: []byte("r")})
	agg.HandleDocumentChange(&DocumentChange{UpdatedTargetIDs: []int{2}, Key: docKey("rooms/b"), Doc: foundDoc("rooms/b", 3)})

	change := agg.CreateRemoteEvent(model.VersionFromMicros(5)).TargetChanges[2]
	if diff := cmp.Diff([]string{"rooms/a"}, keyPaths(change.RemovedDocuments)); diff != "" {
		t.Errorf("removed documents mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rooms/b"}, keyPaths(change.AddedDocuments)); diff != "" {
		t.Errorf("added documents mismatch (-want +got):\n%s", diff)
	}
	if change.Current {
		t.Error("expected reset target not to be current")
	}
}
