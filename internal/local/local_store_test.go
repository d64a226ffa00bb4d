package local

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func newTestLocalStore(t *testing.T) (*LocalStore, persistence.Store) {
	t.Helper()
	store := persistence.NewMemoryStore()
	ls := NewWithConfig(store, quietConfig())
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("failed to start local store: %v", err)
	}
	return ls, store
}

func key(path string) model.DocumentKey { return model.MustDocumentKey(path) }

func version(us int64) model.SnapshotVersion { return model.VersionFromMicros(us) }

func found(path string, v int64, fields map[string]model.Value) *model.Document {
	return model.NewFoundDocument(key(path), version(v), model.ObjectValueOf(fields))
}

func keys(paths ...string) model.DocumentKeySet {
	set := model.NewDocumentKeySet()
	for _, p := range paths {
		set = set.Add(key(p))
	}
	return set
}

func allocate(t *testing.T, ls *LocalStore, q *query.Query) *TargetData {
	t.Helper()
	td, err := ls.AllocateTarget(context.Background(), q.ToTarget())
	if err != nil {
		t.Fatalf("failed to allocate target: %v", err)
	}
	return td
}

// applyEvent delivers docs at v as additions to targetID.
func applyEvent(t *testing.T, ls *LocalStore, v int64, targetID int, docs ...*model.Document) model.DocumentMap {
	t.Helper()
	ev := NewRemoteEvent(version(v))
	change := NewTargetChange()
	change.ResumeToken = []byte("token")
	change.Current = true
	for _, d := range docs {
		ev.DocumentUpdates = ev.DocumentUpdates.Insert(d.Key(), d)
		if d.IsFoundDocument() {
			change.AddedDocuments = change.AddedDocuments.Add(d.Key())
		}
	}
	ev.TargetChanges[targetID] = change
	changes, err := ls.ApplyRemoteEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("failed to apply remote event: %v", err)
	}
	return changes
}

func write(t *testing.T, ls *LocalStore, muts ...*mutation.Mutation) *LocalWriteResult {
	t.Helper()
	res, err := ls.WriteLocally(context.Background(), muts)
	if err != nil {
		t.Fatalf("failed to write locally: %v", err)
	}
	return res
}

func read(t *testing.T, ls *LocalStore, path string) *model.Document {
	t.Helper()
	doc, err := ls.ReadDocument(context.Background(), key(path))
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return doc
}

func fieldOf(t *testing.T, doc *model.Document, path string) model.Value {
	t.Helper()
	v, ok := doc.Field(model.ParseFieldPath(path))
	if !ok {
		t.Fatalf("expected field %s in %s", path, doc)
	}
	return v
}

func increment(path string, n int64) *mutation.Mutation {
	return mutation.NewPatch(key(path), model.NewObjectValue(), model.FieldMask{},
		mutation.FieldTransform{Field: model.ParseFieldPath("likes"), Op: mutation.IncrementOp(model.Int(n))})
}

func dumpTable(t *testing.T, store persistence.Store, table persistence.Table) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := store.RunTransaction(context.Background(), "dump", persistence.ReadOnly, func(txn persistence.Txn) error {
		return txn.Scan(table, nil, func(k, v []byte) (bool, error) {
			out[string(k)] = string(v)
			return true, nil
		})
	})
	if err != nil {
		t.Fatalf("failed to dump %s: %v", table, err)
	}
	return out
}

func TestWriteLocallyShowsPendingWrite(t *testing.T) {
	ls, _ := newTestLocalStore(t)
	res := write(t, ls, mutation.NewSet(key("rooms/a"), model.ObjectValueOf(map[string]model.Value{"name": model.String("eros")})))
	if res.BatchID != 1 {
		t.Errorf("expected batch id 1, got %d", res.BatchID)
	}
	doc, ok := res.Changes.Get(key("rooms/a"))
	if !ok || !doc.HasLocalMutations() || !doc.Version().IsMin() {
		t.Fatalf("expected pending document at min version, got %v", doc)
	}
	if got := fieldOf(t, read(t, ls, "rooms/a"), "name"); !got.Equal(model.String("eros")) {
		t.Errorf("expected name=eros, got %s", got)
	}
}

func TestOverlayMatchesSequentialReplay(t *testing.T) {
	ls, _ := newTestLocalStore(t)
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 1, td.TargetID, found("rooms/a", 1, map[string]model.Value{"a": model.Int(1), "likes": model.Int(3)}))

	fp := model.ParseFieldPath
	write(t, ls, mutation.NewPatch(key("rooms/a"), model.ObjectValueOf(map[string]model.Value{"a": model.Int(2)}), model.NewFieldMask(fp("a"))))
	write(t, ls, increment("rooms/a", 4))
	write(t, ls, mutation.NewPatch(key("rooms/a"), model.ObjectValueOf(map[string]model.Value{"b": model.String("x")}), model.NewFieldMask(fp("b"))))
	write(t, ls, increment("rooms/a", 1))

	batches, err := ls.AllMutationBatches(context.Background())
	if err != nil {
		t.Fatalf("failed to list batches: %v", err)
	}
	want := found("rooms/a", 1, map[string]model.Value{"a": model.Int(1), "likes": model.Int(3)})
	for _, b := range batches {
		b.ApplyToLocalView(want, &model.FieldMask{})
	}
	got := read(t, ls, "rooms/a")
	if !got.Data().Equal(want.Data()) || got.HasLocalMutations() != want.HasLocalMutations() {
		t.Errorf("local view diverged from replay:\nwant %s\n got %s", want, got)
	}
	if v := fieldOf(t, got, "likes"); !v.Equal(model.Int(8)) {
		t.Errorf("expected likes=8, got %s", v)
	}
}

func TestOfflineIncrementAcknowledged(t *testing.T) {
	ctx := context.Background()
	ls, _ := newTestLocalStore(t)
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 1, td.TargetID, found("rooms/a", 1, map[string]model.Value{"likes": model.Int(10)}))

	write(t, ls, increment("rooms/a", 1))
	doc := read(t, ls, "rooms/a")
	if v := fieldOf(t, doc, "likes"); !v.Equal(model.Int(11)) || !doc.HasLocalMutations() {
		t.Fatalf("expected pending likes=11, got %s", doc)
	}

	// The server applied the write and sends the result before the ack.
	applyEvent(t, ls, 2, td.TargetID, found("rooms/a", 2, map[string]model.Value{"likes": model.Int(11)}))
	doc = read(t, ls, "rooms/a")
	if v := fieldOf(t, doc, "likes"); !v.Equal(model.Int(11)) || !doc.HasLocalMutations() {
		t.Fatalf("expected increment not to be applied twice, got %s", doc)
	}

	batch, err := ls.NextMutationBatch(ctx, mutation.BatchIDUnknown)
	if err != nil || batch == nil {
		t.Fatalf("failed to get batch: %v", err)
	}
	result, err := mutation.NewBatchResult(batch, version(2),
		[]mutation.Result{{Version: version(2), TransformResults: []model.Value{model.Int(11)}}}, []byte("stream"))
	if err != nil {
		t.Fatalf("failed to build result: %v", err)
	}
	if _, err := ls.AcknowledgeBatch(ctx, result); err != nil {
		t.Fatalf("failed to acknowledge: %v", err)
	}
	doc = read(t, ls, "rooms/a")
	if v := fieldOf(t, doc, "likes"); !v.Equal(model.Int(11)) || doc.HasLocalMutations() {
		t.Errorf("expected synced likes=11, got %s", doc)
	}
	token, err := ls.LastStreamToken(ctx)
	if err != nil || string(token) != "stream" {
		t.Errorf("expected stream token to be stored, got %q (%v)", token, err)
	}
}

func TestAcknowledgeRebasesLaterTransforms(t *testing.T) {
	ctx := context.Background()
	ls, _ := newTestLocalStore(t)
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 1, td.TargetID, found("rooms/a", 1, map[string]model.Value{"likes": model.Int(10)}))

	first := write(t, ls, increment("rooms/a", 1))
	write(t, ls, increment("rooms/a", 1))

	batch, err := ls.NextMutationBatch(ctx, mutation.BatchIDUnknown)
	if err != nil || batch.BatchID != first.BatchID {
		t.Fatalf("failed to get first batch: %v", err)
	}
	// Another client incremented too, so the server answers 15.
	result, err := mutation.NewBatchResult(batch, version(3),
		[]mutation.Result{{Version: version(3), TransformResults: []model.Value{model.Int(15)}}}, nil)
	if err != nil {
		t.Fatalf("failed to build result: %v", err)
	}
	if _, err := ls.AcknowledgeBatch(ctx, result); err != nil {
		t.Fatalf("failed to acknowledge: %v", err)
	}
	if v := fieldOf(t, read(t, ls, "rooms/a"), "likes"); !v.Equal(model.Int(16)) {
		t.Errorf("expected remaining increment on top of server value 15, got %s", v)
	}
}

func TestRejectBatchLeavesRemoteCacheUntouched(t *testing.T) {
	ls, store := newTestLocalStore(t)
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 1, td.TargetID, found("rooms/a", 1, map[string]model.Value{"n": model.Int(1)}))
	before := dumpTable(t, store, persistence.RemoteDocuments)

	res := write(t, ls, mutation.NewDelete(key("rooms/a")))
	if !read(t, ls, "rooms/a").IsNoDocument() {
		t.Fatal("expected local delete to hide the document")
	}
	changes, err := ls.RejectBatch(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("failed to reject: %v", err)
	}
	if doc, ok := changes.Get(key("rooms/a")); !ok || !doc.IsFoundDocument() || doc.HasLocalMutations() {
		t.Errorf("expected remote version back, got %v", doc)
	}
	if diff := cmp.Diff(before, dumpTable(t, store, persistence.RemoteDocuments)); diff != "" {
		t.Errorf("remote cache changed (-before +after):\n%s", diff)
	}
	if overlays := dumpTable(t, store, persistence.Overlays); len(overlays) != 0 {
		t.Errorf("expected no overlays, got %d", len(overlays))
	}
	if _, err := ls.RejectBatch(context.Background(), res.BatchID); !errors.Is(err, ErrUnknownBatch) {
		t.Errorf("expected ErrUnknownBatch, got %v", err)
	}
}

func TestRejectKeepsIndependentWrites(t *testing.T) {
	ls, _ := newTestLocalStore(t)
	bad := write(t, ls, mutation.NewSet(key("rooms/a"), model.ObjectValueOf(map[string]model.Value{"x": model.Int(1)})))
	write(t, ls, mutation.NewSet(key("rooms/b"), model.ObjectValueOf(map[string]model.Value{"y": model.Int(2)})))

	if _, err := ls.RejectBatch(context.Background(), bad.BatchID); err != nil {
		t.Fatalf("failed to reject: %v", err)
	}
	if read(t, ls, "rooms/a").IsFoundDocument() {
		t.Error("expected rejected write to disappear")
	}
	if doc := read(t, ls, "rooms/b"); !doc.IsFoundDocument() || !doc.HasLocalMutations() {
		t.Errorf("expected independent write to survive, got %s", doc)
	}
}

func TestApplyRemoteEventKeepsNewerVersion(t *testing.T) {
	ls, _ := newTestLocalStore(t)
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 5, td.TargetID, found("rooms/a", 5, map[string]model.Value{"n": model.Int(5)}))
	changes := applyEvent(t, ls, 6, td.TargetID, found("rooms/a", 3, map[string]model.Value{"n": model.Int(3)}))

	if changes.Has(key("rooms/a")) {
		t.Error("expected stale update to be ignored")
	}
	doc := read(t, ls, "rooms/a")
	if doc.Version() != version(5) || !fieldOf(t, doc, "n").Equal(model.Int(5)) {
		t.Errorf("expected version 5 to survive, got %s", doc)
	}
}

func TestApplyRemoteEventRejectsOlderSnapshot(t *testing.T) {
	ls, _ := newTestLocalStore(t)
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 10, td.TargetID)

	_, err := ls.ApplyRemoteEvent(context.Background(), NewRemoteEvent(version(5)))
	if !errors.Is(err, ErrVersionRegression) {
		t.Fatalf("expected ErrVersionRegression, got %v", err)
	}
	v, err := ls.LastRemoteSnapshotVersion(context.Background())
	if err != nil || v != version(10) {
		t.Errorf("expected last remote version 10, got %s (%v)", v, err)
	}
}

func TestFailedUpdatesReturnNoChanges(t *testing.T) {
	ctx := context.Background()
	ls, _ := newTestLocalStore(t)
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 10, td.TargetID, found("rooms/a", 10, map[string]model.Value{"n": model.Int(1)}))

	tests := []struct {
		name string
		run  func() (model.DocumentMap, error)
		want error
	}{
		{"acknowledge unknown batch", func() (model.DocumentMap, error) {
			return ls.AcknowledgeBatch(ctx, &mutation.BatchResult{Batch: &mutation.Batch{BatchID: 99}})
		}, ErrUnknownBatch},
		{"reject unknown batch", func() (model.DocumentMap, error) {
			return ls.RejectBatch(ctx, 99)
		}, ErrUnknownBatch},
		{"older remote snapshot", func() (model.DocumentMap, error) {
			return ls.ApplyRemoteEvent(ctx, NewRemoteEvent(version(5)))
		}, ErrVersionRegression},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := tt.run()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !changes.IsEmpty() || changes.Has(key("rooms/a")) {
				t.Errorf("expected no changes on failure, got %v", docKeys(changes))
			}
		})
	}
}

func TestTargetMismatchClearsResumeToken(t *testing.T) {
	ls, _ := newTestLocalStore(t)
	q := query.NewCollectionQuery("rooms")
	td := allocate(t, ls, q)
	applyEvent(t, ls, 1, td.TargetID)

	ev := NewRemoteEvent(version(2))
	ev.TargetChanges[td.TargetID] = NewTargetChange()
	ev.TargetMismatches[td.TargetID] = PurposeExistenceFilterMismatch
	if _, err := ls.ApplyRemoteEvent(context.Background(), ev); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	got, err := ls.GetTargetData(context.Background(), q.ToTarget())
	if err != nil {
		t.Fatalf("failed to get target data: %v", err)
	}
	if len(got.ResumeToken) != 0 || !got.SnapshotVersion.IsMin() {
		t.Errorf("expected cleared resume state, got token %q at %s", got.ResumeToken, got.SnapshotVersion)
	}
}

func TestAllocateAndReleaseTarget(t *testing.T) {
	ctx := context.Background()
	ls, _ := newTestLocalStore(t)
	q := query.NewCollectionQuery("rooms")
	first := allocate(t, ls, q)
	if first.TargetID%2 != 0 {
		t.Errorf("expected even target id, got %d", first.TargetID)
	}
	if again := allocate(t, ls, q); again.TargetID != first.TargetID {
		t.Errorf("expected same target id %d, got %d", first.TargetID, again.TargetID)
	}
	other := allocate(t, ls, query.NewCollectionQuery("users"))
	if other.TargetID == first.TargetID {
		t.Error("expected distinct target ids")
	}

	if err := ls.ReleaseTarget(ctx, first.TargetID, false); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if err := ls.ReleaseTarget(ctx, first.TargetID, false); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
	// Released targets stay persisted until collected.
	if reused := allocate(t, ls, q); reused.TargetID != first.TargetID {
		t.Errorf("expected persisted target id %d, got %d", first.TargetID, reused.TargetID)
	}
}

func fullScan(t *testing.T, ls *LocalStore, q *query.Query) []string {
	t.Helper()
	var docs model.DocumentMap
	err := ls.runReadOnly(context.Background(), "full scan", func(txn persistence.Txn) error {
		var err error
		docs, err = ls.localDocs.GetDocumentsMatchingQuery(txn, q, model.MinVersion())
		return err
	})
	if err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	return docKeys(docs)
}

func docKeys(docs model.DocumentMap) []string {
	var out []string
	docs.Ascend(func(k model.DocumentKey, _ *model.Document) bool {
		out = append(out, k.String())
		return true
	})
	return out
}

func TestQueryEnginePathsAgree(t *testing.T) {
	ctx := context.Background()
	ls, _ := newTestLocalStore(t)
	all := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 1, all.TargetID,
		found("rooms/a", 1, map[string]model.Value{"n": model.Int(1)}),
		found("rooms/b", 1, map[string]model.Value{"n": model.Double(1)}),
		found("rooms/c", 1, map[string]model.Value{"n": model.Int(2)}),
		found("rooms/d", 1, map[string]model.Value{"n": model.String("1")}),
	)
	if err := ls.ConfigureFieldIndexes(ctx, []FieldIndex{{CollectionGroup: "rooms", Field: model.ParseFieldPath("n")}}); err != nil {
		t.Fatalf("failed to configure indexes: %v", err)
	}
	write(t, ls, mutation.NewSet(key("rooms/e"), model.ObjectValueOf(map[string]model.Value{"n": model.Int(1)})))
	write(t, ls, mutation.NewPatch(key("rooms/a"), model.ObjectValueOf(map[string]model.Value{"n": model.Int(9)}),
		model.NewFieldMask(model.ParseFieldPath("n"))))

	eq := query.NewCollectionQuery("rooms").Where(query.Where("n", query.Equal, model.Int(1)))
	res, err := ls.ExecuteQuery(ctx, eq, true)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if res.Path != QueryPathIndex {
		t.Errorf("expected index path, got %s", res.Path)
	}
	want := []string{"rooms/b", "rooms/e"}
	if diff := cmp.Diff(want, docKeys(res.Documents)); diff != "" {
		t.Errorf("index results (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fullScan(t, ls, eq), docKeys(res.Documents)); diff != "" {
		t.Errorf("index and full scan differ (-scan +index):\n%s", diff)
	}

	gt := query.NewCollectionQuery("rooms").Where(query.Where("n", query.GreaterThan, model.Int(1)))
	td := allocate(t, ls, gt)
	applyEvent(t, ls, 2, td.TargetID, found("rooms/c", 1, map[string]model.Value{"n": model.Int(2)}))
	if err := ls.NotifyLocalViewChanges(ctx, []LocalViewChanges{{TargetID: td.TargetID, AddedKeys: keys("rooms/c"), RemovedKeys: keys()}}); err != nil {
		t.Fatalf("failed to notify view changes: %v", err)
	}
	// Arrives after the limbo-free snapshot without touching the target.
	ev := NewRemoteEvent(version(3))
	ev.DocumentUpdates = ev.DocumentUpdates.Insert(key("rooms/f"), found("rooms/f", 3, map[string]model.Value{"n": model.Int(7)}))
	if _, err := ls.ApplyRemoteEvent(ctx, ev); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	res, err = ls.ExecuteQuery(ctx, gt, true)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if res.Path != QueryPathRemoteKeys {
		t.Errorf("expected remote keys path, got %s", res.Path)
	}
	want = []string{"rooms/a", "rooms/c", "rooms/f"}
	if diff := cmp.Diff(want, docKeys(res.Documents)); diff != "" {
		t.Errorf("remote keys results (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fullScan(t, ls, gt), docKeys(res.Documents)); diff != "" {
		t.Errorf("remote keys and full scan differ (-scan +remote):\n%s", diff)
	}

	res, err = ls.ExecuteQuery(ctx, gt, false)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if res.Path != QueryPathFullScan {
		t.Errorf("expected full scan without previous results, got %s", res.Path)
	}
}

func TestIndexReadTimeBoundsIndexPath(t *testing.T) {
	ctx := context.Background()
	ls, store := newTestLocalStore(t)
	if err := ls.ConfigureFieldIndexes(ctx, []FieldIndex{{CollectionGroup: "rooms", Field: model.ParseFieldPath("n")}}); err != nil {
		t.Fatalf("failed to configure indexes: %v", err)
	}
	eq := query.NewCollectionQuery("rooms").Where(query.Where("n", query.Equal, model.Int(1)))

	// An index that has not seen any document yet cannot narrow the scan.
	res, err := ls.ExecuteQuery(ctx, eq, false)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if res.Path != QueryPathFullScan {
		t.Errorf("expected full scan for an empty index, got %s", res.Path)
	}

	all := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 3, all.TargetID,
		found("rooms/a", 3, map[string]model.Value{"n": model.Int(1)}),
		found("rooms/b", 3, map[string]model.Value{"n": model.Int(2)}),
	)
	indexes, err := ls.FieldIndexes(ctx)
	if err != nil {
		t.Fatalf("failed to get indexes: %v", err)
	}
	if len(indexes) != 1 || !indexes[0].ReadTime.Equal(version(3)) {
		t.Fatalf("expected index read time 3, got %+v", indexes)
	}

	// Cached after the index was last updated, without an index entry.
	late := found("rooms/c", 7, map[string]model.Value{"n": model.Int(1)})
	late.SetReadTime(version(7))
	err = store.RunTransaction(ctx, "cache without indexing", persistence.ReadWrite, func(txn persistence.Txn) error {
		b, err := encodeJSON(late)
		if err != nil {
			return err
		}
		return txn.Put(persistence.RemoteDocuments, remoteDocumentKey(late.Key()), b)
	})
	if err != nil {
		t.Fatalf("failed to cache document: %v", err)
	}

	res, err = ls.ExecuteQuery(ctx, eq, false)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if res.Path != QueryPathIndex {
		t.Errorf("expected index path, got %s", res.Path)
	}
	want := []string{"rooms/a", "rooms/c"}
	if diff := cmp.Diff(want, docKeys(res.Documents)); diff != "" {
		t.Errorf("index results (-want +got):\n%s", diff)
	}
}

func TestLimitQueryNeedsRefill(t *testing.T) {
	q := query.NewCollectionQuery("rooms").OrderedBy("n", false).LimitedToFirst(2)
	a := found("rooms/a", 1, map[string]model.Value{"n": model.Int(1)})
	b := found("rooms/b", 4, map[string]model.Value{"n": model.Int(2)})
	docs := model.NewDocumentMap().Insert(a.Key(), a).Insert(b.Key(), b)
	window := limitedResults(q, docs)

	tests := []struct {
		name       string
		remoteKeys model.DocumentKeySet
		limboFree  int64
		want       bool
	}{
		{"window intact", keys("rooms/a", "rooms/b"), 5, false},
		{"member dropped out", keys("rooms/a", "rooms/b", "rooms/z"), 5, true},
		{"edge changed since sync", keys("rooms/a", "rooms/b"), 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRefill(q, window, tt.remoteKeys, version(tt.limboFree)); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCollectionGroupQuery(t *testing.T) {
	ls, _ := newTestLocalStore(t)
	write(t, ls,
		mutation.NewSet(key("rooms/a/msgs/1"), model.ObjectValueOf(map[string]model.Value{"t": model.String("hi")})),
		mutation.NewSet(key("rooms/b/msgs/2"), model.ObjectValueOf(map[string]model.Value{"t": model.String("yo")})),
		mutation.NewSet(key("rooms/b"), model.ObjectValueOf(map[string]model.Value{})),
	)
	res, err := ls.ExecuteQuery(context.Background(), query.NewCollectionGroupQuery("msgs"), false)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	want := []string{"rooms/a/msgs/1", "rooms/b/msgs/2"}
	if diff := cmp.Diff(want, docKeys(res.Documents)); diff != "" {
		t.Errorf("group results (-want +got):\n%s", diff)
	}
}

func TestHandleUserChange(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	cfg := quietConfig()
	cfg.UserID = "alice"
	ls := NewWithConfig(store, cfg)
	if err := ls.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	write(t, ls, mutation.NewSet(key("rooms/a"), model.ObjectValueOf(map[string]model.Value{"by": model.String("alice")})))

	res, err := ls.HandleUserChange(ctx, "bob")
	if err != nil {
		t.Fatalf("failed to switch user: %v", err)
	}
	if diff := cmp.Diff([]int{1}, res.RemovedBatchIDs); diff != "" {
		t.Errorf("removed batches (-want +got):\n%s", diff)
	}
	if read(t, ls, "rooms/a").IsFoundDocument() {
		t.Error("expected alice's write to be hidden from bob")
	}
	bob := write(t, ls, mutation.NewDelete(key("rooms/z")))
	if bob.BatchID <= 1 {
		t.Errorf("expected batch ids to stay unique across users, got %d", bob.BatchID)
	}

	res, err = ls.HandleUserChange(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to switch back: %v", err)
	}
	if diff := cmp.Diff([]int{1}, res.AddedBatchIDs); diff != "" {
		t.Errorf("added batches (-want +got):\n%s", diff)
	}
	if doc := read(t, ls, "rooms/a"); !doc.HasLocalMutations() {
		t.Errorf("expected alice's write to be visible again, got %s", doc)
	}
}

func TestLocalStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := persistence.DefaultSQLiteConfig()

	store, err := persistence.OpenSQLiteWithConfig(path, cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	ls := NewWithConfig(store, quietConfig())
	if err := ls.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	td := allocate(t, ls, query.NewCollectionQuery("rooms"))
	applyEvent(t, ls, 3, td.TargetID, found("rooms/a", 3, map[string]model.Value{"n": model.Int(1)}))
	first := write(t, ls, increment("rooms/a", 2))
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	store, err = persistence.OpenSQLiteWithConfig(path, cfg)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer store.Close()
	ls = NewWithConfig(store, quietConfig())
	if err := ls.Start(ctx); err != nil {
		t.Fatalf("failed to restart: %v", err)
	}
	doc := read(t, ls, "rooms/a")
	if !doc.HasLocalMutations() || !fieldOf(t, doc, "likes").Equal(model.Int(2)) {
		t.Errorf("expected pending write to survive restart, got %s", doc)
	}
	if second := write(t, ls, increment("rooms/a", 1)); second.BatchID <= first.BatchID {
		t.Errorf("expected batch id after %d, got %d", first.BatchID, second.BatchID)
	}
	if reused := allocate(t, ls, query.NewCollectionQuery("users")); reused.TargetID <= td.TargetID {
		t.Errorf("expected target id after %d, got %d", td.TargetID, reused.TargetID)
	}
	v, err := ls.LastRemoteSnapshotVersion(ctx)
	if err != nil || v != version(3) {
		t.Errorf("expected last remote version 3, got %s (%v)", v, err)
	}
}

func TestOperationsRequireStart(t *testing.T) {
	ls := NewWithConfig(persistence.NewMemoryStore(), quietConfig())
	if _, err := ls.ReadDocument(context.Background(), key("rooms/a")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}
