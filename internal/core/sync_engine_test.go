package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

type fakeRemoteStore struct {
	listens   map[int]*local.TargetData
	unlistens []int
	fills     int
}

func newFakeRemoteStore() *fakeRemoteStore {
	return &fakeRemoteStore{listens: map[int]*local.TargetData{}}
}

func (f *fakeRemoteStore) Listen(td *local.TargetData) { f.listens[td.TargetID] = td }

func (f *fakeRemoteStore) Unlisten(targetID int) {
	delete(f.listens, targetID)
	f.unlistens = append(f.unlistens, targetID)
}

func (f *fakeRemoteStore) FillWritePipeline() error { f.fills++; return nil }
func (f *fakeRemoteStore) CanUseNetwork() bool      { return true }

func (f *fakeRemoteStore) targetFor(t *testing.T, q *query.Query) int {
	t.Helper()
	for id, td := range f.listens {
		if td.Target.CanonicalID() == q.ToTarget().CanonicalID() {
			return id
		}
	}
	t.Fatalf("no listen for %s", q.CanonicalID())
	return 0
}

func (f *fakeRemoteStore) limboTargets() map[int]*local.TargetData {
	out := map[int]*local.TargetData{}
	for id, td := range f.listens {
		if td.Purpose == local.PurposeLimboResolution {
			out[id] = td
		}
	}
	return out
}

type recordingListener struct {
	snaps  []*ViewSnapshot
	errs   map[string]error
	states []remote.OnlineState
}

func (r *recordingListener) OnWatchChange(snaps []*ViewSnapshot) { r.snaps = append(r.snaps, snaps...) }

func (r *recordingListener) OnWatchError(q *query.Query, err error) {
	if r.errs == nil {
		r.errs = map[string]error{}
	}
	r.errs[q.CanonicalID()] = err
}

func (r *recordingListener) OnOnlineStateChange(state remote.OnlineState) {
	r.states = append(r.states, state)
}

func (r *recordingListener) last(t *testing.T) *ViewSnapshot {
	t.Helper()
	if len(r.snaps) == 0 {
		t.Fatalf("expected a snapshot")
	}
	return r.snaps[len(r.snaps)-1]
}

type harness struct {
	ctx      context.Context
	local    *local.LocalStore
	remote   *fakeRemoteStore
	listener *recordingListener
	engine   *SyncEngine
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	lcfg := local.DefaultConfig()
	lcfg.Logger = log.New(io.Discard, "", 0)
	lcfg.UserID = "alice"
	ls := local.NewWithConfig(persistence.NewMemoryStore(), lcfg)
	if err := ls.Start(ctx); err != nil {
		t.Fatalf("failed to start local store: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	if configure != nil {
		configure(cfg)
	}
	h := &harness{ctx: ctx, local: ls, remote: newFakeRemoteStore(), listener: &recordingListener{}}
	h.engine = NewWithConfig(ls, "alice", cfg)
	h.engine.SetRemoteStore(h.remote)
	h.engine.SetListener(h.listener)
	return h
}

func (h *harness) listen(t *testing.T, q *query.Query) (*ViewSnapshot, int) {
	t.Helper()
	snap, err := h.engine.Listen(h.ctx, q)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return snap, h.remote.targetFor(t, q)
}

// serverEvent reports docs as the current contents of targetID.
func (h *harness) serverEvent(t *testing.T, v int64, targetID int, docs ...*model.Document) {
	t.Helper()
	ev := local.NewRemoteEvent(model.VersionFromMicros(v))
	tc := local.NewTargetChange()
	tc.Current = true
	tc.ResumeToken = []byte(fmt.Sprintf("v%d", v))
	for _, d := range docs {
		ev.DocumentUpdates = ev.DocumentUpdates.Insert(d.Key(), d)
		tc.AddedDocuments = tc.AddedDocuments.Add(d.Key())
	}
	ev.TargetChanges[targetID] = tc
	if err := h.engine.ApplyRemoteEvent(h.ctx, ev); err != nil {
		t.Fatalf("failed to apply remote event: %v", err)
	}
}

func (h *harness) write(t *testing.T, m *mutation.Mutation, callback func(error)) int {
	t.Helper()
	id, err := h.engine.Write(h.ctx, []*mutation.Mutation{m}, callback)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	return id
}

func (h *harness) acknowledge(t *testing.T, v int64) {
	t.Helper()
	batch, err := h.local.NextMutationBatch(h.ctx, mutation.BatchIDUnknown)
	if err != nil || batch == nil {
		t.Fatalf("failed to read next batch: %v", err)
	}
	results := make([]mutation.Result, len(batch.Mutations))
	for i := range results {
		results[i] = mutation.Result{Version: model.VersionFromMicros(v)}
	}
	br, err := mutation.NewBatchResult(batch, model.VersionFromMicros(v), results, nil)
	if err != nil {
		t.Fatalf("failed to build batch result: %v", err)
	}
	if err := h.engine.ApplySuccessfulWrite(h.ctx, br); err != nil {
		t.Fatalf("failed to apply write: %v", err)
	}
}

func setN(path string, n int64) *mutation.Mutation {
	return mutation.NewSet(key(path), model.ObjectValueOf(map[string]model.Value{"n": model.Int(n)}))
}

func TestSyncEngineListenStartsTarget(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("rooms")
	snap, targetID := h.listen(t, q)
	if !snap.FromCache {
		t.Errorf("expected initial snapshot from cache")
	}
	if td := h.remote.listens[targetID]; td.Purpose != local.PurposeListen {
		t.Errorf("expected listen purpose, got %v", td.Purpose)
	}

	h.serverEvent(t, 10, targetID, doc("rooms/a", 10, 1))
	snap = h.listener.last(t)
	if snap.FromCache {
		t.Errorf("expected synced snapshot after current target")
	}
	if diff := cmp.Diff([]string{"rooms/a"}, snapshotKeys(snap.Docs)); diff != "" {
		t.Errorf("docs mismatch (-want +got):\n%s", diff)
	}
	if got := h.engine.GetRemoteKeysForTarget(targetID); !got.Equal(keySet("rooms/a")) {
		t.Errorf("expected remote keys [rooms/a], got %v", got.Slice())
	}
}

func TestSyncEngineUnlistenReleasesTarget(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("rooms")
	_, targetID := h.listen(t, q)
	if err := h.engine.Unlisten(h.ctx, q); err != nil {
		t.Fatalf("failed to unlisten: %v", err)
	}
	if diff := cmp.Diff([]int{targetID}, h.remote.unlistens); diff != "" {
		t.Errorf("unlistens mismatch (-want +got):\n%s", diff)
	}
	if _, ok := h.local.ActiveTargetData(targetID); ok {
		t.Errorf("expected target %d released", targetID)
	}
	if err := h.engine.Unlisten(h.ctx, q); !errors.Is(err, ErrNotListening) {
		t.Errorf("expected ErrNotListening, got %v", err)
	}
}

func TestSyncEngineWriteRaisesLatencyCompensatedSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("rooms")
	_, targetID := h.listen(t, q)

	var acked []error
	h.write(t, setN("rooms/a", 1), func(err error) { acked = append(acked, err) })
	if h.remote.fills != 1 {
		t.Errorf("expected write pipeline filled once, got %d", h.remote.fills)
	}
	snap := h.listener.last(t)
	if !snap.HasPendingWrites() {
		t.Errorf("expected pending writes in snapshot")
	}

	h.acknowledge(t, 20)
	if diff := cmp.Diff([]error{nil}, acked, cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
	}

	h.serverEvent(t, 20, targetID, doc("rooms/a", 20, 1))
	snap = h.listener.last(t)
	if snap.HasPendingWrites() {
		t.Errorf("expected no pending writes after the server confirmed the write")
	}
}

func TestSyncEngineRejectedWriteReverts(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("rooms")
	h.listen(t, q)

	var got error
	id := h.write(t, setN("rooms/a", 1), func(err error) { got = err })
	cause := status.Errorf(status.PermissionDenied, "denied")
	if err := h.engine.RejectFailedWrite(h.ctx, id, cause); err != nil {
		t.Fatalf("failed to reject write: %v", err)
	}
	if !errors.Is(got, cause) {
		t.Errorf("expected callback with %v, got %v", cause, got)
	}
	if n := h.listener.last(t).Docs.Len(); n != 0 {
		t.Errorf("expected rejected document to disappear, got %d docs", n)
	}
}

func TestSyncEnginePendingWritesCallback(t *testing.T) {
	h := newHarness(t, nil)

	called := 0
	if err := h.engine.RegisterPendingWritesCallback(h.ctx, func(error) { called++ }); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if called != 1 {
		t.Errorf("expected immediate callback with no pending writes, got %d", called)
	}

	h.write(t, setN("rooms/a", 1), nil)
	if err := h.engine.RegisterPendingWritesCallback(h.ctx, func(error) { called++ }); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if called != 1 {
		t.Fatalf("expected callback to wait for the write")
	}
	h.acknowledge(t, 5)
	if called != 2 {
		t.Errorf("expected callback after acknowledgement, got %d", called)
	}
}

func TestSyncEngineRejectListenEndsQuery(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("secret")
	_, targetID := h.listen(t, q)

	cause := status.Errorf(status.PermissionDenied, "no access")
	if err := h.engine.RejectListen(h.ctx, targetID, cause); err != nil {
		t.Fatalf("failed to reject listen: %v", err)
	}
	if err := h.listener.errs[q.CanonicalID()]; !errors.Is(err, cause) {
		t.Errorf("expected %v, got %v", cause, err)
	}
	if _, ok := h.local.ActiveTargetData(targetID); ok {
		t.Errorf("expected target released")
	}
}

// orphan makes docs limbo documents of targetID: they stay cached and in the
// view but the server drops them from the target.
func (h *harness) orphan(t *testing.T, v int64, targetID int, keys model.DocumentKeySet) {
	t.Helper()
	ev := local.NewRemoteEvent(model.VersionFromMicros(v))
	tc := local.NewTargetChange()
	tc.Current = true
	tc.ResumeToken = []byte("orphaned")
	tc.RemovedDocuments = keys
	ev.TargetChanges[targetID] = tc
	if err := h.engine.ApplyRemoteEvent(h.ctx, ev); err != nil {
		t.Fatalf("failed to apply remote event: %v", err)
	}
}

func TestSyncEngineLimboResolutionsAreBounded(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("rooms")
	_, targetID := h.listen(t, q)

	const total = 105
	var docs []*model.Document
	all := model.NewDocumentKeySet()
	for i := range total {
		d := doc(fmt.Sprintf("rooms/d%03d", i), 10, int64(i))
		docs = append(docs, d)
		all = all.Add(d.Key())
	}
	h.serverEvent(t, 10, targetID, docs...)
	h.orphan(t, 11, targetID, all)

	if n := len(h.engine.ActiveLimboDocumentResolutions()); n != 100 {
		t.Errorf("expected 100 active limbo resolutions, got %d", n)
	}
	enqueued := h.engine.EnqueuedLimboDocumentResolutions()
	if len(enqueued) != 5 {
		t.Fatalf("expected 5 enqueued limbo resolutions, got %d", len(enqueued))
	}
	if enqueued[0] != key("rooms/d100") {
		t.Errorf("expected rooms/d100 first in queue, got %s", enqueued[0])
	}
	limbo := h.remote.limboTargets()
	if len(limbo) != 100 {
		t.Errorf("expected 100 limbo listens, got %d", len(limbo))
	}
	for id := range limbo {
		if id%2 != 1 {
			t.Errorf("expected odd limbo target id, got %d", id)
		}
	}
	if !h.listener.last(t).FromCache {
		t.Errorf("expected from-cache while documents are in limbo")
	}

	// A rejected limbo listen means the document is gone.
	first := key("rooms/d000")
	limboID := h.engine.ActiveLimboDocumentResolutions()[first]
	if err := h.engine.RejectListen(h.ctx, limboID, status.Errorf(status.PermissionDenied, "gone")); err != nil {
		t.Fatalf("failed to reject limbo listen: %v", err)
	}
	if h.listener.last(t).Docs.Has(first) {
		t.Errorf("expected %s removed from view", first)
	}
	if _, ok := h.engine.ActiveLimboDocumentResolutions()[first]; ok {
		t.Errorf("expected %s no longer in limbo", first)
	}
	if n := len(h.engine.ActiveLimboDocumentResolutions()); n != 100 {
		t.Errorf("expected freed slot refilled, got %d active", n)
	}
	if n := len(h.engine.EnqueuedLimboDocumentResolutions()); n != 4 {
		t.Errorf("expected 4 enqueued, got %d", n)
	}
}

func TestSyncEngineLimboResolvedByServer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConcurrentLimboResolutions = 1 })
	q := query.NewCollectionQuery("rooms")
	_, targetID := h.listen(t, q)

	h.serverEvent(t, 10, targetID, doc("rooms/a", 10, 1), doc("rooms/b", 10, 2))
	h.orphan(t, 11, targetID, keySet("rooms/a", "rooms/b"))

	active := h.engine.ActiveLimboDocumentResolutions()
	if len(active) != 1 {
		t.Fatalf("expected one active resolution, got %d", len(active))
	}
	limboID := active[key("rooms/a")]
	if got := h.engine.GetRemoteKeysForTarget(limboID); !got.IsEmpty() {
		t.Errorf("expected no remote keys before the server answers, got %v", got.Slice())
	}

	// The server reports rooms/a still exists for its document target.
	h.serverEvent(t, 12, limboID, doc("rooms/a", 12, 1))
	if got := h.engine.GetRemoteKeysForTarget(limboID); !got.Equal(keySet("rooms/a")) {
		t.Errorf("expected [rooms/a] after the server answered, got %v", got.Slice())
	}
	// The document is still not part of the query's target, so it stays in
	// limbo until the query target reports it.
	h.serverEvent(t, 13, targetID, doc("rooms/a", 12, 1), doc("rooms/b", 10, 2))
	if n := len(h.engine.ActiveLimboDocumentResolutions()); n != 0 {
		t.Errorf("expected limbo cleared, got %d active", n)
	}
	if _, ok := h.remote.listens[limboID]; ok {
		t.Errorf("expected limbo target %d unlistened", limboID)
	}
	if h.listener.last(t).FromCache {
		t.Errorf("expected synced snapshot once limbo is empty")
	}
}

func TestSyncEngineCredentialChange(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("rooms")
	h.listen(t, q)
	h.write(t, setN("rooms/a", 1), nil)

	var pending error
	if err := h.engine.RegisterPendingWritesCallback(h.ctx, func(err error) { pending = err }); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := h.engine.HandleCredentialChange(h.ctx, "bob"); err != nil {
		t.Fatalf("failed to change user: %v", err)
	}
	if status.CodeOf(pending) != status.Cancelled {
		t.Errorf("expected cancelled pending-writes callback, got %v", pending)
	}
	if h.listener.last(t).Docs.Has(key("rooms/a")) {
		t.Errorf("expected alice's write hidden from bob")
	}

	if err := h.engine.HandleCredentialChange(h.ctx, "alice"); err != nil {
		t.Fatalf("failed to change user: %v", err)
	}
	if !h.listener.last(t).Docs.Has(key("rooms/a")) {
		t.Errorf("expected alice's write back")
	}
}

func TestSyncEngineOfflineMarksFromCache(t *testing.T) {
	h := newHarness(t, nil)
	q := query.NewCollectionQuery("rooms")
	_, targetID := h.listen(t, q)
	h.serverEvent(t, 10, targetID, doc("rooms/a", 10, 1))

	h.engine.ApplyOnlineStateChange(remote.OnlineStateOffline)
	if diff := cmp.Diff([]remote.OnlineState{remote.OnlineStateOffline}, h.listener.states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	if !h.listener.last(t).FromCache {
		t.Errorf("expected from-cache snapshot while offline")
	}
}

func TestSortedQueryViewsOrder(t *testing.T) {
	rooms := query.NewCollectionQuery("rooms").OrderedBy("n", false)
	first := rooms.LimitedToFirst(2)
	last := rooms.LimitedToLast(2)
	users := query.NewCollectionQuery("users")

	// first and last are given the same target id, so only their canonical
	// ids order them.
	e := &SyncEngine{queryViews: map[string]*queryView{
		last.CanonicalID():  {query: last, targetID: 4},
		users.CanonicalID(): {query: users, targetID: 2},
		first.CanonicalID(): {query: first, targetID: 4},
	}}
	var got []string
	for _, qv := range e.sortedQueryViews() {
		got = append(got, qv.query.CanonicalID())
	}
	tied := []string{first.CanonicalID(), last.CanonicalID()}
	slices.Sort(tied)
	want := append([]string{users.CanonicalID()}, tied...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("view order (-want +got):\n%s", diff)
	}
}
