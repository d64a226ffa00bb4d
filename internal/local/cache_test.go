package local

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

func inTxn(t *testing.T, store persistence.Store, fn func(txn persistence.Txn) error) {
	t.Helper()
	if err := store.RunTransaction(context.Background(), "test", persistence.ReadWrite, fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func keyStrings(set model.DocumentKeySet) []string {
	var out []string
	set.Ascend(func(k model.DocumentKey) bool {
		out = append(out, k.String())
		return true
	})
	return out
}

func TestTargetCacheRoundTrip(t *testing.T) {
	store := persistence.NewMemoryStore()
	cache := NewTargetCache()
	target := query.NewCollectionQuery("rooms").Where(query.Where("n", query.Equal, model.Int(1))).ToTarget()
	td := NewTargetData(target, 2, PurposeListen, 7).WithResumeToken([]byte("tok"), version(4))

	inTxn(t, store, func(txn persistence.Txn) error {
		if err := cache.AddTargetData(txn, td); err != nil {
			return err
		}
		return cache.AddMatchingKeys(txn, keys("rooms/a", "rooms/b"), 2)
	})
	inTxn(t, store, func(txn persistence.Txn) error {
		got, err := cache.GetTargetData(txn, target)
		if err != nil {
			return err
		}
		if got == nil || got.TargetID != 2 || string(got.ResumeToken) != "tok" || got.SnapshotVersion != version(4) {
			t.Errorf("expected stored target data, got %+v", got)
		}
		other, err := cache.GetTargetData(txn, query.NewCollectionQuery("rooms").ToTarget())
		if err != nil {
			return err
		}
		if other != nil {
			t.Errorf("expected no data for a different target, got %+v", other)
		}
		meta, err := cache.Metadata(txn)
		if err != nil {
			return err
		}
		if meta.HighestTargetID != 2 || meta.HighestListenSequenceNumber != 7 || meta.TargetCount != 1 {
			t.Errorf("unexpected metadata %+v", meta)
		}
		matching, err := cache.GetMatchingKeysForTargetID(txn, 2)
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]string{"rooms/a", "rooms/b"}, keyStrings(matching)); diff != "" {
			t.Errorf("matching keys (-want +got):\n%s", diff)
		}
		return nil
	})

	inTxn(t, store, func(txn persistence.Txn) error {
		if err := cache.RemoveTargetData(txn, td); err != nil {
			return err
		}
		contains, err := cache.ContainsKey(txn, key("rooms/a"))
		if err != nil {
			return err
		}
		if contains {
			t.Error("expected matches to go with the target")
		}
		meta, err := cache.Metadata(txn)
		if err != nil {
			return err
		}
		if meta.TargetCount != 0 || meta.HighestTargetID != 2 {
			t.Errorf("expected count 0 and highest id kept, got %+v", meta)
		}
		return nil
	})
}

func TestSetTargetsMetadataOnlyRaisesSequence(t *testing.T) {
	store := persistence.NewMemoryStore()
	cache := NewTargetCache()
	inTxn(t, store, func(txn persistence.Txn) error {
		if err := cache.SetTargetsMetadata(txn, 10, version(3)); err != nil {
			return err
		}
		if err := cache.SetTargetsMetadata(txn, 4, model.MinVersion()); err != nil {
			return err
		}
		meta, err := cache.Metadata(txn)
		if err != nil {
			return err
		}
		if meta.HighestListenSequenceNumber != 10 || meta.LastRemoteSnapshotVersion != version(3) {
			t.Errorf("unexpected metadata %+v", meta)
		}
		return nil
	})
}

func TestMutationQueueBatchIDsAndLookup(t *testing.T) {
	store := persistence.NewMemoryStore()
	im := NewIndexManager()
	alice := NewMutationQueue("alice", im)
	bob := NewMutationQueue("bob", im)
	now := model.Now()

	var first, second *mutation.Batch
	inTxn(t, store, func(txn persistence.Txn) error {
		if err := alice.Start(txn); err != nil {
			return err
		}
		var err error
		if first, err = alice.AddMutationBatch(txn, now, nil, []*mutation.Mutation{mutation.NewDelete(key("rooms/a"))}); err != nil {
			return err
		}
		second, err = alice.AddMutationBatch(txn, now, nil, []*mutation.Mutation{
			mutation.NewDelete(key("rooms/b")), mutation.NewDelete(key("rooms/a/msgs/1")),
		})
		return err
	})
	if first.BatchID != 1 || second.BatchID != 2 {
		t.Fatalf("expected batch ids 1 and 2, got %d and %d", first.BatchID, second.BatchID)
	}

	inTxn(t, store, func(txn persistence.Txn) error {
		if err := bob.Start(txn); err != nil {
			return err
		}
		b, err := bob.AddMutationBatch(txn, now, nil, []*mutation.Mutation{mutation.NewDelete(key("rooms/c"))})
		if err != nil {
			return err
		}
		if b.BatchID != 3 {
			t.Errorf("expected batch id 3 for another user, got %d", b.BatchID)
		}

		next, err := alice.NextMutationBatchAfterBatchID(txn, first.BatchID)
		if err != nil {
			return err
		}
		if next == nil || next.BatchID != second.BatchID {
			t.Errorf("expected batch %d after %d, got %v", second.BatchID, first.BatchID, next)
		}
		affecting, err := alice.AllMutationBatchesAffectingDocumentKeys(txn, keys("rooms/a"))
		if err != nil {
			return err
		}
		if len(affecting) != 1 || affecting[0].BatchID != first.BatchID {
			t.Errorf("expected only batch %d to touch rooms/a, got %v", first.BatchID, affecting)
		}
		pinned, err := MutationQueuesContainKey(txn, im, key("rooms/c"))
		if err != nil {
			return err
		}
		if !pinned {
			t.Error("expected bob's write to pin rooms/c")
		}
		return nil
	})

	inTxn(t, store, func(txn persistence.Txn) error {
		if err := alice.RemoveMutationBatch(txn, first); err != nil {
			return err
		}
		if err := alice.AcknowledgeBatch(txn, first, []byte("t1")); err != nil {
			return err
		}
		contains, err := alice.ContainsKey(txn, key("rooms/a"))
		if err != nil {
			return err
		}
		if contains {
			t.Error("expected removed batch to release rooms/a")
		}
		highest, err := alice.HighestUnacknowledgedBatchID(txn)
		if err != nil {
			return err
		}
		if highest != second.BatchID {
			t.Errorf("expected highest unacknowledged %d, got %d", second.BatchID, highest)
		}
		return nil
	})

	// A fresh queue never reuses an id, even once everything is removed.
	restarted := NewMutationQueue("alice", im)
	inTxn(t, store, func(txn persistence.Txn) error {
		if err := restarted.Start(txn); err != nil {
			return err
		}
		b, err := restarted.AddMutationBatch(txn, now, nil, []*mutation.Mutation{mutation.NewDelete(key("rooms/z"))})
		if err != nil {
			return err
		}
		if b.BatchID != 4 {
			t.Errorf("expected batch id 4 after restart, got %d", b.BatchID)
		}
		return nil
	})
}

func TestReferenceSet(t *testing.T) {
	refs := NewReferenceSet()
	refs.AddReferences(keys("rooms/a", "rooms/b"), 1)
	refs.AddReference(key("rooms/b"), 2)

	if !refs.ContainsKey(key("rooms/a")) || !refs.ContainsKey(key("rooms/b")) {
		t.Error("expected both keys to be referenced")
	}
	if refs.ContainsKey(key("rooms/c")) {
		t.Error("expected rooms/c to be unreferenced")
	}
	if diff := cmp.Diff([]string{"rooms/b"}, keyStrings(refs.ReferencesForID(2))); diff != "" {
		t.Errorf("references for 2 (-want +got):\n%s", diff)
	}

	removed := refs.RemoveReferencesForID(1)
	if diff := cmp.Diff([]string{"rooms/a", "rooms/b"}, keyStrings(removed)); diff != "" {
		t.Errorf("removed keys (-want +got):\n%s", diff)
	}
	if refs.ContainsKey(key("rooms/a")) {
		t.Error("expected rooms/a to be released")
	}
	if !refs.ContainsKey(key("rooms/b")) {
		t.Error("expected rooms/b to stay referenced by 2")
	}
	refs.RemoveAllReferences()
	if !refs.IsEmpty() {
		t.Error("expected empty set")
	}
}
