package core

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

type fakeQueryTarget struct {
	listens   int
	unlistens int
	err       error
	snap      func(q *query.Query) *ViewSnapshot
}

func (f *fakeQueryTarget) Listen(_ context.Context, q *query.Query) (*ViewSnapshot, error) {
	f.listens++
	if f.err != nil {
		return nil, f.err
	}
	if f.snap != nil {
		return f.snap(q), nil
	}
	return nil, nil
}

func (f *fakeQueryTarget) Unlisten(context.Context, *query.Query) error {
	f.unlistens++
	return nil
}

type collected struct {
	snaps []*ViewSnapshot
	errs  []error
}

func (c *collected) observer() Observer {
	return ObserverFuncs{
		Next:  func(s *ViewSnapshot) { c.snaps = append(c.snaps, s) },
		Error: func(err error) { c.errs = append(c.errs, err) },
	}
}

func snapshotOf(q *query.Query, fromCache bool, docs ...*model.Document) *ViewSnapshot {
	set := model.NewDocumentSet(q.Comparator())
	for _, d := range docs {
		set = set.Add(d)
	}
	return FromInitialDocuments(q, set, model.NewDocumentKeySet(), fromCache, false)
}

func TestEventManagerSharesListen(t *testing.T) {
	target := &fakeQueryTarget{}
	m := NewEventManager(target)
	q := query.NewCollectionQuery("rooms")

	var a, b collected
	la := NewQueryListener(q, ListenOptions{}, a.observer())
	lb := NewQueryListener(q, ListenOptions{}, b.observer())
	for _, l := range []*QueryListener{la, lb} {
		if err := m.Listen(context.Background(), l); err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
	}
	if target.listens != 1 {
		t.Errorf("expected one listen, got %d", target.listens)
	}
	if m.ListenerCount() != 2 {
		t.Errorf("expected 2 listeners, got %d", m.ListenerCount())
	}

	m.OnWatchChange([]*ViewSnapshot{snapshotOf(q, false, doc("rooms/a", 1, 1))})
	if len(a.snaps) != 1 || len(b.snaps) != 1 {
		t.Errorf("expected one snapshot each, got %d and %d", len(a.snaps), len(b.snaps))
	}

	if err := m.Unlisten(context.Background(), la); err != nil {
		t.Fatalf("failed to unlisten: %v", err)
	}
	if target.unlistens != 0 {
		t.Errorf("expected listen kept while a listener remains")
	}
	if err := m.Unlisten(context.Background(), lb); err != nil {
		t.Fatalf("failed to unlisten: %v", err)
	}
	if target.unlistens != 1 {
		t.Errorf("expected unlisten after the last listener, got %d", target.unlistens)
	}
}

func TestEventManagerLateListenerGetsCurrentSnapshot(t *testing.T) {
	q := query.NewCollectionQuery("rooms")
	target := &fakeQueryTarget{snap: func(q *query.Query) *ViewSnapshot {
		return snapshotOf(q, false, doc("rooms/a", 1, 1))
	}}
	m := NewEventManager(target)

	var a, b collected
	if err := m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, a.observer())); err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	if err := m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, b.observer())); err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	if len(b.snaps) != 1 || b.snaps[0].Docs.Len() != 1 {
		t.Fatalf("expected the second listener to receive the cached snapshot")
	}
}

func TestEventManagerListenErrorReachesObserver(t *testing.T) {
	boom := errors.New("boom")
	m := NewEventManager(&fakeQueryTarget{err: boom})
	var c collected
	err := m.Listen(context.Background(), NewQueryListener(query.NewCollectionQuery("rooms"), ListenOptions{}, c.observer()))
	if !errors.Is(err, boom) {
		t.Errorf("expected %v, got %v", boom, err)
	}
	if len(c.errs) != 1 || !errors.Is(c.errs[0], boom) {
		t.Errorf("expected observer error, got %v", c.errs)
	}
}

func TestEventManagerWatchErrorEndsListeners(t *testing.T) {
	m := NewEventManager(&fakeQueryTarget{})
	q := query.NewCollectionQuery("rooms")
	var c collected
	if err := m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, c.observer())); err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	m.OnWatchError(q, errors.New("denied"))
	if len(c.errs) != 1 {
		t.Errorf("expected one error, got %d", len(c.errs))
	}
	if m.ListenerCount() != 0 {
		t.Errorf("expected listeners removed, got %d", m.ListenerCount())
	}
}

func TestQueryListenerInitialEvent(t *testing.T) {
	q := query.NewCollectionQuery("rooms")
	tests := []struct {
		name    string
		options ListenOptions
		state   remote.OnlineState
		snap    *ViewSnapshot
		want    bool
	}{
		{"synced", ListenOptions{}, remote.OnlineStateUnknown, snapshotOf(q, false), true},
		{"cached with docs", ListenOptions{}, remote.OnlineStateUnknown, snapshotOf(q, true, doc("rooms/a", 1, 1)), true},
		{"cached empty", ListenOptions{}, remote.OnlineStateOnline, snapshotOf(q, true), false},
		{"cached empty offline", ListenOptions{}, remote.OnlineStateOffline, snapshotOf(q, true), true},
		{"wait for sync online", ListenOptions{WaitForSyncWhenOnline: true}, remote.OnlineStateOnline, snapshotOf(q, true, doc("rooms/a", 1, 1)), false},
		{"wait for sync offline", ListenOptions{WaitForSyncWhenOnline: true}, remote.OnlineStateOffline, snapshotOf(q, true, doc("rooms/a", 1, 1)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c collected
			l := NewQueryListener(q, tt.options, c.observer())
			l.ApplyOnlineStateChange(tt.state)
			if got := l.OnViewSnapshot(tt.snap); got != tt.want {
				t.Errorf("expected raised=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestQueryListenerReleasesHeldSnapshotWhenOffline(t *testing.T) {
	q := query.NewCollectionQuery("rooms")
	var c collected
	l := NewQueryListener(q, ListenOptions{WaitForSyncWhenOnline: true}, c.observer())
	l.ApplyOnlineStateChange(remote.OnlineStateOnline)
	l.OnViewSnapshot(snapshotOf(q, true, doc("rooms/a", 1, 1)))
	if len(c.snaps) != 0 {
		t.Fatalf("expected snapshot held while online")
	}
	if !l.ApplyOnlineStateChange(remote.OnlineStateOffline) {
		t.Errorf("expected held snapshot raised when going offline")
	}
	if len(c.snaps) != 1 {
		t.Errorf("expected one snapshot, got %d", len(c.snaps))
	}
}

func TestQueryListenerMetadataChanges(t *testing.T) {
	q := query.NewCollectionQuery("rooms")
	d := doc("rooms/a", 1, 1)
	metadataOnly := &ViewSnapshot{
		Query:            q,
		Docs:             snapshotOf(q, true, d).Docs,
		DocChanges:       []DocumentViewChange{{Type: ChangeMetadata, Doc: d}},
		MutatedKeys:      model.NewDocumentKeySet(),
		FromCache:        false,
		SyncStateChanged: true,
	}
	for _, include := range []bool{false, true} {
		var c collected
		l := NewQueryListener(q, ListenOptions{IncludeMetadataChanges: include}, c.observer())
		l.OnViewSnapshot(snapshotOf(q, true, d))
		l.OnViewSnapshot(metadataOnly)
		want := 1
		if include {
			want = 2
		}
		if len(c.snaps) != want {
			t.Errorf("include=%v: expected %d snapshots, got %d", include, want, len(c.snaps))
		}
	}
}
