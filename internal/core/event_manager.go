package core

import (
	"context"
	"fmt"

	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// ListenOptions tune what a QueryListener is told.
type ListenOptions struct {
	// IncludeMetadataChanges delivers snapshots whose only change is the
	// pending-writes or from-cache state.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline holds back the first snapshot until the server
	// has answered, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// Observer receives a listener's snapshots or its terminal error.
type Observer interface {
	OnSnapshot(*ViewSnapshot)
	OnError(error)
}

// ObserverFuncs adapts two functions to Observer.
type ObserverFuncs struct {
	Next  func(*ViewSnapshot)
	Error func(error)
}

func (o ObserverFuncs) OnSnapshot(s *ViewSnapshot) {
	if o.Next != nil {
		o.Next(s)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// QueryListener filters view snapshots for one subscriber.
type QueryListener struct {
	Query    *query.Query
	options  ListenOptions
	observer Observer

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener returns a listener for q.
func NewQueryListener(q *query.Query, options ListenOptions, observer Observer) *QueryListener {
	return &QueryListener{Query: q, options: options, observer: observer}
}

// OnViewSnapshot delivers snap if the options allow it and reports whether
// anything was raised.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	if !l.options.IncludeMetadataChanges {
		snap = snap.withoutMetadataChanges()
	}
	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.observer.OnSnapshot(snap)
		raised = true
	}
	l.snap = snap
	return raised
}

// OnError ends the listener with err.
func (l *QueryListener) OnError(err error) { l.observer.OnError(err) }

// ApplyOnlineStateChange may release a held-back first snapshot once the
// client is known to be offline.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.OnlineStateOffline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result is not worth raising unless it is all we
	// will get.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.OnlineStateOffline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.DocChanges) > 0 {
		return true
	}
	pendingChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	snap = FromInitialDocuments(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.HasCachedResults)
	l.raisedInitialEvent = true
	l.observer.OnSnapshot(snap)
}

// QueryTarget starts and stops the listens behind an EventManager.
type QueryTarget interface {
	Listen(ctx context.Context, q *query.Query) (*ViewSnapshot, error)
	Unlisten(ctx context.Context, q *query.Query) error
}

type queryListeners struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager fans view snapshots out to the listeners of each query, so
// several subscribers of one query share a single listen. It runs on the
// async queue.
type EventManager struct {
	target      QueryTarget
	queries     map[string]*queryListeners
	onlineState remote.OnlineState
}

// NewEventManager returns a manager listening through target.
func NewEventManager(target QueryTarget) *EventManager {
	return &EventManager{target: target, queries: map[string]*queryListeners{}}
}

// Listen adds l. The first listener of a query starts the listen.
func (m *EventManager) Listen(ctx context.Context, l *QueryListener) error {
	id := l.Query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		snap, err := m.target.Listen(ctx, l.Query)
		if err != nil {
			err = fmt.Errorf("failed to listen to %s: %w", id, err)
			l.OnError(err)
			return err
		}
		info = &queryListeners{viewSnap: snap}
		m.queries[id] = info
	}
	info.listeners = append(info.listeners, l)
	l.ApplyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil {
		l.OnViewSnapshot(info.viewSnap)
	}
	return nil
}

// Unlisten removes l. The last listener of a query stops the listen.
func (m *EventManager) Unlisten(ctx context.Context, l *QueryListener) error {
	id := l.Query.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return nil
	}
	for i, other := range info.listeners {
		if other == l {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)
			break
		}
	}
	if len(info.listeners) > 0 {
		return nil
	}
	delete(m.queries, id)
	return m.target.Unlisten(ctx, l.Query)
}

// OnWatchChange delivers new view snapshots.
func (m *EventManager) OnWatchChange(snaps []*ViewSnapshot) {
	for _, snap := range snaps {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			l.OnViewSnapshot(snap)
		}
		info.viewSnap = snap
	}
}

// OnWatchError ends every listener of q.
func (m *EventManager) OnWatchError(q *query.Query, err error) {
	id := q.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.OnError(err)
	}
	delete(m.queries, id)
}

// OnOnlineStateChange passes the new state to every listener.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	for _, info := range m.queries {
		for _, l := range info.listeners {
			l.ApplyOnlineStateChange(state)
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (m *EventManager) ListenerCount() int {
	n := 0
	for _, info := range m.queries {
		n += len(info.listeners)
	}
	return n
}
