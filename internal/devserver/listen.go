package devserver

import (
	"sync"

	"github.com/coder/websocket"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/transport/wsconn"
)

// listenSession is one listen stream. Its targets are guarded by
// Server.mu; responses are queued on out and written by writeLoop.
type listenSession struct {
	conn    *websocket.Conn
	user    string
	out     chan *remote.ListenResponse
	done    chan struct{}
	once    sync.Once
	targets map[int]*watchedTarget
}

// watchedTarget remembers which documents the client was last told match.
type watchedTarget struct {
	target *query.Target
	keys   model.DocumentKeySet
}

func newListenSession(conn *websocket.Conn, user string, buffer int) *listenSession {
	return &listenSession{
		conn:    conn,
		user:    user,
		out:     make(chan *remote.ListenResponse, buffer),
		done:    make(chan struct{}),
		targets: make(map[int]*watchedTarget),
	}
}

// close ends the session, reporting err's status to the client when err
// is non-nil.
func (sess *listenSession) close(err error) {
	sess.once.Do(func() {
		close(sess.done)
		go func() {
			if err != nil {
				_ = wsconn.CloseWithStatus(sess.conn, err)
				return
			}
			_ = sess.conn.Close(websocket.StatusNormalClosure, "")
		}()
	})
}

// send queues change. A client too slow to drain its queue is dropped;
// it will resume from its last token.
func (sess *listenSession) send(change remote.WatchChange) {
	select {
	case <-sess.done:
		return
	default:
	}
	select {
	case sess.out <- remote.ResponseFor(change):
	default:
		sess.close(status.Errorf(status.Unavailable, "listener fell behind"))
	}
}

func (s *Server) rejectTargetLocked(sess *listenSession, targetID int, err error) {
	s.logger.Printf("Rejected target %d: %v", targetID, err)
	var cause *status.Error
	if se, ok := err.(*status.Error); ok {
		cause = se
	} else {
		cause = status.Errorf(status.Internal, "%v", err)
	}
	sess.send(&remote.WatchTargetChange{State: remote.TargetRemoved, TargetIDs: []int{targetID}, Cause: cause})
}

func (s *Server) addTargetLocked(sess *listenSession, wt *remote.WatchTarget) {
	id := wt.TargetID
	if wt.Target == nil || (wt.Target.Path.IsEmpty() && wt.Target.CollectionGroup == "") {
		s.rejectTargetLocked(sess, id, status.Errorf(status.InvalidArgument, "target %d has no path", id))
		return
	}
	if _, ok := sess.targets[id]; ok {
		s.rejectTargetLocked(sess, id, status.Errorf(status.InvalidArgument, "target %d is already listened to", id))
		return
	}
	if err := s.authorize(sess.user, wt.Target.Path, false); err != nil {
		s.rejectTargetLocked(sess, id, err)
		return
	}

	since := model.MinVersion()
	resuming := false
	switch {
	case len(wt.ResumeToken) > 0:
		v, err := parseResumeToken(wt.ResumeToken)
		if err != nil {
			s.rejectTargetLocked(sess, id, status.Errorf(status.InvalidArgument, "%v", err))
			return
		}
		since, resuming = v, true
	case wt.ReadTime != nil && !wt.ReadTime.IsMin():
		since, resuming = *wt.ReadTime, true
	}

	sess.send(&remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: []int{id}})

	docs := s.store.evaluate(wt.Target)
	keys := model.NewDocumentKeySet()
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		keys = keys.Add(doc.Key())
		names = append(names, doc.Key().String())
		if doc.Version().Compare(since) > 0 {
			sess.send(&remote.DocumentChange{UpdatedTargetIDs: []int{id}, Key: doc.Key(), Doc: doc.Clone()})
		}
	}
	if resuming {
		// Deletions since the resume point are not replayed; the count
		// lets the client find documents it still holds wrongly.
		filter := &remote.ExistenceFilterChange{TargetID: id, Count: len(docs)}
		if s.config.BloomFilters {
			bloom := remote.BuildBloomFilter(names, s.config.FalsePositiveRate)
			filter.UnchangedNames = &remote.BloomFilterDigest{
				Bitmap:    bloom.Bitmap(),
				Padding:   bloom.Padding(),
				HashCount: bloom.HashCount(),
			}
		}
		sess.send(filter)
	}
	sess.targets[id] = &watchedTarget{target: wt.Target, keys: keys}

	version := s.store.current()
	sess.send(&remote.WatchTargetChange{State: remote.TargetCurrent, TargetIDs: []int{id}, ResumeToken: resumeToken(version)})
	sess.send(&remote.WatchTargetChange{State: remote.TargetNoChange, ReadTime: version})
}

func (s *Server) removeTargetLocked(sess *listenSession, targetID int) {
	if _, ok := sess.targets[targetID]; !ok {
		return
	}
	delete(sess.targets, targetID)
	sess.send(&remote.WatchTargetChange{State: remote.TargetRemoved, TargetIDs: []int{targetID}})
}

// broadcastLocked tells every listener about the documents a commit
// changed, including documents that entered or left a limited result.
func (s *Server) broadcastLocked(changed []*model.Document) {
	if len(changed) == 0 {
		return
	}
	deleted := map[model.DocumentKey]bool{}
	touchedKeys := model.NewDocumentKeySet()
	for _, doc := range changed {
		touchedKeys = touchedKeys.Add(doc.Key())
		if doc.IsNoDocument() {
			deleted[doc.Key()] = true
		}
	}
	version := s.store.current()

	for sess := range s.listeners {
		var touched []int
		for id, wt := range sess.targets {
			docs := s.store.evaluate(wt.target)
			keys := model.NewDocumentKeySet()
			sent := false
			for _, doc := range docs {
				keys = keys.Add(doc.Key())
				if touchedKeys.Has(doc.Key()) || !wt.keys.Has(doc.Key()) {
					sess.send(&remote.DocumentChange{UpdatedTargetIDs: []int{id}, Key: doc.Key(), Doc: doc.Clone()})
					sent = true
				}
			}
			wt.keys.Ascend(func(key model.DocumentKey) bool {
				if keys.Has(key) {
					return true
				}
				if deleted[key] {
					sess.send(&remote.DocumentChange{UpdatedTargetIDs: []int{id}, Key: key, Doc: model.NewNoDocument(key, version)})
				} else {
					sess.send(&remote.DocumentChange{RemovedTargetIDs: []int{id}, Key: key})
				}
				sent = true
				return true
			})
			wt.keys = keys
			if sent {
				touched = append(touched, id)
			}
		}
		if len(touched) == 0 {
			continue
		}
		sess.send(&remote.WatchTargetChange{State: remote.TargetNoChange, TargetIDs: touched, ResumeToken: resumeToken(version)})
		sess.send(&remote.WatchTargetChange{State: remote.TargetNoChange, ReadTime: version})
	}
}
