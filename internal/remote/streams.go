package remote

import (
	"context"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
)

// WatchStreamListener receives the events of a PersistentListenStream on
// the async queue.
type WatchStreamListener interface {
	OnWatchStreamOpen()
	OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion)
	// OnWatchStreamClose is called with a nil error when the stream was
	// closed on purpose.
	OnWatchStreamClose(err error)
}

// PersistentListenStream is the watch stream.
type PersistentListenStream struct {
	*persistentStream[*ListenRequest, *ListenResponse]
	listener WatchStreamListener
}

// NewPersistentListenStream returns a stopped listen stream over conn.
func NewPersistentListenStream(queue *async.Queue, conn Connection, creds CredentialsProvider, config *StreamConfig, listener WatchStreamListener) *PersistentListenStream {
	open := func(ctx context.Context, token string) (Stream[*ListenRequest, *ListenResponse], error) {
		return conn.OpenListenStream(ctx, token)
	}
	s := &PersistentListenStream{
		persistentStream: newPersistentStream("listen", queue, open, creds, config,
			async.TimerListenStreamIdle, async.TimerListenStreamBackoff),
		listener: listener,
	}
	s.handler = s
	return s
}

// Start connects the stream.
func (s *PersistentListenStream) Start() { s.start() }

// Stop closes the stream.
func (s *PersistentListenStream) Stop() { s.stop() }

// IsStarted reports whether the stream is connecting, open or backing off.
func (s *PersistentListenStream) IsStarted() bool { return s.isStarted() }

// IsOpen reports whether requests can be sent.
func (s *PersistentListenStream) IsOpen() bool { return s.isOpen() }

// MarkIdle closes the stream if it stays unused.
func (s *PersistentListenStream) MarkIdle() { s.markIdle() }

func (s *PersistentListenStream) onOpen() { s.listener.OnWatchStreamOpen() }

func (s *PersistentListenStream) onMessage(resp *ListenResponse) error {
	// A message proves the connection works.
	s.backoff.Reset()
	change, err := resp.Change()
	if err != nil {
		return err
	}
	s.listener.OnWatchStreamChange(change, snapshotVersion(change))
	return nil
}

func (s *PersistentListenStream) onClose(err error) { s.listener.OnWatchStreamClose(err) }

// Watch asks the server to stream td, resuming where it left off when a
// resume token or snapshot version is known.
func (s *PersistentListenStream) Watch(td *local.TargetData) {
	wt := &WatchTarget{TargetID: td.TargetID, Target: td.Target}
	switch {
	case len(td.ResumeToken) > 0:
		wt.ResumeToken = td.ResumeToken
		wt.ExpectedCount = td.ExpectedCount
	case !td.SnapshotVersion.IsMin():
		v := td.SnapshotVersion
		wt.ReadTime = &v
		wt.ExpectedCount = td.ExpectedCount
	}
	s.sendRequest(&ListenRequest{AddTarget: wt})
}

// Unwatch stops streaming targetID.
func (s *PersistentListenStream) Unwatch(targetID int) {
	s.sendRequest(&ListenRequest{RemoveTarget: targetID})
}

// WriteStreamListener receives the events of a PersistentWriteStream on
// the async queue.
type WriteStreamListener interface {
	OnWriteStreamOpen()
	OnWriteHandshakeComplete()
	OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result)
	OnWriteStreamClose(err error)
}

// PersistentWriteStream is the write stream. After opening, a handshake
// must complete before mutations are sent; responses then arrive in the
// order the mutations were written.
type PersistentWriteStream struct {
	*persistentStream[*WriteRequest, *WriteResponse]
	listener          WriteStreamListener
	handshakeComplete bool
	// LastStreamToken is the token from the last response, sent with every
	// write.
	LastStreamToken []byte
}

// NewPersistentWriteStream returns a stopped write stream over conn.
func NewPersistentWriteStream(queue *async.Queue, conn Connection, creds CredentialsProvider, config *StreamConfig, listener WriteStreamListener) *PersistentWriteStream {
	open := func(ctx context.Context, token string) (Stream[*WriteRequest, *WriteResponse], error) {
		return conn.OpenWriteStream(ctx, token)
	}
	s := &PersistentWriteStream{
		persistentStream: newPersistentStream("write", queue, open, creds, config,
			async.TimerWriteStreamIdle, async.TimerWriteStreamBackoff),
		listener: listener,
	}
	s.handler = s
	return s
}

// Start connects the stream and resets the handshake.
func (s *PersistentWriteStream) Start() {
	s.handshakeComplete = false
	s.start()
}

// Stop closes the stream.
func (s *PersistentWriteStream) Stop() { s.stop() }

// IsStarted reports whether the stream is connecting, open or backing off.
func (s *PersistentWriteStream) IsStarted() bool { return s.isStarted() }

// IsOpen reports whether requests can be sent.
func (s *PersistentWriteStream) IsOpen() bool { return s.isOpen() }

// MarkIdle closes the stream if it stays unused.
func (s *PersistentWriteStream) MarkIdle() { s.markIdle() }

// InhibitBackoff makes the next Start reconnect immediately.
func (s *PersistentWriteStream) InhibitBackoff() { s.inhibitBackoff() }

// HandshakeComplete reports whether mutations may be written.
func (s *PersistentWriteStream) HandshakeComplete() bool { return s.handshakeComplete }

func (s *PersistentWriteStream) onOpen() { s.listener.OnWriteStreamOpen() }

func (s *PersistentWriteStream) onMessage(resp *WriteResponse) error {
	s.LastStreamToken = resp.StreamToken
	if !s.handshakeComplete {
		s.handshakeComplete = true
		s.listener.OnWriteHandshakeComplete()
		return nil
	}
	// Only reset after the handshake so a server that accepts the stream
	// but rejects every write still backs off.
	s.backoff.Reset()
	s.listener.OnMutationResult(resp.CommitVersion, resp.WriteResults)
	return nil
}

func (s *PersistentWriteStream) onClose(err error) { s.listener.OnWriteStreamClose(err) }

// WriteHandshake sends the initial request, offering token to resume.
func (s *PersistentWriteStream) WriteHandshake(token []byte) {
	s.sendRequest(&WriteRequest{Handshake: true, StreamToken: token})
}

// WriteMutations sends one batch of mutations.
func (s *PersistentWriteStream) WriteMutations(mutations []*mutation.Mutation) {
	s.sendRequest(&WriteRequest{StreamToken: s.LastStreamToken, Writes: mutations})
}
