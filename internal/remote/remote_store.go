package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/status"
)

// maxPendingWrites bounds the batches in flight on the write stream.
const maxPendingWrites = 10

// LocalStore is the part of the local store the remote store reads from.
type LocalStore interface {
	NextMutationBatch(ctx context.Context, afterBatchID int) (*mutation.Batch, error)
	LastStreamToken(ctx context.Context) ([]byte, error)
	SetLastStreamToken(ctx context.Context, token []byte) error
	LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error)
}

// RemoteSyncer receives what the remote store learns from the backend. It
// is called on the async queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, event *local.RemoteEvent) error
	RejectListen(ctx context.Context, targetID int, cause error) error
	ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error
	RejectFailedWrite(ctx context.Context, batchID int, cause error) error
	GetRemoteKeysForTarget(targetID int) model.DocumentKeySet
	HandleCredentialChange(ctx context.Context, userID string) error
}

type offlineCause int

const (
	causeUserDisabled offlineCause = iota
	causePersistenceFailed
	causeCredentialChange
	causeShutdown
)

// Config holds configuration for the remote store.
type Config struct {
	Stream *StreamConfig
	// OnlineStateHandler is told about every online state change.
	OnlineStateHandler func(OnlineState)
	Logger             *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Stream:             DefaultStreamConfig(),
		OnlineStateHandler: func(OnlineState) {},
		Logger:             log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// RemoteStore keeps the listen and write streams in step with the targets
// being listened to and the mutation queue. Every method must run on the
// async queue.
type RemoteStore struct {
	queue      *async.Queue
	localStore LocalStore
	syncer     RemoteSyncer
	config     *Config
	logger     *log.Logger
	ctx        context.Context

	watchStream *PersistentListenStream
	writeStream *PersistentWriteStream
	aggregator  *WatchChangeAggregator
	onlineState *OnlineStateTracker
	recovery    *ExponentialBackoff

	// listenTargets are the targets that should be watched, with the
	// resume state most recently received for them.
	listenTargets map[int]*local.TargetData
	writePipeline []*mutation.Batch
	offline       map[offlineCause]bool
}

// New creates a remote store with the network disabled until Start.
func New(queue *async.Queue, localStore LocalStore, syncer RemoteSyncer, conn Connection, creds CredentialsProvider) *RemoteStore {
	return NewWithConfig(queue, localStore, syncer, conn, creds, DefaultConfig())
}

// NewWithConfig creates a remote store with custom configuration.
func NewWithConfig(queue *async.Queue, localStore LocalStore, syncer RemoteSyncer, conn Connection, creds CredentialsProvider, config *Config) *RemoteStore {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Stream == nil {
		config.Stream = DefaultStreamConfig()
	}
	if config.OnlineStateHandler == nil {
		config.OnlineStateHandler = func(OnlineState) {}
	}
	r := &RemoteStore{
		queue:         queue,
		localStore:    localStore,
		syncer:        syncer,
		config:        config,
		logger:        config.Logger,
		ctx:           context.Background(),
		listenTargets: map[int]*local.TargetData{},
		offline:       map[offlineCause]bool{causeUserDisabled: true},
	}
	r.onlineState = NewOnlineStateTracker(queue, config.OnlineStateHandler, config.Logger)
	r.watchStream = NewPersistentListenStream(queue, conn, creds, config.Stream, r)
	r.writeStream = NewPersistentWriteStream(queue, conn, creds, config.Stream, r)
	r.recovery = NewExponentialBackoff(queue, async.TimerPersistenceRetry, config.Stream.Backoff, config.Logger)
	return r
}

// Start enables the network.
func (r *RemoteStore) Start() error { return r.EnableNetwork() }

// EnableNetwork reconnects unless something else keeps the store offline.
func (r *RemoteStore) EnableNetwork() error {
	delete(r.offline, causeUserDisabled)
	return r.enableNetworkInternal()
}

func (r *RemoteStore) canUseNetwork() bool { return len(r.offline) == 0 }

func (r *RemoteStore) enableNetworkInternal() error {
	if !r.canUseNetwork() {
		return nil
	}
	if r.shouldStartWatchStream() {
		r.startWatchStream()
	} else {
		r.onlineState.Set(OnlineStateUnknown)
	}
	return r.fillWritePipeline()
}

// DisableNetwork closes both streams and reports the client offline.
func (r *RemoteStore) DisableNetwork() {
	r.offline[causeUserDisabled] = true
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineStateOffline)
}

func (r *RemoteStore) disableNetworkInternal() {
	r.writeStream.Stop()
	r.watchStream.Stop()
	if len(r.writePipeline) > 0 {
		r.logger.Printf("Stopping write stream with %d pending writes", len(r.writePipeline))
		r.writePipeline = nil
	}
	r.aggregator = nil
}

// Shutdown stops the store for good.
func (r *RemoteStore) Shutdown() {
	r.offline[causeShutdown] = true
	r.disableNetworkInternal()
	r.recovery.Cancel()
	r.onlineState.Set(OnlineStateUnknown)
}

// CanUseNetwork reports whether the store may connect.
func (r *RemoteStore) CanUseNetwork() bool { return r.canUseNetwork() }

// Listen starts watching td. Listening to an already watched target is a
// no-op.
func (r *RemoteStore) Listen(td *local.TargetData) {
	if _, ok := r.listenTargets[td.TargetID]; ok {
		return
	}
	r.listenTargets[td.TargetID] = td
	if r.shouldStartWatchStream() {
		r.startWatchStream()
	} else if r.watchStream.IsOpen() {
		r.sendWatchRequest(td)
	}
}

// Unlisten stops watching targetID.
func (r *RemoteStore) Unlisten(targetID int) {
	if _, ok := r.listenTargets[targetID]; !ok {
		return
	}
	delete(r.listenTargets, targetID)
	if r.watchStream.IsOpen() {
		r.sendUnwatchRequest(targetID)
	}
	if len(r.listenTargets) == 0 {
		if r.watchStream.IsOpen() {
			r.watchStream.MarkIdle()
		} else if r.canUseNetwork() {
			// Nothing is listening, so there is nothing to be offline for.
			r.onlineState.Set(OnlineStateUnknown)
		}
	}
}

func (r *RemoteStore) sendWatchRequest(td *local.TargetData) {
	r.aggregator.RecordPendingTargetRequest(td.TargetID)
	if len(td.ResumeToken) > 0 || !td.SnapshotVersion.IsMin() {
		n := r.syncer.GetRemoteKeysForTarget(td.TargetID).Len()
		td = td.WithExpectedCount(n)
	}
	r.watchStream.Watch(td)
}

func (r *RemoteStore) sendUnwatchRequest(targetID int) {
	r.aggregator.RecordPendingTargetRequest(targetID)
	r.watchStream.Unwatch(targetID)
}

func (r *RemoteStore) shouldStartWatchStream() bool {
	return r.canUseNetwork() && !r.watchStream.IsStarted() && len(r.listenTargets) > 0
}

func (r *RemoteStore) startWatchStream() {
	r.aggregator = NewWatchChangeAggregator(r, r.logger)
	r.watchStream.Start()
	r.onlineState.HandleWatchStreamStart()
}

// GetRemoteKeysForTarget implements TargetMetadataProvider.
func (r *RemoteStore) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	return r.syncer.GetRemoteKeysForTarget(targetID)
}

// GetTargetDataForTarget implements TargetMetadataProvider.
func (r *RemoteStore) GetTargetDataForTarget(targetID int) *local.TargetData {
	return r.listenTargets[targetID]
}

// OnWatchStreamOpen re-sends every target on a fresh stream.
func (r *RemoteStore) OnWatchStreamOpen() {
	for _, td := range r.listenTargets {
		r.sendWatchRequest(td)
	}
}

// OnWatchStreamClose restarts the stream if targets are still wanted.
func (r *RemoteStore) OnWatchStreamClose(err error) {
	r.aggregator = nil
	if r.shouldStartWatchStream() {
		r.onlineState.HandleWatchStreamFailure(err)
		r.startWatchStream()
	} else {
		// The stream was closed on purpose; nothing is known about
		// connectivity.
		r.onlineState.Set(OnlineStateUnknown)
	}
}

// OnWatchStreamChange feeds one change to the aggregator and raises a
// remote event once the server reports a consistent snapshot.
func (r *RemoteStore) OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion) {
	r.onlineState.Set(OnlineStateOnline)
	if r.aggregator == nil {
		return
	}

	switch c := change.(type) {
	case *WatchTargetChange:
		if c.State == TargetRemoved && c.Cause != nil {
			r.handleTargetError(c)
			return
		}
		r.aggregator.HandleTargetChange(c)
	case *DocumentChange:
		r.aggregator.HandleDocumentChange(c)
	case *ExistenceFilterChange:
		r.aggregator.HandleExistenceFilter(c)
	}

	if snapshotVersion.IsMin() {
		return
	}
	err := r.withRecovery(func() error {
		last, err := r.localStore.LastRemoteSnapshotVersion(r.ctx)
		if err != nil {
			return err
		}
		if snapshotVersion.Compare(last) >= 0 {
			// Older snapshots arrive when the stream restarts and the
			// server replays from an earlier resume token.
			return r.raiseWatchSnapshot(snapshotVersion)
		}
		return nil
	})
	if err != nil {
		r.logger.Printf("Failed to raise snapshot at %s: %v", snapshotVersion, err)
	}
}

func (r *RemoteStore) raiseWatchSnapshot(version model.SnapshotVersion) error {
	event := r.aggregator.CreateRemoteEvent(version)

	for id, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := r.listenTargets[id]; ok {
			r.listenTargets[id] = td.WithResumeToken(change.ResumeToken, version)
		}
	}
	for id, purpose := range event.TargetMismatches {
		td, ok := r.listenTargets[id]
		if !ok {
			continue
		}
		// Re-listen from scratch so the server sends the full result set.
		r.listenTargets[id] = td.WithResumeToken(nil, td.SnapshotVersion)
		r.sendUnwatchRequest(id)
		r.sendWatchRequest(local.NewTargetData(td.Target, id, purpose, td.SequenceNumber))
	}
	return r.syncer.ApplyRemoteEvent(r.ctx, event)
}

func (r *RemoteStore) handleTargetError(c *WatchTargetChange) {
	for _, id := range c.TargetIDs {
		if _, ok := r.listenTargets[id]; !ok {
			continue
		}
		delete(r.listenTargets, id)
		r.aggregator.RemoveTarget(id)
		if err := r.syncer.RejectListen(r.ctx, id, c.Cause); err != nil {
			r.logger.Printf("Failed to reject listen %d: %v", id, err)
		}
	}
}

// withRecovery runs op. A transient persistence failure takes the network
// down and retries op with backoff until it succeeds; anything else fails
// the queue.
func (r *RemoteStore) withRecovery(op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if !persistence.IsTransient(err) {
		r.queue.Fail(err)
		return err
	}
	r.logger.Printf("Disabling network until storage recovers: %v", err)
	r.offline[causePersistenceFailed] = true
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineStateOffline)
	r.scheduleRecovery(op)
	return err
}

func (r *RemoteStore) scheduleRecovery(op func() error) {
	r.recovery.BackoffAndRun(func() {
		if err := op(); err != nil {
			if !persistence.IsTransient(err) {
				r.queue.Fail(err)
				return
			}
			r.scheduleRecovery(op)
			return
		}
		delete(r.offline, causePersistenceFailed)
		r.recovery.Reset()
		if err := r.enableNetworkInternal(); err != nil {
			r.logger.Printf("Failed to re-enable network: %v", err)
		}
	})
}

// FillWritePipeline tops up the write pipeline from the mutation queue.
func (r *RemoteStore) FillWritePipeline() error { return r.fillWritePipeline() }

func (r *RemoteStore) fillWritePipeline() error {
	last := mutation.BatchIDUnknown
	if n := len(r.writePipeline); n > 0 {
		last = r.writePipeline[n-1].BatchID
	}
	for r.canAddToWritePipeline() {
		var batch *mutation.Batch
		err := r.withRecovery(func() error {
			var err error
			batch, err = r.localStore.NextMutationBatch(r.ctx, last)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to fill write pipeline: %w", err)
		}
		if batch == nil {
			if len(r.writePipeline) == 0 {
				r.writeStream.MarkIdle()
			}
			break
		}
		r.addToWritePipeline(batch)
		last = batch.BatchID
	}
	if r.shouldStartWriteStream() {
		r.writeStream.Start()
	}
	return nil
}

func (r *RemoteStore) canAddToWritePipeline() bool {
	return r.canUseNetwork() && len(r.writePipeline) < maxPendingWrites
}

func (r *RemoteStore) addToWritePipeline(batch *mutation.Batch) {
	r.writePipeline = append(r.writePipeline, batch)
	if r.writeStream.IsOpen() && r.writeStream.HandshakeComplete() {
		r.writeStream.WriteMutations(batch.Mutations)
	}
}

func (r *RemoteStore) shouldStartWriteStream() bool {
	return r.canUseNetwork() && !r.writeStream.IsStarted() && len(r.writePipeline) > 0
}

// PendingWrites returns the number of batches sent but not acknowledged.
func (r *RemoteStore) PendingWrites() int { return len(r.writePipeline) }

// OnWriteStreamOpen starts the handshake.
func (r *RemoteStore) OnWriteStreamOpen() {
	token, err := r.localStore.LastStreamToken(r.ctx)
	if err != nil {
		r.logger.Printf("Failed to read stream token: %v", err)
	}
	r.writeStream.WriteHandshake(token)
}

// OnWriteHandshakeComplete records the stream token and sends the whole
// pipeline, since a new stream knows nothing of earlier writes.
func (r *RemoteStore) OnWriteHandshakeComplete() {
	token := r.writeStream.LastStreamToken
	err := r.withRecovery(func() error { return r.localStore.SetLastStreamToken(r.ctx, token) })
	if err != nil {
		return
	}
	for _, batch := range r.writePipeline {
		r.writeStream.WriteMutations(batch.Mutations)
	}
}

// OnMutationResult acknowledges the head of the pipeline.
func (r *RemoteStore) OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) {
	if len(r.writePipeline) == 0 {
		r.logger.Printf("Dropping write result with an empty pipeline")
		return
	}
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	result, err := mutation.NewBatchResult(batch, commitVersion, results, r.writeStream.LastStreamToken)
	if err != nil {
		r.queue.Fail(err)
		return
	}
	if err := r.syncer.ApplySuccessfulWrite(r.ctx, result); err != nil {
		r.logger.Printf("Failed to apply write %d: %v", batch.BatchID, err)
	}
	if err := r.fillWritePipeline(); err != nil {
		r.logger.Printf("%v", err)
	}
}

// OnWriteStreamClose classifies the failure and restarts the stream if
// writes are pending.
func (r *RemoteStore) OnWriteStreamClose(err error) {
	if err != nil && len(r.writePipeline) > 0 {
		if r.writeStream.HandshakeComplete() {
			r.handleWriteError(err)
		} else {
			r.handleHandshakeError(err)
		}
	}
	if r.shouldStartWriteStream() {
		r.writeStream.Start()
	}
}

func (r *RemoteStore) handleHandshakeError(err error) {
	if !status.IsPermanent(status.CodeOf(err)) {
		return
	}
	// The token is probably what the server rejected.
	r.logger.Printf("Write stream handshake failed, resetting stream token: %v", err)
	r.writeStream.LastStreamToken = nil
	if serr := r.withRecovery(func() error { return r.localStore.SetLastStreamToken(r.ctx, nil) }); serr != nil {
		r.logger.Printf("Failed to reset stream token: %v", serr)
	}
}

func (r *RemoteStore) handleWriteError(err error) {
	if !status.IsPermanentWrite(status.CodeOf(err)) {
		return
	}
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	// The failure was the batch, not the connection.
	r.writeStream.InhibitBackoff()
	if rerr := r.syncer.RejectFailedWrite(r.ctx, batch.BatchID, err); rerr != nil {
		r.logger.Printf("Failed to reject write %d: %v", batch.BatchID, rerr)
	}
	if ferr := r.fillWritePipeline(); ferr != nil {
		r.logger.Printf("%v", ferr)
	}
}

// HandleCredentialChange restarts both streams for a new user.
func (r *RemoteStore) HandleCredentialChange(userID string) error {
	r.offline[causeCredentialChange] = true
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineStateUnknown)
	err := r.syncer.HandleCredentialChange(r.ctx, userID)
	delete(r.offline, causeCredentialChange)
	if eerr := r.enableNetworkInternal(); eerr != nil {
		err = errors.Join(err, eerr)
	}
	return err
}
