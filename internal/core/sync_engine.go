package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// ErrNotListening is returned when unlistening from a query that has no
// view.
var ErrNotListening = errors.New("query is not being listened to")

// RemoteStore is the part of the remote store the sync engine drives.
type RemoteStore interface {
	Listen(td *local.TargetData)
	Unlisten(targetID int)
	FillWritePipeline() error
	CanUseNetwork() bool
}

// Listener receives what the sync engine computes. EventManager
// implements it.
type Listener interface {
	OnWatchChange(snaps []*ViewSnapshot)
	OnWatchError(q *query.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// Config holds configuration for the sync engine.
type Config struct {
	// MaxConcurrentLimboResolutions bounds the single-document listens
	// used to resolve limbo documents. Further keys wait in a queue.
	MaxConcurrentLimboResolutions int
	Logger                        *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentLimboResolutions: 100,
		Logger:                        log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

type queryView struct {
	query    *query.Query
	targetID int
	view     *View
}

type limboResolution struct {
	key model.DocumentKey
	// receivedDocument is set once the server reported the document, so
	// an empty result afterwards means it was deleted.
	receivedDocument bool
}

// SyncEngine joins the local store, the remote store and the views. It
// maps queries to targets, raises snapshots for every change and resolves
// documents whose presence in a view the server does not confirm. Every
// method must run on the async queue.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore RemoteStore
	listener    Listener
	config      *Config
	logger      *log.Logger

	queryViews      map[string]*queryView
	queriesByTarget map[int][]*query.Query

	enqueuedLimbo       []model.DocumentKey
	activeLimboByKey    map[model.DocumentKey]int
	activeLimboByTarget map[int]*limboResolution
	limboRefs           *local.ReferenceSet
	limboTargetIDs      *local.TargetIDGenerator

	mutationCallbacks      map[string]map[int]func(error)
	pendingWritesCallbacks map[int][]func(error)

	currentUser string
	onlineState remote.OnlineState
}

// New creates a sync engine with the default configuration.
func New(localStore *local.LocalStore, userID string) *SyncEngine {
	return NewWithConfig(localStore, userID, DefaultConfig())
}

// NewWithConfig creates a sync engine. SetRemoteStore and SetListener must
// be called before use.
func NewWithConfig(localStore *local.LocalStore, userID string, config *Config) *SyncEngine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.MaxConcurrentLimboResolutions <= 0 {
		config.MaxConcurrentLimboResolutions = 100
	}
	return &SyncEngine{
		localStore:             localStore,
		config:                 config,
		logger:                 config.Logger,
		queryViews:             map[string]*queryView{},
		queriesByTarget:        map[int][]*query.Query{},
		activeLimboByKey:       map[model.DocumentKey]int{},
		activeLimboByTarget:    map[int]*limboResolution{},
		limboRefs:              local.NewReferenceSet(),
		limboTargetIDs:         local.TargetIDGeneratorForSyncEngine(),
		mutationCallbacks:      map[string]map[int]func(error){},
		pendingWritesCallbacks: map[int][]func(error){},
		currentUser:            userID,
	}
}

// SetRemoteStore wires the remote store, which itself needs the engine.
func (e *SyncEngine) SetRemoteStore(r RemoteStore) { e.remoteStore = r }

// SetListener wires the receiver of snapshots.
func (e *SyncEngine) SetListener(l Listener) { e.listener = l }

// Listen starts listening to q and returns its initial snapshot.
func (e *SyncEngine) Listen(ctx context.Context, q *query.Query) (*ViewSnapshot, error) {
	if qv, ok := e.queryViews[q.CanonicalID()]; ok {
		return qv.view.ComputeInitialSnapshot(), nil
	}
	td, err := e.localStore.AllocateTarget(ctx, q.ToTarget())
	if err != nil {
		return nil, err
	}
	shared := len(e.queriesByTarget[td.TargetID]) > 0
	current := false
	if shared {
		// Another query with the same target already tracks whether it is
		// current.
		other := e.queryViews[e.queriesByTarget[td.TargetID][0].CanonicalID()]
		current = other.view.current
	}
	snap, err := e.initializeView(ctx, q, td.TargetID, current, td.ResumeToken)
	if err != nil {
		return nil, err
	}
	if !shared {
		e.remoteStore.Listen(td)
	}
	return snap, nil
}

func (e *SyncEngine) initializeView(ctx context.Context, q *query.Query, targetID int, current bool, resumeToken []byte) (*ViewSnapshot, error) {
	result, err := e.localStore.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, err
	}
	view := NewView(q, result.RemoteKeys)
	changes := view.ComputeDocChanges(result.Documents, nil)
	synthesized := local.NewTargetChange()
	synthesized.Current = current && e.onlineState != remote.OnlineStateOffline
	synthesized.ResumeToken = resumeToken
	vc := view.ApplyChanges(changes, true, synthesized, false)
	e.updateTrackedLimbos(targetID, vc.LimboChanges)

	e.queryViews[q.CanonicalID()] = &queryView{query: q, targetID: targetID, view: view}
	e.queriesByTarget[targetID] = append(e.queriesByTarget[targetID], q)
	return vc.Snapshot, nil
}

// Unlisten stops listening to q. The target is released once no query
// uses it.
func (e *SyncEngine) Unlisten(ctx context.Context, q *query.Query) error {
	id := q.CanonicalID()
	qv, ok := e.queryViews[id]
	if !ok {
		return fmt.Errorf("failed to unlisten %s: %w", id, ErrNotListening)
	}
	queries := e.queriesByTarget[qv.targetID]
	if len(queries) > 1 {
		e.queriesByTarget[qv.targetID] = slices.DeleteFunc(slices.Clone(queries), func(other *query.Query) bool {
			return other.CanonicalID() == id
		})
		delete(e.queryViews, id)
		return nil
	}

	err := e.localStore.ReleaseTarget(ctx, qv.targetID, false)
	if err != nil {
		e.logger.Printf("Failed to release target %d: %v", qv.targetID, err)
	}
	e.removeAndCleanupTarget(qv.targetID, nil)
	e.remoteStore.Unlisten(qv.targetID)
	return err
}

// Write queues mutations as one batch. callback is called once with nil
// when the server accepts the batch or with the rejection.
func (e *SyncEngine) Write(ctx context.Context, mutations []*mutation.Mutation, callback func(error)) (int, error) {
	result, err := e.localStore.WriteLocally(ctx, mutations)
	if err != nil {
		e.logger.Printf("Failed to write locally: %v", err)
		return mutation.BatchIDUnknown, err
	}
	if callback != nil {
		callbacks, ok := e.mutationCallbacks[e.currentUser]
		if !ok {
			callbacks = map[int]func(error){}
			e.mutationCallbacks[e.currentUser] = callbacks
		}
		callbacks[result.BatchID] = callback
	}
	if err := e.emitNewSnapshots(ctx, result.Changes, nil); err != nil {
		return result.BatchID, err
	}
	if err := e.remoteStore.FillWritePipeline(); err != nil {
		e.logger.Printf("Failed to fill write pipeline: %v", err)
	}
	return result.BatchID, nil
}

// RegisterPendingWritesCallback calls callback once every batch queued so
// far has been acknowledged or rejected.
func (e *SyncEngine) RegisterPendingWritesCallback(ctx context.Context, callback func(error)) error {
	if !e.remoteStore.CanUseNetwork() {
		e.logger.Printf("The network is disabled; pending writes will not complete until it is enabled")
	}
	highest, err := e.localStore.HighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return err
	}
	if highest == mutation.BatchIDUnknown {
		callback(nil)
		return nil
	}
	e.pendingWritesCallbacks[highest] = append(e.pendingWritesCallbacks[highest], callback)
	return nil
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (e *SyncEngine) ApplyRemoteEvent(ctx context.Context, event *local.RemoteEvent) error {
	changes, err := e.localStore.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return err
	}
	for targetID, change := range event.TargetChanges {
		lr, ok := e.activeLimboByTarget[targetID]
		if !ok {
			continue
		}
		n := change.AddedDocuments.Len() + change.ModifiedDocuments.Len() + change.RemovedDocuments.Len()
		if n > 1 {
			e.logger.Printf("Limbo target %d reported %d documents", targetID, n)
		}
		switch {
		case change.AddedDocuments.Len() > 0:
			lr.receivedDocument = true
		case change.RemovedDocuments.Len() > 0:
			lr.receivedDocument = false
		}
	}
	return e.emitNewSnapshots(ctx, changes, event)
}

// ApplyOnlineStateChange marks current views out of date when offline.
func (e *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	var snaps []*ViewSnapshot
	for _, qv := range e.queryViews {
		if vc := qv.view.ApplyOnlineStateChange(state); vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
		}
	}
	e.onlineState = state
	if e.listener == nil {
		return
	}
	e.listener.OnOnlineStateChange(state)
	if len(snaps) > 0 {
		e.listener.OnWatchChange(snaps)
	}
}

// RejectListen implements remote.RemoteSyncer. A rejected limbo target is
// treated as a deletion; any other target ends its queries with cause.
func (e *SyncEngine) RejectListen(ctx context.Context, targetID int, cause error) error {
	if lr, ok := e.activeLimboByTarget[targetID]; ok {
		key := lr.key
		event := local.NewRemoteEvent(model.MinVersion())
		event.DocumentUpdates = event.DocumentUpdates.Insert(key, model.NewNoDocument(key, model.MinVersion()))
		event.ResolvedLimboDocuments = event.ResolvedLimboDocuments.Add(key)
		err := e.ApplyRemoteEvent(ctx, event)
		delete(e.activeLimboByKey, key)
		delete(e.activeLimboByTarget, targetID)
		e.pumpEnqueuedLimboResolutions()
		return err
	}

	if err := e.localStore.ReleaseTarget(ctx, targetID, false); err != nil {
		e.logger.Printf("Failed to release rejected target %d: %v", targetID, err)
	}
	e.removeAndCleanupTarget(targetID, cause)
	return nil
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (e *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error {
	batchID := result.Batch.BatchID
	changes, err := e.localStore.AcknowledgeBatch(ctx, result)
	if err != nil {
		return err
	}
	e.processUserCallback(batchID, nil)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapshots(ctx, changes, nil)
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (e *SyncEngine) RejectFailedWrite(ctx context.Context, batchID int, cause error) error {
	changes, err := e.localStore.RejectBatch(ctx, batchID)
	if err != nil {
		return err
	}
	e.processUserCallback(batchID, cause)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapshots(ctx, changes, nil)
}

// GetRemoteKeysForTarget implements remote.RemoteSyncer.
func (e *SyncEngine) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	if lr, ok := e.activeLimboByTarget[targetID]; ok {
		if lr.receivedDocument {
			keys = keys.Add(lr.key)
		}
		return keys
	}
	for _, q := range e.queriesByTarget[targetID] {
		if qv, ok := e.queryViews[q.CanonicalID()]; ok {
			keys = keys.Union(qv.view.SyncedDocuments())
		}
	}
	return keys
}

// HandleCredentialChange implements remote.RemoteSyncer.
func (e *SyncEngine) HandleCredentialChange(ctx context.Context, userID string) error {
	if userID == e.currentUser {
		return nil
	}
	result, err := e.localStore.HandleUserChange(ctx, userID)
	if err != nil {
		return err
	}
	e.logger.Printf("User changed from %q to %q", e.currentUser, userID)
	e.currentUser = userID
	e.rejectOutstandingPendingWritesCallbacks(status.Errorf(status.Cancelled, "pending writes were cancelled by a user change"))
	return e.emitNewSnapshots(ctx, result.Changes, nil)
}

// ActiveLimboDocumentResolutions returns the keys being resolved and their
// target ids.
func (e *SyncEngine) ActiveLimboDocumentResolutions() map[model.DocumentKey]int {
	out := make(map[model.DocumentKey]int, len(e.activeLimboByKey))
	for k, id := range e.activeLimboByKey {
		out[k] = id
	}
	return out
}

// EnqueuedLimboDocumentResolutions returns the keys waiting for a free
// resolution slot, oldest first.
func (e *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return slices.Clone(e.enqueuedLimbo)
}

func (e *SyncEngine) processUserCallback(batchID int, err error) {
	callbacks := e.mutationCallbacks[e.currentUser]
	if cb, ok := callbacks[batchID]; ok {
		cb(err)
		delete(callbacks, batchID)
	}
}

func (e *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	for _, cb := range e.pendingWritesCallbacks[batchID] {
		cb(nil)
	}
	delete(e.pendingWritesCallbacks, batchID)
}

func (e *SyncEngine) rejectOutstandingPendingWritesCallbacks(err error) {
	for id, callbacks := range e.pendingWritesCallbacks {
		for _, cb := range callbacks {
			cb(err)
		}
		delete(e.pendingWritesCallbacks, id)
	}
}

func (e *SyncEngine) removeAndCleanupTarget(targetID int, cause error) {
	for _, q := range e.queriesByTarget[targetID] {
		delete(e.queryViews, q.CanonicalID())
		if cause != nil && e.listener != nil {
			e.listener.OnWatchError(q, cause)
		}
	}
	delete(e.queriesByTarget, targetID)

	keys := e.limboRefs.RemoveReferencesForID(targetID)
	keys.Ascend(func(k model.DocumentKey) bool {
		if !e.limboRefs.ContainsKey(k) {
			e.removeLimboTarget(k)
		}
		return true
	})
}

func (e *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	e.enqueuedLimbo = slices.DeleteFunc(e.enqueuedLimbo, func(k model.DocumentKey) bool { return k == key })
	targetID, ok := e.activeLimboByKey[key]
	if !ok {
		return
	}
	e.remoteStore.Unlisten(targetID)
	delete(e.activeLimboByKey, key)
	delete(e.activeLimboByTarget, targetID)
	e.pumpEnqueuedLimboResolutions()
}

func (e *SyncEngine) updateTrackedLimbos(targetID int, changes []LimboDocumentChange) {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			e.limboRefs.AddReference(c.Key, targetID)
			e.trackLimboChange(c.Key)
		case LimboRemoved:
			e.limboRefs.RemoveReference(c.Key, targetID)
			if !e.limboRefs.ContainsKey(c.Key) {
				e.removeLimboTarget(c.Key)
			}
		}
	}
}

func (e *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if _, ok := e.activeLimboByKey[key]; ok {
		return
	}
	if slices.Contains(e.enqueuedLimbo, key) {
		return
	}
	e.logger.Printf("New document in limbo: %s", key)
	e.enqueuedLimbo = append(e.enqueuedLimbo, key)
	e.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts listens for queued limbo keys while
// slots are free.
func (e *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(e.enqueuedLimbo) > 0 && len(e.activeLimboByKey) < e.config.MaxConcurrentLimboResolutions {
		key := e.enqueuedLimbo[0]
		e.enqueuedLimbo = e.enqueuedLimbo[1:]
		targetID := e.limboTargetIDs.Next()
		e.activeLimboByTarget[targetID] = &limboResolution{key: key}
		e.activeLimboByKey[key] = targetID
		target := query.NewDocumentQuery(key).ToTarget()
		e.remoteStore.Listen(local.NewTargetData(target, targetID, local.PurposeLimboResolution, local.ListenSequenceInvalid))
	}
}

// emitNewSnapshots recomputes every view for changes, raises the
// snapshots and tells the local store what the views now show.
func (e *SyncEngine) emitNewSnapshots(ctx context.Context, changes model.DocumentMap, event *local.RemoteEvent) error {
	if len(e.queryViews) == 0 {
		return nil
	}
	var snaps []*ViewSnapshot
	var viewChanges []local.LocalViewChanges
	for _, qv := range e.sortedQueryViews() {
		snap, err := e.applyDocChanges(ctx, qv, changes, event)
		if err != nil {
			return err
		}
		if snap == nil {
			continue
		}
		snaps = append(snaps, snap)
		viewChanges = append(viewChanges, localViewChangesOf(qv.targetID, snap))
	}
	if e.listener != nil && len(snaps) > 0 {
		e.listener.OnWatchChange(snaps)
	}
	return e.localStore.NotifyLocalViewChanges(ctx, viewChanges)
}

// sortedQueryViews returns the views in target order so snapshots are
// raised deterministically.
func (e *SyncEngine) sortedQueryViews() []*queryView {
	views := make([]*queryView, 0, len(e.queryViews))
	for _, qv := range e.queryViews {
		views = append(views, qv)
	}
	slices.SortFunc(views, func(a, b *queryView) int {
		return cmp.Or(
			cmp.Compare(a.targetID, b.targetID),
			strings.Compare(a.query.CanonicalID(), b.query.CanonicalID()),
		)
	})
	return views
}

func (e *SyncEngine) applyDocChanges(ctx context.Context, qv *queryView, changes model.DocumentMap, event *local.RemoteEvent) (*ViewSnapshot, error) {
	docChanges := qv.view.ComputeDocChanges(changes, nil)
	if docChanges.NeedsRefill {
		result, err := e.localStore.ExecuteQuery(ctx, qv.query, false)
		if err != nil {
			return nil, err
		}
		docChanges = qv.view.ComputeDocChanges(result.Documents, docChanges)
	}
	var targetChange *local.TargetChange
	pendingReset := false
	if event != nil {
		targetChange = event.TargetChanges[qv.targetID]
		_, pendingReset = event.TargetMismatches[qv.targetID]
	}
	vc := qv.view.ApplyChanges(docChanges, true, targetChange, pendingReset)
	e.updateTrackedLimbos(qv.targetID, vc.LimboChanges)
	return vc.Snapshot, nil
}

func localViewChangesOf(targetID int, snap *ViewSnapshot) local.LocalViewChanges {
	added, removed := model.NewDocumentKeySet(), model.NewDocumentKeySet()
	for _, c := range snap.DocChanges {
		switch c.Type {
		case ChangeAdded:
			added = added.Add(c.Doc.Key())
		case ChangeRemoved:
			removed = removed.Add(c.Doc.Key())
		}
	}
	return local.LocalViewChanges{TargetID: targetID, FromCache: snap.FromCache, AddedKeys: added, RemovedKeys: removed}
}

var (
	_ remote.RemoteSyncer = (*SyncEngine)(nil)
	_ QueryTarget         = (*SyncEngine)(nil)
	_ Listener            = (*EventManager)(nil)
)
