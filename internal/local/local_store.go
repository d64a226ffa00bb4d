package local

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// resumeTokenMaxAge bounds how stale a persisted resume token may get
// before a remote event forces it to be written.
const resumeTokenMaxAge = 5 * time.Minute

// Config configures a LocalStore.
type Config struct {
	// UserID owns the mutation queue and overlays. Empty means
	// unauthenticated.
	UserID string
	// Lru tunes garbage collection.
	Lru LruParams
	// Logger receives diagnostic output.
	Logger *log.Logger
}

// DefaultConfig returns the default local store configuration.
func DefaultConfig() *Config {
	return &Config{
		Lru:    DefaultLruParams(),
		Logger: log.New(os.Stderr, "[local] ", log.LstdFlags),
	}
}

// LocalWriteResult is the outcome of WriteLocally.
type LocalWriteResult struct {
	BatchID int
	Changes model.DocumentMap
}

// QueryResult is the outcome of ExecuteQuery.
type QueryResult struct {
	Documents  model.DocumentMap
	RemoteKeys model.DocumentKeySet
	Path       QueryPath
}

// LocalViewChanges lists the documents a view started or stopped showing.
type LocalViewChanges struct {
	TargetID    int
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// UserChangeResult is the outcome of HandleUserChange.
type UserChangeResult struct {
	RemovedBatchIDs []int
	AddedBatchIDs   []int
	Changes         model.DocumentMap
}

// Stats summarizes the persisted cache.
type Stats struct {
	UserID                      string                `json:"userId" yaml:"user_id"`
	RemoteDocuments             int                   `json:"remoteDocuments" yaml:"remote_documents"`
	PendingBatches              int                   `json:"pendingBatches" yaml:"pending_batches"`
	Overlays                    int                   `json:"overlays" yaml:"overlays"`
	Targets                     int                   `json:"targets" yaml:"targets"`
	ActiveTargets               int                   `json:"activeTargets" yaml:"active_targets"`
	FieldIndexes                int                   `json:"fieldIndexes" yaml:"field_indexes"`
	HighestTargetID             int                   `json:"highestTargetId" yaml:"highest_target_id"`
	HighestListenSequenceNumber int64                 `json:"highestListenSequenceNumber" yaml:"highest_listen_sequence_number"`
	LastRemoteSnapshotVersion   model.SnapshotVersion `json:"lastRemoteSnapshotVersion" yaml:"last_remote_snapshot_version"`
	SizeBytes                   int64                 `json:"sizeBytes" yaml:"size_bytes"`
}

// LocalStore is the local half of the sync engine. It owns the persisted
// caches and answers reads with pending writes applied. Every operation
// runs in a single transaction.
type LocalStore struct {
	mu     sync.Mutex
	store  persistence.Store
	config Config
	logger *log.Logger

	indexManager *IndexManager
	remoteDocs   *RemoteDocumentCache
	targetCache  *TargetCache
	queue        *MutationQueue
	overlays     *DocumentOverlayCache
	localDocs    *LocalDocumentsView
	queryEngine  *QueryEngine
	delegate     *lruReferenceDelegate
	gc           *LruGarbageCollector

	localViewRefs *ReferenceSet
	// targetDataByID holds the active targets, possibly ahead of what is
	// persisted.
	targetDataByID        map[int]*TargetData
	targetIDByCanonicalID map[string]int
	targetIDs             *TargetIDGenerator
	listenSeq             *ListenSequence
	started               bool
}

// New creates a local store with the default configuration.
func New(store persistence.Store) *LocalStore {
	return NewWithConfig(store, DefaultConfig())
}

// NewWithConfig creates a local store. Call Start before using it.
func NewWithConfig(store persistence.Store, config *Config) *LocalStore {
	cfg := *config
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	s := &LocalStore{
		store:                 store,
		config:                cfg,
		logger:                cfg.Logger,
		indexManager:          NewIndexManager(),
		targetCache:           NewTargetCache(),
		localViewRefs:         NewReferenceSet(),
		targetDataByID:        make(map[int]*TargetData),
		targetIDByCanonicalID: make(map[string]int),
	}
	s.remoteDocs = NewRemoteDocumentCache(s.indexManager)
	s.delegate = &lruReferenceDelegate{
		targetCache:  s.targetCache,
		remoteDocs:   s.remoteDocs,
		indexManager: s.indexManager,
		inMemoryPins: s.localViewRefs,
	}
	s.targetCache.delegate = s.delegate
	s.gc = newLruGarbageCollector(s.delegate, cfg.Lru, cfg.Logger)
	s.initializeUserComponents(cfg.UserID)
	return s
}

func (s *LocalStore) initializeUserComponents(userID string) {
	s.config.UserID = userID
	s.queue = NewMutationQueue(userID, s.indexManager)
	s.overlays = NewDocumentOverlayCache(userID)
	s.localDocs = NewLocalDocumentsView(s.remoteDocs, s.queue, s.overlays, s.indexManager)
	s.queryEngine = NewQueryEngine(s.localDocs, s.indexManager, s.logger)
}

// Start loads the persisted counters. It must be called once before any
// other operation.
func (s *LocalStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var meta *TargetGlobal
	err := s.store.RunTransaction(ctx, "Start LocalStore", persistence.ReadWrite, func(txn persistence.Txn) error {
		if err := s.queue.Start(txn); err != nil {
			return err
		}
		var err error
		meta, err = s.targetCache.Metadata(txn)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to start local store: %w", err)
	}
	s.targetIDs = TargetIDGeneratorForTargetCache(meta.HighestTargetID)
	s.listenSeq = NewListenSequence(meta.HighestListenSequenceNumber)
	s.started = true
	return nil
}

func (s *LocalStore) runReadOnly(ctx context.Context, name string, fn func(persistence.Txn) error) error {
	if !s.started {
		return ErrNotStarted
	}
	return s.store.RunTransaction(ctx, name, persistence.ReadOnly, fn)
}

// runReadWrite runs fn with a fresh listen sequence number that the
// reference delegate stamps on everything fn touches.
func (s *LocalStore) runReadWrite(ctx context.Context, name string, fn func(persistence.Txn) error) error {
	if !s.started {
		return ErrNotStarted
	}
	seq := s.listenSeq.Next()
	return s.store.RunTransaction(ctx, name, persistence.ReadWrite, func(txn persistence.Txn) error {
		s.delegate.beginTransaction(seq)
		if err := fn(txn); err != nil {
			return err
		}
		if s.delegate.stamped {
			return s.targetCache.ObserveSequenceNumber(txn, seq)
		}
		return nil
	})
}

// UserID returns the user whose writes the store currently exposes.
func (s *LocalStore) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.UserID
}

// HandleUserChange switches the mutation queue and overlays to userID and
// returns the documents whose local view may have changed.
func (s *LocalStore) HandleUserChange(ctx context.Context, userID string) (*UserChangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldQueue := s.queue
	oldOverlays, oldDocs, oldEngine, oldUser := s.overlays, s.localDocs, s.queryEngine, s.config.UserID
	result := &UserChangeResult{}
	err := s.runReadWrite(ctx, "Handle user change", func(txn persistence.Txn) error {
		oldBatches, err := oldQueue.AllMutationBatches(txn)
		if err != nil {
			return err
		}
		s.initializeUserComponents(userID)
		if err := s.queue.Start(txn); err != nil {
			return err
		}
		newBatches, err := s.queue.AllMutationBatches(txn)
		if err != nil {
			return err
		}

		changed := model.NewDocumentKeySet()
		for _, b := range oldBatches {
			result.RemovedBatchIDs = append(result.RemovedBatchIDs, b.BatchID)
			changed = changed.Union(b.Keys())
		}
		for _, b := range newBatches {
			result.AddedBatchIDs = append(result.AddedBatchIDs, b.BatchID)
			changed = changed.Union(b.Keys())
		}
		result.Changes, err = s.localDocs.GetDocuments(txn, changed)
		return err
	})
	if err != nil {
		s.queue, s.overlays, s.localDocs, s.queryEngine, s.config.UserID = oldQueue, oldOverlays, oldDocs, oldEngine, oldUser
		return nil, fmt.Errorf("failed to switch user: %w", err)
	}
	s.logger.Printf("switched user %q -> %q (%d batches removed, %d added)",
		oldUser, userID, len(result.RemovedBatchIDs), len(result.AddedBatchIDs))
	return result, nil
}

// WriteLocally queues mutations as a new batch and returns the local view
// of every document they touch.
func (s *LocalStore) WriteLocally(ctx context.Context, mutations []*mutation.Mutation) (*LocalWriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	localWriteTime := model.Now()
	keys := model.NewDocumentKeySet()
	for _, m := range mutations {
		keys = keys.Add(m.Key)
	}
	result := &LocalWriteResult{}
	err := s.runReadWrite(ctx, "Locally write mutations", func(txn persistence.Txn) error {
		views, err := s.localDocs.GetDocuments(txn, keys)
		if err != nil {
			return err
		}
		// Pin the values non-idempotent transforms read from the current
		// local view.
		var base []*mutation.Mutation
		for _, m := range mutations {
			view, _ := views.Get(m.Key)
			if b := m.BaseMutation(view); b != nil {
				base = append(base, b)
			}
		}
		batch, err := s.queue.AddMutationBatch(txn, localWriteTime, base, mutations)
		if err != nil {
			return err
		}
		result.BatchID = batch.BatchID
		if err := s.localDocs.RecalculateAndSaveOverlaysForDocumentKeys(txn, keys); err != nil {
			return err
		}
		result.Changes, err = s.localDocs.GetDocuments(txn, keys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write locally: %w", err)
	}
	return result, nil
}

// rebaseBatches replays the queued batches that touch keys on top of the
// current remote documents and rewrites their base mutations, so later
// transforms read values that include what the server actually applied.
func (s *LocalStore) rebaseBatches(txn persistence.Txn, keys model.DocumentKeySet) error {
	batches, err := s.queue.AllMutationBatchesAffectingDocumentKeys(txn, keys)
	if err != nil || len(batches) == 0 {
		return err
	}
	docs, err := s.remoteDocs.GetAll(txn, keys)
	if err != nil {
		return err
	}
	for _, b := range batches {
		var rebased []*mutation.Mutation
		for _, m := range b.BaseMutations {
			if !keys.Has(m.Key) {
				rebased = append(rebased, m)
			}
		}
		for _, m := range b.Mutations {
			if doc, ok := docs.Get(m.Key); ok {
				if base := m.BaseMutation(doc); base != nil {
					rebased = append(rebased, base)
				}
			}
		}
		updated := &mutation.Batch{BatchID: b.BatchID, LocalWriteTime: b.LocalWriteTime, BaseMutations: rebased, Mutations: b.Mutations}
		keys.Ascend(func(k model.DocumentKey) bool {
			if doc, ok := docs.Get(k); ok && b.Touches(k) {
				updated.ApplyToLocalView(doc, &model.FieldMask{})
			}
			return true
		})
		if !updated.Equal(b) {
			if err := s.queue.UpdateMutationBatch(txn, updated); err != nil {
				return err
			}
		}
	}
	return nil
}

// AcknowledgeBatch applies the server's result for a batch to the remote
// documents, removes the batch and returns the new local view of the
// documents it touched.
func (s *LocalStore) AcknowledgeBatch(ctx context.Context, result *mutation.BatchResult) (model.DocumentMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := result.Batch
	affected := batch.Keys()
	var changes model.DocumentMap
	err := s.runReadWrite(ctx, "Acknowledge batch", func(txn persistence.Txn) error {
		stored, err := s.queue.LookupMutationBatch(txn, batch.BatchID)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("%w: %d", ErrUnknownBatch, batch.BatchID)
		}
		var applyErr error
		affected.Ascend(func(key model.DocumentKey) bool {
			applyErr = s.applyWriteToRemoteDocument(txn, stored, result, key)
			return applyErr == nil
		})
		if applyErr != nil {
			return applyErr
		}
		if err := s.removeBatch(txn, stored); err != nil {
			return err
		}
		if err := s.queue.AcknowledgeBatch(txn, stored, result.StreamToken); err != nil {
			return err
		}
		if err := s.rebaseBatches(txn, affected); err != nil {
			return err
		}
		if err := s.localDocs.RecalculateAndSaveOverlaysForDocumentKeys(txn, affected); err != nil {
			return err
		}
		changes, err = s.localDocs.GetDocuments(txn, affected)
		return err
	})
	if err != nil {
		return model.DocumentMap{}, fmt.Errorf("failed to acknowledge batch %d: %w", batch.BatchID, err)
	}
	return changes, nil
}

func (s *LocalStore) applyWriteToRemoteDocument(txn persistence.Txn, batch *mutation.Batch, result *mutation.BatchResult, key model.DocumentKey) error {
	doc, err := s.remoteDocs.Get(txn, key)
	if err != nil {
		return err
	}
	ackVersion, ok := result.DocVersions[key]
	if !ok {
		return fmt.Errorf("missing version for %s in result of batch %d", key, batch.BatchID)
	}
	// A newer watch update already reflects the write.
	if doc.Version().Compare(ackVersion) >= 0 {
		return nil
	}
	if err := batch.ApplyToRemoteDocument(doc, result); err != nil {
		return err
	}
	if !doc.IsValidDocument() {
		return nil
	}
	doc.SetReadTime(result.CommitVersion)
	return s.remoteDocs.Add(txn, doc)
}

func (s *LocalStore) removeBatch(txn persistence.Txn, batch *mutation.Batch) error {
	if err := s.queue.RemoveMutationBatch(txn, batch); err != nil {
		return err
	}
	var err error
	batch.Keys().Ascend(func(k model.DocumentKey) bool {
		err = s.delegate.removeMutationReference(txn, k)
		return err == nil
	})
	return err
}

// RejectBatch removes a batch the server refused and returns the new local
// view of the documents it touched. Remote documents are left untouched.
func (s *LocalStore) RejectBatch(ctx context.Context, batchID int) (model.DocumentMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes model.DocumentMap
	err := s.runReadWrite(ctx, "Reject batch", func(txn persistence.Txn) error {
		batch, err := s.queue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("%w: %d", ErrUnknownBatch, batchID)
		}
		affected := batch.Keys()
		if err := s.removeBatch(txn, batch); err != nil {
			return err
		}
		if err := s.rebaseBatches(txn, affected); err != nil {
			return err
		}
		if err := s.localDocs.RecalculateAndSaveOverlaysForDocumentKeys(txn, affected); err != nil {
			return err
		}
		changes, err = s.localDocs.GetDocuments(txn, affected)
		return err
	})
	if err != nil {
		return model.DocumentMap{}, fmt.Errorf("failed to reject batch %d: %w", batchID, err)
	}
	return changes, nil
}

// ApplyRemoteEvent merges a consistent snapshot from the server into the
// caches and returns the new local view of every changed document.
func (s *LocalStore) ApplyRemoteEvent(ctx context.Context, event *RemoteEvent) (model.DocumentMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remoteVersion := event.SnapshotVersion
	updatedTargets := make(map[int]*TargetData, len(s.targetDataByID))
	for id, td := range s.targetDataByID {
		updatedTargets[id] = td
	}
	var changes model.DocumentMap
	err := s.runReadWrite(ctx, "Apply remote event", func(txn persistence.Txn) error {
		for targetID, change := range event.TargetChanges {
			old, ok := s.targetDataByID[targetID]
			if !ok {
				continue
			}
			if err := s.targetCache.RemoveMatchingKeys(txn, change.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := s.targetCache.AddMatchingKeys(txn, change.AddedDocuments, targetID); err != nil {
				return err
			}

			updated := old.WithSequenceNumber(s.delegate.currentSeq)
			if _, mismatch := event.TargetMismatches[targetID]; mismatch {
				// The server will resend everything, so nothing cached for
				// the target can be trusted to resume from.
				updated = updated.WithResumeToken(nil, model.MinVersion()).
					WithLastLimboFreeSnapshotVersion(model.MinVersion())
			} else if len(change.ResumeToken) > 0 {
				updated = updated.WithResumeToken(change.ResumeToken, remoteVersion)
			}
			updatedTargets[targetID] = updated
			if shouldPersistTargetData(old, updated, change) {
				if err := s.targetCache.UpdateTargetData(txn, updated); err != nil {
					return err
				}
			}
		}

		changed, existenceChanged, err := s.populateDocumentChanges(txn, event.DocumentUpdates, remoteVersion)
		if err != nil {
			return err
		}
		var limboErr error
		event.ResolvedLimboDocuments.Ascend(func(k model.DocumentKey) bool {
			limboErr = s.delegate.updateLimboDocument(txn, k)
			return limboErr == nil
		})
		if limboErr != nil {
			return limboErr
		}

		if !remoteVersion.IsMin() {
			meta, err := s.targetCache.Metadata(txn)
			if err != nil {
				return err
			}
			if remoteVersion.Compare(meta.LastRemoteSnapshotVersion) < 0 {
				return fmt.Errorf("%w: %s < %s", ErrVersionRegression, remoteVersion, meta.LastRemoteSnapshotVersion)
			}
			if err := s.targetCache.SetTargetsMetadata(txn, s.delegate.currentSeq, remoteVersion); err != nil {
				return err
			}
		}
		changes, err = s.localDocs.GetLocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	if err != nil {
		return model.DocumentMap{}, fmt.Errorf("failed to apply remote event at %s: %w", remoteVersion, err)
	}
	s.targetDataByID = updatedTargets
	return changes, nil
}

// populateDocumentChanges writes the newer of each update and the cached
// document. It returns copies of the applied documents and the keys whose
// existence flipped.
func (s *LocalStore) populateDocumentChanges(txn persistence.Txn, updates model.DocumentMap, remoteVersion model.SnapshotVersion) (model.DocumentMap, model.DocumentKeySet, error) {
	changed := model.NewDocumentMap()
	existenceChanged := model.NewDocumentKeySet()
	keys := model.NewDocumentKeySet()
	updates.Ascend(func(k model.DocumentKey, _ *model.Document) bool {
		keys = keys.Add(k)
		return true
	})
	existing, err := s.remoteDocs.GetAll(txn, keys)
	if err != nil {
		return changed, existenceChanged, err
	}

	updates.Ascend(func(key model.DocumentKey, update *model.Document) bool {
		doc := update.Clone()
		if doc.ReadTime().IsMin() {
			doc.SetReadTime(remoteVersion)
		}
		cached, _ := existing.Get(key)
		if doc.IsFoundDocument() != cached.IsFoundDocument() {
			existenceChanged = existenceChanged.Add(key)
		}

		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			// A deletion without a version means "unknown"; drop the cached
			// copy so the next read goes to the server.
			if err = s.remoteDocs.Remove(txn, key); err != nil {
				return false
			}
			changed = changed.Insert(key, doc)
		case !cached.IsValidDocument() ||
			doc.Version().Compare(cached.Version()) > 0 ||
			(doc.Version().Compare(cached.Version()) == 0 && cached.HasPendingWrites()):
			if err = s.remoteDocs.Add(txn, doc); err != nil {
				return false
			}
			changed = changed.Insert(key, doc)
		default:
			s.logger.Printf("ignoring outdated watch update for %s: cached %s, update %s", key, cached.Version(), doc.Version())
		}
		return true
	})
	return changed, existenceChanged, err
}

// shouldPersistTargetData decides whether a target's new resume state is
// worth a write.
func shouldPersistTargetData(old, updated *TargetData, change *TargetChange) bool {
	if len(old.ResumeToken) == 0 {
		return true
	}
	delta := updated.SnapshotVersion.Micros() - old.SnapshotVersion.Micros()
	if delta >= resumeTokenMaxAge.Microseconds() {
		return true
	}
	return change.HasDocumentChanges()
}

// NotifyLocalViewChanges records which documents the views currently show,
// pinning them against garbage collection.
func (s *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.runReadWrite(ctx, "Notify local view changes", func(txn persistence.Txn) error {
		for _, vc := range changes {
			s.localViewRefs.AddReferences(vc.AddedKeys, vc.TargetID)
			s.localViewRefs.RemoveReferences(vc.RemovedKeys, vc.TargetID)
			var err error
			vc.RemovedKeys.Ascend(func(k model.DocumentKey) bool {
				err = s.delegate.removeReference(txn, vc.TargetID, k)
				return err == nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record local view changes: %w", err)
	}

	for _, vc := range changes {
		if vc.FromCache {
			continue
		}
		td, ok := s.targetDataByID[vc.TargetID]
		if !ok {
			continue
		}
		// The view is in sync with the server, so the snapshot it reflects
		// is limbo free.
		s.targetDataByID[vc.TargetID] = td.WithLastLimboFreeSnapshotVersion(td.SnapshotVersion)
	}
	return nil
}

// AllocateTarget returns the target data for target, creating and
// persisting it on first use.
func (s *LocalStore) AllocateTarget(ctx context.Context, target *query.Target) (*TargetData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var td *TargetData
	err := s.runReadWrite(ctx, "Allocate target", func(txn persistence.Txn) error {
		cached, err := s.targetCache.GetTargetData(txn, target)
		if err != nil {
			return err
		}
		if cached != nil {
			td = cached
			return nil
		}
		td = NewTargetData(target, s.targetIDs.Next(), PurposeListen, s.delegate.currentSeq)
		return s.targetCache.AddTargetData(txn, td)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate target: %w", err)
	}
	active, ok := s.targetDataByID[td.TargetID]
	if !ok || td.SnapshotVersion.Compare(active.SnapshotVersion) > 0 {
		s.targetDataByID[td.TargetID] = td
		s.targetIDByCanonicalID[target.CanonicalID()] = td.TargetID
	}
	return s.targetDataByID[td.TargetID], nil
}

// ReleaseTarget stops tracking targetID as active. Unless keepPersisted is
// set the target is stamped so garbage collection can reclaim it later.
func (s *LocalStore) ReleaseTarget(ctx context.Context, targetID int, keepPersisted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, ok := s.targetDataByID[targetID]
	if !ok {
		return fmt.Errorf("failed to release target %d: %w", targetID, ErrUnknownTarget)
	}
	if !keepPersisted {
		err := s.runReadWrite(ctx, "Release target", func(txn persistence.Txn) error {
			return s.delegate.removeTarget(txn, td)
		})
		if err != nil {
			return fmt.Errorf("failed to release target %d: %w", targetID, err)
		}
	}
	delete(s.targetDataByID, targetID)
	delete(s.targetIDByCanonicalID, td.Target.CanonicalID())
	s.localViewRefs.RemoveReferencesForID(targetID)
	return nil
}

// GetTargetData returns the data of an active or persisted target, or nil.
func (s *LocalStore) GetTargetData(ctx context.Context, target *query.Target) (*TargetData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var td *TargetData
	err := s.runReadOnly(ctx, "Get target data", func(txn persistence.Txn) error {
		var err error
		td, err = s.targetData(txn, target)
		return err
	})
	return td, err
}

func (s *LocalStore) targetData(txn persistence.Txn, target *query.Target) (*TargetData, error) {
	if id, ok := s.targetIDByCanonicalID[target.CanonicalID()]; ok {
		return s.targetDataByID[id], nil
	}
	return s.targetCache.GetTargetData(txn, target)
}

// ActiveTargetData returns the in-memory data of an allocated target.
func (s *LocalStore) ActiveTargetData(targetID int) (*TargetData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.targetDataByID[targetID]
	return td, ok
}

// RemoteDocumentKeys returns the documents the server last reported as
// matching targetID.
func (s *LocalStore) RemoteDocumentKeys(ctx context.Context, targetID int) (model.DocumentKeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys model.DocumentKeySet
	err := s.runReadOnly(ctx, "Remote document keys", func(txn persistence.Txn) error {
		var err error
		keys, err = s.targetCache.GetMatchingKeysForTargetID(txn, targetID)
		return err
	})
	return keys, err
}

// ExecuteQuery runs q against the local cache. With usePreviousResults the
// query engine may start from the target's last synced result.
func (s *LocalStore) ExecuteQuery(ctx context.Context, q *query.Query, usePreviousResults bool) (*QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &QueryResult{RemoteKeys: model.NewDocumentKeySet()}
	err := s.runReadOnly(ctx, "Execute query", func(txn persistence.Txn) error {
		lastLimboFree := model.MinVersion()
		td, err := s.targetData(txn, q.ToTarget())
		if err != nil {
			return err
		}
		if td != nil {
			lastLimboFree = td.LastLimboFreeSnapshotVersion
			if result.RemoteKeys, err = s.targetCache.GetMatchingKeysForTargetID(txn, td.TargetID); err != nil {
				return err
			}
		}
		remoteKeys := result.RemoteKeys
		if !usePreviousResults {
			lastLimboFree = model.MinVersion()
			remoteKeys = model.NewDocumentKeySet()
		}
		result.Documents, result.Path, err = s.queryEngine.GetDocumentsMatchingQuery(txn, q, lastLimboFree, remoteKeys)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query %s: %w", q.CanonicalID(), err)
	}
	return result, nil
}

// ReadDocument returns the local view of key.
func (s *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc *model.Document
	err := s.runReadOnly(ctx, "Read document", func(txn persistence.Txn) error {
		var err error
		doc, err = s.localDocs.GetDocument(txn, key)
		return err
	})
	return doc, err
}

// GetDocuments returns the local view of keys.
func (s *LocalStore) GetDocuments(ctx context.Context, keys model.DocumentKeySet) (model.DocumentMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs model.DocumentMap
	err := s.runReadOnly(ctx, "Get documents", func(txn persistence.Txn) error {
		var err error
		docs, err = s.localDocs.GetDocuments(txn, keys)
		return err
	})
	return docs, err
}

// NextMutationBatch returns the first queued batch after afterBatchID, or
// nil.
func (s *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID int) (*mutation.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch *mutation.Batch
	err := s.runReadOnly(ctx, "Get next mutation batch", func(txn persistence.Txn) error {
		var err error
		batch, err = s.queue.NextMutationBatchAfterBatchID(txn, afterBatchID)
		return err
	})
	return batch, err
}

// AllMutationBatches returns every queued batch of the current user.
func (s *LocalStore) AllMutationBatches(ctx context.Context) ([]*mutation.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batches []*mutation.Batch
	err := s.runReadOnly(ctx, "All mutation batches", func(txn persistence.Txn) error {
		var err error
		batches, err = s.queue.AllMutationBatches(txn)
		return err
	})
	return batches, err
}

// HighestUnacknowledgedBatchID returns the id of the newest queued batch,
// or mutation.BatchIDUnknown when the queue is empty.
func (s *LocalStore) HighestUnacknowledgedBatchID(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := mutation.BatchIDUnknown
	err := s.runReadOnly(ctx, "Get highest unacknowledged batch id", func(txn persistence.Txn) error {
		var err error
		id, err = s.queue.HighestUnacknowledgedBatchID(txn)
		return err
	})
	return id, err
}

// LastStreamToken returns the persisted write stream token.
func (s *LocalStore) LastStreamToken(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var token []byte
	err := s.runReadOnly(ctx, "Get last stream token", func(txn persistence.Txn) error {
		var err error
		token, err = s.queue.LastStreamToken(txn)
		return err
	})
	return token, err
}

// SetLastStreamToken persists the write stream token.
func (s *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runReadWrite(ctx, "Set last stream token", func(txn persistence.Txn) error {
		return s.queue.SetLastStreamToken(txn, token)
	})
}

// LastRemoteSnapshotVersion returns the version of the last applied remote
// event.
func (s *LocalStore) LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v model.SnapshotVersion
	err := s.runReadOnly(ctx, "Get last remote snapshot version", func(txn persistence.Txn) error {
		meta, err := s.targetCache.Metadata(txn)
		if err != nil {
			return err
		}
		v = meta.LastRemoteSnapshotVersion
		return nil
	})
	return v, err
}

// ConfigureFieldIndexes replaces the configured field indexes and
// backfills them from the remote document cache.
func (s *LocalStore) ConfigureFieldIndexes(ctx context.Context, indexes []FieldIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.runReadWrite(ctx, "Configure field indexes", func(txn persistence.Txn) error {
		return s.indexManager.ConfigureFieldIndexes(txn, indexes, s.remoteDocs)
	})
	if err != nil {
		return fmt.Errorf("failed to configure field indexes: %w", err)
	}
	return nil
}

// FieldIndexes returns the configured field indexes.
func (s *LocalStore) FieldIndexes(ctx context.Context) ([]FieldIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FieldIndex
	err := s.runReadOnly(ctx, "Get field indexes", func(txn persistence.Txn) error {
		var err error
		out, err = s.indexManager.AllFieldIndexes(txn)
		return err
	})
	return out, err
}

// CollectGarbage runs one LRU pass unless collection is disabled or the
// cache is below the size threshold. Active targets are never collected.
func (s *LocalStore) CollectGarbage(ctx context.Context) (LruResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.gc.Enabled() {
		return LruResults{}, nil
	}
	size, err := s.store.Size(ctx)
	if err != nil {
		return LruResults{}, fmt.Errorf("failed to measure cache size: %w", err)
	}
	if size < s.gc.params.CacheSizeCollectionThreshold {
		s.logger.Printf("garbage collection skipped; cache size %d below threshold %d", size, s.gc.params.CacheSizeCollectionThreshold)
		return LruResults{}, nil
	}

	active := make(map[int]bool, len(s.targetDataByID))
	for id := range s.targetDataByID {
		active[id] = true
	}
	var results LruResults
	err = s.runReadWrite(ctx, "Collect garbage", func(txn persistence.Txn) error {
		var err error
		results, err = s.gc.collect(txn, active)
		return err
	})
	if err != nil {
		return LruResults{}, fmt.Errorf("failed to collect garbage: %w", err)
	}
	s.logger.Printf("garbage collection removed %d targets and %d documents (%d sequence numbers)",
		results.TargetsRemoved, results.DocumentsRemoved, results.SequenceNumbersCollected)
	return results, nil
}

// ForEachRemoteDocument visits the local view of every cached document.
func (s *LocalStore) ForEachRemoteDocument(ctx context.Context, fn func(*model.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runReadOnly(ctx, "Scan documents", func(txn persistence.Txn) error {
		return s.remoteDocs.ForEach(txn, func(doc *model.Document) (bool, error) {
			view, err := s.localDocs.GetDocument(txn, doc.Key())
			if err != nil {
				return false, err
			}
			return true, fn(view)
		})
	})
}

// Stats summarizes the cache.
func (s *LocalStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{UserID: s.config.UserID, ActiveTargets: len(s.targetDataByID)}
	err := s.runReadOnly(ctx, "Stats", func(txn persistence.Txn) error {
		if err := s.remoteDocs.ForEach(txn, func(*model.Document) (bool, error) {
			st.RemoteDocuments++
			return true, nil
		}); err != nil {
			return err
		}
		batches, err := s.queue.AllMutationBatches(txn)
		if err != nil {
			return err
		}
		st.PendingBatches = len(batches)
		if st.Overlays, err = s.overlays.Count(txn); err != nil {
			return err
		}
		indexes, err := s.indexManager.AllFieldIndexes(txn)
		if err != nil {
			return err
		}
		st.FieldIndexes = len(indexes)
		meta, err := s.targetCache.Metadata(txn)
		if err != nil {
			return err
		}
		st.Targets = meta.TargetCount
		st.HighestTargetID = meta.HighestTargetID
		st.HighestListenSequenceNumber = meta.HighestListenSequenceNumber
		st.LastRemoteSnapshotVersion = meta.LastRemoteSnapshotVersion
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	if st.SizeBytes, err = s.store.Size(ctx); err != nil {
		return nil, fmt.Errorf("failed to measure cache size: %w", err)
	}
	return st, nil
}
