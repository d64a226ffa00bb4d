package docsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/credentials"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/transport/wsconn"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client is closed")

// Client is a connected document cache. It is safe for concurrent use.
type Client struct {
	id     ulid.ULID
	opts   *Options
	logger *log.Logger

	queue  *async.Queue
	events *async.Queue
	store  persistence.Store
	creds  *credentials.Provider

	localStore   *local.LocalStore
	remoteStore  *remote.RemoteStore
	syncEngine   *core.SyncEngine
	eventManager *core.EventManager
	gc           *local.LruScheduler

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New opens the cache and starts syncing with the server.
func New(ctx context.Context, opts *Options) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{
		id:     ulid.Make(),
		opts:   opts,
		logger: componentLogger(opts.Logger, "[docsync] "),
	}
	c.queue = async.NewWithConfig(&async.Config{Logger: componentLogger(opts.Logger, "[queue] ")})
	c.events = async.NewWithConfig(&async.Config{Logger: componentLogger(opts.Logger, "[events] ")})

	store, err := openStore(opts)
	if err != nil {
		c.queue.Shutdown()
		c.events.Shutdown()
		return nil, err
	}
	c.store = store

	credsCfg := credentials.DefaultConfig()
	credsCfg.Logger = componentLogger(opts.Logger, "[credentials] ")
	c.creds = credentials.NewWithConfig(opts.TokenSource, credsCfg)
	if _, err := c.creds.GetToken(ctx); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("failed to get initial credentials: %w", err)
	}

	conn := opts.Connection
	if conn == nil {
		wsCfg := wsconn.DefaultConfig()
		wsCfg.URL = opts.URL
		wsCfg.Logger = componentLogger(opts.Logger, "[wsconn] ")
		conn = wsconn.NewWithConfig(wsCfg)
	}

	err = c.queue.EnqueueAndWait(ctx, func() error { return c.initialize(ctx, conn) })
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.creds.OnUserChange(func(userID string) {
		c.queue.Enqueue(func() {
			if err := c.remoteStore.HandleCredentialChange(userID); err != nil {
				c.logger.Printf("Failed to switch to user %q: %v", userID, err)
			}
		})
	})
	c.logger.Printf("Client %s started for user %q", c.id, c.creds.User())
	return c, nil
}

func openStore(opts *Options) (persistence.Store, error) {
	if opts.Store != nil {
		return opts.Store, nil
	}
	if opts.PersistencePath == "" {
		return persistence.NewMemoryStore(), nil
	}
	cfg := persistence.DefaultSQLiteConfig()
	cfg.Logger = componentLogger(opts.Logger, "[persistence] ")
	store, err := persistence.OpenSQLiteWithConfig(opts.PersistencePath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", opts.PersistencePath, err)
	}
	return store, nil
}

// initialize wires the components. It runs on the queue.
func (c *Client) initialize(ctx context.Context, conn remote.Connection) error {
	user := c.creds.User()

	localCfg := local.DefaultConfig()
	localCfg.UserID = user
	localCfg.Lru = c.opts.Lru
	localCfg.Logger = componentLogger(c.opts.Logger, "[local] ")
	c.localStore = local.NewWithConfig(c.store, localCfg)
	if err := c.localStore.Start(ctx); err != nil {
		return fmt.Errorf("failed to start local store: %w", err)
	}

	syncCfg := core.DefaultConfig()
	syncCfg.MaxConcurrentLimboResolutions = c.opts.MaxConcurrentLimboResolutions
	syncCfg.Logger = componentLogger(c.opts.Logger, "[sync] ")
	c.syncEngine = core.NewWithConfig(c.localStore, user, syncCfg)
	c.eventManager = core.NewEventManager(c.syncEngine)
	c.syncEngine.SetListener(c.eventManager)

	stream := *c.opts.Stream
	stream.Logger = componentLogger(c.opts.Logger, "[remote] ")
	c.remoteStore = remote.NewWithConfig(c.queue, c.localStore, c.syncEngine, conn, c.creds, &remote.Config{
		Stream:             &stream,
		OnlineStateHandler: c.syncEngine.ApplyOnlineStateChange,
		Logger:             stream.Logger,
	})
	c.syncEngine.SetRemoteStore(c.remoteStore)

	c.gc = local.NewLruScheduler(c.localStore, c.queue)
	c.gc.Start()
	return c.remoteStore.Start()
}

// run executes fn on the queue and waits for it.
func (c *Client) run(ctx context.Context, fn func() error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	err := c.queue.EnqueueAndWait(ctx, fn)
	if errors.Is(err, async.ErrShutdown) {
		return ErrClosed
	}
	return err
}

// ID returns the id of this client instance.
func (c *Client) ID() string { return c.id.String() }

// Write applies mutations locally as one batch and queues them for the
// server. The returned channel receives nil once the server accepts the
// batch or the rejection, then is closed. It is never sent to while the
// client is offline.
func (c *Client) Write(ctx context.Context, mutations []*Mutation) (int, <-chan error, error) {
	done := make(chan error, 1)
	var batchID int
	err := c.run(ctx, func() error {
		var err error
		batchID, err = c.syncEngine.Write(ctx, mutations, func(err error) {
			done <- err
			close(done)
		})
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return batchID, done, nil
}

// listenRegistration hands snapshots to the user on the events queue until
// it is muted.
type listenRegistration struct {
	events *async.Queue
	fn     func(*Snapshot, error)
	muted  atomic.Bool
}

func (r *listenRegistration) OnSnapshot(snap *Snapshot) {
	r.events.Enqueue(func() {
		if !r.muted.Load() {
			r.fn(snap, nil)
		}
	})
}

func (r *listenRegistration) OnError(err error) {
	r.events.Enqueue(func() {
		if r.muted.Swap(true) {
			return
		}
		r.fn(nil, err)
	})
}

// Listen calls fn with a snapshot of q now and after every change. A
// listen error is delivered once and ends the listen. Calling the returned
// function stops it.
func (c *Client) Listen(q *Query, opts ListenOptions, fn func(*Snapshot, error)) func() {
	reg := &listenRegistration{events: c.events, fn: fn}
	if c.closed.Load() {
		go fn(nil, ErrClosed)
		return func() {}
	}
	listener := core.NewQueryListener(q, opts, reg)
	ctx := context.Background()
	c.queue.Enqueue(func() {
		if err := c.eventManager.Listen(ctx, listener); err != nil {
			c.logger.Printf("Failed to listen to %s: %v", q, err)
		}
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			reg.muted.Store(true)
			c.queue.Enqueue(func() {
				if err := c.eventManager.Unlisten(ctx, listener); err != nil {
					c.logger.Printf("Failed to unlisten from %s: %v", q, err)
				}
			})
		})
	}
}

// GetDocument returns the document at key. A missing document is returned
// as a document for which IsNoDocument is true.
func (c *Client) GetDocument(ctx context.Context, key DocumentKey, source Source) (*Document, error) {
	switch source {
	case SourceCache:
		return c.getDocumentFromCache(ctx, key)
	case SourceServer:
		return c.getDocumentFromServer(ctx, key)
	}
	doc, err := c.getDocumentFromServer(ctx, key)
	if status.CodeOf(err) == status.Unavailable {
		return c.getDocumentFromCache(ctx, key)
	}
	return doc, err
}

// GetDocuments returns the documents at keys, in order.
func (c *Client) GetDocuments(ctx context.Context, keys []DocumentKey, source Source) ([]*Document, error) {
	docs := make([]*Document, 0, len(keys))
	for _, k := range keys {
		d, err := c.GetDocument(ctx, k, source)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (c *Client) getDocumentFromCache(ctx context.Context, key DocumentKey) (*Document, error) {
	var doc *model.Document
	err := c.run(ctx, func() error {
		var err error
		doc, err = c.localStore.ReadDocument(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !doc.IsFoundDocument() && !doc.IsNoDocument() {
		return nil, status.Errorf(status.Unavailable, "document %s is not in the cache", key)
	}
	return doc, nil
}

func (c *Client) getDocumentFromServer(ctx context.Context, key DocumentKey) (*Document, error) {
	snap, err := c.getFromServer(ctx, DocumentQuery(key))
	if err != nil {
		return nil, err
	}
	if d := snap.Docs.Get(key); d != nil {
		return d, nil
	}
	return model.NewNoDocument(key, model.MinVersion()), nil
}

// GetQuery returns a snapshot of the documents matching q.
func (c *Client) GetQuery(ctx context.Context, q *Query, source Source) (*Snapshot, error) {
	switch source {
	case SourceCache:
		return c.getQueryFromCache(ctx, q)
	case SourceServer:
		return c.getFromServer(ctx, q)
	}
	snap, err := c.getFromServer(ctx, q)
	if status.CodeOf(err) == status.Unavailable {
		return c.getQueryFromCache(ctx, q)
	}
	return snap, err
}

func (c *Client) getQueryFromCache(ctx context.Context, q *Query) (*Snapshot, error) {
	var snap *Snapshot
	err := c.run(ctx, func() error {
		result, err := c.localStore.ExecuteQuery(ctx, q, true)
		if err != nil {
			return err
		}
		view := core.NewView(q, result.RemoteKeys)
		view.ApplyChanges(view.ComputeDocChanges(result.Documents, nil), false, nil, false)
		snap = view.ComputeInitialSnapshot()
		return nil
	})
	return snap, err
}

// getFromServer listens to q until the server has answered once. A
// snapshot raised from the cache means the client is offline.
func (c *Client) getFromServer(ctx context.Context, q *Query) (*Snapshot, error) {
	type result struct {
		snap *Snapshot
		err  error
	}
	results := make(chan result, 1)
	var once sync.Once
	cancel := c.Listen(q, ListenOptions{IncludeMetadataChanges: true, WaitForSyncWhenOnline: true}, func(snap *Snapshot, err error) {
		once.Do(func() {
			if err == nil && snap.FromCache {
				err = status.Errorf(status.Unavailable, "failed to get %s from the server: the client is offline", q)
			}
			results <- result{snap, err}
		})
	})
	defer cancel()
	select {
	case r := <-results:
		return r.snap, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EnableNetwork reconnects after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.run(ctx, c.remoteStore.EnableNetwork)
}

// DisableNetwork closes the streams. Reads are served from the cache and
// writes stay queued until EnableNetwork.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.run(ctx, func() error {
		c.remoteStore.DisableNetwork()
		return nil
	})
}

// WaitForPendingWrites waits until every write made so far has been
// accepted or rejected by the server. It fails with Cancelled if the user
// changes first.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done := make(chan error, 1)
	err := c.run(ctx, func() error {
		return c.syncEngine.RegisterPendingWritesCallback(ctx, func(err error) { done <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CollectGarbage runs one garbage collection pass now.
func (c *Client) CollectGarbage(ctx context.Context) (GCResults, error) {
	var results GCResults
	err := c.run(ctx, func() error {
		var err error
		results, err = c.localStore.CollectGarbage(ctx)
		return err
	})
	return results, err
}

// ConfigureFieldIndexes replaces the configured field indexes.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, indexes []FieldIndex) error {
	return c.run(ctx, func() error { return c.localStore.ConfigureFieldIndexes(ctx, indexes) })
}

// Stats describes the local cache.
func (c *Client) Stats(ctx context.Context) (*local.Stats, error) {
	var stats *local.Stats
	err := c.run(ctx, func() error {
		var err error
		stats, err = c.localStore.Stats(ctx)
		return err
	})
	return stats, err
}

// Close stops syncing and closes the cache. Pending writes stay in a
// persisted cache and are sent by the next client.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err := c.queue.EnqueueAndWait(context.Background(), func() error {
			c.gc.Stop()
			c.remoteStore.Shutdown()
			return nil
		})
		c.closeErr = errors.Join(err, c.shutdown())
		c.logger.Printf("Client %s closed", c.id)
	})
	return c.closeErr
}

func (c *Client) shutdown() error {
	c.queue.Shutdown()
	c.events.Shutdown()
	if c.store == nil {
		return nil
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	return nil
}
