package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/devserver"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/pkg/docsync"
)

// observer records when the server-confirmed version of each benchmark
// document reaches a listener.
type observer struct {
	mu          sync.Mutex
	started     map[string]time.Time
	propagation []time.Duration
	remaining   int
	allSeen     chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
	failed    chan error
}

func newObserver(expected int) *observer {
	return &observer{
		started:   make(map[string]time.Time, expected),
		remaining: expected,
		allSeen:   make(chan struct{}),
		ready:     make(chan struct{}),
		failed:    make(chan error, 1),
	}
}

// begin marks key as written now.
func (o *observer) begin(key string) {
	o.mu.Lock()
	o.started[key] = time.Now()
	o.mu.Unlock()
}

func (o *observer) onSnapshot(snap *docsync.Snapshot, err error) {
	if err != nil {
		select {
		case o.failed <- err:
		default:
		}
		return
	}
	now := time.Now()
	if !snap.FromCache {
		o.readyOnce.Do(func() { close(o.ready) })
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range snap.DocChanges {
		if c.Type != core.ChangeAdded && c.Type != core.ChangeModified {
			continue
		}
		key := c.Doc.Key().String()
		start, ok := o.started[key]
		if !ok {
			continue
		}
		delete(o.started, key)
		o.propagation = append(o.propagation, now.Sub(start))
		o.remaining--
		if o.remaining == 0 {
			close(o.allSeen)
		}
	}
}

func (o *observer) durations() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Duration(nil), o.propagation...)
}

func (o *observer) missing() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remaining
}

func newClient(ctx context.Context, config Config, url, name string) (*docsync.Client, error) {
	opts := &docsync.Options{
		URL:    url,
		Logger: log.New(io.Discard, "", 0),
	}
	if config.CacheDir != "" {
		opts.PersistencePath = filepath.Join(config.CacheDir, name+".db")
	}
	return docsync.New(ctx, opts)
}

func validate(config Config) error {
	var errs []error
	if config.NumClients <= 0 {
		errs = append(errs, errors.New("number of clients must be positive"))
	}
	if config.WritesPerClient <= 0 {
		errs = append(errs, errors.New("writes per client must be positive"))
	}
	if config.Collection == "" {
		errs = append(errs, errors.New("collection is required"))
	}
	if config.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Run executes a benchmark.
//
// Every client writes its documents one at a time, waiting for each
// acknowledgement, while a separate observer client listens to the
// collection. Writes that are rejected or never observed count as errors.
func Run(ctx context.Context, config Config) (*Result, error) {
	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid benchmark config: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	memBefore := GetMemoryStats()
	setupStart := time.Now()

	url := config.ServerURL
	if url == "" {
		srvCfg := devserver.DefaultConfig()
		srvCfg.Port = 0
		srvCfg.Logger = log.New(io.Discard, "", 0)
		srv := devserver.NewServer(srvCfg)
		if err := srv.Start(); err != nil {
			return nil, fmt.Errorf("failed to start server: %w", err)
		}
		defer func() { _ = srv.Stop() }()
		url = srv.URL()
	}

	total := config.NumClients * config.WritesPerClient
	obs := newObserver(total)
	watcher, err := newClient(ctx, config, url, "observer")
	if err != nil {
		return nil, fmt.Errorf("failed to create observer: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	stop := watcher.Listen(docsync.CollectionQuery(config.Collection), docsync.ListenOptions{}, obs.onSnapshot)
	defer stop()

	clients := make([]*docsync.Client, config.NumClients)
	defer func() {
		for _, c := range clients {
			if c != nil {
				_ = c.Close()
			}
		}
	}()
	g, gctx := errgroup.WithContext(ctx)
	for i := range clients {
		g.Go(func() error {
			c, err := newClient(gctx, config, url, fmt.Sprintf("client-%d", i))
			if err != nil {
				return fmt.Errorf("failed to create client %d: %w", i, err)
			}
			clients[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	select {
	case <-obs.ready:
	case err := <-obs.failed:
		return nil, fmt.Errorf("observer failed: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("observer never synced: %w", ctx.Err())
	}
	setupDuration := time.Since(setupStart)

	// Run ids keep documents of earlier runs against the same server apart.
	runID := ulid.Make().String()
	var errorCount atomic.Int64
	acks := make([][]time.Duration, config.NumClients)

	benchStart := time.Now()
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			durations := make([]time.Duration, 0, config.WritesPerClient)
			for j := 0; j < config.WritesPerClient; j++ {
				key, err := model.ParseDocumentKey(fmt.Sprintf("%s/%s-c%d-w%d", config.Collection, runID, i, j))
				if err != nil {
					errorCount.Add(1)
					continue
				}
				data := model.ObjectValueOf(map[string]model.Value{
					"client": model.Int(int64(i)),
					"seq":    model.Int(int64(j)),
				})
				obs.begin(key.String())
				start := time.Now()
				_, done, err := c.Write(ctx, []*docsync.Mutation{mutation.NewSet(key, data)})
				if err != nil {
					errorCount.Add(1)
					continue
				}
				select {
				case err := <-done:
					if err != nil {
						errorCount.Add(1)
						continue
					}
					durations = append(durations, time.Since(start))
				case <-ctx.Done():
					errorCount.Add(int64(config.WritesPerClient - j))
					acks[i] = durations
					return
				}
			}
			acks[i] = durations
		}()
	}
	wg.Wait()

	select {
	case <-obs.allSeen:
	case <-ctx.Done():
	case err := <-obs.failed:
		return nil, fmt.Errorf("observer failed: %w", err)
	}
	benchDuration := time.Since(benchStart)

	var ackDurations []time.Duration
	for _, d := range acks {
		ackDurations = append(ackDurations, d...)
	}
	// Acknowledged writes the observer never saw are failures too.
	unseen := obs.missing() - (total - len(ackDurations))
	failures := int(errorCount.Load()) + max(unseen, 0)

	writesPerSecond := 0.0
	if benchDuration.Seconds() > 0 {
		writesPerSecond = float64(len(ackDurations)) / benchDuration.Seconds()
	}

	return &Result{
		Config:             config,
		WriteLatency:       ComputeStats(ackDurations),
		PropagationLatency: ComputeStats(obs.durations()),
		Throughput: ThroughputMetrics{
			WritesPerSecond: writesPerSecond,
			TotalWrites:     len(ackDurations),
		},
		Resources:     CompareMemoryStats(memBefore, GetMemoryStats()),
		SetupDuration: setupDuration,
		TotalDuration: benchDuration,
		ErrorCount:    failures,
		ErrorRate:     float64(failures) / float64(total),
		Success:       failures == 0,
	}, nil
}
