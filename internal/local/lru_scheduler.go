package local

import (
	"context"
	"sync"
	"time"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/persistence"
)

const (
	lruInitialDelay = time.Minute
	lruRegularDelay = 5 * time.Minute
)

// LruScheduler runs garbage collection on the async queue, first shortly
// after start and then at a regular interval.
type LruScheduler struct {
	store *LocalStore
	queue *async.Queue

	mu sync.Mutex
	op *async.DelayedOperation
	// onRun is called after every pass; tests hook it.
	onRun func(LruResults, error)
}

// NewLruScheduler returns a stopped scheduler.
func NewLruScheduler(store *LocalStore, queue *async.Queue) *LruScheduler {
	return &LruScheduler{store: store, queue: queue}
}

// Start schedules the first pass. It does nothing when collection is
// disabled.
func (s *LruScheduler) Start() {
	if !s.store.gc.Enabled() {
		return
	}
	s.schedule(lruInitialDelay)
}

// Stop cancels the pending pass.
func (s *LruScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.op.Cancel()
	s.op = nil
}

// IsStarted reports whether a pass is pending.
func (s *LruScheduler) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.op != nil
}

func (s *LruScheduler) schedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.op = s.queue.EnqueueAfterDelay(async.TimerGarbageCollection, delay, s.run)
}

func (s *LruScheduler) run() {
	s.mu.Lock()
	s.op = nil
	hook := s.onRun
	s.mu.Unlock()

	results, err := s.store.CollectGarbage(context.Background())
	switch {
	case err == nil:
	case persistence.IsTransient(err):
		s.store.logger.Printf("garbage collection deferred: %v", err)
	case persistence.IsUnrecoverable(err):
		s.queue.Fail(err)
		return
	default:
		s.store.logger.Printf("garbage collection failed: %v", err)
	}
	if hook != nil {
		hook(results, err)
	}
	if !s.queue.IsShutdown() {
		s.schedule(lruRegularDelay)
	}
}
