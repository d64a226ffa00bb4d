// Package async provides the single-threaded operation queue every engine
// component runs on.
//
// Operations run one at a time, in the order they were enqueued, on one
// worker goroutine. Components touched only from queue operations need no
// further locking. Delayed operations fire by enqueueing themselves, so they
// also never overlap with other work.
package async

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrShutdown is returned for work submitted after Shutdown.
var ErrShutdown = errors.New("async queue is shut down")

// TimerID names a kind of delayed operation so tests can run them early.
type TimerID string

// Timer ids used by the engine.
const (
	TimerAll                 TimerID = "all"
	TimerListenStreamIdle    TimerID = "listen_stream_idle"
	TimerListenStreamBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle     TimerID = "write_stream_idle"
	TimerWriteStreamBackoff  TimerID = "write_stream_connection_backoff"
	TimerHealthCheck         TimerID = "health_check_timeout"
	TimerOnlineStateTimeout  TimerID = "online_state_timeout"
	TimerGarbageCollection   TimerID = "garbage_collection"
	TimerRetryTransaction    TimerID = "retry_transaction"
	TimerPersistenceRetry    TimerID = "persistence_retry"
)

// Config holds queue configuration.
type Config struct {
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Logger: log.New(os.Stderr, "[queue] ", log.LstdFlags)}
}

// Queue is a strict FIFO executor.
type Queue struct {
	config *Config

	mu       sync.Mutex
	pending  []func()
	wake     chan struct{}
	delayed  []*DelayedOperation
	shutdown bool
	failure  error

	done chan struct{}
}

// New starts a queue with default configuration.
func New() *Queue { return NewWithConfig(DefaultConfig()) }

// NewWithConfig starts a queue with custom configuration.
func NewWithConfig(config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	q := &Queue{
		config: config,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			if q.shutdown {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		op()
	}
}

func (q *Queue) push(op func()) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, op)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Enqueue schedules fn. Work submitted after Shutdown or Fail is dropped.
func (q *Queue) Enqueue(fn func()) {
	if !q.push(func() {
		if q.Err() == nil {
			fn()
		}
	}) {
		q.config.Logger.Println("Dropping operation enqueued after shutdown")
	}
}

// EnqueueAndWait runs fn on the queue and waits for its result. Cancelling
// ctx stops the wait but not fn.
func (q *Queue) EnqueueAndWait(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	ok := q.push(func() {
		if err := q.Err(); err != nil {
			result <- err
			return
		}
		result <- fn()
	})
	if !ok {
		return ErrShutdown
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail puts the queue into a terminal failed state. Subsequent operations
// are skipped and EnqueueAndWait returns err.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failure == nil {
		q.failure = fmt.Errorf("async queue failed: %w", err)
		q.config.Logger.Printf("Queue failed: %v", err)
	}
}

// Err returns the failure recorded by Fail, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failure
}

// Shutdown cancels all delayed operations, runs the operations already
// queued and stops the worker.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.shutdown = true
	delayed := q.delayed
	q.delayed = nil
	q.mu.Unlock()

	for _, op := range delayed {
		op.stop()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

// IsShutdown reports whether Shutdown has been called.
func (q *Queue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// DelayedOperation is a cancellable operation scheduled for later.
type DelayedOperation struct {
	queue    *Queue
	timerID  TimerID
	deadline time.Time
	fn       func()
	timer    *time.Timer

	mu     sync.Mutex
	closed bool
}

// EnqueueAfterDelay schedules fn to be enqueued once delay has elapsed.
func (q *Queue) EnqueueAfterDelay(timerID TimerID, delay time.Duration, fn func()) *DelayedOperation {
	op := &DelayedOperation{queue: q, timerID: timerID, deadline: time.Now().Add(delay), fn: fn}
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		op.closed = true
		return op
	}
	q.delayed = append(q.delayed, op)
	q.mu.Unlock()
	op.timer = time.AfterFunc(delay, op.fire)
	return op
}

func (op *DelayedOperation) fire() {
	op.queue.Enqueue(op.runIfPending)
}

func (op *DelayedOperation) runIfPending() {
	if !op.take() {
		return
	}
	op.queue.removeDelayed(op)
	op.fn()
}

// take marks the operation as consumed and reports whether it was still
// pending.
func (op *DelayedOperation) take() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.closed {
		return false
	}
	op.closed = true
	return true
}

func (op *DelayedOperation) stop() {
	if op.take() && op.timer != nil {
		op.timer.Stop()
	}
}

// Cancel prevents the operation from running if it has not run yet.
func (op *DelayedOperation) Cancel() {
	if op == nil {
		return
	}
	op.stop()
	op.queue.removeDelayed(op)
}

// Deadline returns when the operation is due.
func (op *DelayedOperation) Deadline() time.Time { return op.deadline }

// TimerID returns the id the operation was scheduled with.
func (op *DelayedOperation) TimerID() TimerID { return op.timerID }

func (q *Queue) removeDelayed(op *DelayedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range q.delayed {
		if d == op {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

// ContainsDelayedOperation reports whether an operation with timerID is
// scheduled.
func (q *Queue) ContainsDelayedOperation(timerID TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.delayed {
		if d.timerID == timerID {
			return true
		}
	}
	return false
}

// RunDelayedOperationsEarly runs the currently scheduled operations in
// deadline order up to and including the first one with lastTimerID (every
// one for TimerAll), then waits for them to finish.
func (q *Queue) RunDelayedOperationsEarly(ctx context.Context, lastTimerID TimerID) error {
	return q.EnqueueAndWait(ctx, func() error {
		q.mu.Lock()
		ops := append([]*DelayedOperation(nil), q.delayed...)
		q.mu.Unlock()
		sort.SliceStable(ops, func(i, j int) bool { return ops[i].deadline.Before(ops[j].deadline) })
		for _, op := range ops {
			if op.take() {
				if op.timer != nil {
					op.timer.Stop()
				}
				q.removeDelayed(op)
				op.fn()
			}
			if lastTimerID != TimerAll && op.timerID == lastTimerID {
				break
			}
		}
		return nil
	})
}
