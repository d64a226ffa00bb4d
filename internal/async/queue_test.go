package async

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewWithConfig(&Config{Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(q.Shutdown)
	return q
}

func TestQueueRunsInOrder(t *testing.T) {
	q := newTestQueue(t)
	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		q.Enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	if err := q.EnqueueAndWait(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("failed to drain queue: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected operation %d at position %d, got %d", i, i, v)
		}
	}
}

func TestEnqueueAndWaitReturnsError(t *testing.T) {
	q := newTestQueue(t)
	want := errors.New("boom")
	if err := q.EnqueueAndWait(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestDelayedOperationCancel(t *testing.T) {
	q := newTestQueue(t)
	ran := false
	op := q.EnqueueAfterDelay(TimerListenStreamIdle, time.Hour, func() { ran = true })
	if !q.ContainsDelayedOperation(TimerListenStreamIdle) {
		t.Fatal("expected delayed operation to be scheduled")
	}
	op.Cancel()
	if q.ContainsDelayedOperation(TimerListenStreamIdle) {
		t.Error("expected cancelled operation to be removed")
	}
	if err := q.RunDelayedOperationsEarly(context.Background(), TimerAll); err != nil {
		t.Fatalf("failed to run delayed operations: %v", err)
	}
	if ran {
		t.Error("expected cancelled operation not to run")
	}
}

func TestRunDelayedOperationsEarlyStopsAtTimer(t *testing.T) {
	q := newTestQueue(t)
	var got []TimerID
	q.EnqueueAfterDelay(TimerWriteStreamIdle, 3*time.Hour, func() { got = append(got, TimerWriteStreamIdle) })
	q.EnqueueAfterDelay(TimerHealthCheck, time.Hour, func() { got = append(got, TimerHealthCheck) })
	q.EnqueueAfterDelay(TimerListenStreamIdle, 2*time.Hour, func() { got = append(got, TimerListenStreamIdle) })

	if err := q.RunDelayedOperationsEarly(context.Background(), TimerListenStreamIdle); err != nil {
		t.Fatalf("failed to run delayed operations: %v", err)
	}
	if len(got) != 2 || got[0] != TimerHealthCheck || got[1] != TimerListenStreamIdle {
		t.Errorf("expected health check then listen idle, got %v", got)
	}
	if !q.ContainsDelayedOperation(TimerWriteStreamIdle) {
		t.Error("expected later operation to remain scheduled")
	}
}

func TestDelayedOperationFires(t *testing.T) {
	q := newTestQueue(t)
	fired := make(chan struct{})
	q.EnqueueAfterDelay(TimerGarbageCollection, time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("expected delayed operation to fire")
	}
}

func TestShutdownRejectsWork(t *testing.T) {
	q := NewWithConfig(&Config{Logger: log.New(io.Discard, "", 0)})
	q.Shutdown()
	if err := q.EnqueueAndWait(context.Background(), func() error { return nil }); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
	q.Shutdown()
}

func TestFailSkipsLaterOperations(t *testing.T) {
	q := newTestQueue(t)
	q.Fail(errors.New("disk gone"))
	ran := false
	err := q.EnqueueAndWait(context.Background(), func() error { ran = true; return nil })
	if err == nil || ran {
		t.Errorf("expected failed queue to skip work, got err=%v ran=%v", err, ran)
	}
}
