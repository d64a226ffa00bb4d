package remote

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/status"
)

type testStream = fakeStream[string, string]

// recordingHandler is only touched on the queue. Like the remote store,
// it restarts the stream after every failure.
type recordingHandler struct {
	stream   *persistentStream[string, string]
	opens    chan struct{}
	messages []string
	closes   []error
}

func (h *recordingHandler) onOpen() { h.opens <- struct{}{} }

func (h *recordingHandler) onMessage(resp string) error {
	h.messages = append(h.messages, resp)
	return nil
}

func (h *recordingHandler) onClose(err error) {
	h.closes = append(h.closes, err)
	if err != nil {
		h.stream.start()
	}
}

type streamHarness struct {
	queue   *async.Queue
	creds   *fakeCreds
	handler *recordingHandler
	stream  *persistentStream[string, string]
	opened  chan *testStream
	entered chan struct{}
	// gates, when set, hold the n-th open until released.
	gates []chan struct{}
	calls atomic.Int32
}

func newStreamHarness(t *testing.T, backoff BackoffConfig, gates int) *streamHarness {
	t.Helper()
	h := &streamHarness{
		queue:   newTestQueue(t),
		creds:   &fakeCreds{},
		opened:  make(chan *testStream, 10),
		entered: make(chan struct{}, 10),
	}
	for i := 0; i < gates; i++ {
		h.gates = append(h.gates, make(chan struct{}))
	}
	open := func(ctx context.Context, _ string) (Stream[string, string], error) {
		n := int(h.calls.Add(1)) - 1
		h.entered <- struct{}{}
		if n < len(h.gates) {
			select {
			case <-h.gates[n]:
			case <-time.After(5 * time.Second):
			}
		}
		s := newFakeStream[string, string]()
		h.opened <- s
		return s, nil
	}
	cfg := &StreamConfig{
		IdleTimeout:        time.Hour,
		HealthCheckTimeout: time.Hour,
		Backoff:            backoff,
		Logger:             discardLogger(),
	}
	h.stream = newPersistentStream("test", h.queue, open, h.creds, cfg,
		async.TimerListenStreamIdle, async.TimerListenStreamBackoff)
	h.handler = &recordingHandler{stream: h.stream, opens: make(chan struct{}, 10)}
	h.stream.handler = h.handler
	t.Cleanup(func() { onQueue(t, h.queue, h.stream.stop) })
	return h
}

// connect starts the stream and waits until it is open.
func (h *streamHarness) connect(t *testing.T) *testStream {
	t.Helper()
	onQueue(t, h.queue, h.stream.start)
	fs := next(t, h.opened)
	next(t, h.handler.opens)
	return fs
}

func (h *streamHarness) expectNoOpen(t *testing.T) {
	t.Helper()
	select {
	case <-h.opened:
		t.Fatal("expected no new stream")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStreamResourceExhaustedBacksOffToMax(t *testing.T) {
	backoff := BackoffConfig{Initial: 10 * time.Millisecond, Factor: 2, Max: time.Hour}
	h := newStreamHarness(t, backoff, 0)
	fs := h.connect(t)

	fs.errs <- status.Errorf(status.ResourceExhausted, "quota exceeded")
	h.expectNoOpen(t)

	onQueue(t, h.queue, func() {
		if len(h.handler.closes) != 1 || status.CodeOf(h.handler.closes[0]) != status.ResourceExhausted {
			t.Errorf("expected one ResourceExhausted close, got %v", h.handler.closes)
		}
		if h.stream.state != stateBackoff {
			t.Errorf("expected backoff state, got %s", h.stream.state)
		}
		pending := h.stream.backoff.pending
		if pending == nil {
			t.Error("expected a scheduled reconnect")
			return
		}
		// Jitter keeps the delay within half of the maximum either way.
		if delay := time.Until(pending.Deadline()); delay < backoff.Max/2-time.Second {
			t.Errorf("expected a delay near %s, got %s", backoff.Max, delay)
		}
	})
	if !h.queue.ContainsDelayedOperation(async.TimerListenStreamBackoff) {
		t.Error("expected the reconnect on the backoff timer")
	}
}

func TestStreamDropsCallbacksFromOlderGeneration(t *testing.T) {
	h := newStreamHarness(t, DefaultBackoffConfig(), 2)

	// The first open is still in flight when the stream is stopped and
	// started again.
	onQueue(t, h.queue, h.stream.start)
	next(t, h.entered)
	onQueue(t, h.queue, h.stream.stop)
	onQueue(t, h.queue, h.stream.start)
	next(t, h.entered)

	close(h.gates[0])
	stale := next(t, h.opened)
	stale.resps <- "stale"
	if !stale.waitClosed() {
		t.Fatal("expected the stale stream to be closed")
	}

	close(h.gates[1])
	current := next(t, h.opened)
	next(t, h.handler.opens)
	current.resps <- "fresh"

	deadline := time.Now().Add(5 * time.Second)
	for {
		var got []string
		onQueue(t, h.queue, func() { got = append(got, h.handler.messages...) })
		if len(got) > 0 {
			if len(got) != 1 || got[0] != "fresh" {
				t.Fatalf("expected only the current stream's message, got %v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the current stream's message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	onQueue(t, h.queue, func() {
		if len(h.handler.closes) != 1 || h.handler.closes[0] != nil {
			t.Errorf("expected only the clean close from stop, got %v", h.handler.closes)
		}
		if !h.stream.isOpen() || h.stream.stream != current {
			t.Errorf("expected the restarted stream to stay open")
		}
	})
	select {
	case <-h.handler.opens:
		t.Error("expected a single open callback")
	default:
	}
}

func TestStreamRetriesRejectedTokenOnce(t *testing.T) {
	backoff := BackoffConfig{Initial: time.Hour, Factor: 2, Max: 2 * time.Hour}
	h := newStreamHarness(t, backoff, 0)
	first := h.connect(t)

	first.errs <- status.Errorf(status.Unauthenticated, "token expired")
	// The retry does not wait for the backoff.
	second := next(t, h.opened)
	next(t, h.handler.opens)
	if n := h.creds.invalidations.Load(); n != 1 {
		t.Errorf("expected 1 token invalidation, got %d", n)
	}

	second.errs <- status.Errorf(status.Unauthenticated, "token expired")
	h.expectNoOpen(t)
	if n := h.creds.invalidations.Load(); n != 2 {
		t.Errorf("expected 2 token invalidations, got %d", n)
	}
	onQueue(t, h.queue, func() {
		if len(h.handler.closes) != 2 {
			t.Errorf("expected both failures reported, got %v", h.handler.closes)
		}
		if h.stream.state != stateBackoff {
			t.Errorf("expected the second failure to back off, got %s", h.stream.state)
		}
	})
	if !h.queue.ContainsDelayedOperation(async.TimerListenStreamBackoff) {
		t.Error("expected a delayed reconnect after the second rejection")
	}
}

func TestStreamAcceptedTokenRearmsAuthRetry(t *testing.T) {
	backoff := BackoffConfig{Initial: time.Hour, Factor: 2, Max: 2 * time.Hour}
	h := newStreamHarness(t, backoff, 0)
	fs := h.connect(t)

	fs.errs <- status.Errorf(status.Unauthenticated, "token expired")
	fs = next(t, h.opened)
	next(t, h.handler.opens)

	// A message proves the new token works.
	fs.resps <- "hello"
	deadline := time.Now().Add(5 * time.Second)
	for {
		var retried bool
		onQueue(t, h.queue, func() { retried = h.stream.authRetried })
		if !retried {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the retry to be re-armed after a message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	fs.errs <- status.Errorf(status.Unauthenticated, "token revoked")
	next(t, h.opened)
	if n := h.creds.invalidations.Load(); n != 2 {
		t.Errorf("expected 2 token invalidations, got %d", n)
	}
}
