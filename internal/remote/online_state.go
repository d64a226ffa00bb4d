package remote

import (
	"log"
	"time"

	"github.com/steveyegge/docsync/internal/async"
)

// OnlineState is the engine's view of connectivity, used to decide whether
// snapshots from cache should wait for the server.
type OnlineState int

const (
	// OnlineStateUnknown is the state before the first connection attempt
	// settles.
	OnlineStateUnknown OnlineState = iota
	// OnlineStateOnline means the watch stream received a message.
	OnlineStateOnline
	// OnlineStateOffline means connecting failed or timed out, or the
	// network was disabled.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	}
	return "unknown"
}

const (
	// maxWatchStreamFailures is how many failed connection attempts are
	// tolerated before going offline.
	maxWatchStreamFailures = 1
	onlineStateTimeout     = 10 * time.Second
)

// OnlineStateTracker derives the OnlineState from watch stream activity.
// It is driven from the async queue.
type OnlineStateTracker struct {
	queue   *async.Queue
	handler func(OnlineState)
	logger  *log.Logger

	state               OnlineState
	watchStreamFailures int
	timer               *async.DelayedOperation
	shouldWarnOffline   bool
}

// NewOnlineStateTracker returns a tracker that reports changes to handler.
func NewOnlineStateTracker(queue *async.Queue, handler func(OnlineState), logger *log.Logger) *OnlineStateTracker {
	return &OnlineStateTracker{queue: queue, handler: handler, logger: logger, shouldWarnOffline: true}
}

// State returns the current state.
func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart starts the connect timeout for the first attempt.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.watchStreamFailures != 0 {
		return
	}
	t.setAndBroadcast(OnlineStateUnknown)
	t.timer = t.queue.EnqueueAfterDelay(async.TimerOnlineStateTimeout, onlineStateTimeout, func() {
		t.timer = nil
		if t.state == OnlineStateUnknown {
			t.logWarning("Backend didn't respond within %s", onlineStateTimeout)
			t.setAndBroadcast(OnlineStateOffline)
		}
	})
}

// HandleWatchStreamFailure records a failed stream. An online stream
// failing drops back to unknown; repeated failures go offline.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		t.setAndBroadcast(OnlineStateUnknown)
		return
	}
	t.watchStreamFailures++
	if t.watchStreamFailures >= maxWatchStreamFailures {
		t.clearTimer()
		t.logWarning("Connection failed %d times: %v", t.watchStreamFailures, err)
		t.setAndBroadcast(OnlineStateOffline)
	}
}

// Set forces state, for example when the network is disabled or a message
// arrives.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearTimer()
	t.watchStreamFailures = 0
	if state == OnlineStateOnline {
		// Once connected, going offline later is not worth a warning.
		t.shouldWarnOffline = false
	}
	t.setAndBroadcast(state)
}

func (t *OnlineStateTracker) setAndBroadcast(state OnlineState) {
	if state != t.state {
		t.state = state
		t.handler(state)
	}
}

func (t *OnlineStateTracker) logWarning(format string, args ...any) {
	if t.shouldWarnOffline {
		t.logger.Printf("Could not reach backend, operating offline: "+format, args...)
		t.shouldWarnOffline = false
	}
}

func (t *OnlineStateTracker) clearTimer() {
	t.timer.Cancel()
	t.timer = nil
}
