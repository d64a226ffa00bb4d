package remote

import (
	"log"
	"math/rand/v2"
	"time"

	"github.com/steveyegge/docsync/internal/async"
)

// BackoffConfig tunes ExponentialBackoff.
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Factor  float64       `mapstructure:"factor"`
	Max     time.Duration `mapstructure:"max"`
}

// DefaultBackoffConfig returns the stream reconnect defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Initial: time.Second, Factor: 1.5, Max: 60 * time.Second}
}

// ExponentialBackoff schedules retries on the async queue with growing,
// jittered delays. The first attempt after a Reset runs immediately.
type ExponentialBackoff struct {
	queue   *async.Queue
	timerID async.TimerID
	config  BackoffConfig
	logger  *log.Logger

	currentBase time.Duration
	lastAttempt time.Time
	pending     *async.DelayedOperation
}

// NewExponentialBackoff returns a backoff whose delayed operations use
// timerID.
func NewExponentialBackoff(queue *async.Queue, timerID async.TimerID, config BackoffConfig, logger *log.Logger) *ExponentialBackoff {
	return &ExponentialBackoff{queue: queue, timerID: timerID, config: config, logger: logger, lastAttempt: time.Now()}
}

// Reset makes the next attempt immediate.
func (b *ExponentialBackoff) Reset() { b.currentBase = 0 }

// ResetToMax makes the next attempt wait the maximum delay, used when the
// backend reports it is overloaded.
func (b *ExponentialBackoff) ResetToMax() { b.currentBase = b.config.Max }

// BackoffAndRun cancels any pending attempt and schedules fn after the
// current delay. The time since the previous attempt counts towards it.
func (b *ExponentialBackoff) BackoffAndRun(fn func()) {
	b.Cancel()

	jitter := time.Duration((rand.Float64() - 0.5) * float64(b.currentBase))
	desired := b.currentBase + jitter
	delay := desired - time.Since(b.lastAttempt)
	if delay < 0 {
		delay = 0
	}
	if b.currentBase > 0 {
		b.logger.Printf("Backing off for %s (base %s, %s since last attempt)", delay.Round(time.Millisecond), b.currentBase, time.Since(b.lastAttempt).Round(time.Millisecond))
	}

	b.pending = b.queue.EnqueueAfterDelay(b.timerID, delay, func() {
		b.pending = nil
		b.lastAttempt = time.Now()
		fn()
	})

	b.currentBase = time.Duration(float64(b.currentBase) * b.config.Factor)
	if b.currentBase < b.config.Initial {
		b.currentBase = b.config.Initial
	}
	if b.currentBase > b.config.Max {
		b.currentBase = b.config.Max
	}
}

// Cancel drops a pending attempt.
func (b *ExponentialBackoff) Cancel() {
	if b.pending != nil {
		b.pending.Cancel()
		b.pending = nil
	}
}
