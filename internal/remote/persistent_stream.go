package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/steveyegge/docsync/internal/async"
	"github.com/steveyegge/docsync/internal/status"
)

// CredentialsProvider supplies the token streams authenticate with.
type CredentialsProvider interface {
	GetToken(ctx context.Context) (string, error)
	// InvalidateToken forces the next GetToken to fetch a fresh token.
	InvalidateToken()
}

// StreamConfig tunes the persistent streams.
type StreamConfig struct {
	// IdleTimeout closes a stream nothing has been sent on for this long.
	IdleTimeout time.Duration
	// HealthCheckTimeout is how long a stream must stay open to count as
	// healthy.
	HealthCheckTimeout time.Duration
	Backoff            BackoffConfig
	Logger             *log.Logger
}

// DefaultStreamConfig returns sensible defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		IdleTimeout:        60 * time.Second,
		HealthCheckTimeout: 10 * time.Second,
		Backoff:            DefaultBackoffConfig(),
		Logger:             log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

type streamState int

const (
	stateInitial streamState = iota
	stateStarting
	stateOpen
	stateHealthy
	stateError
	stateBackoff
)

func (s streamState) String() string {
	return [...]string{"initial", "starting", "open", "healthy", "error", "backoff"}[s]
}

type streamHandler[Resp any] interface {
	onOpen()
	onMessage(resp Resp) error
	onClose(err error)
}

// persistentStream keeps one RPC stream alive across failures.
//
// Initial -> Starting -> Open -> Healthy, and on failure Error -> Backoff ->
// Starting. Every close bumps the generation so callbacks from an older
// incarnation of the stream are dropped. A rejected token is refreshed and
// retried once without delay; a second rejection in a row backs off like
// any other error. All methods must be called from the async queue.
type persistentStream[Req, Resp any] struct {
	name        string
	queue       *async.Queue
	open        func(ctx context.Context, token string) (Stream[Req, Resp], error)
	creds       CredentialsProvider
	config      *StreamConfig
	idleTimerID async.TimerID
	backoff     *ExponentialBackoff
	handler     streamHandler[Resp]

	state       streamState
	generation  int
	stream      Stream[Req, Resp]
	ctx         context.Context
	cancel      context.CancelFunc
	idleTimer   *async.DelayedOperation
	healthTimer *async.DelayedOperation
	// authRetried is set after an immediate retry with a fresh token and
	// cleared once the server accepts the stream.
	authRetried bool
}

func newPersistentStream[Req, Resp any](
	name string,
	queue *async.Queue,
	open func(ctx context.Context, token string) (Stream[Req, Resp], error),
	creds CredentialsProvider,
	config *StreamConfig,
	idleTimerID, backoffTimerID async.TimerID,
) *persistentStream[Req, Resp] {
	return &persistentStream[Req, Resp]{
		name:        name,
		queue:       queue,
		open:        open,
		creds:       creds,
		config:      config,
		idleTimerID: idleTimerID,
		backoff:     NewExponentialBackoff(queue, backoffTimerID, config.Backoff, config.Logger),
	}
}

func (s *persistentStream[Req, Resp]) isStarted() bool {
	switch s.state {
	case stateStarting, stateBackoff, stateOpen, stateHealthy:
		return true
	}
	return false
}

func (s *persistentStream[Req, Resp]) isOpen() bool {
	return s.state == stateOpen || s.state == stateHealthy
}

// start connects, or schedules a reconnect if the last attempt failed.
func (s *persistentStream[Req, Resp]) start() {
	if s.state == stateError {
		s.performBackoff()
		return
	}
	s.state = stateStarting
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel

	go func() {
		token, err := s.creds.GetToken(ctx)
		if err != nil {
			s.queue.Enqueue(func() {
				if gen == s.generation {
					s.close(stateError, err)
				}
			})
			return
		}
		stream, err := s.open(ctx, token)
		s.queue.Enqueue(func() {
			if gen != s.generation {
				if err == nil {
					go stream.Close()
				}
				return
			}
			if err != nil {
				s.close(stateError, err)
				return
			}
			s.onStreamOpen(stream)
		})
		if err != nil {
			return
		}
		for {
			resp, err := stream.Recv(ctx)
			s.queue.Enqueue(func() {
				if gen != s.generation {
					return
				}
				if err != nil {
					s.close(stateError, err)
					return
				}
				s.authRetried = false
				if herr := s.handler.onMessage(resp); herr != nil {
					s.close(stateError, herr)
				}
			})
			if err != nil {
				return
			}
		}
	}()
}

func (s *persistentStream[Req, Resp]) onStreamOpen(stream Stream[Req, Resp]) {
	s.stream = stream
	s.state = stateOpen
	s.healthTimer = s.queue.EnqueueAfterDelay(async.TimerHealthCheck, s.config.HealthCheckTimeout, func() {
		s.healthTimer = nil
		if s.isOpen() {
			s.state = stateHealthy
			s.authRetried = false
		}
	})
	s.handler.onOpen()
}

func (s *persistentStream[Req, Resp]) performBackoff() {
	s.state = stateBackoff
	s.backoff.BackoffAndRun(func() {
		s.state = stateInitial
		s.start()
	})
}

// stop closes the stream without an error. A stopped stream can be
// started again.
func (s *persistentStream[Req, Resp]) stop() {
	if s.isStarted() {
		s.close(stateInitial, nil)
	}
}

// inhibitBackoff makes the next start connect immediately even after an
// error.
func (s *persistentStream[Req, Resp]) inhibitBackoff() {
	s.state = stateInitial
	s.backoff.Reset()
}

// markIdle closes the stream after the idle timeout unless it is used
// again first.
func (s *persistentStream[Req, Resp]) markIdle() {
	if s.isOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.idleTimerID, s.config.IdleTimeout, func() {
			s.idleTimer = nil
			if s.isOpen() {
				s.config.Logger.Printf("Closing idle %s stream", s.name)
				s.close(stateInitial, nil)
			}
		})
	}
}

func (s *persistentStream[Req, Resp]) cancelIdleCheck() {
	s.idleTimer.Cancel()
	s.idleTimer = nil
}

func (s *persistentStream[Req, Resp]) sendRequest(req Req) {
	if !s.isOpen() {
		return
	}
	s.cancelIdleCheck()
	if err := s.stream.Send(s.ctx, req); err != nil {
		s.close(stateError, fmt.Errorf("failed to send on %s stream: %w", s.name, err))
	}
}

func (s *persistentStream[Req, Resp]) close(final streamState, err error) {
	s.cancelIdleCheck()
	s.healthTimer.Cancel()
	s.healthTimer = nil
	s.backoff.Cancel()
	s.generation++

	code := status.CodeOf(err)
	switch {
	case final != stateError:
		s.backoff.Reset()
		s.authRetried = false
	case code == status.ResourceExhausted:
		s.config.Logger.Printf("%s stream: backend overloaded, backing off: %v", s.name, err)
		s.backoff.ResetToMax()
	case code == status.Unauthenticated && s.state != stateHealthy:
		// The token was rejected before the stream ever became healthy.
		s.creds.InvalidateToken()
		if !s.authRetried {
			s.authRetried = true
			s.config.Logger.Printf("%s stream: token rejected, retrying with a fresh token", s.name)
			s.backoff.Reset()
		}
	}

	if s.stream != nil {
		stream := s.stream
		go stream.Close()
		s.stream = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = final
	if err != nil {
		s.config.Logger.Printf("%s stream closed: %v", s.name, err)
	}
	s.handler.onClose(err)
}
