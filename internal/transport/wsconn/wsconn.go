// Package wsconn carries the listen and write streams over websockets,
// one connection per stream, with JSON messages.
package wsconn

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// Stream endpoints, relative to the server URL.
const (
	ListenPath = "/v1/listen"
	WritePath  = "/v1/write"
)

// statusCloseBase is added to a status code to form the websocket close
// code that carries it. 4000-4999 are reserved for applications.
const statusCloseBase = 4000

// maxCloseReason is the longest close reason a control frame can hold.
const maxCloseReason = 123

// Config holds configuration for a Connection.
type Config struct {
	// URL is the server base URL, ws:// or wss://.
	URL         string
	DialTimeout time.Duration
	// ReadLimit bounds the size of one message.
	ReadLimit  int64
	HTTPClient *http.Client
	Logger     *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:         "ws://localhost:8080",
		DialTimeout: 10 * time.Second,
		ReadLimit:   16 << 20,
		Logger:      log.New(os.Stderr, "[wsconn] ", log.LstdFlags),
	}
}

// Connection implements remote.Connection over websockets.
type Connection struct {
	config *Config
}

// New returns a connection to url.
func New(url string) *Connection {
	cfg := DefaultConfig()
	cfg.URL = url
	return NewWithConfig(cfg)
}

// NewWithConfig returns a connection with custom configuration.
func NewWithConfig(config *Config) *Connection {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Connection{config: config}
}

// OpenListenStream dials the listen endpoint.
func (c *Connection) OpenListenStream(ctx context.Context, token string) (remote.ListenStream, error) {
	conn, err := c.dial(ctx, ListenPath, token)
	if err != nil {
		return nil, err
	}
	return &stream[remote.ListenRequest, remote.ListenResponse]{conn: conn}, nil
}

// OpenWriteStream dials the write endpoint.
func (c *Connection) OpenWriteStream(ctx context.Context, token string) (remote.WriteStream, error) {
	conn, err := c.dial(ctx, WritePath, token)
	if err != nil {
		return nil, err
	}
	return &stream[remote.WriteRequest, remote.WriteResponse]{conn: conn}, nil
}

func (c *Connection) dial(ctx context.Context, path, token string) (*websocket.Conn, error) {
	if c.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
	}
	opts := &websocket.DialOptions{HTTPClient: c.config.HTTPClient, HTTPHeader: http.Header{}}
	if token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	url := strings.TrimSuffix(c.config.URL, "/") + path
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		err = dialError(resp, err)
		c.config.Logger.Printf("Failed to open %s: %v", path, err)
		return nil, err
	}
	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}
	return conn, nil
}

// dialError maps a failed handshake to a status code so the stream can
// tell a rejected token from an unreachable server.
func dialError(resp *http.Response, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if resp == nil {
		return status.Errorf(status.Unavailable, "failed to connect: %v", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return status.Errorf(status.Unauthenticated, "server rejected credentials")
	case http.StatusForbidden:
		return status.Errorf(status.PermissionDenied, "server refused stream")
	case http.StatusTooManyRequests:
		return status.Errorf(status.ResourceExhausted, "server overloaded")
	}
	return status.Errorf(status.Unavailable, "failed to connect: %v", err)
}

// stream is one websocket carrying Req messages out and Resp messages in.
type stream[Req, Resp any] struct {
	conn *websocket.Conn
}

func (s *stream[Req, Resp]) Send(ctx context.Context, req *Req) error {
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		return ToStatus(err)
	}
	return nil
}

func (s *stream[Req, Resp]) Recv(ctx context.Context) (*Resp, error) {
	resp := new(Resp)
	if err := wsjson.Read(ctx, s.conn, resp); err != nil {
		return nil, ToStatus(err)
	}
	return resp, nil
}

func (s *stream[Req, Resp]) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// ToStatus converts a websocket error into a status error. Close codes
// written by CloseWithStatus keep their code and message.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		code := int(ce.Code) - statusCloseBase
		if code > int(status.OK) && code <= int(status.Unauthenticated) {
			return status.Errorf(status.Code(code), "%s", ce.Reason)
		}
		return status.Errorf(status.Unavailable, "stream closed: %v", err)
	}
	return status.Errorf(status.Unavailable, "stream failed: %v", err)
}

// CloseWithStatus closes conn reporting err's status code to the peer.
func CloseWithStatus(conn *websocket.Conn, err error) error {
	code := status.CodeOf(err)
	reason := err.Error()
	var se *status.Error
	if errors.As(err, &se) {
		reason = se.Message
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return conn.Close(websocket.StatusCode(statusCloseBase+int(code)), reason)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

var _ remote.Connection = (*Connection)(nil)
