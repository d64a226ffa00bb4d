package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/docsync/internal/credentials"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/transport/wsconn"
)

// AuthorizeFunc decides whether user may read or write path. A non-nil
// error is reported to the client with its status code.
type AuthorizeFunc func(userID string, path model.ResourcePath, write bool) error

// Config holds server configuration.
type Config struct {
	// Host and Port to listen on. Port 0 picks a free port.
	Host string
	Port int

	// Secret verifies bearer tokens. Nil accepts any client.
	Secret    []byte
	Authorize AuthorizeFunc

	// BloomFilters attaches a bloom filter of matching names to the
	// existence filter sent when a target resumes.
	BloomFilters      bool
	FalsePositiveRate float64

	// SendBuffer is how many responses a listen stream may have queued
	// before the server drops it.
	SendBuffer int
	ReadLimit  int64

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              8080,
		BloomFilters:      true,
		FalsePositiveRate: 0.01,
		SendBuffer:        1024,
		ReadLimit:         16 << 20,
		Logger:            log.New(os.Stderr, "[devserver] ", log.LstdFlags),
	}
}

// Server serves the listen and write streams over websockets.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	config   *Config

	mu        sync.Mutex
	store     *store
	clients   map[*websocket.Conn]bool
	listeners map[*listenSession]bool
	failNext  []error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server with an empty document set.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 1024
	}
	if config.FalsePositiveRate <= 0 || config.FalsePositiveRate >= 1 {
		config.FalsePositiveRate = 0.01
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf("%s:%d", config.Host, config.Port),
		config:    config,
		store:     newStore(),
		clients:   make(map[*websocket.Conn]bool),
		listeners: make(map[*listenSession]bool),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(wsconn.ListenPath, s.handleListen)
	mux.HandleFunc(wsconn.WritePath, s.handleWrite)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Document server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every stream and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping document server")
	s.cancel()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Println("Document server stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket base URL clients connect to.
func (s *Server) URL() string { return "ws://" + s.GetAddr() }

// ClientCount returns the number of open streams of either kind.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// authenticate resolves the caller's user. It writes a 401 and returns
// false when a secret is configured and the token does not verify.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := wsconn.BearerToken(r)
	if s.config.Secret == nil {
		claims, err := credentials.ParseClaims(token)
		if err != nil {
			return "", true
		}
		return claims.UserID, true
	}
	claims, err := credentials.Verify(s.config.Secret, token)
	if err != nil {
		s.logger.Printf("Rejected stream from %s: %v", r.RemoteAddr, err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return "", false
	}
	return claims.UserID, true
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return nil, false
	}
	if s.config.ReadLimit > 0 {
		conn.SetReadLimit(s.config.ReadLimit)
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	return conn, true
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

func (s *Server) authorize(user string, path model.ResourcePath, write bool) error {
	if s.config.Authorize == nil {
		return nil
	}
	return s.config.Authorize(user, path, write)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.removeClient(conn)

	handshaken := false
	for {
		var req remote.WriteRequest
		if err := wsjson.Read(s.ctx, conn, &req); err != nil {
			return
		}
		resp, err := s.handleWriteRequest(user, &req, handshaken)
		if err != nil {
			s.logger.Printf("Write stream failed: %v", err)
			_ = wsconn.CloseWithStatus(conn, err)
			return
		}
		handshaken = true
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err = wsjson.Write(ctx, conn, resp)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Server) handleWriteRequest(user string, req *remote.WriteRequest, handshaken bool) (*remote.WriteResponse, error) {
	if !handshaken {
		if !req.Handshake {
			return nil, status.Errorf(status.InvalidArgument, "first write request must be a handshake")
		}
		if len(req.StreamToken) > 0 {
			if _, err := ulid.ParseStrict(string(req.StreamToken)); err != nil {
				return nil, status.Errorf(status.InvalidArgument, "invalid stream token")
			}
		}
		s.mu.Lock()
		version := s.store.current()
		s.mu.Unlock()
		return &remote.WriteResponse{StreamToken: newStreamToken(), CommitVersion: version}, nil
	}
	if req.Handshake {
		return nil, status.Errorf(status.InvalidArgument, "unexpected handshake")
	}
	for _, m := range req.Writes {
		if m == nil {
			return nil, status.Errorf(status.InvalidArgument, "empty write")
		}
		if err := s.authorize(user, m.Key.Path(), true); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return nil, err
	}
	version, results, changed, err := s.store.commit(req.Writes)
	if err != nil {
		return nil, err
	}
	s.broadcastLocked(changed)
	return &remote.WriteResponse{
		StreamToken:   newStreamToken(),
		CommitVersion: version,
		WriteResults:  results,
	}, nil
}

func newStreamToken() []byte { return []byte(ulid.Make().String()) }

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.removeClient(conn)

	sess := newListenSession(conn, user, s.config.SendBuffer)
	s.mu.Lock()
	s.listeners[sess] = true
	count := len(s.listeners)
	s.mu.Unlock()
	s.logger.Printf("Listener connected (total: %d)", count)

	s.wg.Add(1)
	go s.writeLoop(sess)

	defer func() {
		s.mu.Lock()
		delete(s.listeners, sess)
		s.mu.Unlock()
		sess.close(nil)
	}()

	for {
		var req remote.ListenRequest
		if err := wsjson.Read(s.ctx, conn, &req); err != nil {
			return
		}
		s.mu.Lock()
		switch {
		case req.AddTarget != nil:
			s.addTargetLocked(sess, req.AddTarget)
		case req.RemoveTarget != 0:
			s.removeTargetLocked(sess, req.RemoveTarget)
		}
		s.mu.Unlock()
	}
}

func (s *Server) writeLoop(sess *listenSession) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-sess.done:
			return
		case resp := <-sess.out:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := wsjson.Write(ctx, sess.conn, resp)
			cancel()
			if err != nil {
				sess.close(nil)
				return
			}
		}
	}
}

// SetBloomFilters changes how existence filters are built for targets
// resumed from now on.
func (s *Server) SetBloomFilters(enabled bool, falsePositiveRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.BloomFilters = enabled
	if falsePositiveRate > 0 && falsePositiveRate < 1 {
		s.config.FalsePositiveRate = falsePositiveRate
	}
}

// FailNextWrite makes the next write request fail with err.
func (s *Server) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, err)
}

// DropListenConnections closes every listen stream as unavailable.
func (s *Server) DropListenConnections() {
	s.mu.Lock()
	sessions := make([]*listenSession, 0, len(s.listeners))
	for sess := range s.listeners {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close(status.Errorf(status.Unavailable, "connection dropped"))
	}
}

// SetDocument stores data at key as if a client had written it.
func (s *Server) SetDocument(key model.DocumentKey, data *model.ObjectValue) (model.SnapshotVersion, error) {
	return s.apply(mutation.NewSet(key, data))
}

// DeleteDocument removes key as if a client had deleted it.
func (s *Server) DeleteDocument(key model.DocumentKey) (model.SnapshotVersion, error) {
	return s.apply(mutation.NewDelete(key))
}

func (s *Server) apply(m *mutation.Mutation) (model.SnapshotVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, _, changed, err := s.store.commit([]*mutation.Mutation{m})
	if err != nil {
		return version, err
	}
	s.broadcastLocked(changed)
	return version, nil
}

// Document returns the stored document at key, or nil.
func (s *Server) Document(key model.DocumentKey) *model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.store.docs.Get(key); ok {
		return doc.Clone()
	}
	return nil
}

// DocumentCount returns the number of stored documents.
func (s *Server) DocumentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.docs.Len()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	health := map[string]any{
		"status":    "ok",
		"clients":   len(s.clients),
		"listeners": len(s.listeners),
		"documents": s.store.docs.Len(),
		"version":   s.store.current(),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>docsync server</title>
</head>
<body>
    <h1>docsync development server</h1>
    <p>Listen stream: <code>ws://%[1]s%[2]s</code></p>
    <p>Write stream: <code>ws://%[1]s%[3]s</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host, wsconn.ListenPath, wsconn.WritePath)
}
