package docsync

import (
	"log"
	"os"

	"github.com/steveyegge/docsync/internal/credentials"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/remote"
)

// Options configures a Client.
type Options struct {
	// URL is the server endpoint, ws:// or wss://.
	URL string
	// Connection replaces the websocket connection to URL.
	Connection remote.Connection
	// TokenSource supplies credentials. Nil means unauthenticated.
	TokenSource credentials.TokenSource

	// PersistencePath is the SQLite cache file. Empty keeps the cache in
	// memory.
	PersistencePath string
	// Store replaces the storage selected by PersistencePath.
	Store persistence.Store

	Lru    local.LruParams
	Stream *remote.StreamConfig
	// MaxConcurrentLimboResolutions bounds the documents resolved at once.
	MaxConcurrentLimboResolutions int

	// Logger is the base logger; every component logs through it with its
	// own prefix.
	Logger *log.Logger
}

// DefaultOptions returns options for an in-memory client of a local server.
func DefaultOptions() *Options {
	return &Options{
		URL:                           "ws://localhost:8080",
		Lru:                           local.DefaultLruParams(),
		Stream:                        remote.DefaultStreamConfig(),
		MaxConcurrentLimboResolutions: 100,
		Logger:                        log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (o *Options) withDefaults() *Options {
	d := DefaultOptions()
	if o == nil {
		return d
	}
	out := *o
	if out.URL == "" && out.Connection == nil {
		out.URL = d.URL
	}
	if out.Lru == (local.LruParams{}) {
		out.Lru = d.Lru
	}
	if out.Stream == nil {
		out.Stream = d.Stream
	}
	if out.MaxConcurrentLimboResolutions <= 0 {
		out.MaxConcurrentLimboResolutions = d.MaxConcurrentLimboResolutions
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	if out.TokenSource == nil {
		out.TokenSource = credentials.Anonymous()
	}
	return &out
}

// componentLogger returns a logger writing where base writes, with prefix.
func componentLogger(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}
