// Package credentials supplies the tokens streams authenticate with and
// tracks which user they belong to.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoToken is returned when a token source yields an empty token for a
// provider that requires one.
var ErrNoToken = errors.New("token source returned no token")

// TokenSource fetches a fresh token. An empty token means unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) { return token, nil })
}

// Anonymous returns a source for an unauthenticated client.
func Anonymous() TokenSource { return StaticToken("") }

// Config holds configuration for a Provider.
type Config struct {
	// RefreshMargin refetches a token this long before it expires.
	RefreshMargin time.Duration
	// RequireToken rejects empty tokens.
	RequireToken bool
	Now          func() time.Time
	Logger       *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshMargin: 30 * time.Second,
		Now:           time.Now,
		Logger:        log.New(os.Stderr, "[credentials] ", log.LstdFlags),
	}
}

// Provider caches the token from a TokenSource. Concurrent fetches are
// collapsed into one, and a token is refetched once invalidated or close
// to expiry. Listeners hear about changes of user.
type Provider struct {
	config *Config
	group  singleflight.Group

	mu          sync.Mutex
	source      TokenSource
	token       string
	claims      *Claims
	valid       bool
	user        string
	listeners   []func(userID string)
	fetchEpoch  int
	initialized bool
}

// New creates a provider for source.
func New(source TokenSource) *Provider {
	return NewWithConfig(source, DefaultConfig())
}

// NewWithConfig creates a provider with custom configuration.
func NewWithConfig(source TokenSource, config *Config) *Provider {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Provider{source: source, config: config}
}

// GetToken returns the cached token, fetching a new one if needed.
func (p *Provider) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.valid && !p.expiringLocked() {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	epoch := p.fetchEpoch
	p.mu.Unlock()

	v, err, _ := p.group.Do(fmt.Sprint(epoch), func() (any, error) {
		return p.fetch(ctx, epoch)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) expiringLocked() bool {
	if p.claims == nil || p.claims.ExpiresAt.IsZero() {
		return false
	}
	return !p.config.Now().Add(p.config.RefreshMargin).Before(p.claims.ExpiresAt)
}

func (p *Provider) fetch(ctx context.Context, epoch int) (string, error) {
	p.mu.Lock()
	if p.valid && epoch == p.fetchEpoch && !p.expiringLocked() {
		// Another fetch finished since the caller looked.
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	source := p.source
	p.mu.Unlock()

	token, err := source.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}
	if token == "" && p.config.RequireToken {
		return "", ErrNoToken
	}
	claims, err := ParseClaims(token)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if epoch != p.fetchEpoch {
		// The source changed while fetching; the token may be for the old
		// user.
		p.mu.Unlock()
		return "", fmt.Errorf("failed to fetch token: %w", context.Canceled)
	}
	p.token, p.claims, p.valid = token, claims, true
	listeners, changed := p.updateUserLocked(claims.UserID)
	p.mu.Unlock()

	if changed {
		p.config.Logger.Printf("Credential user changed to %q", claims.UserID)
		for _, fn := range listeners {
			fn(claims.UserID)
		}
	}
	return token, nil
}

func (p *Provider) updateUserLocked(user string) ([]func(string), bool) {
	if p.initialized && user == p.user {
		return nil, false
	}
	first := !p.initialized
	p.initialized = true
	p.user = user
	if first && user == "" {
		return nil, false
	}
	return append([]func(string){}, p.listeners...), true
}

// InvalidateToken forces the next GetToken to fetch a fresh token.
func (p *Provider) InvalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = false
	p.fetchEpoch++
}

// SetSource switches to a new token source, for example after sign-in. The
// next GetToken fetches from it.
func (p *Provider) SetSource(source TokenSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
	p.valid = false
	p.fetchEpoch++
}

// User returns the user of the last fetched token, or "" when none has
// been fetched or the client is unauthenticated.
func (p *Provider) User() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

// OnUserChange registers fn to be called with the new user id whenever a
// fetched token belongs to a different user. fn runs on the fetching
// goroutine.
func (p *Provider) OnUserChange(fn func(userID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}
