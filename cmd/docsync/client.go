package main

import (
	"context"

	"github.com/steveyegge/docsync/internal/credentials"
	"github.com/steveyegge/docsync/pkg/docsync"
)

// newClient connects a client configured from settings.
func newClient(ctx context.Context) (*docsync.Client, func(), error) {
	logger, closeLog := newLogger("")
	opts := &docsync.Options{
		URL:                           settings.Server.URL,
		PersistencePath:               settings.Cache.Path,
		Lru:                           settings.LruParams(),
		Stream:                        settings.StreamConfig(),
		MaxConcurrentLimboResolutions: settings.Sync.MaxConcurrentLimboResolutions,
		Logger:                        logger,
	}
	if settings.Server.Token != "" {
		opts.TokenSource = credentials.StaticToken(settings.Server.Token)
	}
	client, err := docsync.New(ctx, opts)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return client, func() {
		_ = client.Close()
		closeLog()
	}, nil
}

func parseSource(s string) (docsync.Source, bool) {
	for _, src := range []docsync.Source{docsync.SourceDefault, docsync.SourceCache, docsync.SourceServer} {
		if src.String() == s {
			return src, true
		}
	}
	return docsync.SourceDefault, false
}
