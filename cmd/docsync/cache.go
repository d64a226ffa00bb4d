package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/persistence"
)

var errNoCache = errors.New("no cache path configured; set cache.path or DOCSYNC_CACHE_PATH")

// openCache opens the configured cache file for inspection. The returned
// function closes it.
func openCache(ctx context.Context) (*local.LocalStore, func(), error) {
	path := settings.Cache.Path
	if path == "" {
		return nil, nil, errNoCache
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("failed to open cache %s: %w", path, err)
	}

	logger, closeLog := newLogger("[local] ")
	sqlCfg := persistence.DefaultSQLiteConfig()
	sqlCfg.Logger = logger
	store, err := persistence.OpenSQLiteWithConfig(path, sqlCfg)
	if err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("failed to open cache %s: %w", path, err)
	}

	ls := local.NewWithConfig(store, &local.Config{
		UserID: userID,
		Lru:    settings.LruParams(),
		Logger: logger,
	})
	if err := ls.Start(ctx); err != nil {
		_ = store.Close()
		closeLog()
		return nil, nil, err
	}
	return ls, func() {
		_ = store.Close()
		closeLog()
	}, nil
}
