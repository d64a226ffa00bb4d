// Package config loads docsync settings and sets up logging.
//
// # Overview
//
// Settings come from three layers, later ones winning:
//
//  1. Default()
//  2. a TOML file, usually written once with WriteDefault
//  3. DOCSYNC_* environment variables, with dots replaced by underscores
//     (DOCSYNC_SERVER_URL, DOCSYNC_CACHE_PATH, ...)
//
// A Watcher reloads the file when it changes so long-running commands can
// pick up new tunables without a restart.
//
// NewLogger returns a logger writing to stderr, or to a size-rotated file
// when log.file is set.
package config
