package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrExists is returned by WriteDefault when the file is already there.
var ErrExists = errors.New("config file already exists")

const fileHeader = `# docsync configuration.
#
# Every key can be overridden with an environment variable named after it:
# DOCSYNC_ followed by the key with dots replaced by underscores, for
# example DOCSYNC_CACHE_PATH or DOCSYNC_SERVE_PORT.
#
# cache.size_bytes = -1 disables garbage collection. Durations use Go
# syntax ("90s", "5m").

`

// fileDocument is the TOML shape of s. Durations are written as strings so
// the file stays readable.
func fileDocument(s *Settings) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"url":   s.Server.URL,
			"token": s.Server.Token,
		},
		"cache": map[string]any{
			"path":                 s.Cache.Path,
			"size_bytes":           s.Cache.SizeBytes,
			"percentile":           s.Cache.Percentile,
			"max_sequence_numbers": s.Cache.MaxSequenceNumbers,
		},
		"sync": map[string]any{
			"max_concurrent_limbo_resolutions": s.Sync.MaxConcurrentLimboResolutions,
		},
		"stream": map[string]any{
			"idle_timeout":         s.Stream.IdleTimeout.String(),
			"health_check_timeout": s.Stream.HealthCheckTimeout.String(),
			"backoff_initial":      s.Stream.BackoffInitial.String(),
			"backoff_factor":       s.Stream.BackoffFactor,
			"backoff_max":          s.Stream.BackoffMax.String(),
		},
		"log": map[string]any{
			"file":         s.Log.File,
			"max_size_mb":  s.Log.MaxSizeMB,
			"max_backups":  s.Log.MaxBackups,
			"max_age_days": s.Log.MaxAgeDays,
			"compress":     s.Log.Compress,
		},
		"serve": map[string]any{
			"host":                s.Serve.Host,
			"port":                s.Serve.Port,
			"secret":              s.Serve.Secret,
			"bloom_filters":       s.Serve.BloomFilters,
			"false_positive_rate": s.Serve.FalsePositiveRate,
		},
	}
}

// Encode renders s as a TOML config file.
func Encode(s *Settings) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	if err := toml.NewEncoder(&buf).Encode(fileDocument(s)); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default settings to path. It refuses to replace
// an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	data, err := Encode(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "docsync.toml"
	}
	return filepath.Join(dir, "docsync", "config.toml")
}
