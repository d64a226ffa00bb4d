package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/remote"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCSYNC"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid settings")

// Settings is the full docsync configuration.
type Settings struct {
	Server ServerSettings `mapstructure:"server"`
	Cache  CacheSettings  `mapstructure:"cache"`
	Sync   SyncSettings   `mapstructure:"sync"`
	Stream StreamSettings `mapstructure:"stream"`
	Log    LogSettings    `mapstructure:"log"`
	Serve  ServeSettings  `mapstructure:"serve"`
}

// ServerSettings say where the client connects.
type ServerSettings struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// CacheSettings locate and bound the local cache.
type CacheSettings struct {
	// Path is the SQLite file. Empty keeps the cache in memory.
	Path string `mapstructure:"path"`
	// SizeBytes is the size below which garbage collection is skipped;
	// -1 disables collection.
	SizeBytes          int64 `mapstructure:"size_bytes"`
	Percentile         int   `mapstructure:"percentile"`
	MaxSequenceNumbers int   `mapstructure:"max_sequence_numbers"`
}

// SyncSettings tune the sync engine.
type SyncSettings struct {
	MaxConcurrentLimboResolutions int `mapstructure:"max_concurrent_limbo_resolutions"`
}

// StreamSettings tune the persistent streams.
type StreamSettings struct {
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffFactor      float64       `mapstructure:"backoff_factor"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
}

// LogSettings configure log output.
type LogSettings struct {
	// File enables rotation into this file instead of stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServeSettings configure the development server.
type ServeSettings struct {
	Host              string  `mapstructure:"host"`
	Port              int     `mapstructure:"port"`
	Secret            string  `mapstructure:"secret"`
	BloomFilters      bool    `mapstructure:"bloom_filters"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
}

// Default returns the built-in settings.
func Default() *Settings {
	lru := local.DefaultLruParams()
	stream := remote.DefaultStreamConfig()
	return &Settings{
		Server: ServerSettings{URL: "ws://localhost:8080"},
		Cache: CacheSettings{
			SizeBytes:          lru.CacheSizeCollectionThreshold,
			Percentile:         lru.PercentileToCollect,
			MaxSequenceNumbers: lru.MaximumSequenceNumbersToCollect,
		},
		Sync: SyncSettings{MaxConcurrentLimboResolutions: 100},
		Stream: StreamSettings{
			IdleTimeout:        stream.IdleTimeout,
			HealthCheckTimeout: stream.HealthCheckTimeout,
			BackoffInitial:     stream.Backoff.Initial,
			BackoffFactor:      stream.Backoff.Factor,
			BackoffMax:         stream.Backoff.Max,
		},
		Log: LogSettings{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		Serve: ServeSettings{
			Host:              "127.0.0.1",
			Port:              8080,
			BloomFilters:      true,
			FalsePositiveRate: 0.01,
		},
	}
}

// defaults flattens Default into viper keys. Every key must be registered
// for environment overrides of unset file keys to apply.
func defaults() map[string]any {
	d := Default()
	return map[string]any{
		"server.url":                            d.Server.URL,
		"server.token":                          d.Server.Token,
		"cache.path":                            d.Cache.Path,
		"cache.size_bytes":                      d.Cache.SizeBytes,
		"cache.percentile":                      d.Cache.Percentile,
		"cache.max_sequence_numbers":            d.Cache.MaxSequenceNumbers,
		"sync.max_concurrent_limbo_resolutions": d.Sync.MaxConcurrentLimboResolutions,
		"stream.idle_timeout":                   d.Stream.IdleTimeout,
		"stream.health_check_timeout":           d.Stream.HealthCheckTimeout,
		"stream.backoff_initial":                d.Stream.BackoffInitial,
		"stream.backoff_factor":                 d.Stream.BackoffFactor,
		"stream.backoff_max":                    d.Stream.BackoffMax,
		"log.file":                              d.Log.File,
		"log.max_size_mb":                       d.Log.MaxSizeMB,
		"log.max_backups":                       d.Log.MaxBackups,
		"log.max_age_days":                      d.Log.MaxAgeDays,
		"log.compress":                          d.Log.Compress,
		"serve.host":                            d.Serve.Host,
		"serve.port":                            d.Serve.Port,
		"serve.secret":                          d.Serve.Secret,
		"serve.bloom_filters":                   d.Serve.BloomFilters,
		"serve.false_positive_rate":             d.Serve.FalsePositiveRate,
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	return v
}

// Load reads settings from path and the environment. An empty path, or a
// path that does not exist yet, leaves the defaults in place.
func Load(path string) (*Settings, error) {
	return load(newViper(path), path)
}

func load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// Validate rejects settings the engine cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.Cache.Percentile < 0 || s.Cache.Percentile > 100 {
		errs = append(errs, fmt.Errorf("cache.percentile must be within [0, 100], got %d", s.Cache.Percentile))
	}
	if s.Cache.MaxSequenceNumbers < 0 {
		errs = append(errs, fmt.Errorf("cache.max_sequence_numbers must not be negative, got %d", s.Cache.MaxSequenceNumbers))
	}
	if s.Sync.MaxConcurrentLimboResolutions <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_concurrent_limbo_resolutions must be positive, got %d", s.Sync.MaxConcurrentLimboResolutions))
	}
	if s.Stream.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("stream.backoff_factor must be at least 1, got %g", s.Stream.BackoffFactor))
	}
	if s.Serve.FalsePositiveRate <= 0 || s.Serve.FalsePositiveRate >= 1 {
		errs = append(errs, fmt.Errorf("serve.false_positive_rate must be within (0, 1), got %g", s.Serve.FalsePositiveRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LruParams returns the garbage collection parameters.
func (s *Settings) LruParams() local.LruParams {
	return local.LruParams{
		CacheSizeCollectionThreshold:    s.Cache.SizeBytes,
		PercentileToCollect:             s.Cache.Percentile,
		MaximumSequenceNumbersToCollect: s.Cache.MaxSequenceNumbers,
	}
}

// StreamConfig returns the persistent stream configuration.
func (s *Settings) StreamConfig() *remote.StreamConfig {
	cfg := remote.DefaultStreamConfig()
	cfg.IdleTimeout = s.Stream.IdleTimeout
	cfg.HealthCheckTimeout = s.Stream.HealthCheckTimeout
	cfg.Backoff = remote.BackoffConfig{
		Initial: s.Stream.BackoffInitial,
		Factor:  s.Stream.BackoffFactor,
		Max:     s.Stream.BackoffMax,
	}
	return cfg
}
