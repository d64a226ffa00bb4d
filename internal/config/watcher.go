package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig holds configuration for a Watcher.
type WatcherConfig struct {
	// Debounce is how long the file must stay unchanged before it is
	// reloaded. Editors often write a file in several steps.
	Debounce time.Duration
	Logger   *log.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		Debounce: 100 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[config] ", log.LstdFlags),
	}
}

// Watcher reloads a config file whenever it changes and hands the new
// settings to a callback. Invalid files are logged and skipped.
type Watcher struct {
	path     string
	onChange func(*Settings)
	config   *WatcherConfig
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a stopped watcher for path.
func NewWatcher(path string, onChange func(*Settings)) (*Watcher, error) {
	return NewWatcherWithConfig(path, onChange, DefaultWatcherConfig())
}

// NewWatcherWithConfig creates a stopped watcher with custom configuration.
func NewWatcherWithConfig(path string, onChange func(*Settings), config *WatcherConfig) (*Watcher, error) {
	if config == nil {
		config = DefaultWatcherConfig()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{path: abs, onChange: onChange, config: config, watcher: fw}, nil
}

// Start begins watching. The directory is watched rather than the file so
// that replacing the file by rename is noticed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}
	w.running = true
	w.done = make(chan struct{})
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for a reload in progress.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.done)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning reports whether the watcher is started.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	var reload <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				reload = time.After(w.config.Debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watch error: %v", err)
		case <-reload:
			reload = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	s, err := Load(w.path)
	if err != nil {
		w.config.Logger.Printf("Ignoring config change: %v", err)
		return
	}
	w.config.Logger.Printf("Reloaded %s", w.path)
	w.onChange(s)
}
