package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Watcher polls the YAML config file, and optionally a dotenv file, and hands
// every new valid configuration to a callback. A reload that fails to parse
// or validate keeps the previous configuration.
type Watcher struct {
	path     string
	envPath  string
	interval time.Duration
	lookup   LookupFunc
	logger   *slog.Logger
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	stamp   snapshot

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// snapshot identifies the watched files' state.
type snapshot struct {
	mtimes [2]time.Time
	sum    [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the process environment re-applied on every load.
// Defaults to no overlay.
func WithLookup(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// WithEnvFile also watches a dotenv file. Its variables win over the
// [WithLookup] source so that edits to the file take effect. A missing file
// counts as empty.
func WithEnvFile(path string) WatcherOption {
	return func(w *Watcher) { w.envPath = path }
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads the configuration at path and starts polling it.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp

	w.wg.Go(w.poll)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	mtimes, err := w.mtimes()
	if err != nil {
		w.logger.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := mtimes == w.stamp.mtimes
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, stamp, err := w.load()
	if err != nil {
		w.logger.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if stamp.sum == w.stamp.sum {
		w.stamp = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.stamp = stamp
	w.mu.Unlock()

	w.logger.Info("config watcher: configuration reloaded", "path", w.path, "env_file", w.envPath)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) mtimes() ([2]time.Time, error) {
	var out [2]time.Time
	info, err := os.Stat(w.path)
	if err != nil {
		return out, err
	}
	out[0] = info.ModTime()
	if w.envPath != "" {
		if info, err := os.Stat(w.envPath); err == nil {
			out[1] = info.ModTime()
		} else if !errors.Is(err, fs.ErrNotExist) {
			return out, err
		}
	}
	return out, nil
}

// load reads both files, resolves the configuration and fingerprints the
// raw bytes it was built from.
func (w *Watcher) load() (*Config, snapshot, error) {
	mtimes, err := w.mtimes()
	if err != nil {
		return nil, snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	var envData []byte
	if w.envPath != "" {
		envData, err = os.ReadFile(w.envPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, snapshot{}, err
		}
	}

	lookup := w.lookup
	if len(envData) > 0 {
		vars, err := godotenv.Parse(bytes.NewReader(envData))
		if err != nil {
			return nil, snapshot{}, fmt.Errorf("parse %s: %w", w.envPath, err)
		}
		lookup = overlay(vars, w.lookup)
	}
	cfg, err := ResolveReader(bytes.NewReader(data), lookup)
	if err != nil {
		return nil, snapshot{}, err
	}

	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write(envData)
	stamp := snapshot{mtimes: mtimes}
	copy(stamp.sum[:], h.Sum(nil))
	return cfg, stamp, nil
}

// overlay looks keys up in vars first, then in next.
func overlay(vars map[string]string, next LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := vars[key]; ok {
			return v, true
		}
		if next == nil {
			return "", false
		}
		return next(key)
	}
}
