package config

import (
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Watcher polls a config file and reports valid changes.
type Watcher struct {
	path         string
	pollInterval time.Duration
	debounce     time.Duration
	onChange     func(oldCfg, newCfg *Config)
	onError      func(err error)

	lastModTime time.Time
	lastSize    int64
	current     *Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// WatcherConfig holds watcher settings.
type WatcherConfig struct {
	Path         string
	PollInterval time.Duration // Default: 1s
	Debounce     time.Duration // Default: 200ms
	OnChange     func(oldCfg, newCfg *Config)
	// OnError receives reload failures; the previous config stays current.
	OnError func(err error)
}

// NewWatcher loads the file once and prepares to watch it.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, ErrMissingConfigFile
	}
	if cfg.OnChange == nil {
		return nil, ErrMissingOnChange
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}

	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", cfg.Path)
	}
	initial, err := LoadConfig(cfg.Path)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:         cfg.Path,
		pollInterval: cfg.PollInterval,
		debounce:     cfg.Debounce,
		onChange:     cfg.OnChange,
		onError:      cfg.OnError,
		lastModTime:  info.ModTime(),
		lastSize:     info.Size(),
		current:      initial,
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}, nil
}

// Start begins polling.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	go w.watchLoop()
}

// Stop stops polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Watcher) watchLoop() {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			if w.changed() {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.NewTimer(w.debounce)
				debounceCh = debounce.C
			}

		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			w.reload()
		}
	}
}

func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	if info.ModTime() == w.lastModTime && info.Size() == w.lastSize {
		return false
	}
	w.lastModTime = info.ModTime()
	w.lastSize = info.Size()
	return true
}

func (w *Watcher) reload() {
	next, err := LoadConfig(w.path)
	if err != nil {
		w.onError(err)
		return
	}
	if errs := ValidateConfig(next); len(errs) > 0 {
		w.onError(errors.Wrapf(errs[0], "reload %s: %d invalid fields", w.path, len(errs)))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	w.onChange(prev, next)
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
