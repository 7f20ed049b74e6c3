package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay collapses the burst of events editors emit on save.
const debounceDelay = 100 * time.Millisecond

// Loader loads the configuration and reloads it when the file changes.
type Loader struct {
	path string

	mu       sync.RWMutex
	config   *Config
	onChange []func(old, new *Config)

	watcher *fsnotify.Watcher
	timerMu sync.Mutex
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errChan chan error

	// reloadMu is held for a whole reload, callbacks included.
	reloadMu sync.Mutex
}

// NewLoader creates a loader for the file at path.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		ctx:     ctx,
		cancel:  cancel,
		errChan: make(chan error, 1),
	}
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, overrides and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked with the previous and the new
// configuration after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors delivers reload and watcher failures. Errors are dropped when
// nobody is reading.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the configuration file. The parent directory is
// watched so that editors replacing the file are seen.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.schedule()

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) schedule() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()

	if l.ctx.Err() != nil {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(debounceDelay, l.Reload)
}

// Reload re-reads the file. An invalid file leaves the current
// configuration in place and is reported on Errors. Reload does nothing once
// the loader is closed.
func (l *Loader) Reload() {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()
	if l.ctx.Err() != nil {
		return
	}

	cfg, err := Load(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}
	if err := cfg.Validate(); err != nil {
		l.report(fmt.Errorf("validate new config: %w", err))
		return
	}

	l.mu.Lock()
	old := l.config
	l.config = cfg
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Close stops the watcher and waits for the watch loop and any in-flight
// reload to finish. No OnChange callback runs after Close returns.
func (l *Loader) Close() error {
	l.cancel()

	l.timerMu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timerMu.Unlock()

	l.reloadMu.Lock()
	//nolint:staticcheck // waits out a reload already running
	l.reloadMu.Unlock()

	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	l.wg.Wait()
	return err
}
