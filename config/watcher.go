package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/user/notisync/logger"
)

// DefaultDebounceDelay is the delay to wait after a file change before reloading.
const DefaultDebounceDelay = 100 * time.Millisecond

// Watcher reloads the config file when it changes and reports new Preferences.
type Watcher struct {
	path     string
	base     Config
	changed  map[string]bool
	onChange func(Preferences)
	delay    time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	current  Preferences
	debounce *time.Timer
}

// NewWatcher watches path. base is the configuration resolved at startup and
// changed lists the flags the user set; both keep their precedence over the
// file on every reload.
func NewWatcher(path string, base Config, changed map[string]bool, onChange func(Preferences)) *Watcher {
	return &Watcher{
		path:     path,
		base:     base,
		changed:  changed,
		onChange: onChange,
		delay:    DefaultDebounceDelay,
		log:      logger.New("config"),
		current:  base.Preferences(),
	}
}

// SetDebounce overrides the reload debounce delay.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.delay = d
	}
}

// Run watches the config directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	w.log.Debug().Str("path", w.path).Msg("watching config")

	defer func() {
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
	}()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *Watcher) reload() {
	if !FileExists(w.path) {
		return
	}
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("config reload failed")
		return
	}

	cfg := w.base
	if err := ApplyFileConfig(&cfg, fc, w.changed); err != nil {
		w.log.Warn().Err(err).Msg("config reload failed")
		return
	}
	if err := ApplyEnvConfig(&cfg, w.changed); err != nil {
		w.log.Warn().Err(err).Msg("config reload failed")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Warn().Err(err).Msg("reloaded config is invalid, keeping previous preferences")
		return
	}

	prefs := cfg.Preferences()
	w.mu.Lock()
	if prefs == w.current {
		w.mu.Unlock()
		return
	}
	w.current = prefs
	w.mu.Unlock()

	w.log.Info().Stringer("work_mode", prefs.WorkMode).Bool("sync_on_removal", prefs.SyncOnRemoval).Msg("preferences changed")
	w.onChange(prefs)
}
