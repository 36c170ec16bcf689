package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/syssam/prism"
)

// WatchOption configures Watch.
type WatchOption func(*watcher)

type watcher struct {
	delay time.Duration
	log   *slog.Logger
	opts  []Option
}

// WithDebounce sets the quiet period after the last change before the
// file is reloaded. Default is 100ms.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *watcher) { w.delay = d }
}

// WithWatchLogger sets the logger of Watch.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *watcher) { w.log = l }
}

// WithLoadOptions sets the options of every reload.
func WithLoadOptions(opts ...Option) WatchOption {
	return func(w *watcher) { w.opts = append(w.opts, opts...) }
}

// Watch reloads the configuration file at path whenever it changes and
// passes the result to fn, until ctx is done. A reload that fails passes
// the error instead; fn keeps being called on later changes.
//
// The directory of the file is watched, so editors replacing the file on
// save are followed.
func Watch(ctx context.Context, path string, fn func(*Config, error), opts ...WatchOption) error {
	w := &watcher{delay: 100 * time.Millisecond, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return prism.Wrap(prism.ConfigError, err, "watch configuration")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return prism.Wrap(prism.ConfigError, err, "watch configuration")
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return prism.Wrap(prism.ConfigError, err, "watch configuration")
	}
	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.delay)
			reload = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("prism: configuration watcher error", "path", path, "error", err)
		case <-reload:
			reload = nil
			c, err := Load(abs, w.opts...)
			if err != nil {
				w.log.Warn("prism: configuration reload failed", "path", path, "error", err)
			} else {
				w.log.Info("prism: configuration reloaded", "path", path)
			}
			fn(c, err)
		}
	}
}
