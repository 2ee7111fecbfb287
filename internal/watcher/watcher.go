package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Watcher reports modifications of a single file. It subscribes to the
// file's parent directory and drops every event for other paths.
type Watcher struct {
	fsw    *fsnotify.Watcher
	target string
	dir    string
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Canonical resolves path to an absolute, cleaned form. The parent directory
// is resolved through symlinks when it exists so that event paths, which are
// reported relative to the resolved directory, compare equal.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	dir, base := filepath.Split(abs)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return filepath.Join(dir, base), nil
}

// New subscribes to the parent directory of target. Failure to subscribe
// is returned; the monitor treats it as fatal.
func New(target string) (*Watcher, error) {
	return NewWithLogger(target, log.Logger)
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(target string, logger zerolog.Logger) (*Watcher, error) {
	canonical, err := Canonical(target)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(canonical)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		fsw:    fsw,
		target: canonical,
		dir:    dir,
		logger: logger.With().Str("component", "watcher").Str("target", canonical).Logger(),
	}, nil
}

// Target returns the canonical path being watched.
func (w *Watcher) Target() string {
	return w.target
}

// Start delivers matching events to onChange until ctx is cancelled or the
// watcher is closed. onChange runs on this goroutine, one event at a time.
func (w *Watcher) Start(ctx context.Context, onChange func(path string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev) {
				continue
			}
			w.logger.Debug().Str("op", ev.Op.String()).Msg("Change detected")
			onChange(w.target)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// matches reports whether ev is a write or create of the target file.
func (w *Watcher) matches(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return filepath.Clean(ev.Name) == w.target
}

// Close unsubscribes. Safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
		if errors.Is(w.closeErr, os.ErrClosed) {
			w.closeErr = nil
		}
	})
	return w.closeErr
}
