package config

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forrest-ci/forrest/ferrors"
	"github.com/forrest-ci/forrest/types"

	"github.com/projecteru2/core/log"
)

// debounce is the minimum interval between reload attempts after a watch
// event fires, per the "low duty cycle, >= 1s debounce" requirement.
const debounce = time.Second

// Store owns the active ConfigSnapshot and keeps it current via an fsnotify
// watch on the config file. Consumers call Current() and hold the returned
// pointer for as long as they like — a reload never mutates an old snapshot,
// it only swaps the atomic pointer to a new one.
type Store struct {
	path string

	current atomic.Pointer[types.ConfigSnapshot]
	version atomic.Int64
}

// Load parses and validates path, returning a Store whose initial snapshot
// is already populated. The returned snapshot's CI settings are frozen:
// reloads triggered by Watch still parse the ci section (including reading
// the private key file), but every snapshot keeps the startup CI values.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active snapshot. Safe for concurrent use.
func (s *Store) Current() *types.ConfigSnapshot {
	return s.current.Load()
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ferrors.ErrConfigInvalid, s.path, err)
	}

	version := s.version.Add(1)
	next, err := parse(raw, version)
	if err != nil {
		return err
	}

	if prev := s.current.Load(); prev != nil {
		next.CI = prev.CI // credentials frozen at startup, never hot-reloaded
	}

	s.current.Store(next)
	return nil
}

// Watch runs until ctx is cancelled, reloading the snapshot on every
// debounced mtime/content change to the config file. Parse/validation
// failures are logged and the active snapshot is left untouched — a bad
// edit never takes effect, it just never stops watching.
func (s *Store) Watch(ctx context.Context) error {
	logger := log.WithFunc("config.Watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	if err := watcher.Add(s.path); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf(ctx, "watch error: %v", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Rename != 0 {
				// Editors that save via rename-replace drop the watch on the
				// old inode; re-arm it against the (new) path.
				_ = watcher.Add(s.path)
			}
			if pending == nil {
				pending = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(debounce)
			}
		case <-fire:
			if err := s.reload(); err != nil {
				logger.Errorf(ctx, "reload %s: %v", s.path, err)
				continue
			}
			logger.Infof(ctx, "config reloaded, version=%d", s.Current().Version)
		}
	}
}
