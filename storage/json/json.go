package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/forrest-ci/forrest/lock"
	"github.com/forrest-ci/forrest/storage"
	"github.com/forrest-ci/forrest/utils"
)

// Store provides lock-protected read/modify/write access to a JSON file.
// T is the top-level structure stored in the file (must have exported fields
// with json tags). If *T implements storage.Initer, Init() is called
// automatically after loading.
//
// The Locker is injected rather than owned so that a GC module can share
// the exact same lock instance as the store it is collecting against.
type Store[T any] struct {
	locker   lock.Locker
	filePath string
}

// New creates a Store for the given data file path, guarded by locker.
func New[T any](filePath string, locker lock.Locker) *Store[T] {
	return &Store[T]{locker: locker, filePath: filePath}
}

// With loads the JSON file under lock and passes the deserialized data to fn.
// If the file does not exist, fn receives a zero-value T.
// If *T implements storage.Initer, Init() is called before fn (handles nil
// maps, etc). The lock is held for the duration of fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		var data T
		raw, err := os.ReadFile(s.filePath) //nolint:gosec // internal metadata
		if err != nil {
			if os.IsNotExist(err) {
				initData(&data)
				return fn(&data)
			}
			return fmt.Errorf("read %s: %w", s.filePath, err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parse %s: %w", s.filePath, err)
		}
		initData(&data)
		return fn(&data)
	})
}

// Update performs a read-modify-write on the JSON file under lock.
// If fn returns nil the data is atomically written back.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return s.With(ctx, func(data *T) error {
		if err := fn(data); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.filePath, data)
	})
}

func initData[T any](data *T) {
	if initer, ok := any(data).(storage.Initer); ok {
		initer.Init()
	}
}
