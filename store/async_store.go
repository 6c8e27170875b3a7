package store

import (
	"context"
	"fmt"

	"github.com/Swind/go-runqueue/core"
	"github.com/goccy/go-json"
)

// AsyncStore performs FileStore I/O on a slow service. Completion callbacks
// run on the slow service's result runner, never on a pool goroutine.
type AsyncStore struct {
	files *FileStore
	slow  *core.SlowServiceRunner
}

// NewAsyncStore wraps files with slow.
func NewAsyncStore(files *FileStore, slow *core.SlowServiceRunner) *AsyncStore {
	return &AsyncStore{files: files, slow: slow}
}

// Files returns the underlying blocking store.
func (a *AsyncStore) Files() *FileStore {
	return a.files
}

// Save encodes v on the calling goroutine, so v may be runner-owned state, and
// writes the bytes on the pool. done may be nil.
func (a *AsyncStore) Save(key string, v any, done func(ctx context.Context, err error)) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}

	return core.EnqueueSlowTask(a.slow,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.files.SaveRaw(key, data)
		},
		func(ctx context.Context, _ struct{}, err error) {
			if done != nil {
				done(ctx, err)
			}
		})
}

// Delete removes key on the pool. done may be nil.
func (a *AsyncStore) Delete(key string, done func(ctx context.Context, err error)) error {
	return core.EnqueueSlowTask(a.slow,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.files.Delete(key)
		},
		func(ctx context.Context, _ struct{}, err error) {
			if done != nil {
				done(ctx, err)
			}
		})
}

// Keys lists keys on the pool.
func (a *AsyncStore) Keys(done func(ctx context.Context, keys []string, err error)) error {
	return core.EnqueueSlowTask(a.slow,
		func(ctx context.Context) ([]string, error) {
			return a.files.Keys()
		},
		done)
}

// Load reads and decodes key into a fresh T on the pool and passes it to done
// on the result runner.
func Load[T any](a *AsyncStore, key string, done func(ctx context.Context, v T, err error)) error {
	return core.EnqueueSlowTask(a.slow,
		func(ctx context.Context) (T, error) {
			var v T
			err := a.files.Load(key, &v)
			return v, err
		},
		done)
}
