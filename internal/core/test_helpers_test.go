package core

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"writingstudy/internal/infra/persistence/memory"
	"writingstudy/internal/infra/persistence/sqlite"
	"writingstudy/pkg/domain"
)

func strPtr(v string) *string { return &v }

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type captureLogger struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLogger) record(prefix, msg string) {
	c.mu.Lock()
	c.calls = append(c.calls, prefix+msg)
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.record("d:", msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.record("i:", msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.record("w:", msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.record("e:", msg) }

func (c *captureLogger) has(call string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.calls {
		if got == call {
			return true
		}
	}
	return false
}

// backends returns a fresh store per backend that needs no external service.
func backends(t *testing.T) map[string]func(t *testing.T) PersistentStore {
	t.Helper()
	return map[string]func(t *testing.T) PersistentStore{
		"memory": func(*testing.T) PersistentStore { return memory.NewStore() },
		"sqlite": func(t *testing.T) PersistentStore {
			store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "study.db"))
			if err != nil {
				t.Fatalf("sqlite.NewStore: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

// flakyStore fails the first n transactions with err, then delegates.
type flakyStore struct {
	PersistentStore
	remaining atomic.Int32
	calls     atomic.Int32
	err       error
}

func newFlakyStore(inner PersistentStore, n int, err error) *flakyStore {
	f := &flakyStore{PersistentStore: inner, err: err}
	f.remaining.Store(int32(n))
	return f
}

func (f *flakyStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	f.calls.Add(1)
	if f.remaining.Add(-1) >= 0 {
		return f.err
	}
	return f.PersistentStore.RunInTransaction(ctx, fn)
}

// blockingStore never finishes a transaction before ctx is done.
type blockingStore struct {
	PersistentStore
}

func (b blockingStore) RunInTransaction(ctx context.Context, _ func(domain.Transaction) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func fastRetry(attempts int) Option {
	return WithRetryPolicy(RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}
