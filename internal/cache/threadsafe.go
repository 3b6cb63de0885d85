package cache

import (
	"context"
	"sync"
)

// ThreadSafe serializes every call to the wrapped backend behind a mutex.
type ThreadSafe struct {
	mu      sync.Mutex
	backend Backend
}

func NewThreadSafe(b Backend) *ThreadSafe {
	return &ThreadSafe{backend: b}
}

func (t *ThreadSafe) Get(ctx context.Context, key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backend.Get(ctx, key)
}

func (t *ThreadSafe) Put(ctx context.Context, key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backend.Put(ctx, key, value)
}

func (t *ThreadSafe) Delete(ctx context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backend.Delete(ctx, key)
}

func (t *ThreadSafe) Name() string { return "ThreadSafe(" + t.backend.Name() + ")" }

func (t *ThreadSafe) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backend.Healthy()
}

// Stats forwards to the wrapped backend. It returns zero Stats if the backend
// keeps no counters.
func (t *ThreadSafe) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.backend.(StatsReporter); ok {
		return r.Stats()
	}
	return Stats{}
}
