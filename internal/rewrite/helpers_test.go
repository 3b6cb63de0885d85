package rewrite

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"rewrite0/internal/cache"
	"rewrite0/internal/httpcache"
	"rewrite0/internal/lock"
	"rewrite0/internal/metrics"
	"rewrite0/internal/naming"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(sinceStart time.Duration) {
	c.mu.Lock()
	c.t = epoch.Add(sinceStart)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*Response
	errs      map[string]error
	calls     map[string]int
	gate      chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string]*Response{},
		errs:      map[string]error{},
		calls:     map[string]int{},
	}
}

func (f *fakeFetcher) set(url string, status int, body string, kv ...string) {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	f.mu.Lock()
	f.responses[url] = &Response{StatusCode: status, Header: h, Body: []byte(body)}
	delete(f.errs, url)
	f.mu.Unlock()
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	f.errs[url] = err
	f.mu.Unlock()
}

// hold makes fetches block until the returned function is called.
func (f *fakeFetcher) hold(t *testing.T) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	release := func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
	t.Cleanup(release)
	return release
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	f.mu.Lock()
	f.calls[url]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	r, ok := f.responses[url]
	if !ok {
		return &Response{StatusCode: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return &Response{StatusCode: r.StatusCode, Header: r.Header.Clone(), Body: r.Body}, nil
}

var errConnRefused = errors.New("connection refused")

type testEnv struct {
	engine  *Engine
	http    *httpcache.Cache
	httpLRU *cache.ThreadSafe
	metaLRU *cache.ThreadSafe
	clock   *fakeClock
	fetcher *fakeFetcher
	metrics *metrics.Metrics
	locks   *lock.Memory
}

type envOption func(*Deps, *Options, *httpcache.Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		httpLRU: cache.NewThreadSafe(cache.NewLRU(0)),
		metaLRU: cache.NewThreadSafe(cache.NewLRU(0)),
		clock:   &fakeClock{t: epoch},
		fetcher: newFakeFetcher(),
		metrics: metrics.New(nil),
		locks:   lock.NewMemory(time.Minute),
	}
	deps := Deps{
		Metadata: env.metaLRU,
		Locks:    env.locks,
		Fetcher:  env.fetcher,
		Hasher:   naming.MockHasher{},
		Metrics:  env.metrics,
		Logger:   zerolog.Nop(),
		Now:      env.clock.Now,
	}
	o := Options{RewriteDeadline: 5 * time.Second, LockWait: time.Second}
	cfg := httpcache.DefaultConfig()
	for _, opt := range opts {
		opt(&deps, &o, &cfg)
	}
	env.http = httpcache.New(env.httpLRU, cfg,
		httpcache.WithClock(env.clock.Now), httpcache.WithMetrics(env.metrics))
	deps.HTTPCache = env.http

	e, err := NewEngine(deps, o)
	require.NoError(t, err)
	env.engine = e
	t.Cleanup(e.Close)
	return env
}

func withOptions(fn func(*Options)) envOption {
	return func(_ *Deps, o *Options, _ *httpcache.Config) { fn(o) }
}

func withHTTPConfig(fn func(*httpcache.Config)) envOption {
	return func(_ *Deps, _ *Options, c *httpcache.Config) { fn(c) }
}

func withLocks(m lock.Manager) envOption {
	return func(d *Deps, _ *Options, _ *httpcache.Config) { d.Locks = m }
}

func withMapper(m naming.DomainMapper) envOption {
	return func(d *Deps, _ *Options, _ *httpcache.Config) { d.Mapper = m }
}

// loadedInput returns an input whose record carries the given headers,
// fetched now.
func (env *testEnv) loadedInput(url string, kv ...string) *InputResource {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	rec := httpcache.NewRecord(http.StatusOK, h, []byte("x"), env.clock.Now(), httpcache.Policy{ImplicitTTL: httpcache.DefaultImplicitTTL})
	return &InputResource{url: url, rec: rec}
}
