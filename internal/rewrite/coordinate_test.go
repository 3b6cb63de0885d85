package rewrite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewrite0/internal/httpcache"
	"rewrite0/internal/lock"
	"rewrite0/internal/naming"
)

func TestCreationLockExclusive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a, err := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)
	require.NoError(t, err)
	b, err := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)
	require.NoError(t, err)

	require.True(t, env.engine.TryLockForCreation(ctx, a))
	assert.True(t, a.LockHeld())
	assert.False(t, env.engine.TryLockForCreation(ctx, b))
	assert.False(t, b.LockHeld())

	// The loser falls back to a completed result once the winner writes.
	require.NoError(t, env.engine.Write(ctx, nil, []byte("a{}"), "text/css", "", a))
	env.engine.ReleaseLock(ctx, a)
	env.engine.ReleaseLock(ctx, a)

	b, err = env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)
	require.NoError(t, err)
	require.NotNil(t, b.CachedResult())
	res, rec := env.http.Find(ctx, b.URL())
	require.Equal(t, httpcache.Found, res)
	assert.Equal(t, "a{}", string(rec.Body()))

	assert.True(t, env.engine.TryLockForCreation(ctx, b))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Locks.WithLabelValues("acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Locks.WithLabelValues("busy")))

	// Releasing an output that never locked is fine too.
	c, err := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "c.css", KindRewritten)
	require.NoError(t, err)
	env.engine.ReleaseLock(ctx, c)
}

func TestReleaseLockAfterCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.db")
	locks, err := lock.OpenSQLite(context.Background(), path, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })
	env := newTestEnv(t, withLocks(locks))

	ctx, cancel := context.WithCancel(context.Background())
	out, err := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)
	require.NoError(t, err)
	require.True(t, env.engine.TryLockForCreation(ctx, out))
	cancel()
	env.engine.ReleaseLock(ctx, out)
	assert.False(t, out.LockHeld())

	other, err := lock.OpenSQLite(context.Background(), path, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	assert.True(t, other.NewLock(metadataKey(out.name)).TryLock(context.Background()))
}

func TestCreationLockConcurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)
			if !assert.NoError(t, err) {
				return
			}
			<-start
			if env.engine.TryLockForCreation(ctx, out) {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestLockForCreationTimeoutAndSteal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a, _ := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)
	b, _ := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)

	require.True(t, env.engine.TryLockForCreation(ctx, a))
	assert.Equal(t, LockTimedOut, env.engine.LockForCreation(ctx, b, 20*time.Millisecond))

	require.NoError(t, env.engine.StealLock(ctx, b))
	assert.True(t, b.LockHeld())
	assert.False(t, a.LockHeld())

	// The previous holder's release does not free the stolen lock.
	env.engine.ReleaseLock(ctx, a)
	assert.True(t, b.LockHeld())

	go func() {
		time.Sleep(10 * time.Millisecond)
		env.engine.ReleaseLock(ctx, b)
	}()
	assert.Equal(t, LockHeld, env.engine.LockForCreation(ctx, a, 5*time.Second))
}

func TestRewriteCacheExtends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fetcher.set(resourceURL, 200, "a{}", "Cache-Control", "max-age=600", "Content-Type", "text/css; charset=utf-8")

	got, ok := env.engine.Rewrite(ctx, "ce", resourceURL)
	require.True(t, ok)
	want := naming.ResourceName{Prefix: urlPrefix, ID: "ce", Hash: "0", Name: "a.css", Ext: "css"}
	assert.Equal(t, want.Encode(), got)

	got, ok = env.engine.Rewrite(ctx, "ce", resourceURL)
	require.True(t, ok)
	assert.Equal(t, want.Encode(), got)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rewrites.WithLabelValues("rewritten")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rewrites.WithLabelValues("cached")))
	assert.Equal(t, 1, env.fetcher.count(resourceURL))

	// On-the-fly: only the input is in the HTTP cache, yet the output can
	// be served by recomputing it.
	rec, err := env.engine.FetchOutputResource(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "a{}", string(rec.Body()))
	assert.Equal(t, "text/css; charset=utf-8", rec.Header().Get("Content-Type"))
	cc := httpcache.ParseCacheControl(rec.Header().Values("Cache-Control"))
	assert.True(t, cc.Has("public"))
	assert.Equal(t, 1, env.fetcher.count(resourceURL))
}

func TestRewriteDeadlineFallsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, withOptions(func(o *Options) { o.RewriteDeadline = 10 * time.Millisecond }))
	env.fetcher.set(resourceURL, 200, "a{}", "Cache-Control", "max-age=600", "Content-Type", "text/css")
	release := env.fetcher.hold(t)

	got, ok := env.engine.Rewrite(ctx, "ce", resourceURL)
	assert.False(t, ok)
	assert.Equal(t, resourceURL, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DeadlineExceeded))

	// The computation finishes in the background and later requests use it.
	release()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.Rewrites.WithLabelValues("rewritten")) == 1
	}, 5*time.Second, time.Millisecond)
	got, ok = env.engine.Rewrite(ctx, "ce", resourceURL)
	assert.True(t, ok)
	assert.NotEqual(t, resourceURL, got)
}

func TestRewriteNotOptimizableIsRemembered(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	page := "http://example.com/index.html"
	env.fetcher.set(page, 200, "<html>", "Cache-Control", "max-age=600", "Content-Type", "text/html")

	got, ok := env.engine.Rewrite(ctx, "ce", page)
	assert.False(t, ok)
	assert.Equal(t, page, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rewrites.WithLabelValues("not-optimizable")))

	_, ok = env.engine.Rewrite(ctx, "ce", page)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rewrites.WithLabelValues("cached-not-optimizable")))
	assert.Equal(t, 1, env.fetcher.count(page))

	generated := naming.ResourceName{Prefix: urlPrefix, ID: "ce", Hash: "0", Name: "index.html", Ext: "html"}
	_, err := env.engine.FetchOutputResource(ctx, generated.Encode())
	assert.ErrorIs(t, err, ErrNotOptimizable)
}

func TestRewriteFallsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	got, ok := env.engine.Rewrite(ctx, "zz", resourceURL)
	assert.False(t, ok)
	assert.Equal(t, resourceURL, got)

	env.fetcher.fail(resourceURL, errConnRefused)
	got, ok = env.engine.Rewrite(ctx, "ce", resourceURL)
	assert.False(t, ok)
	assert.Equal(t, resourceURL, got)

	_, ok = env.engine.Rewrite(ctx, "ce", "http://example.com/")
	assert.False(t, ok)
}

func TestRewriteLockBusy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fetcher.set(resourceURL, 200, "a{}", "Cache-Control", "max-age=600", "Content-Type", "text/css")

	holder, _ := env.engine.CreateOutputResource(ctx, urlPrefix, "ce", "a.css", KindOnTheFly)
	require.True(t, env.engine.TryLockForCreation(ctx, holder))

	got, ok := env.engine.Rewrite(ctx, "ce", resourceURL)
	assert.False(t, ok)
	assert.Equal(t, resourceURL, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rewrites.WithLabelValues("lock-busy")))
	assert.Equal(t, 0, env.fetcher.count(resourceURL))
}

func TestFetchOutputResourceStealsAfterWait(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, withOptions(func(o *Options) { o.LockWait = 20 * time.Millisecond }))
	env.fetcher.set(resourceURL, 200, "a{}", "Cache-Control", "max-age=600", "Content-Type", "text/css")

	holder, _ := env.engine.CreateOutputResource(ctx, urlPrefix, "ce", "a.css", KindOnTheFly)
	require.True(t, env.engine.TryLockForCreation(ctx, holder))

	name := naming.ResourceName{Prefix: urlPrefix, ID: "ce", Hash: "whatever", Name: "a.css", Ext: "css"}
	rec, err := env.engine.FetchOutputResource(ctx, name.Encode()+"?x=1")
	require.NoError(t, err)
	assert.Equal(t, "a{}", string(rec.Body()))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Locks.WithLabelValues("stolen")))
	assert.False(t, holder.LockHeld())
}

func TestFetchOutputResourceRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.engine.FetchOutputResource(ctx, "http://example.com/plain.css")
	assert.ErrorIs(t, err, naming.ErrNotGenerated)

	evil := naming.ResourceName{Prefix: urlPrefix, ID: "ce", Hash: "0", Name: "http://www.evil.com/x.css", Ext: "css"}
	_, err = env.engine.FetchOutputResource(ctx, evil.Encode())
	assert.ErrorIs(t, err, naming.ErrUnauthorized)

	unknown := naming.ResourceName{Prefix: urlPrefix, ID: "zz", Hash: "0", Name: "a.css", Ext: "css"}
	_, err = env.engine.FetchOutputResource(ctx, unknown.Encode())
	assert.ErrorIs(t, err, ErrUnknownFilter)
}

func TestFetchOutputResourceServesStored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	out, err := env.engine.CreateOutputResource(ctx, urlPrefix, "cf", "a.css", KindRewritten)
	require.NoError(t, err)
	require.NoError(t, env.engine.Write(ctx, nil, []byte("b{}"), "text/css", "", out))

	rec, err := env.engine.FetchOutputResource(ctx, out.URL())
	require.NoError(t, err)
	assert.Equal(t, "b{}", string(rec.Body()))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Rewrites.WithLabelValues("served-cached")))
}

func TestRegisterFilter(t *testing.T) {
	env := newTestEnv(t)
	assert.Error(t, env.engine.RegisterFilter(CacheExtender{}))
}

func TestNewEngineRequiresDeps(t *testing.T) {
	_, err := NewEngine(Deps{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetcher is required")
}

func TestEngineClosed(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Close()

	err := env.engine.Load(context.Background(), &InputResource{url: resourceURL}, FailIfNotCacheable)
	assert.ErrorIs(t, err, ErrClosed)
	got, ok := env.engine.Rewrite(context.Background(), "ce", resourceURL)
	assert.False(t, ok)
	assert.Equal(t, resourceURL, got)
}
