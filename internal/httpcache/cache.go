// Package httpcache stores HTTP responses keyed by URL on top of a byte
// cache, including short-lived memories of failed and uncacheable fetches.
package httpcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"rewrite0/internal/cache"
	"rewrite0/internal/metrics"
)

// FindResult is the outcome of a lookup.
type FindResult int

const (
	NotFound FindResult = iota
	Found
	// RecentFetchFailed means a fetch of the URL failed within
	// RememberFetchFailedTTL; callers should not fetch it again yet.
	RecentFetchFailed
	// RecentFetchNotCacheable means the last fetch returned an uncacheable
	// response within RememberNotCacheableTTL.
	RecentFetchNotCacheable
)

func (r FindResult) String() string {
	switch r {
	case Found:
		return "found"
	case RecentFetchFailed:
		return "recent-fetch-failed"
	case RecentFetchNotCacheable:
		return "recent-fetch-not-cacheable"
	default:
		return "not-found"
	}
}

const (
	DefaultRememberTTL     = 5 * time.Minute
	DefaultForceCachingTTL = 365 * 24 * time.Hour
	DefaultFreshenFraction = 0.2
	DefaultMinFreshenTTL   = time.Minute
)

type Config struct {
	RememberFetchFailedTTL  time.Duration
	RememberNotCacheableTTL time.Duration

	// ForceCaching stores every 200 response regardless of its headers and
	// treats every stored response as fresh.
	ForceCaching    bool
	ForceCachingTTL time.Duration

	// A lookup inside the last FreshenFraction of a response's lifetime
	// reports that the response should be freshened. Responses living
	// shorter than MinFreshenTTL are never freshened.
	FreshenFraction float64
	MinFreshenTTL   time.Duration
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		RememberFetchFailedTTL:  DefaultRememberTTL,
		RememberNotCacheableTTL: DefaultRememberTTL,
		ForceCachingTTL:         DefaultForceCachingTTL,
		FreshenFraction:         DefaultFreshenFraction,
		MinFreshenTTL:           DefaultMinFreshenTTL,
	}
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }
func WithLogger(l zerolog.Logger) Option    { return func(c *Cache) { c.log = l } }

// Cache is safe for concurrent use if its backend is.
type Cache struct {
	backend cache.Backend
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(backend cache.Backend, cfg Config, opts ...Option) *Cache {
	if cfg.ForceCachingTTL <= 0 {
		cfg.ForceCachingTTL = DefaultForceCachingTTL
	}
	if cfg.FreshenFraction <= 0 || cfg.FreshenFraction >= 1 {
		cfg.FreshenFraction = DefaultFreshenFraction
	}
	c := &Cache{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	c.log = c.log.With().Str("component", "http-cache").Logger()
	return c
}

func (c *Cache) Config() Config { return c.cfg }

// Find looks url up. Only a Found result carries a Record.
func (c *Cache) Find(ctx context.Context, url string) (FindResult, *Record) {
	if !c.backend.Healthy() {
		c.metrics.HTTPCacheBackendSkipped.Inc()
		c.metrics.HTTPCacheMisses.Inc()
		return NotFound, nil
	}
	b, ok := c.backend.Get(ctx, url)
	if !ok {
		c.metrics.HTTPCacheMisses.Inc()
		return NotFound, nil
	}
	var w wireRecord
	if err := decodeGob(b, &w); err != nil {
		c.log.Warn().Err(err).Str("url", url).Msg("dropping undecodable cache entry")
		c.backend.Delete(ctx, url)
		c.metrics.HTTPCacheMisses.Inc()
		return NotFound, nil
	}

	now := c.now()
	switch w.Kind {
	case kindFetchFailed, kindNotCacheable:
		if now.UnixMilli() >= w.ExpirationMs {
			c.metrics.HTTPCacheMisses.Inc()
			return NotFound, nil
		}
		if w.Kind == kindFetchFailed {
			c.metrics.HTTPCacheNegativeHits.WithLabelValues("fetch-failed").Inc()
			return RecentFetchFailed, nil
		}
		c.metrics.HTTPCacheNegativeHits.WithLabelValues("not-cacheable").Inc()
		return RecentFetchNotCacheable, nil
	}

	rec := w.record()
	if !c.cfg.ForceCaching && !now.Before(rec.Expiration()) {
		c.metrics.HTTPCacheExpirations.Inc()
		c.metrics.HTTPCacheMisses.Inc()
		return NotFound, nil
	}
	c.metrics.HTTPCacheHits.Inc()
	return Found, rec
}

// Put stores rec under url if it is cacheable, or unconditionally for a 200
// response under force caching. It reports whether anything was stored.
func (c *Cache) Put(ctx context.Context, url string, rec *Record) bool {
	if c.cfg.ForceCaching && rec.StatusCode() == 200 {
		rec = rec.withForcedCaching(c.now(), c.cfg.ForceCachingTTL)
	} else if !rec.Caching().Cacheable {
		c.metrics.HTTPCacheRejectedPuts.Inc()
		return false
	}
	b, err := encodeRecord(rec)
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("encode record")
		return false
	}
	c.backend.Put(ctx, url, b)
	c.metrics.HTTPCacheInserts.Inc()
	return true
}

// RememberFetchFailed makes Find report RecentFetchFailed for url until
// RememberFetchFailedTTL has passed.
func (c *Cache) RememberFetchFailed(ctx context.Context, url string) {
	c.remember(ctx, url, kindFetchFailed, c.cfg.RememberFetchFailedTTL)
}

// RememberNotCacheable makes Find report RecentFetchNotCacheable for url
// until RememberNotCacheableTTL has passed.
func (c *Cache) RememberNotCacheable(ctx context.Context, url string) {
	c.remember(ctx, url, kindNotCacheable, c.cfg.RememberNotCacheableTTL)
}

func (c *Cache) remember(ctx context.Context, url string, kind recordKind, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b, err := encodeMarker(kind, c.now().Add(ttl))
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("encode marker")
		return
	}
	c.backend.Put(ctx, url, b)
}

func (c *Cache) Delete(ctx context.Context, url string) {
	c.backend.Delete(ctx, url)
}

// ShouldFreshen reports whether rec, just returned by Find, is close enough
// to expiring that it should be refetched in the background.
func (c *Cache) ShouldFreshen(rec *Record) bool {
	if c.cfg.ForceCaching || rec.Caching().Forced {
		return false
	}
	ttl := rec.TTL()
	if ttl <= 0 || ttl < c.cfg.MinFreshenTTL {
		return false
	}
	window := time.Duration(float64(ttl) * c.cfg.FreshenFraction)
	now := c.now()
	exp := rec.Expiration()
	return !now.Before(exp.Add(-window)) && now.Before(exp)
}
