// Package rewrite coordinates rewrites of web resources: it loads inputs
// through the HTTP cache, makes sure only one process computes a given
// output at a time, and stores outputs with cache headers that are no more
// permissive than their inputs allow.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"rewrite0/internal/cache"
	"rewrite0/internal/httpcache"
	"rewrite0/internal/lock"
	"rewrite0/internal/metrics"
	"rewrite0/internal/naming"
	"rewrite0/internal/worker"
)

const (
	DefaultRewriteDeadline   = 10 * time.Millisecond
	DefaultLockWait          = 5 * time.Second
	DefaultSequences         = 4
	DefaultBackgroundFetches = 32
)

// Deps are the collaborators of an Engine. HTTPCache, Metadata, Locks and
// Fetcher are required.
type Deps struct {
	HTTPCache *httpcache.Cache
	// Metadata holds ResultMetadata. It may share a backend with HTTPCache.
	Metadata cache.Backend
	Locks    lock.Manager
	Fetcher  Fetcher

	Hasher  naming.Hasher
	Mapper  naming.DomainMapper
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Options struct {
	// RewriteDeadline bounds how long Rewrite waits before answering with
	// the original URL.
	RewriteDeadline time.Duration
	// LockWait bounds how long FetchOutputResource waits for another
	// holder of the creation lock before stealing it.
	LockWait        time.Duration
	FetchTimeout    time.Duration
	GeneratedMaxAge time.Duration
	// PersistOnTheFlyBytes stores the bytes of KindOnTheFly outputs too.
	PersistOnTheFlyBytes bool
	Sequences            int
	// BackgroundFetches bounds concurrent freshens.
	BackgroundFetches int
	Policy            httpcache.Policy
}

func (o *Options) setDefaults() {
	if o.RewriteDeadline <= 0 {
		o.RewriteDeadline = DefaultRewriteDeadline
	}
	if o.LockWait <= 0 {
		o.LockWait = DefaultLockWait
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.GeneratedMaxAge <= 0 {
		o.GeneratedMaxAge = DefaultGeneratedMaxAge
	}
	if o.Sequences <= 0 {
		o.Sequences = DefaultSequences
	}
	if o.BackgroundFetches <= 0 {
		o.BackgroundFetches = DefaultBackgroundFetches
	}
	if o.Policy.ImplicitTTL <= 0 {
		o.Policy.ImplicitTTL = httpcache.DefaultImplicitTTL
	}
}

type Engine struct {
	http    *httpcache.Cache
	meta    cache.Backend
	locks   lock.Manager
	fetcher Fetcher
	hasher  naming.Hasher
	mapper  naming.DomainMapper
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
	opts    Options

	pool  *worker.Pool
	seqs  *worker.Striped
	group singleflight.Group
	fresh *freshener

	// pending holds reads waiting on a fetch, by URL.
	pendingMu sync.Mutex
	pending   map[string][]*waiter

	filtersMu sync.RWMutex
	filters   map[string]Filter

	bgMu   sync.Mutex
	closed bool
	bg     sync.WaitGroup
}

func NewEngine(deps Deps, opts Options) (*Engine, error) {
	var errs []error
	if deps.HTTPCache == nil {
		errs = append(errs, errors.New("http cache is required"))
	}
	if deps.Metadata == nil {
		errs = append(errs, errors.New("metadata cache is required"))
	}
	if deps.Locks == nil {
		errs = append(errs, errors.New("lock manager is required"))
	}
	if deps.Fetcher == nil {
		errs = append(errs, errors.New("fetcher is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	opts.setDefaults()
	if deps.Hasher == nil {
		deps.Hasher = naming.Blake2bHasher{}
	}
	if deps.Mapper == nil {
		deps.Mapper = naming.StaticMapper{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	log := deps.Logger.With().Str("component", "rewrite").Logger()
	pool := worker.NewPool(deps.Logger)
	e := &Engine{
		http:    deps.HTTPCache,
		meta:    deps.Metadata,
		locks:   deps.Locks,
		fetcher: deps.Fetcher,
		hasher:  deps.Hasher,
		mapper:  deps.Mapper,
		metrics: deps.Metrics,
		log:     log,
		now:     deps.Now,
		opts:    opts,
		pool:    pool,
		seqs:    worker.NewStriped(pool, opts.Sequences),
		pending: map[string][]*waiter{},
		filters: map[string]Filter{},
	}
	e.fresh = newFreshener(e, opts.BackgroundFetches)
	if err := e.RegisterFilter(CacheExtender{}); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Options() Options { return e.opts }

// Close waits for background work and stops the worker sequences. Reads
// still queued are dropped without their callbacks.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()
	e.bg.Wait()
	e.pool.Shutdown()
}

// goBackground runs fn unless the engine is closing.
func (e *Engine) goBackground(fn func()) bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		return false
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
	return true
}

// detached returns a context that survives the caller, bounded by the fetch
// timeout.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.FetchTimeout)
}

func (e *Engine) RegisterFilter(f Filter) error {
	id := f.ID()
	if !naming.ValidID(id) {
		return fmt.Errorf("filter id %q: must be alphanumeric", id)
	}
	e.filtersMu.Lock()
	defer e.filtersMu.Unlock()
	if _, ok := e.filters[id]; ok {
		return fmt.Errorf("filter %q registered twice", id)
	}
	e.filters[id] = f
	return nil
}

func (e *Engine) filter(id string) (Filter, error) {
	e.filtersMu.RLock()
	defer e.filtersMu.RUnlock()
	f, ok := e.filters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, id)
	}
	return f, nil
}

// CreateInputResource resolves ref against base. Only http and https inputs
// are supported.
func (e *Engine) CreateInputResource(base, ref string) (*InputResource, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	u := b.ResolveReference(r)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("input %q is not an absolute http url", u)
	}
	u.Fragment = ""
	return &InputResource{url: u.String()}, nil
}

// CreateOutputResource names an output of filterID for the resource leaf
// under prefix. Unless kind is KindOutlined, a previous unexpired result is
// loaded from the metadata cache and the name completed from it.
func (e *Engine) CreateOutputResource(ctx context.Context, prefix, filterID, leaf string, kind Kind) (*OutputResource, error) {
	if !strings.HasSuffix(prefix, "/") {
		return nil, fmt.Errorf("%w: prefix %q does not end in /", naming.ErrNotGenerated, prefix)
	}
	if !naming.ValidID(filterID) {
		return nil, fmt.Errorf("%w: filter id %q", naming.ErrNotGenerated, filterID)
	}
	if leaf == "" {
		return nil, fmt.Errorf("%w: empty leaf", naming.ErrNotGenerated)
	}
	out := &OutputResource{
		name: naming.ResourceName{
			Prefix: prefix,
			ID:     filterID,
			Name:   leaf,
			Ext:    leafExt(leaf),
		},
		kind: kind,
	}
	if kind == KindOutlined {
		// Outlined names are derived from content the caller already
		// holds; there is no earlier result to reuse.
		return out, nil
	}

	b, ok := e.meta.Get(ctx, metadataKey(out.name))
	if !ok {
		return out, nil
	}
	m, err := decodeMetadata(b)
	if err != nil {
		e.log.Warn().Err(err).Str("key", metadataKey(out.name)).Msg("dropping undecodable metadata")
		e.meta.Delete(ctx, metadataKey(out.name))
		return out, nil
	}
	if m.Expired(e.now()) {
		return out, nil
	}
	out.cached = m
	if m.Optimizable {
		out.name.Hash = m.Hash
		out.name.Ext = m.Ext
		out.url = m.URL
	}
	return out, nil
}

func leafExt(leaf string) string {
	if i := strings.IndexAny(leaf, "?#"); i >= 0 {
		leaf = leaf[:i]
	}
	ext := strings.TrimPrefix(path.Ext(leaf), ".")
	if !naming.ValidID(ext) {
		return ""
	}
	return strings.ToLower(ext)
}
