package rewrite

import (
	"context"
	"fmt"

	"rewrite0/internal/httpcache"
)

// ReadPolicy decides whether an uncacheable response satisfies a read.
type ReadPolicy int

const (
	FailIfNotCacheable ReadPolicy = iota
	LoadEvenIfNotCacheable
)

func (p ReadPolicy) String() string {
	if p == LoadEvenIfNotCacheable {
		return "load-even-if-not-cacheable"
	}
	return "fail-if-not-cacheable"
}

type waiter struct {
	ctx    context.Context
	res    *InputResource
	policy ReadPolicy
	cb     func(error)
}

type fetchResult struct {
	rec          *httpcache.Record
	notCacheable bool
	err          error
}

// ReadAsync loads res from the cache or its origin and calls cb with nil on
// success, or with an error wrapping ErrFetchFailed or ErrNotCacheable.
//
// Reads of one URL run on one worker sequence, so their callbacks fire in
// the order the reads were issued. Cancelling ctx detaches the caller: the
// work still completes and is cached, but cb is not called.
func (e *Engine) ReadAsync(ctx context.Context, res *InputResource, policy ReadPolicy, cb func(error)) {
	w := &waiter{ctx: ctx, res: res, policy: policy, cb: cb}
	seq := e.seqs.ForKey(res.url)
	if !seq.Add(func() { e.lookup(w) }) {
		e.deliver(w, fetchResult{err: ErrClosed})
	}
}

func (e *Engine) lookup(w *waiter) {
	ctx, cancel := e.detached(w.ctx)
	defer cancel()

	url := w.res.url
	// A fetch for this URL is already running; its completion is queued
	// behind this task on the same sequence.
	if e.joinPending(w) {
		return
	}

	switch result, rec := e.http.Find(ctx, url); result {
	case httpcache.Found:
		if e.http.ShouldFreshen(rec) {
			e.fresh.maybe(url)
		}
		e.deliver(w, fetchResult{rec: rec})
		return
	case httpcache.RecentFetchFailed:
		e.deliver(w, fetchResult{err: fmt.Errorf("%w: %s failed recently", ErrFetchFailed, url)})
		return
	case httpcache.RecentFetchNotCacheable:
		if w.policy == FailIfNotCacheable {
			e.deliver(w, fetchResult{notCacheable: true})
			return
		}
	}

	e.pendingMu.Lock()
	e.pending[url] = append(e.pending[url], w)
	first := len(e.pending[url]) == 1
	e.pendingMu.Unlock()
	if !first {
		return
	}

	started := e.goBackground(func() {
		ctx, cancel := e.detached(w.ctx)
		defer cancel()
		r := e.fetch(ctx, url, false)
		if !e.seqs.ForKey(url).Add(func() { e.complete(url, r) }) {
			e.complete(url, r)
		}
	})
	if !started {
		e.complete(url, fetchResult{err: ErrClosed})
	}
}

func (e *Engine) joinPending(w *waiter) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	list, ok := e.pending[w.res.url]
	if !ok {
		return false
	}
	e.pending[w.res.url] = append(list, w)
	return true
}

func (e *Engine) complete(url string, r fetchResult) {
	e.pendingMu.Lock()
	waiters := e.pending[url]
	delete(e.pending, url)
	e.pendingMu.Unlock()
	for _, w := range waiters {
		e.deliver(w, r)
	}
}

func (e *Engine) deliver(w *waiter, r fetchResult) {
	var err error
	switch {
	case r.err != nil:
		err = r.err
	case r.notCacheable && w.policy == FailIfNotCacheable:
		err = fmt.Errorf("%w: %s", ErrNotCacheable, w.res.url)
	default:
		w.res.setRecord(r.rec)
	}
	if w.ctx.Err() != nil {
		e.metrics.CallbacksLost.Inc()
		return
	}
	w.cb(err)
}

// ReadIfCached loads res only if a usable response is cached. It never
// fetches.
func (e *Engine) ReadIfCached(ctx context.Context, res *InputResource) bool {
	result, rec := e.http.Find(ctx, res.url)
	if result != httpcache.Found {
		return false
	}
	if e.http.ShouldFreshen(rec) {
		e.fresh.maybe(res.url)
	}
	res.setRecord(rec)
	return true
}

// Load is ReadAsync for callers that want to block. It returns ctx.Err()
// if ctx ends first.
func (e *Engine) Load(ctx context.Context, res *InputResource, policy ReadPolicy) error {
	done := make(chan error, 1)
	e.ReadAsync(ctx, res, policy, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetch loads url from its origin and stores the outcome, joining any
// identical fetch in flight. A freshen only ever replaces the cached entry
// with a newer usable response; its failures leave the entry in place.
func (e *Engine) fetch(ctx context.Context, url string, freshen bool) fetchResult {
	key := url
	if freshen {
		key = "freshen " + url
	}
	v, _, shared := e.group.Do(key, func() (any, error) {
		return e.fetchAndStore(ctx, url, freshen), nil
	})
	if shared {
		e.metrics.FetchDeduped.Inc()
	}
	return v.(fetchResult)
}

func (e *Engine) fetchAndStore(ctx context.Context, url string, freshen bool) fetchResult {
	origin := e.mapper.MapToOrigin(url)
	resp, err := e.fetcher.Fetch(ctx, origin)
	if err != nil {
		e.metrics.Fetches.WithLabelValues("error").Inc()
		e.log.Debug().Err(err).Str("url", origin).Bool("freshen", freshen).Msg("fetch failed")
		if !freshen {
			e.http.RememberFetchFailed(ctx, url)
		}
		return fetchResult{err: fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err)}
	}

	rec := httpcache.NewRecord(resp.StatusCode, resp.Header, resp.Body, e.now(), e.opts.Policy)
	if resp.StatusCode != 200 {
		e.metrics.Fetches.WithLabelValues("bad-status").Inc()
		if !freshen {
			e.http.RememberFetchFailed(ctx, url)
		}
		return fetchResult{err: fmt.Errorf("%w: %s: status %d", ErrFetchFailed, url, resp.StatusCode)}
	}
	if !e.http.Put(ctx, url, rec) {
		e.metrics.Fetches.WithLabelValues("not-cacheable").Inc()
		if !freshen {
			e.http.RememberNotCacheable(ctx, url)
		}
		return fetchResult{rec: rec, notCacheable: true}
	}
	e.metrics.Fetches.WithLabelValues("ok").Inc()
	return fetchResult{rec: rec}
}
