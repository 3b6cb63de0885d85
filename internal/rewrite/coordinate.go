package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rewrite0/internal/httpcache"
	"rewrite0/internal/naming"
)

// Rewrite returns the URL of filterID's output for inputURL and true, or
// inputURL and false when no output is available within the rewrite
// deadline. A computation that misses the deadline keeps running and
// caches its result for later requests.
func (e *Engine) Rewrite(ctx context.Context, filterID, inputURL string) (string, bool) {
	f, err := e.filter(filterID)
	if err != nil {
		e.metrics.Rewrites.WithLabelValues("unknown-filter").Inc()
		return inputURL, false
	}
	prefix, leaf := splitURL(inputURL)
	// Needs at least scheme://host/.
	if leaf == "" || strings.Count(prefix, "/") < 3 {
		e.metrics.Rewrites.WithLabelValues("failed").Inc()
		return inputURL, false
	}
	in, err := e.CreateInputResource(inputURL, "")
	if err != nil {
		e.metrics.Rewrites.WithLabelValues("failed").Inc()
		return inputURL, false
	}
	out, err := e.CreateOutputResource(ctx, prefix, f.ID(), leaf, f.Kind())
	if err != nil {
		e.metrics.Rewrites.WithLabelValues("failed").Inc()
		return inputURL, false
	}
	if c := out.CachedResult(); c != nil {
		if !c.Optimizable {
			e.metrics.Rewrites.WithLabelValues("cached-not-optimizable").Inc()
			return inputURL, false
		}
		e.metrics.Rewrites.WithLabelValues("cached").Inc()
		return c.URL, true
	}

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	started := e.goBackground(func() {
		ctx, cancel := e.detached(ctx)
		defer cancel()
		u, err := e.compute(ctx, f, in, out)
		done <- result{u, err}
	})
	if !started {
		return inputURL, false
	}

	timer := time.NewTimer(e.opts.RewriteDeadline)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			e.log.Debug().Err(r.err).Str("url", inputURL).Str("filter", f.ID()).Msg("rewrite not applied")
			return inputURL, false
		}
		return r.url, true
	case <-timer.C:
		e.metrics.DeadlineExceeded.Inc()
	case <-ctx.Done():
	}
	return inputURL, false
}

// compute runs f on in under the creation lock of out. It gives up at once
// if another rewrite of out is in progress.
func (e *Engine) compute(ctx context.Context, f Filter, in *InputResource, out *OutputResource) (string, error) {
	if !e.TryLockForCreation(ctx, out) {
		e.metrics.Rewrites.WithLabelValues("lock-busy").Inc()
		return "", ErrLockUnavailable
	}
	defer e.ReleaseLock(ctx, out)

	if err := e.runFilter(ctx, f, in, out); err != nil {
		return "", err
	}
	return out.URL(), nil
}

func (e *Engine) runFilter(ctx context.Context, f Filter, in *InputResource, out *OutputResource) error {
	if err := e.Load(ctx, in, FailIfNotCacheable); err != nil {
		e.metrics.Rewrites.WithLabelValues("input-failed").Inc()
		return err
	}
	inputs := []*InputResource{in}
	o, err := f.Rewrite(ctx, inputs)
	switch {
	case errors.Is(err, ErrNotOptimizable):
		e.WriteUnoptimizable(ctx, inputs, out, err.Error())
		e.metrics.Rewrites.WithLabelValues("not-optimizable").Inc()
		return err
	case err != nil:
		e.metrics.Rewrites.WithLabelValues("failed").Inc()
		return err
	}
	if err := e.Write(ctx, inputs, o.Contents, o.ContentType, o.Charset, out); err != nil {
		e.metrics.Rewrites.WithLabelValues("failed").Inc()
		return err
	}
	e.metrics.Rewrites.WithLabelValues("rewritten").Inc()
	return nil
}

// FetchOutputResource returns the response for a generated URL, computing
// it if it is not cached. It waits for a concurrent computation of the
// same output for up to the configured lock wait and then takes the lock
// over. Callers should serve the original resource on any error.
func (e *Engine) FetchOutputResource(ctx context.Context, rawURL string) (*httpcache.Record, error) {
	name, err := naming.Decode(rawURL)
	if err != nil {
		return nil, err
	}
	key := name.Encode()
	if result, rec := e.http.Find(ctx, key); result == httpcache.Found {
		e.metrics.Rewrites.WithLabelValues("served-cached").Inc()
		return rec, nil
	}

	f, err := e.filter(name.ID)
	if err != nil {
		return nil, err
	}
	inputURL, err := name.InputURL()
	if err != nil {
		return nil, err
	}
	out, err := e.CreateOutputResource(ctx, name.Prefix, name.ID, name.Name, f.Kind())
	if err != nil {
		return nil, err
	}
	if c := out.CachedResult(); c != nil && !c.Optimizable {
		return nil, fmt.Errorf("%w: %s", ErrNotOptimizable, c.Reason)
	}

	if e.LockForCreation(ctx, out, e.opts.LockWait) == LockTimedOut {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.StealLock(ctx, out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
	}
	defer e.ReleaseLock(ctx, out)

	// The previous holder may have stored it meanwhile.
	if result, rec := e.http.Find(ctx, key); result == httpcache.Found {
		e.metrics.Rewrites.WithLabelValues("served-cached").Inc()
		return rec, nil
	}
	in, err := e.CreateInputResource(inputURL, "")
	if err != nil {
		return nil, err
	}
	if err := e.runFilter(ctx, f, in, out); err != nil {
		return nil, err
	}
	return out.Record(), nil
}

// splitURL splits u after the last '/' of its path. The leaf keeps any
// query string.
func splitURL(u string) (prefix, leaf string) {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	end := len(u)
	if i := strings.IndexByte(u, '?'); i >= 0 {
		end = i
	}
	slash := strings.LastIndexByte(u[:end], '/')
	return u[:slash+1], u[slash+1:]
}
