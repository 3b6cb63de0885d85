package rewrite

import (
	"context"
	"sync"
)

// freshener refetches cached responses that are about to expire while they
// are still being requested. At most one refresh per URL is outstanding,
// and no more than cap(sem) run at once.
type freshener struct {
	e   *Engine
	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newFreshener(e *Engine, concurrency int) *freshener {
	return &freshener{
		e:        e,
		sem:      make(chan struct{}, concurrency),
		inflight: map[string]struct{}{},
	}
}

// maybe schedules a refresh of url and reports whether it did.
func (f *freshener) maybe(url string) bool {
	f.mu.Lock()
	if _, ok := f.inflight[url]; ok {
		f.mu.Unlock()
		f.e.metrics.Freshens.WithLabelValues("in-flight").Inc()
		return false
	}
	select {
	case f.sem <- struct{}{}:
	default:
		f.mu.Unlock()
		f.e.metrics.Freshens.WithLabelValues("busy").Inc()
		return false
	}
	f.inflight[url] = struct{}{}
	f.mu.Unlock()

	started := f.e.goBackground(func() {
		defer f.done(url)
		ctx, cancel := f.e.detached(context.Background())
		defer cancel()
		if r := f.e.fetch(ctx, url, true); r.err != nil {
			f.e.metrics.Freshens.WithLabelValues("failed").Inc()
			return
		}
		f.e.metrics.Freshens.WithLabelValues("ok").Inc()
	})
	if !started {
		f.done(url)
		return false
	}
	f.e.metrics.Freshens.WithLabelValues("scheduled").Inc()
	return true
}

func (f *freshener) done(url string) {
	f.mu.Lock()
	delete(f.inflight, url)
	f.mu.Unlock()
	<-f.sem
}

// Freshening reports how many refreshes are outstanding.
func (e *Engine) Freshening() int {
	e.fresh.mu.Lock()
	defer e.fresh.mu.Unlock()
	return len(e.fresh.inflight)
}
