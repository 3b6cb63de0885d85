package rewrite

import "errors"

var (
	// ErrFetchFailed covers network errors and non-200 origin answers,
	// including ones remembered from a recent attempt.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrNotCacheable is reported to FailIfNotCacheable reads of resources
	// the origin does not let us cache.
	ErrNotCacheable = errors.New("resource not cacheable")
	// ErrLockUnavailable means another rewrite of the same output is in
	// progress.
	ErrLockUnavailable = errors.New("creation lock held elsewhere")
	ErrUnknownFilter   = errors.New("unknown filter")
	// ErrNotOptimizable is returned by filters that cannot improve their
	// input, and for outputs remembered as such.
	ErrNotOptimizable = errors.New("not optimizable")
	ErrClosed         = errors.New("engine closed")
)
