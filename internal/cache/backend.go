// Package cache holds the byte-oriented key/value stores the engine layers its
// HTTP and metadata caches on.
//
// A Backend never reports an error to its caller. Storage failures are logged,
// counted against the backend's health and surface as a miss or a dropped
// write.
package cache

import (
	"context"
	"fmt"
)

// Backend is a key/value store of opaque byte strings.
//
// Implementations must be safe for concurrent use unless documented otherwise
// (see LRU).
type Backend interface {
	// Get returns the stored value and true, or nil and false on a miss or
	// on any storage error.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Put stores value under key. It replaces any previous value.
	Put(ctx context.Context, key string, value []byte)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string)
	// Name identifies the backend in logs and metrics.
	Name() string
	// Healthy reports false while the backend is failing and callers should
	// not expect it to serve anything.
	Healthy() bool
}

// Stats is a point-in-time copy of a backend's counters.
type Stats struct {
	Hits               uint64
	Misses             uint64
	Inserts            uint64
	IdenticalReinserts uint64
	Evictions          uint64
	Deletes            uint64
	Entries            int
	Bytes              int64
}

// StatsReporter is implemented by backends that keep counters.
type StatsReporter interface {
	Stats() Stats
}

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache backend failed: %s", ve.Reason)
}
