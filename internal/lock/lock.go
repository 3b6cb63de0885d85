// Package lock provides named locks that expire, so that a crashed or stuck
// holder cannot block a name forever.
package lock

import (
	"context"
	"time"
)

const DefaultTTL = 30 * time.Second

// Manager hands out lock handles by name. Handles for the same name contend
// with each other; a handle is not safe for concurrent use by itself.
type Manager interface {
	NewLock(name string) Lock
}

// Lock is a handle on a named lock.
type Lock interface {
	Name() string
	// TryLock acquires the lock if it is free or its holder's TTL has
	// passed. It never blocks on other holders.
	TryLock(ctx context.Context) bool
	// LockTimedWait waits up to wait for the lock. It returns false if the
	// lock is still held by someone else when wait runs out or ctx ends.
	LockTimedWait(ctx context.Context, wait time.Duration) bool
	// Steal takes the lock whatever its state.
	Steal(ctx context.Context) error
	// Unlock releases the lock if this handle still holds it. Calling it
	// again, or after the lock was stolen, does nothing. The release is
	// attempted even if ctx is already done.
	Unlock(ctx context.Context)
	// Held reports whether this handle believes it holds the lock.
	Held() bool
}
