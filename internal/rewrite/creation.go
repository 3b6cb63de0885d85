package rewrite

import (
	"context"
	"time"
)

// LockResult is the outcome of LockForCreation.
type LockResult int

const (
	LockHeld LockResult = iota
	// LockTimedOut means someone else still holds the lock. The caller may
	// StealLock, accepting that the output could be computed twice.
	LockTimedOut
)

func (r LockResult) String() string {
	if r == LockHeld {
		return "held"
	}
	return "timed-out"
}

func (e *Engine) creationLock(out *OutputResource) {
	if out.lock == nil {
		out.lock = e.locks.NewLock(metadataKey(out.name))
	}
}

// TryLockForCreation claims the right to compute out without waiting.
func (e *Engine) TryLockForCreation(ctx context.Context, out *OutputResource) bool {
	e.creationLock(out)
	if out.lock.TryLock(ctx) {
		e.metrics.Locks.WithLabelValues("acquired").Inc()
		return true
	}
	e.metrics.Locks.WithLabelValues("busy").Inc()
	return false
}

// LockForCreation waits up to timeout for the right to compute out.
func (e *Engine) LockForCreation(ctx context.Context, out *OutputResource, timeout time.Duration) LockResult {
	e.creationLock(out)
	if out.lock.LockTimedWait(ctx, timeout) {
		e.metrics.Locks.WithLabelValues("acquired").Inc()
		return LockHeld
	}
	e.metrics.Locks.WithLabelValues("timed-out").Inc()
	return LockTimedOut
}

// StealLock takes the creation lock of out from whoever holds it.
func (e *Engine) StealLock(ctx context.Context, out *OutputResource) error {
	e.creationLock(out)
	if err := out.lock.Steal(ctx); err != nil {
		return err
	}
	e.metrics.Locks.WithLabelValues("stolen").Inc()
	return nil
}

// ReleaseLock gives up the creation lock of out. It may be called any number
// of times, held or not. The release goes through even when ctx is already
// done, so an abandoned request does not keep the lock until it expires.
func (e *Engine) ReleaseLock(ctx context.Context, out *OutputResource) {
	if out.lock == nil {
		return
	}
	out.lock.Unlock(context.WithoutCancel(ctx))
}
