package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	a := m.NewLock("res")
	b := m.NewLock("res")
	other := m.NewLock("other")

	require.True(t, a.TryLock(ctx))
	assert.True(t, a.Held())
	assert.False(t, b.TryLock(ctx))
	assert.False(t, b.Held())
	assert.True(t, other.TryLock(ctx))
	assert.Equal(t, "res", a.Name())

	// Re-locking by the holder is allowed.
	assert.True(t, a.TryLock(ctx))

	a.Unlock(ctx)
	assert.False(t, a.Held())
	assert.True(t, b.TryLock(ctx))
}

func TestMemoryUnlockIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	a := m.NewLock("res")
	b := m.NewLock("res")

	require.True(t, a.TryLock(ctx))
	a.Unlock(ctx)
	a.Unlock(ctx)
	require.True(t, b.TryLock(ctx))

	// A late release from a previous holder must not free b's lock.
	a.Unlock(ctx)
	assert.True(t, b.Held())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{t: time.Unix(1000, 0)}
	m := NewMemory(10*time.Second, WithClock(clock.Now))
	a := m.NewLock("res")
	b := m.NewLock("res")

	require.True(t, a.TryLock(ctx))
	clock.Advance(9 * time.Second)
	assert.False(t, b.TryLock(ctx))

	clock.Advance(2 * time.Second)
	assert.False(t, a.Held())
	require.True(t, b.TryLock(ctx))

	// The expired holder's release is ignored.
	a.Unlock(ctx)
	assert.True(t, b.Held())
}

func TestMemorySteal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	a := m.NewLock("res")
	b := m.NewLock("res")

	require.True(t, a.TryLock(ctx))
	require.NoError(t, b.Steal(ctx))
	assert.True(t, b.Held())
	assert.False(t, a.Held())

	a.Unlock(ctx)
	assert.True(t, b.Held())

	// Stealing a free lock just takes it.
	c := m.NewLock("free")
	require.NoError(t, c.Steal(ctx))
	assert.True(t, c.Held())
}

func TestMemoryTimedWaitAfterRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	a := m.NewLock("res")
	b := m.NewLock("res")
	require.True(t, a.TryLock(ctx))

	go func() {
		time.Sleep(20 * time.Millisecond)
		a.Unlock(ctx)
	}()
	start := time.Now()
	assert.True(t, b.LockTimedWait(ctx, 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMemoryTimedWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	a := m.NewLock("res")
	b := m.NewLock("res")
	require.True(t, a.TryLock(ctx))

	assert.False(t, b.LockTimedWait(ctx, 30*time.Millisecond))
	assert.True(t, a.Held())
}

func TestMemoryTimedWaitCanceled(t *testing.T) {
	m := NewMemory(time.Minute)
	a := m.NewLock("res")
	b := m.NewLock("res")
	require.True(t, a.TryLock(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.False(t, b.LockTimedWait(ctx, time.Minute))
}

func TestMemoryMutualExclusionUnderContention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := m.NewLock("hot")
			for j := 0; j < 20; j++ {
				if !l.LockTimedWait(ctx, 5*time.Second) {
					continue
				}
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				inside.Add(-1)
				l.Unlock(ctx)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, m.Len())
}
