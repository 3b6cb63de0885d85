package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Manager.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*memState
}

type memState struct {
	token    string
	expires  time.Time
	released chan struct{}
}

type MemoryOption func(*Memory)

// WithClock replaces the clock used to expire holders.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns a Manager whose locks may be taken over ttl after they
// were acquired. A ttl of zero or less uses DefaultTTL.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{ttl: ttl, now: time.Now, locks: map[string]*memState{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) NewLock(name string) Lock {
	return &memLock{m: m, name: name, token: uuid.NewString()}
}

// Len returns the number of names currently locked, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

type memLock struct {
	m     *Memory
	name  string
	token string
}

func (l *memLock) Name() string { return l.name }

// acquireLocked takes the lock if free, expired or already ours. m.mu must
// be held.
func (l *memLock) acquireLocked() bool {
	now := l.m.now()
	st, ok := l.m.locks[l.name]
	if ok && st.token != l.token && now.Before(st.expires) {
		return false
	}
	if ok && st.token == l.token {
		st.expires = now.Add(l.m.ttl)
		return true
	}
	if ok {
		close(st.released)
	}
	l.m.locks[l.name] = &memState{
		token:    l.token,
		expires:  now.Add(l.m.ttl),
		released: make(chan struct{}),
	}
	return true
}

func (l *memLock) TryLock(context.Context) bool {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.acquireLocked()
}

func (l *memLock) LockTimedWait(ctx context.Context, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		l.m.mu.Lock()
		if l.acquireLocked() {
			l.m.mu.Unlock()
			return true
		}
		st := l.m.locks[l.name]
		released := st.released
		untilExpiry := st.expires.Sub(l.m.now())
		l.m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		sleep := remaining
		if untilExpiry > 0 && untilExpiry < sleep {
			sleep = untilExpiry
		}
		timer := time.NewTimer(sleep)
		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}

func (l *memLock) Steal(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if st, ok := l.m.locks[l.name]; ok {
		close(st.released)
	}
	l.m.locks[l.name] = &memState{
		token:    l.token,
		expires:  l.m.now().Add(l.m.ttl),
		released: make(chan struct{}),
	}
	return nil
}

func (l *memLock) Unlock(context.Context) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	st, ok := l.m.locks[l.name]
	if !ok || st.token != l.token {
		return
	}
	delete(l.m.locks, l.name)
	close(st.released)
}

func (l *memLock) Held() bool {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	st, ok := l.m.locks[l.name]
	return ok && st.token == l.token && l.m.now().Before(st.expires)
}
