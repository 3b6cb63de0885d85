package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultFailureThreshold = 5
	defaultUnhealthyBackoff = 30 * time.Second
)

// health tracks consecutive storage failures. After threshold failures in a
// row the backend reports itself unhealthy until backoff has elapsed.
type health struct {
	mu             sync.Mutex
	failures       int
	unhealthyUntil time.Time

	threshold int
	backoff   time.Duration
	now       func() time.Time

	log *rateLimitedLogger
}

func newHealth(logger zerolog.Logger) *health {
	return &health{
		threshold: defaultFailureThreshold,
		backoff:   defaultUnhealthyBackoff,
		now:       time.Now,
		log:       newRateLimitedLogger(logger, time.Minute),
	}
}

func (h *health) ok() {
	h.mu.Lock()
	h.failures = 0
	h.mu.Unlock()
}

func (h *health) fail(op string, err error) {
	h.mu.Lock()
	h.failures++
	if h.failures >= h.threshold {
		h.unhealthyUntil = h.now().Add(h.backoff)
	}
	failures := h.failures
	h.mu.Unlock()

	h.log.Warn(err, op, failures)
}

func (h *health) healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.now().Before(h.unhealthyUntil)
}

// rateLimitedLogger emits at most one warning per interval.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	log      zerolog.Logger
}

func newRateLimitedLogger(logger zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, log: logger}
}

func (l *rateLimitedLogger) Warn(err error, op string, failures int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Warn().Err(err).Str("op", op).Int("consecutive_failures", failures).Msg("cache backend failure")
}
