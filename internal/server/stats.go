package server

import (
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rewrite0/internal/config"
)

// respStats tracks the sizes of generated responses served.
type respStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func newRespStats() *respStats {
	s := &respStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *respStats) Observe(size int) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)
	s.count.Add(1)
	s.total.Add(n)
	for {
		cur := s.min.Load()
		if n >= cur || s.min.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if n <= cur || s.max.CompareAndSwap(cur, n) {
			break
		}
	}
}

type respSnapshot struct {
	Count, Total, Min, Max, Avg uint64
}

func (s *respStats) Snapshot() respSnapshot {
	count := s.count.Load()
	if count == 0 {
		return respSnapshot{}
	}
	total := s.total.Load()
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return respSnapshot{
		Count: count,
		Total: total,
		Min:   minv,
		Max:   s.max.Load(),
		Avg:   total / count,
	}
}

func (s *Server) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	ss := s.resp.Snapshot()
	ev := s.log.Info().
		Uint64("served", ss.Count).
		Str("resp", config.FormatBytes(ss.Min)+"/"+config.FormatBytes(ss.Avg)+"/"+config.FormatBytes(ss.Max)).
		Int("freshening", s.stack.Engine.Freshening())
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", config.FormatBytes(rss))
	}
	names := make([]string, 0, len(s.stack.Caches))
	for name := range s.stack.Caches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cs := s.stack.Caches[name].Stats()
		ev = ev.Dict(name, zerolog.Dict().
			Int("entries", cs.Entries).
			Str("bytes", config.FormatBytes(uint64(cs.Bytes))).
			Uint64("hits", cs.Hits).
			Uint64("misses", cs.Misses))
	}
	ev.Msg("stats")
}
