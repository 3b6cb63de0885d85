// Package worker runs functions on ordered sequences. Functions added to one
// Sequence run one at a time in the order they were added; different
// sequences run in parallel.
package worker

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Pool owns a set of sequences and shuts them down together.
type Pool struct {
	log zerolog.Logger

	mu       sync.Mutex
	seqs     []*Sequence
	shutdown bool

	wg sync.WaitGroup
}

func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{log: logger.With().Str("component", "worker").Logger()}
}

// NewSequence returns a new sequence of the pool. After Shutdown the
// sequence rejects every function.
func (p *Pool) NewSequence() *Sequence {
	s := &Sequence{pool: p}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		s.closed = true
	}
	p.seqs = append(p.seqs, s)
	return s
}

// Shutdown drops queued functions, waits for running ones to return and
// makes every sequence reject new work.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	seqs := p.seqs
	p.mu.Unlock()

	dropped := 0
	for _, s := range seqs {
		dropped += s.close()
	}
	p.wg.Wait()
	if dropped > 0 {
		p.log.Info().Int("dropped", dropped).Msg("worker pool shut down")
	}
}

// Sequence is a FIFO of functions drained by at most one goroutine at a time.
type Sequence struct {
	pool *Pool

	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

// Add queues fn. It returns false, and fn never runs, once the pool has shut
// down.
func (s *Sequence) Add(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	start := !s.running
	if start {
		s.running = true
		s.pool.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
	return true
}

// Len returns the number of functions waiting to run.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sequence) close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	n := len(s.queue)
	s.queue = nil
	return n
}

func (s *Sequence) drain() {
	defer s.pool.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(fn)
	}
}

func (s *Sequence) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.pool.log.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}

// Striped spreads work over a fixed number of sequences.
type Striped struct {
	seqs []*Sequence
	next atomic.Uint64
}

// NewStriped creates n sequences in p. n below 1 is treated as 1.
func NewStriped(p *Pool, n int) *Striped {
	if n < 1 {
		n = 1
	}
	st := &Striped{seqs: make([]*Sequence, n)}
	for i := range st.seqs {
		st.seqs[i] = p.NewSequence()
	}
	return st
}

// Next returns the sequences in turn.
func (st *Striped) Next() *Sequence {
	i := st.next.Add(1) - 1
	return st.seqs[i%uint64(len(st.seqs))]
}

// ForKey always returns the same sequence for the same key, so work on one
// key stays ordered.
func (st *Striped) ForKey(key string) *Sequence {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return st.seqs[h.Sum32()%uint32(len(st.seqs))]
}

func (st *Striped) Len() int { return len(st.seqs) }
