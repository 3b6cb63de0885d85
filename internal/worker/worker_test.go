package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceRunsInOrder(t *testing.T) {
	p := NewPool(zerolog.Nop())
	s := p.NewSequence()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, s.Add(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}
	<-done
	p.Shutdown()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSequenceRunsOneAtATime(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.Shutdown()
	s := p.NewSequence()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go s.Add(func() {
			defer wg.Done()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestSequencesRunInParallel(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.Shutdown()
	a, b := p.NewSequence(), p.NewSequence()

	release := make(chan struct{})
	ran := make(chan struct{})
	a.Add(func() { <-release })
	b.Add(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("second sequence blocked by the first")
	}
	close(release)
}

func TestShutdownDropsQueued(t *testing.T) {
	p := NewPool(zerolog.Nop())
	s := p.NewSequence()

	started := make(chan struct{})
	release := make(chan struct{})
	s.Add(func() {
		close(started)
		<-release
	})
	<-started

	var ranQueued bool
	s.Add(func() { ranQueued = true })
	assert.Equal(t, 1, s.Len())

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	p.Shutdown()

	assert.False(t, ranQueued)
	assert.False(t, s.Add(func() {}))
	assert.False(t, p.NewSequence().Add(func() {}))
}

func TestPanicDoesNotStopSequence(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.Shutdown()
	s := p.NewSequence()

	done := make(chan struct{})
	s.Add(func() { panic("boom") })
	s.Add(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sequence stopped after a panic")
	}
}

func TestStriped(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.Shutdown()
	st := NewStriped(p, 3)
	assert.Equal(t, 3, st.Len())

	first := st.Next()
	assert.NotSame(t, first, st.Next())
	st.Next()
	assert.Same(t, first, st.Next())

	assert.Same(t, st.ForKey("http://example.com/a.css"), st.ForKey("http://example.com/a.css"))
	assert.Equal(t, 1, NewStriped(p, 0).Len())
}
