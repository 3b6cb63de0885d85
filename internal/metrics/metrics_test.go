package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewrite0/internal/cache"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.HTTPCacheExpirations.Inc()
	m.Locks.WithLabelValues("acquired").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPCacheExpirations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Locks.WithLabelValues("acquired")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRegistryIsPrivate(t *testing.T) {
	a, b := New(nil), New(nil)
	a.HTTPCacheHits.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.HTTPCacheHits))
}

func TestRegisterCacheStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	lru := cache.NewLRU(0)
	lru.Put(context.Background(), "k", []byte("v"))
	lru.Get(context.Background(), "k")
	m.RegisterCacheStats("front", lru)

	expected := `
# HELP rewrite0_backend_hits_total Backend hits.
# TYPE rewrite0_backend_hits_total counter
rewrite0_backend_hits_total{cache="front"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "rewrite0_backend_hits_total"))
}
