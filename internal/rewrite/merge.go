package rewrite

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultGeneratedMaxAge is how long unrestricted generated resources may be
// cached. Their URLs change with their content.
const DefaultGeneratedMaxAge = 365 * 24 * time.Hour

// ApplyInputCacheControl sets the Cache-Control header of an output built
// from inputs and returns the max-age it chose. Without restrictions the
// output is public for generatedTTL. Otherwise the most restrictive input
// wins: private and no-store carry over, the max-age is the smallest among
// the inputs, and no-cache forces it to zero. Inputs that were never loaded
// are ignored.
func ApplyInputCacheControl(inputs []*InputResource, h http.Header, generatedTTL time.Duration) time.Duration {
	var private, noCache, noStore bool
	minAge := time.Duration(-1)
	for _, in := range inputs {
		rec := in.Record()
		if rec == nil {
			continue
		}
		c := rec.Caching()
		private = private || c.Private
		noCache = noCache || c.NoCache
		noStore = noStore || c.NoStore
		age := c.MaxAge
		if age < 0 {
			age = 0
		}
		if minAge < 0 || age < minAge {
			minAge = age
		}
	}

	if !private && !noCache && !noStore {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(generatedTTL/time.Second)))
		return generatedTTL
	}

	maxAge := minAge
	if maxAge < 0 || noCache {
		maxAge = 0
	}
	var parts []string
	if private {
		parts = append(parts, "private")
	}
	if noCache {
		parts = append(parts, "no-cache")
	}
	if noStore {
		parts = append(parts, "no-store")
	}
	parts = append(parts, fmt.Sprintf("max-age=%d", int64(maxAge/time.Second)))
	h.Set("Cache-Control", strings.Join(parts, ", "))
	return maxAge
}
