package httpcache

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// CacheControl is a parsed set of Cache-Control directives. Names are
// lowercased; quoted arguments are unquoted. When a directive repeats, the
// last one wins.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses every value of a Cache-Control header.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			m[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), "\"")
		}
	}
	return CacheControl{m}
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.directives[directive]
	return ok
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

// Seconds returns a delta-seconds directive such as max-age. A malformed or
// negative value reads as zero, which callers treat as stale.
func (c CacheControl) Seconds(directive string) (time.Duration, bool) {
	val, ok := c.directives[directive]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if errors.Is(err, strconv.ErrRange) && n > 0 {
		return time.Duration(maxSeconds) * time.Second, true
	}
	if err != nil || n < 0 {
		return 0, true
	}
	if n > maxSeconds {
		n = maxSeconds
	}
	return time.Duration(n) * time.Second, true
}

func (c CacheControl) MaxAge() (time.Duration, bool)  { return c.Seconds("max-age") }
func (c CacheControl) SMaxAge() (time.Duration, bool) { return c.Seconds("s-maxage") }
