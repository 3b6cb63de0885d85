package httpcache

import (
	"bytes"
	"encoding/gob"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Policy controls how caching attributes are derived from response headers.
type Policy struct {
	// ImplicitTTL applies to static content types served without explicit
	// freshness information.
	ImplicitTTL time.Duration
	// RespectVary treats a response varying on anything but Accept-Encoding
	// as not cacheable.
	RespectVary bool
}

const DefaultImplicitTTL = 5 * time.Minute

// Caching holds the cache attributes of a response. It is computed once when
// the Record is built and never changes afterwards.
type Caching struct {
	Cacheable      bool
	ProxyCacheable bool

	Public  bool
	Private bool
	NoCache bool
	NoStore bool

	// MaxAge is the freshness lifetime used for Expiration, explicit or
	// implicit. It is recorded even when the response is not cacheable.
	MaxAge   time.Duration
	Implicit bool
	// Forced marks attributes substituted by force caching; they say nothing
	// about what the origin allowed.
	Forced bool

	Date       time.Time
	Expiration time.Time
}

// Record is an HTTP response together with its caching attributes.
// A Record must not be modified after NewRecord returns.
type Record struct {
	status    int
	header    http.Header
	body      []byte
	fetchTime time.Time
	caching   Caching
}

// NewRecord builds a Record and derives its caching attributes from header.
func NewRecord(status int, header http.Header, body []byte, fetchTime time.Time, p Policy) *Record {
	if header == nil {
		header = http.Header{}
	}
	r := &Record{
		status:    status,
		header:    header,
		body:      body,
		fetchTime: fetchTime,
	}
	r.caching = computeCaching(status, header, fetchTime, p)
	return r
}

func (r *Record) StatusCode() int       { return r.status }
func (r *Record) Header() http.Header   { return r.header }
func (r *Record) Body() []byte          { return r.body }
func (r *Record) FetchTime() time.Time  { return r.fetchTime }
func (r *Record) Caching() Caching      { return r.caching }
func (r *Record) Expiration() time.Time { return r.caching.Expiration }

// TTL is the freshness lifetime measured from the response date.
func (r *Record) TTL() time.Duration { return r.caching.Expiration.Sub(r.caching.Date) }

// ContentType returns the media type without parameters, lowercased.
func (r *Record) ContentType() string {
	mt, _, err := mime.ParseMediaType(r.header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// withForcedCaching returns a copy whose caching attributes make it fresh for
// ttl from now.
func (r *Record) withForcedCaching(now time.Time, ttl time.Duration) *Record {
	out := *r
	c := r.caching
	c.Cacheable = true
	c.Forced = true
	c.MaxAge = ttl
	c.Date = now
	c.Expiration = now.Add(ttl)
	out.caching = c
	return &out
}

var cacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusPermanentRedirect:    true,
	http.StatusGone:                 true,
}

func computeCaching(status int, h http.Header, fetchTime time.Time, p Policy) Caching {
	cc := ParseCacheControl(h.Values("Cache-Control"))

	c := Caching{
		Public:  cc.Has("public"),
		Private: cc.Has("private"),
		NoCache: cc.Has("no-cache") || strings.EqualFold(strings.TrimSpace(h.Get("Pragma")), "no-cache"),
		NoStore: cc.Has("no-store"),
		Date:    fetchTime,
	}
	if d, err := http.ParseTime(h.Get("Date")); err == nil {
		c.Date = d
	}

	explicit := false
	if v, ok := cc.SMaxAge(); ok {
		c.MaxAge, explicit = v, true
	} else if v, ok := cc.MaxAge(); ok {
		c.MaxAge, explicit = v, true
	} else if exp, err := http.ParseTime(h.Get("Expires")); err == nil {
		c.MaxAge, explicit = exp.Sub(c.Date), true
		if c.MaxAge < 0 {
			c.MaxAge = 0
		}
	} else if h.Get("Expires") != "" {
		// An unparseable Expires means already expired.
		explicit = true
	}
	if !explicit && status == http.StatusOK && isStaticType(h.Get("Content-Type")) {
		c.MaxAge = p.ImplicitTTL
		c.Implicit = true
	}
	c.Expiration = c.Date.Add(c.MaxAge)

	storable := cacheableStatus[status] && !c.NoCache && !c.NoStore && !c.Private && c.MaxAge > 0
	badVary := hasNonWhitelistedVary(h)
	c.ProxyCacheable = storable && !badVary
	c.Cacheable = storable && !(p.RespectVary && badVary)
	return c
}

func isStaticType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case mt == "text/css",
		mt == "text/javascript",
		mt == "application/javascript",
		mt == "application/x-javascript",
		strings.HasPrefix(mt, "image/"):
		return true
	}
	return false
}

func hasNonWhitelistedVary(h http.Header) bool {
	for _, v := range h.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" || strings.EqualFold(name, "Accept-Encoding") {
				continue
			}
			return true
		}
	}
	return false
}

type recordKind uint8

const (
	kindResponse recordKind = iota
	kindFetchFailed
	kindNotCacheable
)

// wireRecord is the gob form of a stored value.
type wireRecord struct {
	Kind        recordKind
	Status      int
	Header      http.Header
	Body        []byte
	FetchTimeMs int64
	Caching     Caching
	// ExpirationMs bounds negative markers.
	ExpirationMs int64
}

func encodeRecord(r *Record) ([]byte, error) {
	return encodeGob(wireRecord{
		Kind:        kindResponse,
		Status:      r.status,
		Header:      r.header,
		Body:        r.body,
		FetchTimeMs: r.fetchTime.UnixMilli(),
		Caching:     r.caching,
	})
}

func encodeMarker(kind recordKind, expiration time.Time) ([]byte, error) {
	return encodeGob(wireRecord{Kind: kind, ExpirationMs: expiration.UnixMilli()})
}

func (w wireRecord) record() *Record {
	h := w.Header
	if h == nil {
		h = http.Header{}
	}
	return &Record{
		status:    w.Status,
		header:    h,
		body:      w.Body,
		fetchTime: time.UnixMilli(w.FetchTimeMs),
		caching:   w.Caching,
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
