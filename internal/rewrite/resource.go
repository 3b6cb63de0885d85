package rewrite

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"mime"
	"net/http"
	"sync"
	"time"

	"rewrite0/internal/httpcache"
	"rewrite0/internal/lock"
	"rewrite0/internal/naming"
)

// Kind decides what is persisted when an output is written.
type Kind int

const (
	// KindRewritten outputs replace a resource referenced from a page.
	KindRewritten Kind = iota
	// KindOutlined outputs hold content moved out of a page.
	KindOutlined
	// KindOnTheFly outputs are cheap to recompute from a cached input, so
	// only their metadata is kept.
	KindOnTheFly
)

func (k Kind) String() string {
	switch k {
	case KindRewritten:
		return "rewritten"
	case KindOutlined:
		return "outlined"
	case KindOnTheFly:
		return "on-the-fly"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// InputResource is a URL whose response is loaded through the engine. It is
// safe for concurrent use.
type InputResource struct {
	url string

	mu  sync.Mutex
	rec *httpcache.Record
}

func (r *InputResource) URL() string { return r.url }

// Record returns the loaded response, or nil before a successful read.
func (r *InputResource) Record() *httpcache.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

func (r *InputResource) Loaded() bool { return r.Record() != nil }

func (r *InputResource) Contents() []byte {
	if rec := r.Record(); rec != nil {
		return rec.Body()
	}
	return nil
}

// ContentType returns the media type and charset of the loaded response.
func (r *InputResource) ContentType() (mediaType, charset string) {
	rec := r.Record()
	if rec == nil {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	if err != nil {
		return "", ""
	}
	return mt, params["charset"]
}

func (r *InputResource) setRecord(rec *httpcache.Record) {
	r.mu.Lock()
	r.rec = rec
	r.mu.Unlock()
}

// ResultMetadata is what the engine remembers about a rewrite, keyed by the
// output name without its hash. When Optimizable is false the filter could
// not produce anything and Reason says why.
type ResultMetadata struct {
	URL          string
	Hash         string
	Ext          string
	ContentType  string
	Charset      string
	ExpirationMs int64
	Inputs       []string

	Optimizable bool
	Reason      string
}

func (m *ResultMetadata) Expired(now time.Time) bool {
	return now.UnixMilli() >= m.ExpirationMs
}

func metadataKey(n naming.ResourceName) string { return "rname/" + n.Key() }

func encodeMetadata(m *ResultMetadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMetadata(b []byte) (*ResultMetadata, error) {
	var m ResultMetadata
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// OutputResource is one attempt at producing a generated resource. It
// belongs to a single request and is not safe for concurrent use.
type OutputResource struct {
	name naming.ResourceName
	kind Kind

	cached *ResultMetadata
	lock   lock.Lock

	url     string
	record  *httpcache.Record
	written bool
}

// Name returns the resource name. Its Hash is empty until the output has
// been written or found in the metadata cache.
func (o *OutputResource) Name() naming.ResourceName { return o.name }
func (o *OutputResource) Kind() Kind                { return o.kind }

// CachedResult returns the metadata of a previous rewrite, if any.
func (o *OutputResource) CachedResult() *ResultMetadata { return o.cached }

// URL is the URL the output is served under, known once it has a hash.
func (o *OutputResource) URL() string { return o.url }

// Record returns the response written for this output.
func (o *OutputResource) Record() *httpcache.Record { return o.record }

func (o *OutputResource) Header() http.Header {
	if o.record == nil {
		return nil
	}
	return o.record.Header()
}

func (o *OutputResource) Contents() []byte {
	if o.record == nil {
		return nil
	}
	return o.record.Body()
}

func (o *OutputResource) Written() bool { return o.written }

// LockHeld reports whether this output currently owns its creation lock.
func (o *OutputResource) LockHeld() bool { return o.lock != nil && o.lock.Held() }
