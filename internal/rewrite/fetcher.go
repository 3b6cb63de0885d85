package rewrite

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is an origin answer as seen by the engine.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher loads a URL from its origin. A non-nil error means no response was
// received at all.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxBodyBytes = 32 << 20
)

// HTTPFetcher fetches over plain HTTP(S).
type HTTPFetcher struct {
	Client       *http.Client
	MaxBodyBytes int64
	// Header is added to every request.
	Header http.Header
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &HTTPFetcher{
		Client:       &http.Client{Timeout: timeout},
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	// Bodies are stored and rewritten as is.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := f.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body of %s exceeds %d bytes", url, limit)
	}

	h := resp.Header.Clone()
	h.Del("Content-Length")
	return &Response{StatusCode: resp.StatusCode, Header: h, Body: body}, nil
}
