package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewrite0/internal/config"
	"rewrite0/internal/naming"
)

const css = "a{color:red}"

type testOrigin struct {
	*httptest.Server
	cssHits atomic.Int32
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/a.css", func(w http.ResponseWriter, r *http.Request) {
		o.cssHits.Add(1)
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Cache-Control", "max-age=600")
		_, _ = w.Write([]byte(css))
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set(headerName, "spoofed")
		_, _ = w.Write(b)
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func testConfig(t *testing.T, origin string, overrides map[string]string) config.Config {
	cfg, err := config.Parse([]byte("server:\n  origin: " + origin + "\n"))
	require.NoError(t, err)
	o := map[string]string{"rewrite.deadline": "5s"}
	for k, v := range overrides {
		o[k] = v
	}
	cfg, err = cfg.ApplyOverrides(o)
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, origin string) *httptest.Server {
	cfg := testConfig(t, origin, nil)
	st, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	s := New(cfg, st, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
		assert.NoError(t, st.Close())
	})
	return ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestRewriteThenServeGenerated(t *testing.T) {
	origin := newTestOrigin(t)
	ts := newTestServer(t, origin.URL)

	resp, body := get(t, ts.URL+"/_rewrite0/rewrite?url=/a.css")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rr rewriteResponse
	require.NoError(t, json.Unmarshal([]byte(body), &rr))
	require.True(t, rr.Rewritten)
	require.True(t, strings.HasPrefix(rr.URL, origin.URL+"/a.css.rw.ce."), rr.URL)
	assert.True(t, naming.IsGenerated(rr.URL))

	resp, body = get(t, ts.URL+strings.TrimPrefix(rr.URL, origin.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, css, body)
	assert.Equal(t, "generated", resp.Header.Get(headerName))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/css"))
	assert.Equal(t, "public, max-age=31536000", resp.Header.Get("Cache-Control"))
	assert.Equal(t, headerName, resp.Header.Get("Access-Control-Expose-Headers"))
	assert.EqualValues(t, 1, origin.cssHits.Load())

	resp, body = get(t, ts.URL+"/_rewrite0/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `rewrite0_rewrite_total{outcome="rewritten"}`)
	assert.Contains(t, body, `rewrite0_backend_entries{cache="ram"}`)
}

func TestRewriteNeedsURL(t *testing.T) {
	ts := newTestServer(t, newTestOrigin(t).URL)
	resp, _ := get(t, ts.URL+"/_rewrite0/rewrite")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRewriteOnlyForOrigin(t *testing.T) {
	origin := newTestOrigin(t)
	other := newTestOrigin(t)
	ts := newTestServer(t, origin.URL)

	for _, target := range []string{other.URL + "/a.css", "file:///etc/passwd", "http://169.254.169.254/latest/a.css"} {
		resp, _ := get(t, ts.URL+"/_rewrite0/rewrite?url="+url.QueryEscape(target))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, target)
	}
	assert.Zero(t, other.cssHits.Load())

	resp, _ := get(t, ts.URL+"/_rewrite0/rewrite?url="+url.QueryEscape(origin.URL+"/a.css"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRewriteNotOptimizableKeepsOriginal(t *testing.T) {
	origin := newTestOrigin(t)
	ts := newTestServer(t, origin.URL)

	_, body := get(t, ts.URL+"/_rewrite0/rewrite?url=/page.html")
	var rr rewriteResponse
	require.NoError(t, json.Unmarshal([]byte(body), &rr))
	assert.False(t, rr.Rewritten)
	assert.Equal(t, origin.URL+"/page.html", rr.URL)
}

func TestGeneratedFallsBackToOriginal(t *testing.T) {
	origin := newTestOrigin(t)
	ts := newTestServer(t, origin.URL)

	resp, body := get(t, ts.URL+"/a.css.rw.zz.0.css")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, css, body)
	assert.Equal(t, "fallback", resp.Header.Get(headerName))
}

func TestGeneratedEscapingOriginIsNotServed(t *testing.T) {
	origin := newTestOrigin(t)
	ts := newTestServer(t, origin.URL)

	evil := naming.ResourceName{Prefix: origin.URL + "/", ID: "ce", Hash: "0", Name: "http://www.evil.com/a.css", Ext: "css"}
	resp, _ := get(t, ts.URL+strings.TrimPrefix(evil.Encode(), origin.URL))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, origin.cssHits.Load())
}

func TestProxyPass(t *testing.T) {
	origin := newTestOrigin(t)
	ts := newTestServer(t, origin.URL)

	resp, body := get(t, ts.URL+"/page.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html></html>", body)
	assert.Equal(t, "proxy", resp.Header.Get(headerName))

	resp, err := http.Post(ts.URL+"/echo", "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ping", string(b))
	assert.Equal(t, "bypass", resp.Header.Get(headerName))
}

func TestBadGateway(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()
	ts := newTestServer(t, url)

	resp, _ := get(t, ts.URL+"/page.html")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get(headerName))
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Add("Access-Control-Expose-Headers", "ETag")
	h.Add("Access-Control-Expose-Headers", "Date")
	ensureExposedHeader(h, headerName)
	assert.Equal(t, "ETag,Date, X-Rewrite0", h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, headerName)
	assert.Equal(t, []string{"ETag,Date, X-Rewrite0"}, h.Values("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"x-rewrite0"}}
	ensureExposedHeader(h, headerName)
	assert.Equal(t, "x-rewrite0", h.Get("Access-Control-Expose-Headers"))
}

func TestRespStats(t *testing.T) {
	s := newRespStats()
	assert.Equal(t, respSnapshot{}, s.Snapshot())
	for _, n := range []int{10, 30, 20, -5} {
		s.Observe(n)
	}
	assert.Equal(t, respSnapshot{Count: 4, Total: 60, Min: 0, Max: 30, Avg: 15}, s.Snapshot())
}

func TestLogStats(t *testing.T) {
	cfg := testConfig(t, newTestOrigin(t).URL, nil)
	st, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	var buf bytes.Buffer
	s := New(cfg, st, zerolog.New(&buf))
	defer s.Close()
	s.resp.Observe(2048)
	s.logStats()

	out := buf.String()
	assert.Contains(t, out, `"message":"stats"`)
	assert.Contains(t, out, `"resp":"2kb/2kb/2kb"`)
	assert.Contains(t, out, `"ram":{`)
}
