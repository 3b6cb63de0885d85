// Package server is the HTTP front of rewrite0. It serves generated
// resources through the engine and proxies everything else to the origin.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"rewrite0/internal/config"
	"rewrite0/internal/httpcache"
	"rewrite0/internal/naming"
)

const (
	headerName       = "X-Rewrite0"
	defaultFilter    = "ce"
	maxProxyBodySize = 64 << 20
)

type Server struct {
	origin     string
	originHost string
	mapper     naming.DomainMapper
	stack      *Stack
	client     *http.Client
	log        zerolog.Logger
	resp       *respStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Server in front of cfg.Server.Origin. It does not own
// stack; closing the Server leaves the engine running.
func New(cfg config.Config, stack *Stack, logger zerolog.Logger) *Server {
	s := &Server{
		origin: cfg.Server.Origin,
		mapper: cfg.Mapper(),
		stack:  stack,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logger.With().Str("component", "server").Logger(),
		resp:   newRespStats(),
		stopCh: make(chan struct{}),
	}
	if u, err := url.Parse(s.origin); err == nil {
		s.originHost = strings.ToLower(u.Host)
	}
	if every := cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s
}

func (s *Server) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/_rewrite0/metrics", promhttp.HandlerFor(s.stack.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/_rewrite0/rewrite", s.handleRewrite)
	r.HandleFunc("/*", s.handle)
	return r
}

// absolute maps a request onto the origin. Generated names are built and
// decoded against origin URLs.
func (s *Server) absolute(r *http.Request) string {
	return s.origin + r.URL.RequestURI()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.proxyPass(w, r, s.absolute(r), "bypass")
		return
	}
	abs := s.absolute(r)
	name, err := naming.Decode(abs)
	if err != nil {
		s.proxyPass(w, r, abs, "proxy")
		return
	}

	rec, err := s.fetchGenerated(r.Context(), abs)
	if err == nil {
		s.writeRecord(w, r, rec, "generated")
		s.resp.Observe(len(rec.Body()))
		return
	}
	s.log.Debug().Err(err).Str("url", abs).Msg("serving original")
	in, err := name.InputURL()
	if err != nil {
		setRewriteHeaders(w.Header(), "rejected")
		http.NotFound(w, r)
		return
	}
	s.proxyPass(w, r, in, "fallback")
}

// fetchGenerated turns a panic in the engine into an error so the caller
// can still serve the original.
func (s *Server) fetchGenerated(ctx context.Context, u string) (rec *httpcache.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Str("url", u).Msg("fetch output resource")
			rec, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return s.stack.Engine.FetchOutputResource(ctx, u)
}

type rewriteResponse struct {
	URL       string `json:"url"`
	Rewritten bool   `json:"rewritten"`
}

// handleRewrite answers with the URL a page should reference for the given
// resource: the generated one if it is ready within the rewrite deadline,
// the original otherwise.
func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	if strings.HasPrefix(target, "/") {
		target = s.origin + target
	}
	if !s.onOrigin(target) {
		http.Error(w, "url is not on the origin", http.StatusBadRequest)
		return
	}
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = defaultFilter
	}
	u, ok := s.stack.Engine.Rewrite(r.Context(), filter, target)
	setRewriteHeaders(w.Header(), "")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(rewriteResponse{URL: u, Rewritten: ok})
}

// onOrigin reports whether target is fetched from the configured origin,
// directly or through the origin domain map.
func (s *Server) onOrigin(target string) bool {
	for _, raw := range []string{target, s.mapper.MapToOrigin(target)} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		if s.originHost != "" && strings.ToLower(u.Host) == s.originHost {
			return true
		}
	}
	return false
}

func (s *Server) writeRecord(w http.ResponseWriter, r *http.Request, rec *httpcache.Record, label string) {
	for k, vs := range rec.Header() {
		if strings.EqualFold(k, headerName) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setRewriteHeaders(w.Header(), label)
	w.WriteHeader(rec.StatusCode())
	if r.Method != http.MethodHead {
		_, _ = w.Write(rec.Body())
	}
}

func setRewriteHeaders(h http.Header, label string) {
	if label != "" {
		h.Set(headerName, label)
	}
	ensureExposedHeader(h, headerName)
}

// ensureExposedHeader adds name to Access-Control-Expose-Headers so scripts
// on other origins can read it.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// proxyPass forwards r to target and copies the answer back.
func (s *Server) proxyPass(w http.ResponseWriter, r *http.Request, target, label string) {
	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		s.badGateway(w, target, err)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.client.Do(req)
	if err != nil {
		s.badGateway(w, target, err)
		return
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBodySize))
	if err != nil {
		s.badGateway(w, target, err)
		return
	}

	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerName) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setRewriteHeaders(w.Header(), label)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(b)
}

func (s *Server) badGateway(w http.ResponseWriter, target string, err error) {
	s.log.Warn().Err(err).Str("url", target).Msg("origin request failed")
	setRewriteHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
