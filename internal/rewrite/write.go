package rewrite

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"rewrite0/internal/httpcache"
)

var extByType = map[string]string{
	"text/css":               "css",
	"text/javascript":        "js",
	"application/javascript": "js",
	"text/html":              "html",
	"text/plain":             "txt",
	"application/json":       "json",
	"image/png":              "png",
	"image/jpeg":             "jpg",
	"image/gif":              "gif",
	"image/webp":             "webp",
	"image/svg+xml":          "svg",
}

func extForType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return extByType[mt]
}

// Write finishes out with contents computed from inputs. It hashes the
// contents into the name, builds the response headers, stores the bytes
// through the HTTP cache (except for on-the-fly outputs) and remembers the
// result in the metadata cache. charset, if set, is appended to contentType
// as given.
func (e *Engine) Write(ctx context.Context, inputs []*InputResource, contents []byte, contentType, charset string, out *OutputResource) error {
	if out.written {
		return errors.New("output already written")
	}
	name := out.name
	name.Hash = e.hasher.Hash(contents)
	if ext := extForType(contentType); ext != "" {
		name.Ext = ext
	}
	if name.Ext == "" {
		name.Ext = "bin"
	}
	if err := name.Validate(); err != nil {
		return fmt.Errorf("finish output name: %w", err)
	}

	now := e.now()
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", withCharset(contentType, charset))
	}
	maxAge := ApplyInputCacheControl(inputs, h, e.opts.GeneratedMaxAge)
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	h.Set("Expires", now.Add(maxAge).UTC().Format(http.TimeFormat))
	h.Set("ETag", `"`+name.Hash+`"`)

	rec := httpcache.NewRecord(http.StatusOK, h, contents, now, e.opts.Policy)
	encoded := name.Encode()
	if out.kind != KindOnTheFly || e.opts.PersistOnTheFlyBytes {
		e.http.Put(ctx, encoded, rec)
	}

	meta := &ResultMetadata{
		URL:          e.mapper.MapForServing(encoded),
		Hash:         name.Hash,
		Ext:          name.Ext,
		ContentType:  contentType,
		Charset:      charset,
		ExpirationMs: e.inputsExpiration(inputs, now).UnixMilli(),
		Inputs:       inputURLs(inputs),
		Optimizable:  true,
	}
	e.storeMetadata(ctx, out, meta)

	out.name = name
	out.url = meta.URL
	out.record = rec
	out.cached = meta
	out.written = true
	return nil
}

// WriteUnoptimizable remembers that no output could be produced from
// inputs, so the attempt is not repeated until an input expires.
func (e *Engine) WriteUnoptimizable(ctx context.Context, inputs []*InputResource, out *OutputResource, reason string) {
	meta := &ResultMetadata{
		ExpirationMs: e.inputsExpiration(inputs, e.now()).UnixMilli(),
		Inputs:       inputURLs(inputs),
		Reason:       reason,
	}
	e.storeMetadata(ctx, out, meta)
	out.cached = meta
}

func (e *Engine) storeMetadata(ctx context.Context, out *OutputResource, m *ResultMetadata) {
	b, err := encodeMetadata(m)
	if err != nil {
		e.log.Error().Err(err).Str("key", metadataKey(out.name)).Msg("encode metadata")
		return
	}
	e.meta.Put(ctx, metadataKey(out.name), b)
}

// inputsExpiration is when the first input expires. A result is only valid
// while all its inputs are.
func (e *Engine) inputsExpiration(inputs []*InputResource, now time.Time) time.Time {
	exp := now.Add(e.opts.GeneratedMaxAge)
	for _, in := range inputs {
		rec := in.Record()
		if rec == nil {
			continue
		}
		if x := rec.Expiration(); x.Before(exp) {
			exp = x
		}
	}
	return exp
}

func inputURLs(inputs []*InputResource) []string {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, in.url)
	}
	return out
}

func withCharset(contentType, charset string) string {
	if charset == "" {
		return contentType
	}
	return strings.TrimSpace(contentType) + "; charset=" + charset
}
