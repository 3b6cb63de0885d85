package rewrite

import (
	"context"
	"fmt"
	"strings"
)

// Output is what a filter computed.
type Output struct {
	Contents    []byte
	ContentType string
	Charset     string
}

// Filter turns loaded inputs into an output. Filters return an error
// wrapping ErrNotOptimizable when there is nothing to gain; that outcome is
// remembered until an input expires.
type Filter interface {
	ID() string
	Kind() Kind
	Rewrite(ctx context.Context, inputs []*InputResource) (*Output, error)
}

// CacheExtender serves a static resource unchanged under a content-hashed
// name, so it can be cached for as long as the generated max-age allows.
type CacheExtender struct{}

func (CacheExtender) ID() string { return "ce" }
func (CacheExtender) Kind() Kind { return KindOnTheFly }

func (CacheExtender) Rewrite(_ context.Context, inputs []*InputResource) (*Output, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("cache extender takes one input, got %d", len(inputs))
	}
	in := inputs[0]
	mt, charset := in.ContentType()
	if !extendable(mt) {
		return nil, fmt.Errorf("%w: content type %q", ErrNotOptimizable, mt)
	}
	if rec := in.Record(); rec != nil && rec.Caching().Private {
		return nil, fmt.Errorf("%w: private input", ErrNotOptimizable)
	}
	return &Output{Contents: in.Contents(), ContentType: mt, Charset: charset}, nil
}

func extendable(mediaType string) bool {
	switch mediaType {
	case "text/css", "text/javascript", "application/javascript", "application/x-javascript":
		return true
	}
	return strings.HasPrefix(mediaType, "image/")
}
