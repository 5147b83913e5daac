package github

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/prwarden/prwarden/internal/cache"
	"github.com/prwarden/prwarden/internal/domain"
	"github.com/prwarden/prwarden/internal/ratelimit"
)

type ctxKey int

const (
	ctxKeyPriority ctxKey = iota
	ctxKeyStats
)

// WithPriority tags a request context with the caller's scheduling priority.
// The transport serves equal priorities FIFO at the rate limiter.
func WithPriority(ctx context.Context, p domain.Priority) context.Context {
	return context.WithValue(ctx, ctxKeyPriority, p)
}

func priorityFrom(ctx context.Context) domain.Priority {
	if p, ok := ctx.Value(ctxKeyPriority).(domain.Priority); ok {
		return p
	}
	return domain.PriorityNormal
}

// Stats accumulates per-snapshot transport counters. Attach one to the
// context with WithStats; all requests under that context count into it.
type Stats struct {
	APICalls    atomic.Int64
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
}

// WithStats attaches a Stats accumulator to the context.
func WithStats(ctx context.Context, s *Stats) context.Context {
	return context.WithValue(ctx, ctxKeyStats, s)
}

func statsFrom(ctx context.Context) *Stats {
	if s, ok := ctx.Value(ctxKeyStats).(*Stats); ok {
		return s
	}
	return nil
}

// Resource maps a request path to its rate-limit resource bucket.
// GitHub meters search separately from everything else.
func Resource(path string) string {
	if len(path) >= 7 && path[:7] == "/search" {
		return "search"
	}
	return "core"
}

// CachingTransport is an http.RoundTripper that layers the response cache
// and rate limiter under the hosting-API client.
//
// Flow per request: compute the cache key; on a fresh hit serve from cache
// without spending a token; otherwise reserve a token, attach the cached
// validator as If-None-Match, and issue the request. A 304 revives the
// cached body and refunds the token (revalidations are free budget-wise);
// a 200 replaces the cached entry.
type CachingTransport struct {
	Base      http.RoundTripper
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Principal string // auth identity folded into cache keys

	// Conditional disables validator handling (cache still short-circuits
	// fresh entries) when false conditional requests are unwanted.
	Conditional bool
}

func (t *CachingTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *CachingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.passThrough(req)
	}

	ctx := req.Context()
	stats := statsFrom(ctx)
	key := cache.Key(req.URL.Scheme+"://"+req.URL.Host+req.URL.Path, req.URL.RawQuery, t.Principal)

	entry, found, fresh := t.Cache.Get(key)
	if found && fresh {
		if stats != nil {
			stats.CacheHits.Add(1)
		}
		return cachedResponse(req, entry), nil
	}
	if stats != nil {
		stats.CacheMisses.Add(1)
	}

	resource := Resource(req.URL.Path)
	if err := t.Limiter.Acquire(ctx, resource, 1, priorityFrom(ctx)); err != nil {
		return nil, fmt.Errorf("acquire %s token: %w", resource, err)
	}

	if found && t.Conditional && entry.Validator != "" {
		req = req.Clone(ctx)
		req.Header.Set("If-None-Match", entry.Validator)
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if stats != nil {
		stats.APICalls.Add(1)
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		t.Cache.Revalidate(key)
		t.Limiter.Refund(resource, 1)
		if stats != nil {
			stats.CacheHits.Add(1)
		}
		return cachedResponse(req, entry), nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if validator := resp.Header.Get("ETag"); validator != "" || len(body) > 0 {
			t.Cache.Put(key, body, validator, replayableHeaders(resp.Header))
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	default:
		return resp, nil
	}
}

func (t *CachingTransport) passThrough(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	resource := Resource(req.URL.Path)
	if err := t.Limiter.Acquire(ctx, resource, 1, priorityFrom(ctx)); err != nil {
		return nil, fmt.Errorf("acquire %s token: %w", resource, err)
	}
	resp, err := t.base().RoundTrip(req)
	if err == nil {
		if stats := statsFrom(ctx); stats != nil {
			stats.APICalls.Add(1)
		}
	}
	return resp, err
}

// replayedHeaders are the response headers a cache entry keeps and serves
// back with its body. Link carries pagination; without it a replayed page
// would look like the last one.
var replayedHeaders = []string{"Link", "Content-Type"}

func replayableHeaders(h http.Header) http.Header {
	kept := http.Header{}
	for _, name := range replayedHeaders {
		if vals := h.Values(name); len(vals) > 0 {
			kept[http.CanonicalHeaderKey(name)] = vals
		}
	}
	return kept
}

// cachedResponse synthesizes a 200 response from a cache entry so the
// go-github decoder sees a normal answer, pagination headers included.
func cachedResponse(req *http.Request, entry cache.Entry) *http.Response {
	header := http.Header{"Content-Type": []string{"application/json; charset=utf-8"}}
	for name, vals := range entry.Header {
		header[name] = vals
	}
	return &http.Response{
		Status:        http.StatusText(http.StatusOK),
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
