// Package request defines the request and response values that flow through
// the request gateway, the response cache entries, and the typed errors the
// gateway returns to callers.
package request

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
)

// Request is a single call issued through the gateway.
type Request struct {
	Method string
	// URL is absolute, or relative to the gateway base URL.
	URL    string
	Header http.Header
	Body   []byte

	// SkipAuth sends the request without credentials and bypasses the
	// session entirely.
	SkipAuth bool
	// SkipRefresh returns a 401 to the caller instead of refreshing tokens.
	SkipRefresh bool
	// SkipOffline fails mutating calls on network loss instead of queuing them.
	SkipOffline bool
	// NoCache disables the response cache for a GET.
	NoCache bool
	// CacheTTL overrides the default cache lifetime.
	CacheTTL time.Duration
	// OfflineCache also stores a successful GET in the long-lived offline
	// read cache, used as a stale fallback while offline.
	OfflineCache bool
	// Timeout bounds each network attempt. Zero uses the gateway default.
	Timeout time.Duration
	// Priority is used if the call ends up in the offline queue.
	Priority offline.Priority
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// IsMutating reports whether the method changes server state.
func (r *Request) IsMutating() bool {
	return IsMutatingMethod(r.Method)
}

// Cacheable reports whether a successful response may be cached.
func (r *Request) Cacheable() bool {
	return r.Method == http.MethodGet && !r.NoCache
}

// IsMutatingMethod reports whether method changes server state.
func IsMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Response is the result of a successful call.
type Response struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	// FromCache is set when the response was served without a network call.
	FromCache bool `json:"-"`
	// Stale is set when the response came from the offline read cache
	// because the network was unreachable.
	Stale bool `json:"-"`
}

// Clone returns a deep copy of r so concurrent callers never share buffers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// CacheEntry is a cached response with its freshness window.
type CacheEntry struct {
	Data      Response  `json:"data"`
	StoredAt  time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
	ETag      string    `json:"etag,omitempty"`
}

// Fresh reports whether the entry may still be served at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return !now.After(e.ExpiresAt)
}

// CacheKey derives the cache and de-duplication key for a call.
func CacheKey(method, url string, body []byte) string {
	return fmt.Sprintf("%s %s %016x", method, url, xxhash.Sum64(body))
}

// RequestInterceptor may modify a request before it is sent. Returning an
// error aborts the call.
type RequestInterceptor func(ctx context.Context, req *Request) error

// ResponseInterceptor observes or modifies a successful response.
type ResponseInterceptor func(ctx context.Context, req *Request, resp *Response) error

// ErrorInterceptor observes a failed call. It may replace the error.
type ErrorInterceptor func(ctx context.Context, req *Request, err error) error
