package ratelimit

import "context"

// RateLimiter admits or rejects requests per key.
type RateLimiter interface {
	// Allow checks if a request identified by key is allowed under the given
	// config and, if so, records it.
	//
	// The key should be a structured identifier created by FormatKey.
	// If the request is not allowed, RetryAfter in the result indicates when
	// the oldest recorded request leaves the window.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}
