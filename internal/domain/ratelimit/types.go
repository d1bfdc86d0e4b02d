// Package ratelimit provides the client-side rate limiting types used to
// throttle calls per endpoint before they reach the network.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Period is the sliding window length.
	Period time.Duration
}

// PerMinute returns a config allowing n events per sliding minute.
func PerMinute(n int) RateLimitConfig {
	return RateLimitConfig{Rate: n, Period: time.Minute}
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Remaining is the number of remaining requests in the current window.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeEndpoint is for per method+path limiting of outbound calls.
	KeyTypeEndpoint KeyType = "endpoint"

	// KeyTypeClient is for limiting inbound loopback callers by address.
	KeyTypeClient KeyType = "client"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Examples:
//   - FormatKey(KeyTypeEndpoint, "GET /users") -> "ratelimit:endpoint:GET /users"
//   - FormatKey(KeyTypeClient, "127.0.0.1") -> "ratelimit:client:127.0.0.1"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
