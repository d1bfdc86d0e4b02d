package request

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrNotAuthenticated is returned for an authenticated call made while no
	// session exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnauthorized matches an HTTPError with status 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionInvalidated matches SessionInvalidatedError.
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrQueuedRequestExpired is returned to a caller whose request waited
	// too long for a token refresh.
	ErrQueuedRequestExpired = errors.New("queued request expired")

	// ErrRefreshCooldown is returned when a refresh is attempted during the
	// cooldown following a failed refresh.
	ErrRefreshCooldown = errors.New("refresh cooldown active")

	// ErrNetwork matches NetworkError.
	ErrNetwork = errors.New("network error")

	// ErrRateLimited matches RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrQueuedOffline matches QueuedOfflineError.
	ErrQueuedOffline = errors.New("queued offline")
)

// HTTPError is a non-success HTTP status returned by the server.
type HTTPError struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	URL        string
}

// Error returns a human-readable description of the status.
func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.URL != "" {
		return fmt.Sprintf("http %s: %s", status, e.URL)
	}
	return "http " + status
}

// Is supports errors.Is(err, ErrUnauthorized) for 401 responses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Retryable reports whether the status is worth retrying.
func (e *HTTPError) Retryable() bool {
	return RetryableStatus(e.StatusCode)
}

// RetryAfter parses the Retry-After header (seconds or HTTP date). It
// returns zero if absent or unparseable.
func (e *HTTPError) RetryAfter(now time.Time) time.Duration {
	return ParseRetryAfter(e.Header.Get("Retry-After"), now)
}

// RetryableStatus reports whether a response status should be retried:
// 408, 429 and every 5xx.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// NetworkError wraps a transport failure: connection refused, DNS failure,
// timeout, reset.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

// Error returns a human-readable description of the failure.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error { return e.Err }

// Is supports errors.Is(err, ErrNetwork).
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Timeout reports whether the failure was an attempt timeout.
func (e *NetworkError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// RateLimitError is returned when the local per-endpoint limit is exceeded.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

// Error returns a human-readable description of the limit.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %v", e.Endpoint, e.RetryAfter.Round(time.Millisecond))
}

// Is supports errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// SessionInvalidatedError is returned to every caller waiting on a refresh
// when the session is torn down.
type SessionInvalidatedError struct {
	Reason string
}

// Error returns a human-readable description including the reason.
func (e *SessionInvalidatedError) Error() string {
	return "session invalidated: " + e.Reason
}

// Is supports errors.Is(err, ErrSessionInvalidated).
func (e *SessionInvalidatedError) Is(target error) bool { return target == ErrSessionInvalidated }

// QueuedOfflineError tells the caller its mutating request was persisted
// for replay instead of being executed.
type QueuedOfflineError struct {
	ID  string
	Err error
}

// Error returns a human-readable description including the queue id.
func (e *QueuedOfflineError) Error() string {
	return fmt.Sprintf("request queued offline as %s", e.ID)
}

// Unwrap returns the network error that caused the request to be queued.
func (e *QueuedOfflineError) Unwrap() error { return e.Err }

// Is supports errors.Is(err, ErrQueuedOffline).
func (e *QueuedOfflineError) Is(target error) bool { return target == ErrQueuedOffline }

// Categorized is implemented by errors that know their log category, such
// as storage adapter errors.
type Categorized interface {
	Category() errlog.Category
}

// Classify maps an error to the error log category it is recorded under.
func Classify(err error) errlog.Category {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrUnauthorized):
		return errlog.CategoryAuth
	case errors.Is(err, ErrSessionInvalidated), errors.Is(err, ErrQueuedRequestExpired),
		errors.Is(err, ErrRefreshCooldown):
		return errlog.CategorySession
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrQueuedOffline),
		errors.Is(err, context.DeadlineExceeded):
		return errlog.CategoryNetwork
	}
	var he *HTTPError
	if errors.As(err, &he) || errors.Is(err, ErrRateLimited) {
		return errlog.CategoryAPI
	}
	return errlog.CategoryGeneral
}

// ParseRetryAfter interprets a Retry-After header value.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
