package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/portalguard/internal/domain/ratelimit"
)

// MemoryRateLimiter implements ratelimit.RateLimiter with a sliding window
// log per key. Thread-safe for concurrent access.
// Includes background cleanup to prevent unbounded memory growth.
type MemoryRateLimiter struct {
	hits            map[string][]time.Time // request timestamps inside the window, oldest first
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	now             func() time.Time
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup settings.
// Default cleanup interval: 5 minutes, default maxTTL: 1 hour.
func NewRateLimiter() *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom cleanup settings.
// cleanupInterval: how often to run cleanup (e.g., 5 minutes)
// maxTTL: maximum age of a key's newest hit before removal (e.g., 1 hour)
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		hits:            make(map[string][]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
		now:             time.Now,
	}
}

// Allow checks if a request is allowed under the given rate limit config.
// At most config.Rate requests are admitted in any window of config.Period.
func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}

	now := r.now()
	cutoff := now.Add(-config.Period)

	// Drop hits that left the window.
	hits := r.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= config.Rate {
		r.hits[key] = hits
		return ratelimit.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: hits[0].Add(config.Period).Sub(now),
		}, nil
	}

	hits = append(hits, now)
	r.hits[key] = hits

	return ratelimit.RateLimitResult{
		Allowed:   true,
		Remaining: config.Rate - len(hits),
	}, nil
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes keys idle for longer than maxTTL.
// It stops when ctx is cancelled or Stop() is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys whose newest hit is older than maxTTL.
func (r *MemoryRateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.maxTTL)
	cleaned := 0

	for key, hits := range r.hits {
		if len(hits) == 0 || hits[len(hits)-1].Before(cutoff) {
			delete(r.hits, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.hits))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *MemoryRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
