package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
	"github.com/Sentinel-Gate/portalguard/internal/telemetry"
)

// ErrSyncInProgress is returned by Sync while another pass is running.
var ErrSyncInProgress = errors.New("offline sync already in progress")

// Default offline queue settings.
const (
	DefaultSyncInterval   = 30 * time.Second
	DefaultOfflineMax     = 100
	DefaultOfflineRetries = 3
	DefaultOfflineTTL     = 24 * time.Hour
	DefaultSpillThreshold = 64 << 10

	spillKeyPrefix = "offline.cache/"
)

// OfflineConfig configures an OfflineQueue.
type OfflineConfig struct {
	SyncInterval time.Duration
	MaxRequests  int
	MaxRetries   int
	// CacheTTL is the default lifetime of read-cache entries.
	CacheTTL time.Duration
	// SpillThreshold is the encoded size above which a cache entry is
	// written to the spill store.
	SpillThreshold int
}

// Replayer executes a persisted request without queuing it again.
type Replayer interface {
	Replay(ctx context.Context, req offline.Request) (*request.Response, error)
}

// OfflineOption configures an OfflineQueue.
type OfflineOption func(*OfflineQueue)

// WithClassifier resolves the priority of requests enqueued without one.
func WithClassifier(c outbound.PriorityClassifier) OfflineOption {
	return func(q *OfflineQueue) { q.classifier = c }
}

// WithSpillStore stores large cache entries in s instead of the main store.
func WithSpillStore(s outbound.KVStore) OfflineOption {
	return func(q *OfflineQueue) { q.spill = s }
}

// WithOfflineRecorder sets where dropped and evicted requests are recorded.
func WithOfflineRecorder(r errlog.Recorder) OfflineOption {
	return func(q *OfflineQueue) { q.recorder = r }
}

// WithOfflineMetrics records queue length and replay outcomes.
func WithOfflineMetrics(m *telemetry.Metrics) OfflineOption {
	return func(q *OfflineQueue) { q.metrics = m }
}

// WithOfflineClock replaces time.Now. Used by tests.
func WithOfflineClock(now func() time.Time) OfflineOption {
	return func(q *OfflineQueue) { q.now = now }
}

// cacheRecord is the persisted index entry of the read cache. Spilled
// entries keep only their expiry here.
type cacheRecord struct {
	Entry     *request.CacheEntry `json:"entry,omitempty"`
	Spilled   bool                `json:"spilled,omitempty"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// OfflineQueue persists mutating requests that failed for lack of
// connectivity and replays them once the network is back. It also keeps a
// long-lived read cache used as a stale fallback while offline.
type OfflineQueue struct {
	cfg        OfflineConfig
	store      outbound.KVStore
	spill      outbound.KVStore
	replayer   Replayer
	classifier outbound.PriorityClassifier
	bus        *event.Bus
	logger     *slog.Logger
	recorder   errlog.Recorder
	metrics    *telemetry.Metrics
	now        func() time.Time

	mu       sync.Mutex
	requests []offline.Request
	cache    map[string]cacheRecord

	online  atomic.Bool
	syncing atomic.Bool

	subs     []event.Subscription
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOfflineQueue creates an OfflineQueue. The replayer may be attached later
// with SetReplayer, before the first Sync.
func NewOfflineQueue(store outbound.KVStore, replayer Replayer, bus *event.Bus, cfg OfflineConfig, logger *slog.Logger, opts ...OfflineOption) *OfflineQueue {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultOfflineMax
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultOfflineRetries
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultOfflineTTL
	}
	if cfg.SpillThreshold <= 0 {
		cfg.SpillThreshold = DefaultSpillThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	q := &OfflineQueue{
		cfg:      cfg,
		store:    store,
		spill:    store,
		replayer: replayer,
		bus:      bus,
		logger:   logger,
		recorder: errlog.NopRecorder{},
		metrics:  telemetry.NewNopMetrics(),
		now:      time.Now,
		cache:    make(map[string]cacheRecord),
		stopChan: make(chan struct{}),
	}
	q.online.Store(true)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetReplayer attaches the gateway used by Sync.
func (q *OfflineQueue) SetReplayer(r Replayer) {
	q.mu.Lock()
	q.replayer = r
	q.mu.Unlock()
}

// Load reads the persisted queue and read-cache index.
func (q *OfflineQueue) Load(ctx context.Context) error {
	var reqs []offline.Request
	if err := q.load(ctx, outbound.KeyOfflineQueue, &reqs); err != nil {
		return err
	}
	cache := make(map[string]cacheRecord)
	if err := q.load(ctx, outbound.KeyOfflineCache, &cache); err != nil {
		return err
	}

	q.mu.Lock()
	q.requests = reqs
	q.cache = cache
	n := len(reqs)
	expired := q.pruneCacheLocked(q.now())
	q.mu.Unlock()

	q.metrics.OfflineQueueLength.Set(float64(n))
	if len(expired) > 0 {
		q.dropSpilled(ctx, expired)
		q.persistCache(ctx)
	}
	return nil
}

// Enqueue persists a request for later replay and returns its id. An empty
// priority is resolved by the classifier, defaulting to medium.
func (q *OfflineQueue) Enqueue(ctx context.Context, draft offline.Draft, priority offline.Priority) (string, error) {
	priority, err := q.resolvePriority(ctx, draft, priority)
	if err != nil {
		return "", err
	}

	req := offline.Request{
		ID:         uuid.NewString(),
		URL:        draft.URL,
		Method:     draft.Method,
		Header:     draft.Header.Clone(),
		Body:       append([]byte(nil), draft.Body...),
		EnqueuedAt: q.now().UTC(),
		Priority:   priority,
	}

	q.mu.Lock()
	var evicted *offline.Request
	if len(q.requests) >= q.cfg.MaxRequests {
		if i := offline.EvictionCandidate(q.requests); i >= 0 {
			e := q.requests[i]
			evicted = &e
			q.requests = append(q.requests[:i:i], q.requests[i+1:]...)
		}
	}
	q.requests = append(q.requests, req)
	n := len(q.requests)
	q.mu.Unlock()

	q.persistQueue(ctx)
	q.metrics.OfflineQueueLength.Set(float64(n))
	if evicted != nil {
		q.recorder.Log(ctx, errlog.LevelWarn, errlog.CategoryNetwork, "offline queue full, evicted request", map[string]any{
			"id":       evicted.ID,
			"method":   evicted.Method,
			"url":      evicted.URL,
			"priority": string(evicted.Priority),
		})
	}
	q.logger.Info("request queued offline", "id", req.ID, "method", req.Method, "url", req.URL, "priority", req.Priority)
	q.bus.Emit(event.RequestQueued, event.RequestQueuedPayload{Request: req})
	return req.ID, nil
}

func (q *OfflineQueue) resolvePriority(ctx context.Context, draft offline.Draft, p offline.Priority) (offline.Priority, error) {
	if p != "" {
		if _, err := offline.ParsePriority(string(p)); err != nil {
			return "", err
		}
		return p, nil
	}
	if q.classifier == nil {
		return offline.PriorityMedium, nil
	}
	p, err := q.classifier.Classify(ctx, draft)
	if err != nil || p == "" {
		if err != nil {
			q.logger.Warn("priority classification failed, using medium", "error", err)
		}
		return offline.PriorityMedium, nil
	}
	return p, nil
}

// Sync replays queued requests in priority order. Only one pass runs at a
// time; a concurrent call returns ErrSyncInProgress.
func (q *OfflineQueue) Sync(ctx context.Context) (offline.SyncResult, error) {
	if !q.syncing.CompareAndSwap(false, true) {
		return offline.SyncResult{}, ErrSyncInProgress
	}
	defer q.syncing.Store(false)

	q.mu.Lock()
	replayer := q.replayer
	pending := append([]offline.Request(nil), q.requests...)
	q.mu.Unlock()
	if replayer == nil {
		return offline.SyncResult{Remaining: len(pending)}, errors.New("offline sync: no replayer attached")
	}

	q.bus.Emit(event.SyncStarted, nil)
	offline.SortForReplay(pending)

	result := offline.SyncResult{Succeeded: []string{}, Failed: []offline.SyncFailure{}}
	for _, r := range pending {
		if ctx.Err() != nil {
			break
		}
		_, err := replayer.Replay(ctx, r)
		if err == nil {
			q.remove(r.ID)
			result.Succeeded = append(result.Succeeded, r.ID)
			q.metrics.OfflineReplays.WithLabelValues("success").Inc()
			continue
		}

		if errors.Is(err, request.ErrNotAuthenticated) || errors.Is(err, request.ErrSessionInvalidated) {
			// Replays cannot succeed until the user signs in again.
			q.logger.Info("offline sync paused, no session", "error", err)
			break
		}

		updated, dropped := q.recordFailure(r.ID)
		switch {
		case dropped:
			result.Failed = append(result.Failed, offline.SyncFailure{Request: updated, Error: err.Error()})
			q.metrics.OfflineReplays.WithLabelValues("dropped").Inc()
			q.recorder.Log(ctx, errlog.LevelError, request.Classify(err), "offline request dropped after max retries", map[string]any{
				"id":      updated.ID,
				"method":  updated.Method,
				"url":     updated.URL,
				"retries": updated.Retries,
				"error":   err.Error(),
			})
		default:
			q.metrics.OfflineReplays.WithLabelValues("failure").Inc()
		}

		if errors.Is(err, request.ErrNetwork) {
			q.logger.Info("connectivity lost during offline sync", "error", err)
			break
		}
	}

	q.persistQueue(ctx)
	q.mu.Lock()
	result.Remaining = len(q.requests)
	q.mu.Unlock()
	q.metrics.OfflineQueueLength.Set(float64(result.Remaining))

	q.logger.Info("offline sync completed",
		"succeeded", len(result.Succeeded), "failed", len(result.Failed), "remaining", result.Remaining)
	q.bus.Emit(event.SyncCompleted, result)
	return result, nil
}

// recordFailure bumps the retry counter of id and drops it at MaxRetries.
func (q *OfflineQueue) recordFailure(id string) (offline.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.requests {
		if q.requests[i].ID != id {
			continue
		}
		q.requests[i].Retries++
		r := q.requests[i]
		if r.Retries >= q.cfg.MaxRetries {
			q.requests = append(q.requests[:i:i], q.requests[i+1:]...)
			return r, true
		}
		return r, false
	}
	return offline.Request{ID: id}, false
}

func (q *OfflineQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.requests {
		if q.requests[i].ID == id {
			q.requests = append(q.requests[:i:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

// Remove deletes a queued request.
func (q *OfflineQueue) Remove(ctx context.Context, id string) bool {
	if !q.remove(id) {
		return false
	}
	q.persistQueue(ctx)
	q.metrics.OfflineQueueLength.Set(float64(q.Len()))
	return true
}

// Clear drops every queued request.
func (q *OfflineQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.requests = nil
	q.mu.Unlock()
	q.persistQueue(ctx)
	q.metrics.OfflineQueueLength.Set(0)
}

// Requests returns the queued requests in replay order.
func (q *OfflineQueue) Requests() []offline.Request {
	q.mu.Lock()
	out := append([]offline.Request(nil), q.requests...)
	q.mu.Unlock()
	offline.SortForReplay(out)
	return out
}

// Len returns the number of queued requests.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Online reports the last known connectivity.
func (q *OfflineQueue) Online() bool {
	return q.online.Load()
}

// SetOnline records connectivity. Going from offline to online starts a
// sync pass in the background.
func (q *OfflineQueue) SetOnline(ctx context.Context, online bool) {
	was := q.online.Swap(online)
	if was || !online {
		return
	}
	q.logger.Info("connectivity restored, syncing offline queue", "pending", q.Len())
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.Sync(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrSyncInProgress) {
			q.logger.Warn("offline sync failed", "error", err)
		}
	}()
}

// SetCache stores resp in the read cache for ttl (CacheTTL when zero).
func (q *OfflineQueue) SetCache(ctx context.Context, key string, resp *request.Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = q.cfg.CacheTTL
	}
	now := q.now().UTC()
	entry := request.CacheEntry{
		Data:      *resp.Clone(),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		ETag:      resp.Header.Get("ETag"),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	rec := cacheRecord{ExpiresAt: entry.ExpiresAt}
	if len(data) > q.cfg.SpillThreshold {
		if err := q.spill.Set(ctx, spillKey(key), data); err != nil {
			return fmt.Errorf("spill cache entry: %w", err)
		}
		rec.Spilled = true
	} else {
		rec.Entry = &entry
	}

	q.mu.Lock()
	prev, had := q.cache[key]
	q.cache[key] = rec
	q.mu.Unlock()

	if had && prev.Spilled && !rec.Spilled {
		_ = q.spill.Delete(ctx, spillKey(key))
	}
	q.persistCache(ctx)
	return nil
}

// GetCache returns a cached response that has not expired.
func (q *OfflineQueue) GetCache(ctx context.Context, key string) (*request.Response, bool) {
	now := q.now()

	q.mu.Lock()
	rec, ok := q.cache[key]
	if ok && now.After(rec.ExpiresAt) {
		delete(q.cache, key)
		q.mu.Unlock()
		if rec.Spilled {
			_ = q.spill.Delete(ctx, spillKey(key))
		}
		q.persistCache(ctx)
		return nil, false
	}
	q.mu.Unlock()
	if !ok {
		return nil, false
	}

	if !rec.Spilled {
		return rec.Entry.Data.Clone(), true
	}
	data, err := q.spill.Get(ctx, spillKey(key))
	if err != nil {
		if !errors.Is(err, outbound.ErrKeyNotFound) {
			q.logger.Warn("failed to read spilled cache entry", "key", key, "error", err)
		}
		return nil, false
	}
	var entry request.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		q.logger.Warn("discarding unreadable cache entry", "key", key, "error", err)
		return nil, false
	}
	return entry.Data.Clone(), true
}

// ClearCache drops the whole read cache.
func (q *OfflineQueue) ClearCache(ctx context.Context) {
	q.mu.Lock()
	var spilled []string
	for k, rec := range q.cache {
		if rec.Spilled {
			spilled = append(spilled, k)
		}
	}
	q.cache = make(map[string]cacheRecord)
	q.mu.Unlock()

	q.dropSpilled(ctx, spilled)
	q.persistCache(ctx)
}

// Start subscribes to connectivity events and begins the periodic sync.
func (q *OfflineQueue) Start(ctx context.Context) {
	q.subs = append(q.subs,
		q.bus.On(event.NetworkOnline, func(event.Event) { q.SetOnline(ctx, true) }),
		q.bus.On(event.NetworkOffline, func(event.Event) { q.SetOnline(ctx, false) }),
	)
	q.wg.Add(1)
	go q.worker(ctx)
}

// Stop ends the periodic sync and waits for running passes.
// Safe to call multiple times.
func (q *OfflineQueue) Stop() {
	q.stopOnce.Do(func() {
		for _, s := range q.subs {
			q.bus.Off(s)
		}
		close(q.stopChan)
	})
	q.wg.Wait()
}

func (q *OfflineQueue) worker(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		case <-ticker.C:
			q.mu.Lock()
			expired := q.pruneCacheLocked(q.now())
			pending := len(q.requests)
			q.mu.Unlock()
			if len(expired) > 0 {
				q.dropSpilled(ctx, expired)
				q.persistCache(ctx)
			}
			if !q.online.Load() || pending == 0 {
				continue
			}
			if _, err := q.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				q.logger.Warn("periodic offline sync failed", "error", err)
			}
		}
	}
}

// On subscribes to an event.
func (q *OfflineQueue) On(name event.Name, h event.Handler) event.Subscription {
	return q.bus.On(name, h)
}

// Off removes a subscription.
func (q *OfflineQueue) Off(sub event.Subscription) {
	q.bus.Off(sub)
}

// pruneCacheLocked removes expired cache records and returns the keys of
// those that were spilled. Caller holds q.mu.
func (q *OfflineQueue) pruneCacheLocked(now time.Time) []string {
	var spilled []string
	for k, rec := range q.cache {
		if now.After(rec.ExpiresAt) {
			if rec.Spilled {
				spilled = append(spilled, k)
			}
			delete(q.cache, k)
		}
	}
	return spilled
}

func (q *OfflineQueue) dropSpilled(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := q.spill.Delete(ctx, spillKey(k)); err != nil && !errors.Is(err, outbound.ErrKeyNotFound) {
			q.logger.Warn("failed to delete spilled cache entry", "key", k, "error", err)
		}
	}
}

func spillKey(cacheKey string) string {
	return fmt.Sprintf("%s%016x", spillKeyPrefix, xxhash.Sum64String(cacheKey))
}

func (q *OfflineQueue) persistQueue(ctx context.Context) {
	q.mu.Lock()
	data, err := json.Marshal(q.requests)
	q.mu.Unlock()
	if err == nil {
		err = q.store.Set(ctx, outbound.KeyOfflineQueue, data)
	}
	if err != nil {
		q.logger.Warn("failed to persist offline queue", "error", err)
	}
}

func (q *OfflineQueue) persistCache(ctx context.Context) {
	q.mu.Lock()
	data, err := json.Marshal(q.cache)
	q.mu.Unlock()
	if err == nil {
		err = q.store.Set(ctx, outbound.KeyOfflineCache, data)
	}
	if err != nil {
		q.logger.Warn("failed to persist offline cache", "error", err)
	}
}

func (q *OfflineQueue) load(ctx context.Context, key string, v any) error {
	data, err := q.store.Get(ctx, key)
	if errors.Is(err, outbound.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		q.logger.Warn("discarding unreadable offline data", "key", key, "error", err)
	}
	return nil
}
