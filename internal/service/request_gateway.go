package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/Sentinel-Gate/portalguard/internal/ctxkey"
	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/port/inbound"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
	"github.com/Sentinel-Gate/portalguard/internal/telemetry"
)

// Header names set by the gateway.
const (
	HeaderCSRFToken = "X-CSRF-Token"
	// HeaderCacheStatus marks responses served from the offline read cache.
	HeaderCacheStatus = "X-Portalguard-Cache"
)

// Default gateway settings.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultCacheTTL       = 5 * time.Minute

	// maxResponseBodySize caps how much of a response body is buffered.
	maxResponseBodySize = 10 << 20
)

// GatewayConfig configures a RequestGateway.
type GatewayConfig struct {
	// BaseURL is prepended to relative request URLs.
	BaseURL string
	// Timeout bounds each network attempt.
	Timeout    time.Duration
	MaxRetries int
	// BackoffBase and BackoffMax shape the exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	CacheTTL    time.Duration
	// RequestsPerMinute is the per-endpoint limit enforced when a rate
	// limiter is configured.
	RequestsPerMinute int
}

// OfflineSink receives mutating calls that failed for lack of connectivity
// and serves the stale read cache.
type OfflineSink interface {
	Enqueue(ctx context.Context, draft offline.Draft, priority offline.Priority) (string, error)
	SetCache(ctx context.Context, key string, resp *request.Response, ttl time.Duration) error
	GetCache(ctx context.Context, key string) (*request.Response, bool)
}

// GatewayOption configures a RequestGateway.
type GatewayOption func(*RequestGateway)

// WithRateLimiter enables per-endpoint client-side rate limiting.
func WithRateLimiter(l ratelimit.RateLimiter) GatewayOption {
	return func(g *RequestGateway) { g.limiter = l }
}

// WithOfflineSink sets where network-failed mutating calls are queued.
func WithOfflineSink(s OfflineSink) GatewayOption {
	return func(g *RequestGateway) { g.offline = s }
}

// WithCSRFSource supplies the anti-forgery token sent with mutating calls.
func WithCSRFSource(fn func() string) GatewayOption {
	return func(g *RequestGateway) { g.csrf = fn }
}

// WithGatewayRecorder sets where failed calls are recorded.
func WithGatewayRecorder(r errlog.Recorder) GatewayOption {
	return func(g *RequestGateway) { g.recorder = r }
}

// WithGatewayMetrics records call outcomes and durations.
func WithGatewayMetrics(m *telemetry.Metrics) GatewayOption {
	return func(g *RequestGateway) { g.metrics = m }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) GatewayOption {
	return func(g *RequestGateway) { g.tracer = t }
}

// WithGatewayClock replaces time.Now for Retry-After parsing.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *RequestGateway) { g.now = now }
}

type flightResult struct {
	resp    *request.Response
	outcome string
}

// RequestGateway is the single entry point for API calls: it attaches
// credentials, caches, de-duplicates, retries, refreshes on 401 and queues
// mutating calls offline.
type RequestGateway struct {
	cfg      GatewayConfig
	doer     outbound.HTTPDoer
	sessions *SessionManager
	bus      *event.Bus
	logger   *slog.Logger
	limiter  ratelimit.RateLimiter
	offline  OfflineSink
	csrf     func() string
	recorder errlog.Recorder
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	cache  *ttlcache.Cache[string, request.CacheEntry]
	flight singleflight.Group

	mu                sync.RWMutex
	inflight          map[string]struct{}
	reqInterceptors   []request.RequestInterceptor
	respInterceptors  []request.ResponseInterceptor
	errorInterceptors []request.ErrorInterceptor
	invalidatedSub    event.Subscription
	closeOnce         sync.Once
}

// NewRequestGateway creates a RequestGateway and starts its cache sweeper.
// Call Close to stop it.
func NewRequestGateway(doer outbound.HTTPDoer, sessions *SessionManager, bus *event.Bus, cfg GatewayConfig, logger *slog.Logger, opts ...GatewayOption) *RequestGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	g := &RequestGateway{
		cfg:      cfg,
		doer:     doer,
		sessions: sessions,
		bus:      bus,
		logger:   logger,
		recorder: errlog.NopRecorder{},
		metrics:  telemetry.NewNopMetrics(),
		tracer:   telemetry.Tracer(noop.NewTracerProvider()),
		now:      time.Now,
		inflight: make(map[string]struct{}),
		cache: ttlcache.New(
			ttlcache.WithTTL[string, request.CacheEntry](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, request.CacheEntry](),
		),
	}
	for _, opt := range opts {
		opt(g)
	}
	go g.cache.Start()
	g.invalidatedSub = bus.On(event.SessionInvalidated, func(event.Event) { g.reset() })
	return g
}

// AttachOffline sets the offline sink after construction, for wiring the
// gateway and queue to each other. Call before the first request.
func (g *RequestGateway) AttachOffline(s OfflineSink) {
	g.mu.Lock()
	g.offline = s
	g.mu.Unlock()
}

// UseRequest registers request interceptors, run in registration order.
func (g *RequestGateway) UseRequest(ics ...request.RequestInterceptor) {
	g.mu.Lock()
	g.reqInterceptors = append(g.reqInterceptors, ics...)
	g.mu.Unlock()
}

// UseResponse registers response interceptors.
func (g *RequestGateway) UseResponse(ics ...request.ResponseInterceptor) {
	g.mu.Lock()
	g.respInterceptors = append(g.respInterceptors, ics...)
	g.mu.Unlock()
}

// UseError registers error interceptors.
func (g *RequestGateway) UseError(ics ...request.ErrorInterceptor) {
	g.mu.Lock()
	g.errorInterceptors = append(g.errorInterceptors, ics...)
	g.mu.Unlock()
}

// Call executes req through the full pipeline.
func (g *RequestGateway) Call(ctx context.Context, req *request.Request) (*request.Response, error) {
	req = g.normalize(req)
	start := time.Now()

	ctx, span := g.tracer.Start(ctx, "gateway.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL),
		),
	)
	defer span.End()

	resp, outcome, err := g.call(ctx, req)
	g.metrics.GatewayRequests.WithLabelValues(req.Method, outcome).Inc()
	g.metrics.GatewayDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("portalguard.outcome", outcome))

	if err == nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		for _, ic := range g.responseInterceptorList() {
			if err = ic(ctx, req, resp); err != nil {
				break
			}
		}
	}
	if err != nil {
		err = g.fail(ctx, req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (g *RequestGateway) call(ctx context.Context, req *request.Request) (*request.Response, string, error) {
	for _, ic := range g.requestInterceptorList() {
		if err := ic(ctx, req); err != nil {
			return nil, "error", err
		}
	}

	if !req.SkipAuth && (g.sessions == nil || !g.sessions.IsAuthenticated()) {
		return nil, "error", request.ErrNotAuthenticated
	}

	key := request.CacheKey(req.Method, req.URL, req.Body)
	if req.Cacheable() {
		if item := g.cache.Get(key); item != nil && item.Value().Fresh(g.now()) {
			entry := item.Value()
			resp := entry.Data.Clone()
			resp.FromCache = true
			return resp, "cache", nil
		}
	}

	if g.limiter != nil {
		endpoint := req.Method + " " + urlPath(req.URL)
		res, err := g.limiter.Allow(ctx, ratelimit.FormatKey(ratelimit.KeyTypeEndpoint, endpoint), ratelimit.PerMinute(g.cfg.RequestsPerMinute))
		if err != nil {
			g.logger.Warn("rate limiter failed, allowing call", "endpoint", endpoint, "error", err)
		} else if !res.Allowed {
			return nil, "rate_limited", &request.RateLimitError{Endpoint: endpoint, RetryAfter: res.RetryAfter}
		}
	}

	g.trackFlight(key, true)
	ch := g.flight.DoChan(key, func() (any, error) {
		defer g.trackFlight(key, false)
		// Shared by every caller, so no single caller may cancel it.
		return g.execute(context.WithoutCancel(ctx), req, key)
	})

	select {
	case <-ctx.Done():
		return nil, "error", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			outcome := "error"
			if errors.Is(r.Err, request.ErrQueuedOffline) {
				outcome = "queued"
			}
			return nil, outcome, r.Err
		}
		fr := r.Val.(flightResult)
		return fr.resp.Clone(), fr.outcome, nil
	}
}

// execute performs the network part of a call once per de-duplicated key.
func (g *RequestGateway) execute(ctx context.Context, req *request.Request, key string) (flightResult, error) {
	resp, err := g.executeAuthenticated(ctx, req)
	if err != nil {
		if !errors.Is(err, request.ErrNetwork) {
			return flightResult{}, err
		}
		sink := g.offlineSink()
		if sink == nil {
			return flightResult{}, err
		}
		if req.IsMutating() && !req.SkipOffline {
			id, qerr := sink.Enqueue(ctx, offline.Draft{
				URL:    req.URL,
				Method: req.Method,
				Header: stripCredentials(req.Header),
				Body:   req.Body,
			}, req.Priority)
			if qerr != nil {
				return flightResult{}, errors.Join(err, fmt.Errorf("queue offline: %w", qerr))
			}
			return flightResult{}, &request.QueuedOfflineError{ID: id, Err: err}
		}
		if req.Method == http.MethodGet {
			if stale, ok := sink.GetCache(ctx, key); ok {
				stale.Stale = true
				stale.FromCache = true
				if stale.Header == nil {
					stale.Header = http.Header{}
				}
				stale.Header.Set(HeaderCacheStatus, "stale")
				return flightResult{resp: stale, outcome: "stale"}, nil
			}
		}
		return flightResult{}, err
	}

	if req.Cacheable() {
		ttl := req.CacheTTL
		if ttl <= 0 {
			ttl = g.cfg.CacheTTL
		}
		now := g.now()
		g.cache.Set(key, request.CacheEntry{
			Data:      *resp.Clone(),
			StoredAt:  now,
			ExpiresAt: now.Add(ttl),
			ETag:      resp.Header.Get("ETag"),
		}, ttl)
		if req.OfflineCache {
			if sink := g.offlineSink(); sink != nil {
				if err := sink.SetCache(ctx, key, resp, 0); err != nil {
					g.logger.Warn("failed to store offline cache entry", "url", req.URL, "error", err)
				}
			}
		}
	}
	return flightResult{resp: resp, outcome: "ok"}, nil
}

// executeAuthenticated sends req, routing it through the session refresh
// queue when the token is being refreshed, has expired or is rejected.
func (g *RequestGateway) executeAuthenticated(ctx context.Context, req *request.Request) (*request.Response, error) {
	send := func(ctx context.Context) (*request.Response, error) { return g.sendWithRetry(ctx, req) }
	if req.SkipAuth {
		return send(ctx)
	}
	if g.sessions.IsRefreshing() || g.sessions.NeedsRefresh() {
		return g.sessions.QueueRequest(ctx, send)
	}

	resp, err := send(ctx)
	if err != nil && errors.Is(err, request.ErrUnauthorized) && !req.SkipRefresh {
		g.logger.Debug("unauthorized, waiting for token refresh", "method", req.Method, "url", req.URL)
		return g.sessions.QueueRequest(ctx, send)
	}
	return resp, err
}

func (g *RequestGateway) sendWithRetry(ctx context.Context, req *request.Request) (*request.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := g.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		wait, retry := g.retryDelay(err, attempt)
		if !retry || attempt >= g.cfg.MaxRetries {
			return nil, err
		}
		g.metrics.GatewayRetries.Inc()
		ctxkey.Logger(ctx, g.logger).Debug("retrying request", "method", req.Method, "url", req.URL, "attempt", attempt+1, "wait", wait, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}
}

// retryDelay returns the backoff before the next attempt and whether err
// is retryable at all.
func (g *RequestGateway) retryDelay(err error, attempt int) (time.Duration, bool) {
	backoff := g.cfg.BackoffBase << attempt
	if backoff <= 0 || backoff > g.cfg.BackoffMax {
		backoff = g.cfg.BackoffMax
	}

	var httpErr *request.HTTPError
	switch {
	case errors.As(err, &httpErr):
		if !httpErr.Retryable() {
			return 0, false
		}
		if ra := httpErr.RetryAfter(g.now()); ra > 0 {
			if ra > g.cfg.BackoffMax {
				ra = g.cfg.BackoffMax
			}
			return ra, true
		}
		return backoff, true
	case errors.Is(err, request.ErrNetwork):
		return backoff, true
	default:
		return 0, false
	}
}

// send performs a single attempt.
func (g *RequestGateway) send(ctx context.Context, req *request.Request) (*request.Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Header {
		hreq.Header[k] = append([]string(nil), v...)
	}
	if !req.SkipAuth {
		if err := g.sessions.ApplyCredentials(hreq.Header); err != nil {
			return nil, err
		}
	}
	if req.IsMutating() && g.csrf != nil {
		if tok := g.csrf(); tok != "" {
			hreq.Header.Set(HeaderCSRFToken, tok)
		}
	}
	otel.GetTextMapPropagator().Inject(actx, propagation.HeaderCarrier(hreq.Header))

	hresp, err := g.doer.Do(hreq)
	if err != nil {
		return nil, &request.NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &request.NetworkError{Method: req.Method, URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		return nil, &request.HTTPError{
			StatusCode: hresp.StatusCode,
			Status:     hresp.Status,
			Header:     hresp.Header.Clone(),
			Body:       data,
			URL:        req.URL,
		}
	}
	return &request.Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header.Clone(),
		Body:       data,
	}, nil
}

// fail runs error interceptors and records the failure.
func (g *RequestGateway) fail(ctx context.Context, req *request.Request, err error) error {
	for _, ic := range g.errorInterceptorList() {
		if replaced := ic(ctx, req, err); replaced != nil {
			err = replaced
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	level := errlog.LevelWarn
	var httpErr *request.HTTPError
	switch {
	case errors.Is(err, request.ErrQueuedOffline):
		level = errlog.LevelInfo
	case errors.Is(err, request.ErrNetwork):
		level = errlog.LevelError
	case errors.As(err, &httpErr) && httpErr.StatusCode >= 500:
		level = errlog.LevelError
	}
	ctxkey.Logger(ctx, g.logger).Debug("request failed", "method", req.Method, "url", req.URL, "error", err)
	ctx = ctxkey.WithErrorContext(ctx, map[string]any{
		"method": req.Method,
		"url":    req.URL,
	})
	g.recorder.Log(ctx, level, request.Classify(err), "request failed", map[string]any{
		"error": err.Error(),
	})
	return err
}

// Replay executes a persisted offline request. It is never queued offline
// again and bypasses the response cache.
func (g *RequestGateway) Replay(ctx context.Context, r offline.Request) (*request.Response, error) {
	return g.Call(ctx, &request.Request{
		Method:      r.Method,
		URL:         r.URL,
		Header:      r.Header.Clone(),
		Body:        r.Body,
		SkipOffline: true,
		NoCache:     true,
		Priority:    r.Priority,
	})
}

// Get issues a GET.
func (g *RequestGateway) Get(ctx context.Context, u string) (*request.Response, error) {
	return g.Call(ctx, &request.Request{Method: http.MethodGet, URL: u})
}

// Post issues a POST with a JSON body.
func (g *RequestGateway) Post(ctx context.Context, u string, body any) (*request.Response, error) {
	return g.Do(ctx, http.MethodPost, u, body)
}

// Put issues a PUT with a JSON body.
func (g *RequestGateway) Put(ctx context.Context, u string, body any) (*request.Response, error) {
	return g.Do(ctx, http.MethodPut, u, body)
}

// Patch issues a PATCH with a JSON body.
func (g *RequestGateway) Patch(ctx context.Context, u string, body any) (*request.Response, error) {
	return g.Do(ctx, http.MethodPatch, u, body)
}

// Delete issues a DELETE.
func (g *RequestGateway) Delete(ctx context.Context, u string) (*request.Response, error) {
	return g.Call(ctx, &request.Request{Method: http.MethodDelete, URL: u})
}

// Do issues method with body encoded as JSON. A nil body sends none.
func (g *RequestGateway) Do(ctx context.Context, method, u string, body any) (*request.Response, error) {
	req := &request.Request{Method: method, URL: u, Header: http.Header{}}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		req.Body = data
		req.Header.Set("Content-Type", "application/json")
	}
	return g.Call(ctx, req)
}

// Upload POSTs a multipart form with one file part and optional fields.
func (g *RequestGateway) Upload(ctx context.Context, u, field, filename string, file io.Reader, fields map[string]string) (*request.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	return g.Call(ctx, &request.Request{
		Method: http.MethodPost,
		URL:    u,
		Header: http.Header{"Content-Type": {w.FormDataContentType()}},
		Body:   buf.Bytes(),
	})
}

// ClearCache drops every cached response.
func (g *RequestGateway) ClearCache() {
	g.cache.DeleteAll()
}

// CacheLen returns the number of cached responses.
func (g *RequestGateway) CacheLen() int {
	return g.cache.Len()
}

// Close stops the cache sweeper and the session subscription.
func (g *RequestGateway) Close() {
	g.closeOnce.Do(func() {
		g.bus.Off(g.invalidatedSub)
		g.cache.Stop()
	})
}

// reset clears the cache and forgets in-flight keys so later identical
// calls are not joined to ones issued under the old session.
func (g *RequestGateway) reset() {
	g.cache.DeleteAll()
	g.mu.Lock()
	for k := range g.inflight {
		g.flight.Forget(k)
	}
	g.inflight = make(map[string]struct{})
	g.mu.Unlock()
}

func (g *RequestGateway) trackFlight(key string, add bool) {
	g.mu.Lock()
	if add {
		g.inflight[key] = struct{}{}
	} else {
		delete(g.inflight, key)
	}
	g.mu.Unlock()
}

func (g *RequestGateway) normalize(in *request.Request) *request.Request {
	req := in.Clone()
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.URL = g.resolve(req.URL)
	return req
}

func (g *RequestGateway) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || g.cfg.BaseURL == "" {
		return u
	}
	return strings.TrimRight(g.cfg.BaseURL, "/") + "/" + strings.TrimLeft(u, "/")
}

func (g *RequestGateway) offlineSink() OfflineSink {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.offline
}

func (g *RequestGateway) requestInterceptorList() []request.RequestInterceptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reqInterceptors
}

func (g *RequestGateway) responseInterceptorList() []request.ResponseInterceptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.respInterceptors
}

func (g *RequestGateway) errorInterceptorList() []request.ErrorInterceptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.errorInterceptors
}

func urlPath(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

// stripCredentials drops per-session headers before a request is persisted;
// fresh ones are attached on replay.
func stripCredentials(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return nil
	}
	out.Del(HeaderAuthorization)
	out.Del(HeaderDeviceFingerprint)
	out.Del(HeaderCSRFToken)
	return out
}

var (
	_ inbound.Gateway = (*RequestGateway)(nil)
	_ Replayer        = (*RequestGateway)(nil)
	_ OfflineSink     = (*OfflineQueue)(nil)
)
