package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
	"github.com/Sentinel-Gate/portalguard/internal/domain/token"
	"github.com/Sentinel-Gate/portalguard/internal/port/inbound"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
	"github.com/Sentinel-Gate/portalguard/internal/telemetry"
)

// Header names attached to authenticated calls.
const (
	HeaderAuthorization     = "Authorization"
	HeaderDeviceFingerprint = "X-Device-Fingerprint"
)

// ErrSessionClosed is returned once the manager has been closed.
var ErrSessionClosed = errors.New("session manager closed")

// SessionConfig holds session timing and retry settings.
type SessionConfig struct {
	// AccessTokenLifetime is assumed when a token's expiry cannot be decoded.
	AccessTokenLifetime time.Duration
	// RefreshBuffer is how long before expiry the proactive refresh runs.
	RefreshBuffer time.Duration
	// Timeout is the inactivity timeout.
	Timeout time.Duration
	// WarningTime is how long before the inactivity deadline the warning fires.
	WarningTime        time.Duration
	MaxRefreshAttempts int
	RefreshCooldown    time.Duration
	// RefreshTimeout bounds a single call to the refresh endpoint.
	RefreshTimeout     time.Duration
	AutoLogout         bool
	RememberMeDuration time.Duration
	// QueueMaxAge bounds how long a request waits for a refresh.
	QueueMaxAge time.Duration
}

// DefaultSessionConfig returns the stock session settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AccessTokenLifetime: token.DefaultFallbackLifetime,
		RefreshBuffer:       5 * time.Minute,
		Timeout:             30 * time.Minute,
		WarningTime:         5 * time.Minute,
		MaxRefreshAttempts:  3,
		RefreshCooldown:     30 * time.Second,
		RefreshTimeout:      30 * time.Second,
		AutoLogout:          true,
		RememberMeDuration:  30 * 24 * time.Hour,
		QueueMaxAge:         30 * time.Second,
	}
}

func (c *SessionConfig) applyDefaults() {
	d := DefaultSessionConfig()
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = d.AccessTokenLifetime
	}
	if c.RefreshBuffer < 0 {
		c.RefreshBuffer = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.WarningTime < 0 || c.WarningTime >= c.Timeout {
		c.WarningTime = 0
	}
	if c.MaxRefreshAttempts <= 0 {
		c.MaxRefreshAttempts = d.MaxRefreshAttempts
	}
	if c.RefreshCooldown < 0 {
		c.RefreshCooldown = 0
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = d.RefreshTimeout
	}
	if c.RememberMeDuration <= 0 {
		c.RememberMeDuration = d.RememberMeDuration
	}
	if c.QueueMaxAge <= 0 {
		c.QueueMaxAge = d.QueueMaxAge
	}
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithIntrospector replaces the JWT introspector.
func WithIntrospector(in token.Introspector) SessionOption {
	return func(m *SessionManager) { m.introspector = in }
}

// WithSessionRecorder sets where session failures are recorded.
func WithSessionRecorder(r errlog.Recorder) SessionOption {
	return func(m *SessionManager) { m.recorder = r }
}

// WithSessionMetrics records refresh outcomes and the authenticated gauge.
func WithSessionMetrics(mt *telemetry.Metrics) SessionOption {
	return func(m *SessionManager) { m.metrics = mt }
}

// WithDeviceFingerprint sets the fingerprint used when none is persisted.
func WithDeviceFingerprint(fp string) SessionOption {
	return func(m *SessionManager) { m.state.DeviceFingerprint = fp }
}

// WithSessionClock replaces time.Now. Timers still run on wall time.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// Executor is a deferred call replayed after a successful refresh.
type Executor func(ctx context.Context) (*request.Response, error)

type queuedResult struct {
	resp *request.Response
	err  error
}

type queuedRequest struct {
	ctx        context.Context
	exec       Executor
	enqueuedAt time.Time
	result     chan queuedResult
}

// sessionTimer is a time.AfterFunc whose callback is ignored once the timer
// has been re-armed or stopped.
type sessionTimer struct {
	t   *time.Timer
	gen uint64
}

// SessionManager owns the authenticated session: tokens, refresh, inactivity
// tracking and the queue of calls waiting for a refresh.
type SessionManager struct {
	cfg          SessionConfig
	store        outbound.KVStore
	refresher    outbound.TokenRefresher
	introspector token.Introspector
	bus          *event.Bus
	logger       *slog.Logger
	recorder     errlog.Recorder
	metrics      *telemetry.Metrics
	now          func() time.Time

	mu         sync.Mutex
	state      session.State
	tokens     token.Pair
	activity   []session.ActivityRecord
	expired    bool
	lastReason string
	// sessionGen changes whenever a session starts or is torn down, so a
	// refresh that completes afterwards drops its result.
	sessionGen    uint64
	lastFailureAt time.Time
	timedOut      bool
	queue         []*queuedRequest

	refreshTimer  sessionTimer
	retryTimer    sessionTimer
	warningTimer  sessionTimer
	activityTimer sessionTimer

	// refreshes joins concurrent refreshes of one session generation.
	refreshes singleflight.Group

	closed bool
	wg     sync.WaitGroup
}

// NewSessionManager creates a SessionManager. Call Restore to resume a
// persisted session.
func NewSessionManager(store outbound.KVStore, refresher outbound.TokenRefresher, bus *event.Bus, cfg SessionConfig, logger *slog.Logger, opts ...SessionOption) *SessionManager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	m := &SessionManager{
		cfg:          cfg,
		store:        store,
		refresher:    refresher,
		introspector: token.NewJWTIntrospector(),
		bus:          bus,
		logger:       logger,
		recorder:     errlog.NopRecorder{},
		metrics:      telemetry.NewNopMetrics(),
		now:          time.Now,
		state:        session.NewState(""),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitializeSession starts a session for userID after a successful login.
func (m *SessionManager) InitializeSession(ctx context.Context, userID string, pair token.Pair, rememberMe bool) error {
	if !pair.Complete() {
		return errors.New("initialize session: token pair is incomplete")
	}
	now := m.clock()
	expiry := m.tokenExpiry(pair.AccessToken, now)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.stopTimersLocked()
	m.sessionGen++
	// A refresh of the previous session may still be running; its result
	// is dropped by generation.
	m.state.IsRefreshing = false
	m.tokens = pair
	m.state.Start(userID, now, expiry, rememberMe)
	m.activity = nil
	m.expired = false
	m.lastReason = ""
	m.lastFailureAt = time.Time{}
	m.timedOut = false
	m.armActivityTimersLocked(now)
	m.armRefreshTimerLocked(now)
	st, activity := m.snapshotLocked()
	m.mu.Unlock()

	m.saveJSON(ctx, outbound.KeyAccessToken, pair.AccessToken)
	m.saveJSON(ctx, outbound.KeyRefreshToken, pair.RefreshToken)
	m.saveJSON(ctx, outbound.KeyRememberMe, rememberMe)
	m.saveJSON(ctx, outbound.KeyDeviceFingerprint, st.DeviceFingerprint)
	m.saveJSON(ctx, outbound.KeyActivityLog, activity)
	m.saveJSON(ctx, outbound.KeySessionState, st)

	m.metrics.SessionAuthenticated.Set(1)
	m.logger.Info("session initialized", "user_id", userID, "token_expires_at", expiry, "remember_me", rememberMe)
	m.bus.Emit(event.SessionInitialized, event.SessionInitializedPayload{UserID: userID})
	return nil
}

// Restore resumes a persisted session. It is a no-op when nothing is stored.
func (m *SessionManager) Restore(ctx context.Context) error {
	var fp string
	if ok, err := m.loadJSON(ctx, outbound.KeyDeviceFingerprint, &fp); err != nil {
		return err
	} else if ok && fp != "" {
		m.mu.Lock()
		m.state.DeviceFingerprint = fp
		m.mu.Unlock()
	}

	var st session.State
	ok, err := m.loadJSON(ctx, outbound.KeySessionState, &st)
	if err != nil {
		return err
	}
	if !ok || !st.IsAuthenticated {
		return nil
	}

	var pair token.Pair
	var rememberMe bool
	var activity []session.ActivityRecord
	if _, err := m.loadJSON(ctx, outbound.KeyAccessToken, &pair.AccessToken); err != nil {
		return err
	}
	if _, err := m.loadJSON(ctx, outbound.KeyRefreshToken, &pair.RefreshToken); err != nil {
		return err
	}
	if _, err := m.loadJSON(ctx, outbound.KeyRememberMe, &rememberMe); err != nil {
		return err
	}
	if _, err := m.loadJSON(ctx, outbound.KeyActivityLog, &activity); err != nil {
		return err
	}

	now := m.clock()
	if fp == "" {
		fp = st.DeviceFingerprint
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if fp != "" {
		m.state.DeviceFingerprint = fp
	}
	fp = m.state.DeviceFingerprint
	st.DeviceFingerprint = fp
	st.RememberMe = st.RememberMe || rememberMe
	st.IsRefreshing = false
	if st.WarningsShown == nil {
		st.WarningsShown = make(map[session.WarningKind]bool)
	}
	m.state = st
	m.tokens = pair
	m.activity = activity
	m.sessionGen++
	m.mu.Unlock()

	switch {
	case !pair.Complete():
		m.InvalidateSession(ctx, session.ReasonSessionTimeout)
		return nil
	case st.RememberMe && st.RememberMeExpired(now, m.cfg.RememberMeDuration):
		m.InvalidateSession(ctx, session.ReasonRememberMeExpired)
		return nil
	case !st.RememberMe && st.TimedOut(now, m.cfg.Timeout):
		m.InvalidateSession(ctx, session.ReasonSessionTimeout)
		return nil
	}

	m.mu.Lock()
	if st.RememberMe {
		// A remembered session comes back as if the user just returned.
		m.state.Touch(now)
	}
	m.state.TokenExpiresAt = m.tokenExpiry(pair.AccessToken, now)
	m.armActivityTimersLocked(now)
	m.armRefreshTimerLocked(now)
	snap, _ := m.snapshotLocked()
	m.mu.Unlock()

	m.saveJSON(ctx, outbound.KeySessionState, snap)
	m.metrics.SessionAuthenticated.Set(1)
	m.logger.Info("session restored", "user_id", snap.UserID, "token_expires_at", snap.TokenExpiresAt)
	return nil
}

// IsAuthenticated reports whether a session exists, valid or not.
func (m *SessionManager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsAuthenticated
}

// IsSessionValid reports whether the session is authenticated, within its
// inactivity deadline and holding both tokens.
func (m *SessionManager) IsSessionValid() bool {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsAuthenticated && !m.state.TimedOut(now, m.cfg.Timeout) && m.tokens.Complete()
}

// TimeRemaining returns the time left before the inactivity deadline and
// before the access token expires.
func (m *SessionManager) TimeRemaining() session.Remaining {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.IsAuthenticated {
		return session.Remaining{}
	}
	return m.state.RemainingAt(now, m.cfg.Timeout)
}

// NeedsRefresh reports whether the access token has already expired.
func (m *SessionManager) NeedsRefresh() bool {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsAuthenticated && m.state.TokenExpired(now)
}

// IsRefreshing reports whether a refresh is in flight.
func (m *SessionManager) IsRefreshing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsRefreshing
}

// UserID returns the authenticated user, or "".
func (m *SessionManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UserID
}

// DeviceFingerprint returns the fingerprint sent with every call.
func (m *SessionManager) DeviceFingerprint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeviceFingerprint
}

// Phase returns the lifecycle phase.
func (m *SessionManager) Phase() session.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phaseLocked()
}

func (m *SessionManager) phaseLocked() session.Phase {
	switch {
	case !m.state.IsAuthenticated && m.expired:
		return session.PhaseExpired
	case !m.state.IsAuthenticated:
		return session.PhaseUnauthenticated
	case m.state.IsRefreshing:
		return session.PhaseRefreshing
	case m.timedOut:
		return session.PhaseExpired
	case m.state.WarningsShown[session.WarningInactivity]:
		return session.PhaseWarning
	default:
		return session.PhaseActive
	}
}

// Status returns the public view of the session.
func (m *SessionManager) Status() inbound.SessionStatus {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	st := inbound.SessionStatus{
		Phase:  m.phaseLocked(),
		UserID: m.state.UserID,
	}
	if m.state.IsAuthenticated {
		st.Valid = !m.state.TimedOut(now, m.cfg.Timeout) && m.tokens.Complete()
		st.Remaining = m.state.RemainingAt(now, m.cfg.Timeout)
	}
	return st
}

// ActivityLog returns the recorded activity, oldest first.
func (m *SessionManager) ActivityLog() []session.ActivityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.ActivityRecord(nil), m.activity...)
}

// ApplyCredentials sets the bearer token and device fingerprint headers.
func (m *SessionManager) ApplyCredentials(h http.Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.IsAuthenticated || m.tokens.AccessToken == "" {
		return request.ErrNotAuthenticated
	}
	h.Set(HeaderAuthorization, "Bearer "+m.tokens.AccessToken)
	if m.state.DeviceFingerprint != "" {
		h.Set(HeaderDeviceFingerprint, m.state.DeviceFingerprint)
	}
	return nil
}

// RecordActivity resets the inactivity deadline.
func (m *SessionManager) RecordActivity(ctx context.Context, kind session.ActivityKind) {
	now := m.clock()
	m.mu.Lock()
	if !m.state.IsAuthenticated || m.closed {
		m.mu.Unlock()
		return
	}
	m.state.Touch(now)
	m.timedOut = false
	m.activity = session.AppendActivity(m.activity, session.ActivityRecord{Kind: kind, At: now})
	m.armActivityTimersLocked(now)
	st, activity := m.snapshotLocked()
	m.mu.Unlock()

	m.saveJSON(ctx, outbound.KeyActivityLog, activity)
	m.saveJSON(ctx, outbound.KeySessionState, st)
}

// ExtendSession records a manual activity ping.
func (m *SessionManager) ExtendSession(ctx context.Context) {
	if !m.IsAuthenticated() {
		return
	}
	m.RecordActivity(ctx, session.ActivityManual)
	m.bus.Emit(event.SessionExtended, nil)
}

// RefreshSession refreshes the token pair, joining a refresh already in
// flight. It reports whether the session holds fresh tokens afterwards.
func (m *SessionManager) RefreshSession(ctx context.Context) bool {
	return m.refresh(ctx) == nil
}

// Refresh is RefreshSession returning the failure cause.
func (m *SessionManager) Refresh(ctx context.Context) error {
	return m.refresh(ctx)
}

func (m *SessionManager) refresh(ctx context.Context) error {
	m.mu.Lock()
	if !m.state.IsAuthenticated {
		m.mu.Unlock()
		return request.ErrNotAuthenticated
	}
	gen := m.sessionGen
	m.mu.Unlock()

	// The refresh outlives any single caller.
	rctx := context.WithoutCancel(ctx)
	done := make(chan error, 1)
	started := m.goAsync(func() {
		_, err, _ := m.refreshes.Do(strconv.FormatUint(gen, 10), func() (any, error) {
			return nil, m.runRefresh(rctx, gen)
		})
		done <- err
	})
	if !started {
		return ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runRefresh performs one refresh for session generation gen. Callers
// joining through m.refreshes share its result.
func (m *SessionManager) runRefresh(ctx context.Context, gen uint64) error {
	now := m.clock()

	m.mu.Lock()
	if gen != m.sessionGen || !m.state.IsAuthenticated {
		reason := m.lastReason
		m.mu.Unlock()
		return &request.SessionInvalidatedError{Reason: reason}
	}
	if !m.lastFailureAt.IsZero() && now.Sub(m.lastFailureAt) < m.cfg.RefreshCooldown {
		m.mu.Unlock()
		return request.ErrRefreshCooldown
	}
	m.state.IsRefreshing = true
	refreshToken := m.tokens.RefreshToken
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	pair, err := m.refresher.Refresh(rctx, refreshToken)
	cancel()

	return m.completeRefresh(ctx, gen, pair, err)
}

func (m *SessionManager) completeRefresh(ctx context.Context, gen uint64, pair token.Pair, refreshErr error) error {
	ctx = context.WithoutCancel(ctx)
	now := m.clock()

	m.mu.Lock()
	if gen != m.sessionGen || !m.state.IsAuthenticated {
		// The session this refresh belonged to is gone. The refreshing flag
		// already belongs to its successor.
		reason := m.lastReason
		m.mu.Unlock()
		return &request.SessionInvalidatedError{Reason: reason}
	}
	m.state.IsRefreshing = false

	if refreshErr == nil {
		if pair.RefreshToken == "" {
			pair.RefreshToken = m.tokens.RefreshToken
		}
		m.tokens = pair
		m.state.TokenExpiresAt = m.tokenExpiry(pair.AccessToken, now)
		m.state.RefreshAttempts = 0
		delete(m.state.WarningsShown, session.WarningRefreshFailing)
		m.lastFailureAt = time.Time{}
		m.stopTimer(&m.retryTimer)
		m.armRefreshTimerLocked(now)
		queued := m.queue
		m.queue = nil
		st, _ := m.snapshotLocked()
		m.mu.Unlock()

		m.saveJSON(ctx, outbound.KeyAccessToken, pair.AccessToken)
		m.saveJSON(ctx, outbound.KeyRefreshToken, pair.RefreshToken)
		m.saveJSON(ctx, outbound.KeySessionState, st)
		m.metrics.Refreshes.WithLabelValues("success").Inc()
		m.logger.Debug("token refreshed", "token_expires_at", st.TokenExpiresAt, "queued", len(queued))
		m.bus.Emit(event.TokenRefreshed, nil)
		if !m.goAsync(func() { m.release(queued, nil) }) {
			m.release(queued, ErrSessionClosed)
		}
		return nil
	}

	rejected := errors.Is(refreshErr, outbound.ErrRefreshTokenRejected)
	m.state.RefreshAttempts++
	attempts := m.state.RefreshAttempts
	m.lastFailureAt = now
	maxed := attempts >= m.cfg.MaxRefreshAttempts
	terminal := rejected || maxed
	warn := !terminal && m.state.MarkWarning(session.WarningRefreshFailing)
	if !terminal {
		m.armRetryTimerLocked()
	}
	var queued []*queuedRequest
	if !terminal {
		queued = m.queue
		m.queue = nil
	}
	st, _ := m.snapshotLocked()
	m.mu.Unlock()

	m.saveJSON(ctx, outbound.KeySessionState, st)
	m.metrics.Refreshes.WithLabelValues("failure").Inc()
	m.recorder.Log(ctx, errlog.LevelError, errlog.CategoryAuth, "token refresh failed", map[string]any{
		"attempt":      attempts,
		"max_attempts": m.cfg.MaxRefreshAttempts,
		"error":        refreshErr.Error(),
	})
	m.bus.Emit(event.RefreshFailed, event.RefreshFailedPayload{Attempts: attempts, MaxAttempts: m.cfg.MaxRefreshAttempts})
	if warn {
		m.bus.Emit(event.SessionWarning, event.SessionWarningPayload{
			Type:    string(session.WarningRefreshFailing),
			Message: "Unable to refresh your session. Retrying.",
		})
	}

	switch {
	case rejected:
		m.InvalidateSession(ctx, session.ReasonRefreshTokenRejected)
		return &request.SessionInvalidatedError{Reason: session.ReasonRefreshTokenRejected}
	case maxed:
		m.InvalidateSession(ctx, session.ReasonMaxRefreshAttempts)
		return &request.SessionInvalidatedError{Reason: session.ReasonMaxRefreshAttempts}
	}

	err := fmt.Errorf("token refresh failed: %w", refreshErr)
	m.release(queued, err)
	return err
}

// QueueRequest parks exec until the in-flight refresh completes, starting
// one if needed. exec runs after a successful refresh; queued calls are
// replayed in arrival order.
func (m *SessionManager) QueueRequest(ctx context.Context, exec Executor) (*request.Response, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if !m.state.IsAuthenticated {
		m.mu.Unlock()
		return nil, request.ErrNotAuthenticated
	}
	q := &queuedRequest{
		ctx:        ctx,
		exec:       exec,
		enqueuedAt: m.clock(),
		result:     make(chan queuedResult, 1),
	}
	m.queue = append(m.queue, q)
	start := !m.state.IsRefreshing
	m.mu.Unlock()

	if start {
		m.goAsync(func() { _ = m.refresh(context.WithoutCancel(ctx)) })
	}

	t := time.NewTimer(m.cfg.QueueMaxAge)
	defer t.Stop()
	select {
	case r := <-q.result:
		return r.resp, r.err
	case <-t.C:
		if m.dequeue(q) {
			return nil, request.ErrQueuedRequestExpired
		}
	case <-ctx.Done():
		if m.dequeue(q) {
			return nil, ctx.Err()
		}
	}
	// Already handed to release; wait for its outcome.
	r := <-q.result
	return r.resp, r.err
}

func (m *SessionManager) dequeue(q *queuedRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.queue {
		if e == q {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// release runs queued calls one at a time in arrival order, or rejects them
// all with err.
func (m *SessionManager) release(queued []*queuedRequest, err error) {
	for _, q := range queued {
		if err != nil {
			q.result <- queuedResult{err: err}
			continue
		}
		if m.clock().Sub(q.enqueuedAt) > m.cfg.QueueMaxAge || q.ctx.Err() != nil {
			q.result <- queuedResult{err: request.ErrQueuedRequestExpired}
			continue
		}
		resp, execErr := q.exec(q.ctx)
		q.result <- queuedResult{resp: resp, err: execErr}
	}
}

// InvalidateSession tears the session down. Queued calls are rejected with a
// SessionInvalidatedError. It is a no-op without a session.
func (m *SessionManager) InvalidateSession(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	if !m.state.IsAuthenticated && len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	userID := m.state.UserID
	m.stopTimersLocked()
	m.sessionGen++
	queued := m.queue
	m.queue = nil
	m.state.Reset()
	m.tokens = token.Pair{}
	m.activity = nil
	m.lastFailureAt = time.Time{}
	m.timedOut = false
	m.expired = reason != session.ReasonLogout
	m.lastReason = reason
	m.mu.Unlock()

	for _, key := range outbound.SessionKeys {
		if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, outbound.ErrKeyNotFound) {
			m.logger.Warn("failed to wipe session key", "key", key, "error", err)
		}
	}

	m.release(queued, &request.SessionInvalidatedError{Reason: reason})

	m.metrics.SessionAuthenticated.Set(0)
	level := errlog.LevelWarn
	if reason == session.ReasonLogout {
		level = errlog.LevelInfo
	}
	m.recorder.Log(ctx, level, errlog.CategorySession, "session invalidated", map[string]any{
		"reason":  reason,
		"user_id": userID,
	})
	m.logger.Info("session invalidated", "reason", reason, "user_id", userID, "rejected", len(queued))

	if reason != session.ReasonLogout {
		m.bus.Emit(event.SessionExpired, event.ReasonPayload{Reason: reason})
	}
	m.bus.Emit(event.SessionInvalidated, event.ReasonPayload{Reason: reason})
}

type logouter interface {
	Logout(ctx context.Context, accessToken string) error
}

// Logout revokes the session server-side when supported, then invalidates
// it locally. A failed remote logout is logged and does not block the
// local teardown.
func (m *SessionManager) Logout(ctx context.Context) {
	m.mu.Lock()
	access := m.tokens.AccessToken
	m.mu.Unlock()

	if lo, ok := m.refresher.(logouter); ok && access != "" {
		if err := lo.Logout(ctx, access); err != nil {
			m.logger.Warn("remote logout failed", "error", err)
		}
	}
	m.InvalidateSession(ctx, session.ReasonLogout)
}

// On subscribes to an event.
func (m *SessionManager) On(name event.Name, h event.Handler) event.Subscription {
	return m.bus.On(name, h)
}

// Off removes a subscription.
func (m *SessionManager) Off(sub event.Subscription) {
	m.bus.Off(sub)
}

// Close stops all timers and waits for background work. The persisted
// session is left intact so it can be restored later.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopTimersLocked()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	m.release(queued, ErrSessionClosed)
	m.wg.Wait()
}

// goAsync runs fn on a tracked goroutine. It reports false, without running
// fn, once the manager is closed.
func (m *SessionManager) goAsync(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// --- timers ---

// armLocked (re)starts t to run fn after d. Caller holds m.mu.
func (m *SessionManager) armLocked(t *sessionTimer, d time.Duration, fn func()) {
	m.stopTimer(t)
	gen := t.gen
	if d < 0 {
		d = 0
	}
	t.t = time.AfterFunc(d, func() {
		m.mu.Lock()
		stale := m.closed || t.gen != gen
		m.mu.Unlock()
		if !stale {
			fn()
		}
	})
}

func (m *SessionManager) stopTimer(t *sessionTimer) {
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (m *SessionManager) stopTimersLocked() {
	m.stopTimer(&m.refreshTimer)
	m.stopTimer(&m.retryTimer)
	m.stopTimer(&m.warningTimer)
	m.stopTimer(&m.activityTimer)
}

func (m *SessionManager) armRefreshTimerLocked(now time.Time) {
	d := m.state.TokenExpiresAt.Add(-m.cfg.RefreshBuffer).Sub(now)
	m.armLocked(&m.refreshTimer, d, func() {
		m.goAsync(func() {
			if err := m.refresh(context.Background()); err != nil {
				m.logger.Debug("scheduled refresh failed", "error", err)
			}
		})
	})
}

func (m *SessionManager) armRetryTimerLocked() {
	m.armLocked(&m.retryTimer, m.cfg.RefreshCooldown, func() {
		m.goAsync(func() { _ = m.refresh(context.Background()) })
	})
}

func (m *SessionManager) armActivityTimersLocked(now time.Time) {
	deadline := m.state.InactivityDeadline(m.cfg.Timeout)
	if m.cfg.WarningTime > 0 {
		m.armLocked(&m.warningTimer, deadline.Add(-m.cfg.WarningTime).Sub(now), m.onInactivityWarning)
	}
	m.armLocked(&m.activityTimer, deadline.Sub(now), m.onInactivityTimeout)
}

func (m *SessionManager) onInactivityWarning() {
	m.mu.Lock()
	fire := m.state.IsAuthenticated && m.state.MarkWarning(session.WarningInactivity)
	m.mu.Unlock()
	if !fire {
		return
	}
	m.bus.Emit(event.SessionWarning, event.SessionWarningPayload{
		Type:    string(session.WarningInactivity),
		Message: fmt.Sprintf("Your session will expire in %s due to inactivity.", m.cfg.WarningTime),
	})
}

func (m *SessionManager) onInactivityTimeout() {
	m.mu.Lock()
	if !m.state.IsAuthenticated || m.timedOut {
		m.mu.Unlock()
		return
	}
	m.timedOut = true
	userID := m.state.UserID
	m.mu.Unlock()

	m.logger.Info("session timed out", "user_id", userID, "auto_logout", m.cfg.AutoLogout)
	m.bus.Emit(event.SessionTimeout, nil)
	if m.cfg.AutoLogout {
		m.goAsync(func() { m.InvalidateSession(context.Background(), session.ReasonSessionTimeout) })
	}
}

// --- persistence ---

func (m *SessionManager) tokenExpiry(accessToken string, now time.Time) time.Time {
	exp, fellBack := token.ExpiryOrFallback(m.introspector, accessToken, now, m.cfg.AccessTokenLifetime)
	if fellBack {
		m.logger.Warn("could not decode access token expiry, assuming fallback lifetime",
			"lifetime", m.cfg.AccessTokenLifetime)
	}
	return exp
}

func (m *SessionManager) clock() time.Time {
	return m.now().UTC()
}

// snapshotLocked copies the state for persisting outside the lock.
func (m *SessionManager) snapshotLocked() (session.State, []session.ActivityRecord) {
	st := m.state
	st.WarningsShown = make(map[session.WarningKind]bool, len(m.state.WarningsShown))
	for k, v := range m.state.WarningsShown {
		st.WarningsShown[k] = v
	}
	return st, append([]session.ActivityRecord(nil), m.activity...)
}

func (m *SessionManager) saveJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("failed to encode session value", "key", key, "error", err)
		return
	}
	if err := m.store.Set(ctx, key, data); err != nil {
		m.logger.Warn("failed to persist session value", "key", key, "error", err)
	}
}

func (m *SessionManager) loadJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := m.store.Get(ctx, key)
	if errors.Is(err, outbound.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		m.logger.Warn("discarding unreadable session value", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

var _ inbound.SessionControl = (*SessionManager)(nil)
