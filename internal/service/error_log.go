package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Sentinel-Gate/portalguard/internal/ctxkey"
	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
	"github.com/Sentinel-Gate/portalguard/internal/telemetry"
)

// ErrEntryNotFound is returned by Resolve for an unknown entry id.
var ErrEntryNotFound = errors.New("log entry not found")

// Default error log settings.
const (
	DefaultLogMaxEntries     = 1000
	DefaultLogRetention      = 24 * time.Hour
	DefaultLogReportInterval = 5 * time.Minute
	DefaultLogRetryBackoff   = time.Second
	DefaultRetryAttempts     = 3

	storageReportInterval = time.Minute

	// maxStackFrames bounds the stack captured for error and fatal entries.
	maxStackFrames = 16
)

// ErrorLogConfig configures an ErrorLog.
type ErrorLogConfig struct {
	MinLevel       errlog.Level
	MaxEntries     int
	Retention      time.Duration
	ReportInterval time.Duration
	// RetryBackoff is the linear backoff step used by Retry.
	RetryBackoff time.Duration
	// Source is stamped on every entry, e.g. "portalguard/cli".
	Source string
}

// ErrorLogOption configures an ErrorLog.
type ErrorLogOption func(*ErrorLog)

// WithLogReporter sets the collector that receives periodic batches.
// Without one, entries are kept locally only.
func WithLogReporter(r outbound.LogReporter) ErrorLogOption {
	return func(l *ErrorLog) { l.reporter = r }
}

// WithLogMetrics records entry counts.
func WithLogMetrics(m *telemetry.Metrics) ErrorLogOption {
	return func(l *ErrorLog) { l.metrics = m }
}

// WithLogFingerprint stamps entries with the device fingerprint.
func WithLogFingerprint(fp string) ErrorLogOption {
	return func(l *ErrorLog) { l.fingerprint = fp }
}

// WithLogClock replaces time.Now. Used by tests.
func WithLogClock(now func() time.Time) ErrorLogOption {
	return func(l *ErrorLog) { l.now = now }
}

// ErrorLog collects diagnostic entries, persists them, mirrors them to slog
// and ships them in batches to a remote collector.
type ErrorLog struct {
	cfg         ErrorLogConfig
	store       outbound.KVStore
	bus         *event.Bus
	logger      *slog.Logger
	reporter    outbound.LogReporter
	metrics     *telemetry.Metrics
	fingerprint string
	now         func() time.Time

	mu       sync.Mutex
	entries  []errlog.Entry
	attempts map[string]int
	entropy  *ulid.MonotonicEntropy

	// persistMu serializes snapshot+write so the newest snapshot always wins.
	persistMu sync.Mutex
	// reportMu allows one report batch at a time.
	reportMu          sync.Mutex
	lastStorageReport atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewErrorLog creates an ErrorLog. Call Load to read persisted entries.
func NewErrorLog(store outbound.KVStore, bus *event.Bus, cfg ErrorLogConfig, logger *slog.Logger, opts ...ErrorLogOption) *ErrorLog {
	if cfg.MinLevel == "" {
		cfg.MinLevel = errlog.LevelInfo
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultLogMaxEntries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultLogRetention
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultLogReportInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultLogRetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	l := &ErrorLog{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		logger:   logger,
		metrics:  telemetry.NewNopMetrics(),
		now:      time.Now,
		attempts: make(map[string]int),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads persisted entries and drops those older than the retention.
func (l *ErrorLog) Load(ctx context.Context) error {
	data, err := l.store.Get(ctx, outbound.KeyErrorLog)
	if errors.Is(err, outbound.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load error log: %w", err)
	}
	var entries []errlog.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("discarding unreadable error log", "error", err)
		return nil
	}

	l.mu.Lock()
	l.entries = entries
	pruned := l.pruneLocked(l.now())
	l.mu.Unlock()

	if pruned > 0 {
		l.persist(ctx)
	}
	return nil
}

// Log records an entry. It returns nil when level is below the minimum.
func (l *ErrorLog) Log(ctx context.Context, level errlog.Level, category errlog.Category, message string, details map[string]any) *errlog.Entry {
	return l.record(ctx, level, category, message, details, true)
}

func (l *ErrorLog) record(ctx context.Context, level errlog.Level, category errlog.Category, message string, details map[string]any, persist bool) *errlog.Entry {
	if !level.AtLeast(l.cfg.MinLevel) {
		return nil
	}
	if category == "" {
		category = errlog.CategoryGeneral
	}

	now := l.now().UTC()
	entry := errlog.Entry{
		Timestamp:         now,
		Level:             level,
		Category:          category,
		Message:           message,
		Details:           details,
		Context:           copyFields(ctxkey.ErrorContext(ctx)),
		Source:            l.cfg.Source,
		DeviceFingerprint: l.fingerprint,
	}
	if level.AtLeast(errlog.LevelError) {
		entry.Stack = callerStack(4)
	}

	l.mu.Lock()
	entry.ID = ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.cfg.MaxEntries; over > 0 {
		l.entries = append([]errlog.Entry(nil), l.entries[over:]...)
	}
	l.mu.Unlock()

	if persist {
		l.persist(ctx)
	}
	l.mirror(ctx, entry)
	l.metrics.ErrorLogEntries.WithLabelValues(string(level), string(category)).Inc()
	l.bus.Emit(event.ErrorLogged, entry)
	return &entry
}

func copyFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// LogError records err at error level, categorized by request.Classify.
func (l *ErrorLog) LogError(ctx context.Context, err error, message string, details map[string]any) *errlog.Entry {
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["error"] = err.Error()
	return l.Log(ctx, errlog.LevelError, request.Classify(err), message, details)
}

// Auth records an entry in the auth category.
func (l *ErrorLog) Auth(ctx context.Context, level errlog.Level, message string, details map[string]any) *errlog.Entry {
	return l.Log(ctx, level, errlog.CategoryAuth, message, details)
}

// Session records an entry in the session category.
func (l *ErrorLog) Session(ctx context.Context, level errlog.Level, message string, details map[string]any) *errlog.Entry {
	return l.Log(ctx, level, errlog.CategorySession, message, details)
}

// API records an entry in the api category.
func (l *ErrorLog) API(ctx context.Context, level errlog.Level, message string, details map[string]any) *errlog.Entry {
	return l.Log(ctx, level, errlog.CategoryAPI, message, details)
}

// Network records an entry in the network category.
func (l *ErrorLog) Network(ctx context.Context, level errlog.Level, message string, details map[string]any) *errlog.Entry {
	return l.Log(ctx, level, errlog.CategoryNetwork, message, details)
}

// Storage records an entry in the storage category.
func (l *ErrorLog) Storage(ctx context.Context, level errlog.Level, message string, details map[string]any) *errlog.Entry {
	return l.Log(ctx, level, errlog.CategoryStorage, message, details)
}

// UI records an entry in the ui category.
func (l *ErrorLog) UI(ctx context.Context, level errlog.Level, message string, details map[string]any) *errlog.Entry {
	return l.Log(ctx, level, errlog.CategoryUI, message, details)
}

// General records an entry in the general category.
func (l *ErrorLog) General(ctx context.Context, level errlog.Level, message string, details map[string]any) *errlog.Entry {
	return l.Log(ctx, level, errlog.CategoryGeneral, message, details)
}

// RecordStorageFailure is the memory.FallbackStore failure hook. It records
// at most one storage entry per storageReportInterval. The entry is not
// persisted synchronously: the hook runs inside the failing write.
func (l *ErrorLog) RecordStorageFailure(ctx context.Context, err error) {
	now := l.now().UnixNano()
	last := l.lastStorageReport.Load()
	if last != 0 && time.Duration(now-last) < storageReportInterval {
		return
	}
	if !l.lastStorageReport.CompareAndSwap(last, now) {
		return
	}
	l.record(ctx, errlog.LevelWarn, errlog.CategoryStorage, "storage unavailable, using in-memory fallback",
		map[string]any{"error": err.Error()}, false)
}

// Retry runs op until it succeeds or maxRetries attempts have failed, waiting
// RetryBackoff*attempt between attempts. maxRetries <= 0 means
// DefaultRetryAttempts.
func (l *ErrorLog) Retry(ctx context.Context, operationID string, category errlog.Category, maxRetries int, op func(ctx context.Context) error) error {
	_, err := WithRetry(ctx, l, operationID, category, maxRetries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// WithRetry is the value-returning form of ErrorLog.Retry.
func WithRetry[T any](ctx context.Context, l *ErrorLog, operationID string, category errlog.Category, maxRetries int, op func(ctx context.Context) (T, error)) (T, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultRetryAttempts
	}
	var zero T
	for {
		v, err := op(ctx)
		if err == nil {
			l.clearAttempts(operationID)
			return v, nil
		}

		attempt := l.incAttempts(operationID)
		details := map[string]any{
			"operation": operationID,
			"attempt":   attempt,
			"error":     err.Error(),
		}
		if attempt >= maxRetries {
			l.clearAttempts(operationID)
			l.Log(ctx, errlog.LevelError, category, fmt.Sprintf("%s failed after %d attempts", operationID, attempt), details)
			return zero, err
		}
		l.Log(ctx, errlog.LevelWarn, category, fmt.Sprintf("%s failed, retrying", operationID), details)

		t := time.NewTimer(l.cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			l.clearAttempts(operationID)
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// Attempts returns the current failed-attempt count for an operation.
func (l *ErrorLog) Attempts(operationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[operationID]
}

func (l *ErrorLog) incAttempts(operationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[operationID]++
	return l.attempts[operationID]
}

func (l *ErrorLog) clearAttempts(operationID string) {
	l.mu.Lock()
	delete(l.attempts, operationID)
	l.mu.Unlock()
}

// Logs returns the entries matching f, oldest first.
func (l *ErrorLog) Logs(f errlog.Filter) []errlog.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]errlog.Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Statistics aggregates the current log.
func (l *ErrorLog) Statistics() errlog.Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errlog.Compute(l.entries, l.now())
}

// Resolve marks an entry resolved.
func (l *ErrorLog) Resolve(ctx context.Context, id, resolution string) (errlog.Entry, error) {
	l.mu.Lock()
	idx := -1
	for i := range l.entries {
		if l.entries[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return errlog.Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	l.entries[idx].Resolved = true
	l.entries[idx].Resolution = resolution
	entry := l.entries[idx]
	l.mu.Unlock()

	l.persist(ctx)
	l.bus.Emit(event.ErrorResolved, entry)
	return entry, nil
}

// Clear removes every entry.
func (l *ErrorLog) Clear(ctx context.Context) {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()

	l.persist(ctx)
	l.bus.Emit(event.LogsCleared, nil)
}

// ReportNow sends unreported non-debug entries to the collector and returns
// how many were accepted.
func (l *ErrorLog) ReportNow(ctx context.Context) (int, error) {
	if l.reporter == nil {
		return 0, nil
	}
	l.reportMu.Lock()
	defer l.reportMu.Unlock()

	l.mu.Lock()
	var batch []errlog.Entry
	for _, e := range l.entries {
		if !e.Reported && e.Level != errlog.LevelDebug {
			batch = append(batch, e)
		}
	}
	l.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := l.reporter.Report(ctx, batch); err != nil {
		// Logged to slog only: recording it would itself be reported.
		l.logger.Warn("error report failed", "entries", len(batch), "error", err)
		return 0, err
	}

	sent := make(map[string]struct{}, len(batch))
	for _, e := range batch {
		sent[e.ID] = struct{}{}
	}
	l.mu.Lock()
	for i := range l.entries {
		if _, ok := sent[l.entries[i].ID]; ok {
			l.entries[i].Reported = true
		}
	}
	l.mu.Unlock()

	l.persist(ctx)
	l.bus.Emit(event.ErrorsReported, event.ErrorsReportedPayload{Count: len(batch)})
	l.logger.Debug("error log reported", "entries", len(batch))
	return len(batch), nil
}

// Start begins periodic reporting and retention pruning.
func (l *ErrorLog) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.worker(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// Safe to call multiple times.
func (l *ErrorLog) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
}

func (l *ErrorLog) worker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.mu.Lock()
			pruned := l.pruneLocked(l.now())
			l.mu.Unlock()
			if pruned > 0 {
				l.persist(ctx)
			}
			_, _ = l.ReportNow(ctx)
		}
	}
}

// On subscribes to an event.
func (l *ErrorLog) On(name event.Name, h event.Handler) event.Subscription {
	return l.bus.On(name, h)
}

// Off removes a subscription.
func (l *ErrorLog) Off(sub event.Subscription) {
	l.bus.Off(sub)
}

// pruneLocked drops entries older than the retention. Caller holds l.mu.
func (l *ErrorLog) pruneLocked(now time.Time) int {
	cutoff := now.Add(-l.cfg.Retention)
	kept := l.entries[:0]
	for _, e := range l.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	pruned := len(l.entries) - len(kept)
	l.entries = kept
	return pruned
}

func (l *ErrorLog) persist(ctx context.Context) {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	data, err := json.Marshal(l.entries)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("failed to encode error log", "error", err)
		return
	}
	if err := l.store.Set(ctx, outbound.KeyErrorLog, data); err != nil {
		l.logger.Warn("failed to persist error log", "error", err)
	}
}

func (l *ErrorLog) mirror(ctx context.Context, e errlog.Entry) {
	attrs := []any{"id", e.ID, "category", string(e.Category)}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(ctx, slogLevel(e.Level), e.Message, attrs...)
}

func slogLevel(l errlog.Level) slog.Level {
	switch l {
	case errlog.LevelDebug:
		return slog.LevelDebug
	case errlog.LevelWarn:
		return slog.LevelWarn
	case errlog.LevelError, errlog.LevelFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// callerStack formats the call stack above the logging helpers.
func callerStack(skip int) string {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		f, more := frames.Next()
		if !strings.Contains(f.Function, "service.(*ErrorLog).") &&
			!strings.Contains(f.Function, "service.WithRetry") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

var _ errlog.Recorder = (*ErrorLog)(nil)
