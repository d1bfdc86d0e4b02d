package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/portalguard/internal/ctxkey"
	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
	"github.com/Sentinel-Gate/portalguard/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a manually advanced clock shared by the service tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingReporter struct {
	mu      sync.Mutex
	batches [][]errlog.Entry
	err     error
}

func (r *recordingReporter) Report(_ context.Context, entries []errlog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, append([]errlog.Entry(nil), entries...))
	return nil
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newTestErrorLog(t *testing.T, cfg ErrorLogConfig, opts ...ErrorLogOption) (*ErrorLog, *memory.KVStore, *event.Bus) {
	t.Helper()
	store := memory.NewKVStore()
	bus := event.NewBus(discardLogger())
	return NewErrorLog(store, bus, cfg, discardLogger(), opts...), store, bus
}

func TestErrorLog_LogFiltersByMinimumLevel(t *testing.T) {
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{MinLevel: errlog.LevelWarn})
	ctx := context.Background()

	if e := l.Log(ctx, errlog.LevelInfo, errlog.CategoryAPI, "ignored", nil); e != nil {
		t.Errorf("Log(info) = %+v, want nil below warn", e)
	}
	e := l.Log(ctx, errlog.LevelError, errlog.CategoryAPI, "kept", map[string]any{"status": 500})
	if e == nil {
		t.Fatal("Log(error) returned nil")
	}
	if e.ID == "" {
		t.Error("entry has no id")
	}
	if e.Stack == "" {
		t.Error("error entry has no stack")
	}
	if strings.Contains(e.Stack, "(*ErrorLog)") {
		t.Errorf("stack includes logging frames:\n%s", e.Stack)
	}
	if got := len(l.Logs(errlog.Filter{})); got != 1 {
		t.Errorf("len(Logs) = %d, want 1", got)
	}
}

func TestErrorLog_EntryFields(t *testing.T) {
	clock := newTestClock()
	l, store, bus := newTestErrorLog(t, ErrorLogConfig{Source: "portalguard/test"},
		WithLogFingerprint("fp-1"), WithLogClock(clock.Now))

	var logged []errlog.Entry
	bus.On(event.ErrorLogged, func(ev event.Event) { logged = append(logged, ev.Payload.(errlog.Entry)) })

	e := l.Network(context.Background(), errlog.LevelWarn, "probe failed", nil)
	if e.Category != errlog.CategoryNetwork || e.Source != "portalguard/test" || e.DeviceFingerprint != "fp-1" {
		t.Errorf("entry = %+v", e)
	}
	if !e.Timestamp.Equal(clock.Now()) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp, clock.Now())
	}
	if e.Stack != "" {
		t.Error("warn entry carries a stack")
	}
	if len(logged) != 1 || logged[0].ID != e.ID {
		t.Errorf("error-logged events = %+v", logged)
	}

	raw, err := store.Get(context.Background(), outbound.KeyErrorLog)
	if err != nil {
		t.Fatalf("persisted log missing: %v", err)
	}
	var persisted []errlog.Entry
	if err := json.Unmarshal(raw, &persisted); err != nil || len(persisted) != 1 {
		t.Errorf("persisted = %s (%v)", raw, err)
	}
}

func TestErrorLog_ContextFields(t *testing.T) {
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{})

	ctx := ctxkey.WithErrorContext(context.Background(), map[string]any{"url": "/a", "request_id": "r-1"})
	ctx = ctxkey.WithErrorContext(ctx, map[string]any{"url": "/b"})
	e := l.API(ctx, errlog.LevelWarn, "request failed", map[string]any{"error": "boom"})
	if e.Context["url"] != "/b" || e.Context["request_id"] != "r-1" {
		t.Errorf("context = %v, want merged fields with later url", e.Context)
	}
	if _, ok := e.Details["url"]; ok {
		t.Error("context fields leaked into details")
	}

	if plain := l.API(context.Background(), errlog.LevelWarn, "plain", nil); plain.Context != nil {
		t.Errorf("context without fields = %v, want nil", plain.Context)
	}
}

func TestErrorLog_CategoryHelpers(t *testing.T) {
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{})
	ctx := context.Background()

	helpers := map[errlog.Category]func(context.Context, errlog.Level, string, map[string]any) *errlog.Entry{
		errlog.CategoryAuth:    l.Auth,
		errlog.CategorySession: l.Session,
		errlog.CategoryAPI:     l.API,
		errlog.CategoryNetwork: l.Network,
		errlog.CategoryStorage: l.Storage,
		errlog.CategoryUI:      l.UI,
		errlog.CategoryGeneral: l.General,
	}
	for cat, fn := range helpers {
		if e := fn(ctx, errlog.LevelInfo, "m", nil); e.Category != cat {
			t.Errorf("helper for %s produced %s", cat, e.Category)
		}
	}

	e := l.LogError(ctx, &request.NetworkError{Method: "GET", URL: "/x", Err: io.EOF}, "call failed", nil)
	if e.Category != errlog.CategoryNetwork || e.Level != errlog.LevelError {
		t.Errorf("LogError entry = %+v", e)
	}
	if e.Details["error"] == "" {
		t.Error("LogError did not record the error text")
	}
}

func TestErrorLog_RingIsCapped(t *testing.T) {
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{MaxEntries: 3})
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c", "d", "e"} {
		l.General(ctx, errlog.LevelInfo, m, nil)
	}

	got := l.Logs(errlog.Filter{})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Message != "c" || got[2].Message != "e" {
		t.Errorf("kept %q..%q, want c..e", got[0].Message, got[2].Message)
	}
}

func TestErrorLog_LoadPrunesByRetention(t *testing.T) {
	clock := newTestClock()
	store := memory.NewKVStore()
	old := []errlog.Entry{
		{ID: "old", Timestamp: clock.Now().Add(-48 * time.Hour), Level: errlog.LevelInfo, Category: errlog.CategoryAPI},
		{ID: "new", Timestamp: clock.Now().Add(-time.Hour), Level: errlog.LevelInfo, Category: errlog.CategoryAPI},
	}
	raw, _ := json.Marshal(old)
	_ = store.Set(context.Background(), outbound.KeyErrorLog, raw)

	l := NewErrorLog(store, nil, ErrorLogConfig{Retention: 24 * time.Hour}, discardLogger(), WithLogClock(clock.Now))
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := l.Logs(errlog.Filter{})
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("entries after load = %+v, want only \"new\"", got)
	}
}

func TestErrorLog_QueryAndResolve(t *testing.T) {
	clock := newTestClock()
	l, _, bus := newTestErrorLog(t, ErrorLogConfig{MinLevel: errlog.LevelDebug}, WithLogClock(clock.Now))
	ctx := context.Background()

	first := l.Auth(ctx, errlog.LevelError, "refresh failed", nil)
	clock.Advance(2 * time.Hour)
	l.API(ctx, errlog.LevelWarn, "slow", nil)
	l.API(ctx, errlog.LevelDebug, "trace", nil)

	if got := l.Logs(errlog.Filter{Category: errlog.CategoryAPI}); len(got) != 2 {
		t.Errorf("api entries = %d, want 2", len(got))
	}
	if got := l.Logs(errlog.Filter{Since: clock.Now().Add(-time.Minute)}); len(got) != 2 {
		t.Errorf("recent entries = %d, want 2", len(got))
	}

	var resolvedEvents int
	bus.On(event.ErrorResolved, func(event.Event) { resolvedEvents++ })

	res, err := l.Resolve(ctx, first.ID, "rotated credentials")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Resolved || res.Resolution != "rotated credentials" {
		t.Errorf("resolved entry = %+v", res)
	}
	if resolvedEvents != 1 {
		t.Errorf("error-resolved events = %d, want 1", resolvedEvents)
	}
	if _, err := l.Resolve(ctx, "nope", ""); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Resolve(unknown) error = %v, want ErrEntryNotFound", err)
	}

	unresolved := false
	if got := l.Logs(errlog.Filter{Resolved: &unresolved}); len(got) != 2 {
		t.Errorf("unresolved = %d, want 2", len(got))
	}

	st := l.Statistics()
	if st.Total != 3 || st.Resolved != 1 || st.Unresolved != 2 || st.LastHour != 2 {
		t.Errorf("statistics = %+v", st)
	}
	if st.ByLevel[errlog.LevelError] != 1 || st.ByCategory[errlog.CategoryAPI] != 2 {
		t.Errorf("breakdown = %+v / %+v", st.ByLevel, st.ByCategory)
	}
}

func TestErrorLog_Clear(t *testing.T) {
	l, _, bus := newTestErrorLog(t, ErrorLogConfig{})
	cleared := 0
	bus.On(event.LogsCleared, func(event.Event) { cleared++ })

	l.General(context.Background(), errlog.LevelInfo, "x", nil)
	l.Clear(context.Background())

	if n := len(l.Logs(errlog.Filter{})); n != 0 {
		t.Errorf("entries after Clear = %d", n)
	}
	if cleared != 1 {
		t.Errorf("logs-cleared events = %d, want 1", cleared)
	}
}

func TestErrorLog_RetryClearsCounterOnSuccess(t *testing.T) {
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{RetryBackoff: time.Millisecond})
	ctx := context.Background()

	calls := 0
	err := l.Retry(ctx, "sync", errlog.CategoryNetwork, 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if n := l.Attempts("sync"); n != 0 {
		t.Errorf("attempts after success = %d, want 0", n)
	}
	warns := l.Logs(errlog.Filter{Level: errlog.LevelWarn})
	if len(warns) != 2 {
		t.Errorf("warnings = %d, want one per failed attempt", len(warns))
	}
}

func TestWithRetry_GivesUpAfterCeiling(t *testing.T) {
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{RetryBackoff: time.Millisecond})
	boom := errors.New("boom")

	calls := 0
	v, err := WithRetry(context.Background(), l, "fetch", errlog.CategoryAPI, 2, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) || v != 0 {
		t.Fatalf("WithRetry() = (%d, %v), want (0, boom)", v, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if got := l.Logs(errlog.Filter{Level: errlog.LevelError}); len(got) != 1 {
		t.Errorf("error entries = %d, want 1", len(got))
	}
}

func TestErrorLog_ReportNow(t *testing.T) {
	reporter := &recordingReporter{}
	l, _, bus := newTestErrorLog(t, ErrorLogConfig{MinLevel: errlog.LevelDebug}, WithLogReporter(reporter))
	ctx := context.Background()

	var reported []int
	bus.On(event.ErrorsReported, func(ev event.Event) {
		reported = append(reported, ev.Payload.(event.ErrorsReportedPayload).Count)
	})

	l.API(ctx, errlog.LevelError, "500", nil)
	l.API(ctx, errlog.LevelDebug, "noise", nil)
	l.Auth(ctx, errlog.LevelWarn, "refresh slow", nil)

	n, err := l.ReportNow(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ReportNow() = (%d, %v), want (2, nil)", n, err)
	}
	if len(reported) != 1 || reported[0] != 2 {
		t.Errorf("errors-reported = %v", reported)
	}

	// Already reported entries are not sent again.
	if n, _ := l.ReportNow(ctx); n != 0 {
		t.Errorf("second ReportNow() = %d, want 0", n)
	}
	if reporter.count() != 1 {
		t.Errorf("batches = %d, want 1", reporter.count())
	}
}

func TestErrorLog_ReportFailureKeepsEntriesUnreported(t *testing.T) {
	reporter := &recordingReporter{err: errors.New("collector down")}
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{}, WithLogReporter(reporter))
	ctx := context.Background()

	l.API(ctx, errlog.LevelError, "500", nil)
	if _, err := l.ReportNow(ctx); err == nil {
		t.Fatal("ReportNow() error = nil with failing collector")
	}

	reporter.mu.Lock()
	reporter.err = nil
	reporter.mu.Unlock()

	if n, err := l.ReportNow(ctx); err != nil || n != 1 {
		t.Errorf("retry ReportNow() = (%d, %v), want (1, nil)", n, err)
	}
}

func TestErrorLog_MetricsCountEntries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{}, WithLogMetrics(m))

	l.API(context.Background(), errlog.LevelError, "a", nil)
	l.API(context.Background(), errlog.LevelError, "b", nil)

	if got := testutil.ToFloat64(m.ErrorLogEntries.WithLabelValues("error", "api")); got != 2 {
		t.Errorf("errorlog_entries_total{error,api} = %v, want 2", got)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (failingStore) Set(context.Context, string, []byte) error   { return errors.New("disk gone") }
func (failingStore) Delete(context.Context, string) error        { return errors.New("disk gone") }

func TestErrorLog_StorageFailureHookDoesNotRecurse(t *testing.T) {
	fb := memory.NewFallbackStore(failingStore{}, discardLogger())
	l := NewErrorLog(fb, nil, ErrorLogConfig{}, discardLogger())
	fb.OnFailure(l.RecordStorageFailure)

	l.General(context.Background(), errlog.LevelInfo, "hello", nil)

	storage := l.Logs(errlog.Filter{Category: errlog.CategoryStorage})
	if len(storage) != 1 {
		t.Errorf("storage entries = %d, want exactly 1", len(storage))
	}
	if !fb.Degraded() {
		t.Error("fallback store not degraded")
	}
}

func TestErrorLog_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	reporter := &recordingReporter{}
	l, _, _ := newTestErrorLog(t, ErrorLogConfig{ReportInterval: 10 * time.Millisecond}, WithLogReporter(reporter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	l.API(ctx, errlog.LevelError, "boom", nil)

	deadline := time.After(2 * time.Second)
	for reporter.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("periodic report never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}

	l.Stop()
	l.Stop()
}
