package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/portalguard/internal/config"
	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{
		"login", "logout", "status", "activity", "refresh", "request", "upload",
		"sync", "queue", "logs", "serve", "stop", "config", "reset", "version",
	}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered with rootCmd", name)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolvePassword(t *testing.T) {
	if got, _ := resolvePassword("flag", "env", strings.NewReader("stdin\n")); got != "flag" {
		t.Errorf("flag: got %q", got)
	}
	if got, _ := resolvePassword("", "env", strings.NewReader("stdin\n")); got != "env" {
		t.Errorf("env: got %q", got)
	}
	if got, _ := resolvePassword("", "", strings.NewReader("s3cret\r\nmore\n")); got != "s3cret" {
		t.Errorf("stdin: got %q", got)
	}
	if got, _ := resolvePassword("", "", strings.NewReader("no-newline")); got != "no-newline" {
		t.Errorf("stdin without newline: got %q", got)
	}
	if _, err := resolvePassword("", "", strings.NewReader("")); err == nil {
		t.Error("empty input should fail")
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest("post", "/notes", `{"a":1}`, []string{"X-Trace: abc"}, "high", false)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}
	if req.Method != http.MethodPost || req.URL != "/notes" {
		t.Errorf("got %s %s", req.Method, req.URL)
	}
	if req.Priority != offline.PriorityHigh {
		t.Errorf("Priority = %q", req.Priority)
	}
	if got := req.Header.Get("X-Trace"); got != "abc" {
		t.Errorf("X-Trace = %q", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	get, err := buildRequest("GET", "/me", "", nil, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !get.NoCache || get.Body != nil || get.Header.Get("Content-Type") != "" {
		t.Errorf("unexpected GET request: %+v", get)
	}

	tests := []struct {
		name     string
		method   string
		headers  []string
		priority string
	}{
		{"unknown method", "FETCH", nil, ""},
		{"unknown priority", "GET", nil, "urgent"},
		{"bad header", "GET", []string{"no-colon"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildRequest(tt.method, "/x", "", tt.headers, tt.priority, false); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildRequest_BodyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.json")
	if err := writeFile(path, `{"from":"file"}`); err != nil {
		t.Fatal(err)
	}
	req, err := buildRequest("PUT", "/doc", "@"+path, nil, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if string(req.Body) != `{"from":"file"}` {
		t.Errorf("Body = %q", req.Body)
	}
}

func TestBuildLogFilter(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	f, err := buildLogFilter("WARNING", "network", time.Hour, true, now)
	if err != nil {
		t.Fatal(err)
	}
	if f.Level != errlog.LevelWarn || f.Category != errlog.CategoryNetwork {
		t.Errorf("got level %q category %q", f.Level, f.Category)
	}
	if !f.Since.Equal(now.Add(-time.Hour)) {
		t.Errorf("Since = %v", f.Since)
	}
	if f.Resolved == nil || *f.Resolved {
		t.Error("Resolved should point to false")
	}

	if _, err := buildLogFilter("loud", "", 0, false, now); err == nil {
		t.Error("unknown level should fail")
	}
	if _, err := buildLogFilter("", "billing", 0, false, now); err == nil {
		t.Error("unknown category should fail")
	}
}

func TestWriteCallResult(t *testing.T) {
	var buf bytes.Buffer
	err := writeCallResult(&buf, nil, &request.QueuedOfflineError{ID: "q-1", Err: request.ErrNetwork})
	if err != nil {
		t.Fatalf("queued request should not fail the command: %v", err)
	}
	if !strings.Contains(buf.String(), "q-1") {
		t.Errorf("output %q missing queue id", buf.String())
	}

	buf.Reset()
	err = writeCallResult(&buf, nil, &request.HTTPError{StatusCode: 404, Body: []byte("missing")})
	if err == nil {
		t.Error("HTTP error should fail the command")
	}
	if buf.String() != "missing" {
		t.Errorf("output = %q, want error body", buf.String())
	}

	buf.Reset()
	if err := writeCallResult(&buf, &request.Response{StatusCode: 200, Body: []byte("ok")}, nil); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "ok\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.pid")
	if got := readPIDFile(path); got != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", got)
	}
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(path); got <= 0 {
		t.Errorf("readPIDFile() = %d, want current pid", got)
	}
	if err := writeFile(path, "garbage"); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(path); got != 0 {
		t.Errorf("readPIDFile(garbage) = %d, want 0", got)
	}
}

func TestNewClassifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := newClassifier([]config.PriorityRuleConfig{
		{Condition: `request.method == "DELETE"`, Priority: "high"},
	}, logger)
	if err != nil {
		t.Fatalf("newClassifier() error = %v", err)
	}
	if c == nil {
		t.Fatal("classifier is nil")
	}

	if _, err := newClassifier([]config.PriorityRuleConfig{{Condition: `request.method ==`, Priority: "high"}}, logger); err == nil {
		t.Error("invalid condition should fail")
	}
	if _, err := newClassifier([]config.PriorityRuleConfig{{Condition: `true`, Priority: "urgent"}}, logger); err == nil {
		t.Error("invalid priority should fail")
	}
}

func TestWipeStore(t *testing.T) {
	ctx := context.Background()
	s := memory.NewKVStore()
	for _, k := range []string{outbound.KeyAccessToken, outbound.KeyOfflineQueue, "offline.cache/abc"} {
		if err := s.Set(ctx, k, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := wipeStore(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("wipeStore() = %d, want 3", n)
	}
	if _, err := s.Get(ctx, outbound.KeyOfflineQueue); !errors.Is(err, outbound.ErrKeyNotFound) {
		t.Errorf("offline queue survived reset: %v", err)
	}
}

func TestRedactConfig(t *testing.T) {
	var cfg config.Config
	cfg.Storage.Redis.Password = "hunter2"
	out := redactConfig(cfg)
	if out.Storage.Redis.Password == "hunter2" {
		t.Error("password not redacted")
	}
	if cfg.Storage.Redis.Password != "hunter2" {
		t.Error("redactConfig modified its input")
	}
}

func TestConfirm(t *testing.T) {
	if !confirm(strings.NewReader("y\n")) || !confirm(strings.NewReader("Y")) {
		t.Error("y should confirm")
	}
	if confirm(strings.NewReader("yes\n")) || confirm(strings.NewReader("")) {
		t.Error("only y confirms")
	}
}

// apiServer fakes the authentication server and one protected resource.
type apiServer struct {
	*httptest.Server
	logouts   atomic.Int32
	userAgent atomic.Value
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	s := &apiServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"accessToken":  "at-1",
			"refreshToken": "rt-1",
			"userId":       "user-" + body["username"],
		})
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		s.logouts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		s.userAgent.Store(r.Header.Get("User-Agent"))
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"name":"alice"}`)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{}
	cfg.API.BaseURL = baseURL
	cfg.Storage.Backend = "memory"
	cfg.SetDefaults()
	return cfg
}

func TestApp_LoginRequestLogout(t *testing.T) {
	api := newAPIServer(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(ctx, testConfig(api.URL), logger, appOptions{doer: api.Client(), fingerprint: "test-device"})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	if err := a.login(ctx, io.Discard, "alice", "wrong", false); err == nil {
		t.Fatal("login with a wrong password should fail")
	}
	if got := a.errorLog.Statistics().ByCategory[errlog.CategoryAuth]; got != 1 {
		t.Errorf("auth log entries = %d, want 1", got)
	}

	var out bytes.Buffer
	if err := a.login(ctx, &out, "alice", "pw", false); err != nil {
		t.Fatalf("login() error = %v", err)
	}
	if !strings.Contains(out.String(), "user-alice") {
		t.Errorf("login output = %q", out.String())
	}
	st := a.status()
	if st.Session.Phase != session.PhaseActive || st.Session.UserID != "user-alice" {
		t.Errorf("status = %+v", st.Session)
	}
	if !st.Online || st.QueuedOffline != 0 || st.StorageDegraded {
		t.Errorf("status = %+v", st)
	}

	resp, err := a.gateway.Call(ctx, &request.Request{Method: http.MethodGet, URL: "/me"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(resp.Body) != `{"name":"alice"}` {
		t.Errorf("body = %q", resp.Body)
	}
	if got, _ := api.userAgent.Load().(string); got != "portalguard/"+Version {
		t.Errorf("User-Agent = %q", got)
	}

	// Any HTTP answer, even a 404, counts as connectivity.
	if !a.monitor.Check(ctx) {
		t.Error("probe against the fake API should succeed")
	}

	a.sessions.Logout(ctx)
	if a.sessions.IsAuthenticated() {
		t.Error("still authenticated after logout")
	}
	if got := api.logouts.Load(); got != 1 {
		t.Errorf("remote logouts = %d, want 1", got)
	}
	if _, err := a.gateway.Call(ctx, &request.Request{Method: http.MethodGet, URL: "/me", NoCache: true}); !errors.Is(err, request.ErrNotAuthenticated) {
		t.Errorf("Call() after logout error = %v, want ErrNotAuthenticated", err)
	}
}

func TestApp_UnknownBackend(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Storage.Backend = "tape"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := newApp(context.Background(), cfg, logger, appOptions{}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestApp_FailedBootClosesOpenedStores(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Storage.Backend = "file"
	cfg.Storage.Dir = t.TempDir()
	cfg.Log.Level = "loud"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), cfg, logger, appOptions{fingerprint: "dev"})
	if err == nil {
		t.Fatal("invalid log level should fail")
	}
	if a != nil {
		t.Errorf("newApp() returned %v alongside error", a)
	}
}

func TestApp_CloseNil(t *testing.T) {
	var a *app
	if err := a.Close(); err != nil {
		t.Errorf("Close() on nil app = %v", err)
	}
}

func TestApp_FileBackend(t *testing.T) {
	api := newAPIServer(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(api.URL)
	cfg.Storage.Backend = "file"
	cfg.Storage.Dir = t.TempDir()

	a, err := newApp(ctx, cfg, logger, appOptions{doer: api.Client(), fingerprint: "dev"})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if err := a.login(ctx, io.Discard, "alice", "pw", true); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A second process restores the remembered session from disk.
	b, err := newApp(ctx, cfg, logger, appOptions{doer: api.Client(), fingerprint: "dev"})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer b.Close()
	if !b.sessions.IsAuthenticated() {
		t.Error("session not restored from the file store")
	}
	if got := b.sessions.UserID(); got != "user-alice" {
		t.Errorf("UserID() = %q", got)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
