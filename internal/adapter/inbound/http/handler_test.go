package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
	"github.com/Sentinel-Gate/portalguard/internal/port/inbound"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	mu   sync.Mutex
	last *request.Request
	resp *request.Response
	err  error
}

func (g *fakeGateway) Call(_ context.Context, req *request.Request) (*request.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = req
	return g.resp, g.err
}

func (g *fakeGateway) lastRequest() *request.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

type fakeSession struct {
	mu        sync.Mutex
	activity  []session.ActivityKind
	extended  int
	refreshOK bool
}

func (s *fakeSession) Status() inbound.SessionStatus {
	return inbound.SessionStatus{Phase: session.PhaseActive, Valid: true, UserID: "u-1"}
}

func (s *fakeSession) RecordActivity(_ context.Context, kind session.ActivityKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, kind)
}

func (s *fakeSession) ExtendSession(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extended++
}

func (s *fakeSession) RefreshSession(context.Context) bool { return s.refreshOK }

func newTestServer(t *testing.T, gw inbound.Gateway, opts ...Option) (*Server, *fakeSession, *event.Bus, *httptest.Server) {
	t.Helper()
	sess := &fakeSession{refreshOK: true}
	bus := event.NewBus(discardLogger())
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	srv := NewServer(gw, sess, bus, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, sess, bus, ts
}

func TestAPI_RelaysResponse(t *testing.T) {
	gw := &fakeGateway{resp: &request.Response{
		StatusCode: http.StatusCreated,
		Header:     http.Header{"Content-Type": {"application/json"}, "X-Upstream": {"yes"}},
		Body:       []byte(`{"id":7}`),
	}}
	_, _, _, ts := newTestServer(t, gw)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/orders?draft=1", strings.NewReader(`{"qty":2}`))
	req.Header.Set("Authorization", "Bearer stolen")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderPriority, "high")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if string(body) != `{"id":7}` {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header not relayed")
	}

	got := gw.lastRequest()
	if got.Method != http.MethodPost || got.URL != "orders?draft=1" {
		t.Errorf("gateway request = %s %s", got.Method, got.URL)
	}
	if string(got.Body) != `{"qty":2}` {
		t.Errorf("gateway body = %q", got.Body)
	}
	if got.Header.Get("Authorization") != "" {
		t.Error("caller Authorization must not reach the gateway")
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Error("Content-Type not forwarded")
	}
	if got.Priority != offline.PriorityHigh {
		t.Errorf("Priority = %q, want high", got.Priority)
	}
}

func TestAPI_MarksCachedResponses(t *testing.T) {
	gw := &fakeGateway{resp: &request.Response{StatusCode: http.StatusOK, Body: []byte("x"), FromCache: true}}
	_, _, _, ts := newTestServer(t, gw)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/profile", nil)
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.Header.Get("X-Portalguard-Cache") != "hit" {
		t.Errorf("cache header = %q, want hit", resp.Header.Get("X-Portalguard-Cache"))
	}
	if !gw.lastRequest().NoCache {
		t.Error("Cache-Control: no-cache should set NoCache")
	}
}

func TestAPI_RejectsUnknownPriority(t *testing.T) {
	gw := &fakeGateway{}
	_, _, _, ts := newTestServer(t, gw)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/orders", nil)
	req.Header.Set(HeaderPriority, "urgent")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if gw.lastRequest() != nil {
		t.Error("gateway should not be called")
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		check      func(t *testing.T, resp *http.Response, body []byte)
	}{
		{
			name:       "queued offline",
			err:        &request.QueuedOfflineError{ID: "q-1", Err: &request.NetworkError{Err: errors.New("refused")}},
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, _ *http.Response, body []byte) {
				var got map[string]any
				if err := json.Unmarshal(body, &got); err != nil {
					t.Fatal(err)
				}
				if got["queued"] != true || got["id"] != "q-1" {
					t.Errorf("body = %s", body)
				}
			},
		},
		{
			name:       "not authenticated",
			err:        request.ErrNotAuthenticated,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "session invalidated",
			err:        &request.SessionInvalidatedError{Reason: session.ReasonMaxRefreshAttempts},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "rate limited",
			err:        &request.RateLimitError{Endpoint: "/orders", RetryAfter: 1500 * time.Millisecond},
			wantStatus: http.StatusTooManyRequests,
			check: func(t *testing.T, resp *http.Response, _ []byte) {
				if resp.Header.Get("Retry-After") != "2" {
					t.Errorf("Retry-After = %q, want 2", resp.Header.Get("Retry-After"))
				}
			},
		},
		{
			name:       "network",
			err:        &request.NetworkError{Method: "GET", URL: "https://api", Err: errors.New("refused")},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "upstream status relayed",
			err: &request.HTTPError{
				StatusCode: http.StatusNotFound,
				Header:     http.Header{"Content-Type": {"application/json"}},
				Body:       []byte(`{"error":"missing"}`),
			},
			wantStatus: http.StatusNotFound,
			check: func(t *testing.T, _ *http.Response, body []byte) {
				if string(body) != `{"error":"missing"}` {
					t.Errorf("body = %q", body)
				}
			},
		},
		{
			name:       "other",
			err:        errors.New("boom"),
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, ts := newTestServer(t, &fakeGateway{err: tt.err})

			resp, err := http.Get(ts.URL + "/api/orders")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.check != nil {
				tt.check(t, resp, body)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	_, sess, _, ts := newTestServer(t, &fakeGateway{})

	resp, err := http.Get(ts.URL + "/session")
	if err != nil {
		t.Fatal(err)
	}
	var status inbound.SessionStatus
	_ = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status.Phase != session.PhaseActive || status.UserID != "u-1" {
		t.Errorf("status = %+v", status)
	}

	resp, err = http.Post(ts.URL+"/session/activity", "application/json", strings.NewReader(`{"type":"keyboard"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("activity status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/session/activity", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/session/activity", "application/json", strings.NewReader(`{"type":"telepathy"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown activity status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/session/extend", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/session/refresh", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var refreshed struct {
		Refreshed bool `json:"refreshed"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&refreshed)
	resp.Body.Close()
	if !refreshed.Refreshed {
		t.Error("refreshed = false")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	want := []session.ActivityKind{session.ActivityKeyboard, session.ActivityManual}
	if len(sess.activity) != len(want) || sess.activity[0] != want[0] || sess.activity[1] != want[1] {
		t.Errorf("activity = %v, want %v", sess.activity, want)
	}
	if sess.extended != 1 {
		t.Errorf("extended = %d, want 1", sess.extended)
	}
}

func TestSessionEndpoints_MethodNotAllowed(t *testing.T) {
	_, _, _, ts := newTestServer(t, &fakeGateway{})

	resp, err := http.Get(ts.URL + "/session/extend")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestEvents_StreamsBusEvents(t *testing.T) {
	srv, _, bus, ts := newTestServer(t, &fakeGateway{})

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// The handshake comment is written after the stream registers.
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q", line)
	}
	if srv.streams.count() != 1 {
		t.Fatalf("streams = %d, want 1", srv.streams.count())
	}

	bus.Emit(event.RequestQueued, event.RequestQueuedPayload{Request: offline.Request{ID: "q-9"}})

	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	var sawName, sawData bool
	for !(sawName && sawData) {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			if line == "event: request-queued\n" {
				sawName = true
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"q-9"`) {
				sawData = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}

	_ = srv.Close()
	if bus.Count("*") != 0 {
		t.Error("Close should unsubscribe from the bus")
	}
}
