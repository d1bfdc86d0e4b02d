package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sentinel-Gate/portalguard/internal/ctxkey"
)

func TestRequestIDMiddleware(t *testing.T) {
	var gotID string
	var gotLogger bool
	var gotErrorContext any
	handler := RequestIDMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = RequestIDFromContext(r.Context())
		gotLogger = r.Context().Value(LoggerKey) != nil
		gotErrorContext = ctxkey.ErrorContext(r.Context())["request_id"]
	}))

	t.Run("generates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if gotID == "" || rec.Header().Get("X-Request-ID") != gotID {
			t.Errorf("request id = %q, header = %q", gotID, rec.Header().Get("X-Request-ID"))
		}
		if !gotLogger {
			t.Error("enriched logger missing from context")
		}
	})

	t.Run("propagates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if gotID != "abc-123" {
			t.Errorf("request id = %q, want abc-123", gotID)
		}
		if gotErrorContext != "abc-123" {
			t.Errorf("error context request_id = %v, want abc-123", gotErrorContext)
		}
	})
}

func TestLoggerFromContext_Default(t *testing.T) {
	if LoggerFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()) == nil {
		t.Error("LoggerFromContext returned nil")
	}
}

func TestOriginProtection(t *testing.T) {
	handler := OriginProtection([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantCORS   bool
	}{
		{name: "no origin", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "allowed origin", method: http.MethodPost, origin: "http://localhost:3000", wantStatus: http.StatusOK, wantCORS: true},
		{name: "foreign origin", method: http.MethodPost, origin: "https://evil.example", wantStatus: http.StatusForbidden},
		{name: "preflight", method: http.MethodOptions, origin: "http://localhost:3000", wantStatus: http.StatusNoContent, wantCORS: true},
		{name: "foreign preflight", method: http.MethodOptions, origin: "https://evil.example", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/session", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			gotCORS := rec.Header().Get("Access-Control-Allow-Origin") == tt.origin && tt.origin != ""
			if gotCORS != tt.wantCORS {
				t.Errorf("CORS header = %q", rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestOriginProtection_EmptyAllowlistBlocksBrowsers(t *testing.T) {
	handler := OriginProtection(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
