package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
)

func TestReporter_Report(t *testing.T) {
	var got batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	entries := []errlog.Entry{
		{ID: "01A", Level: errlog.LevelError, Category: errlog.CategoryAPI, Message: "boom"},
		{ID: "01B", Level: errlog.LevelWarn, Category: errlog.CategoryNetwork, Message: "slow"},
	}
	if err := NewReporter(srv.URL, nil).Report(context.Background(), entries); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if len(got.Entries) != 2 || got.Entries[0].ID != "01A" {
		t.Errorf("collector received %+v", got.Entries)
	}
}

func TestReporter_ReportFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := NewReporter(srv.URL, nil).Report(context.Background(), []errlog.Entry{{ID: "x"}}); err == nil {
		t.Error("Report() error = nil for 503")
	}
}
