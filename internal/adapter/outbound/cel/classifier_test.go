package cel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	if eval == nil {
		t.Fatal("NewEvaluator() returned nil")
	}
}

func TestValidateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "method check", expr: `request.method == "DELETE"`},
		{name: "glob on path", expr: `glob("/orders/*", request.path)`},
		{name: "header lookup", expr: `request.headers["X-Priority"] == "high"`},
		{name: "empty", expr: "", wantErr: true},
		{name: "syntax error", expr: `this is not valid CEL !!!`, wantErr: true},
		{name: "unknown variable", expr: `tool_name == "x"`, wantErr: true},
		{name: "too long", expr: strings.Repeat("a", maxExpressionLength+1), wantErr: true},
		{name: "too deep", expr: strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateExpression(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestPriorityClassifier_Classify(t *testing.T) {
	rules := []Rule{
		{Condition: `request.method == "DELETE"`, Priority: offline.PriorityHigh},
		{Condition: `glob("/analytics/*", request.path)`, Priority: offline.PriorityLow},
		{Condition: `"X-Priority" in request.headers && request.headers["X-Priority"] == "high"`, Priority: offline.PriorityHigh},
		{Condition: `request.body_size > 1000000`, Priority: offline.PriorityLow},
	}
	c, err := NewPriorityClassifier(rules, "", testLogger())
	if err != nil {
		t.Fatalf("NewPriorityClassifier() error = %v", err)
	}

	tests := []struct {
		name  string
		draft offline.Draft
		want  offline.Priority
	}{
		{name: "delete is high", draft: offline.Draft{Method: "delete", URL: "https://api.example.com/items/1"}, want: offline.PriorityHigh},
		{name: "analytics is low", draft: offline.Draft{Method: http.MethodPost, URL: "https://api.example.com/analytics/events"}, want: offline.PriorityLow},
		{name: "header promotes", draft: offline.Draft{Method: http.MethodPost, URL: "/orders", Header: http.Header{"X-Priority": {"high"}}}, want: offline.PriorityHigh},
		{name: "large body is low", draft: offline.Draft{Method: http.MethodPut, URL: "/files/1", Body: make([]byte, 1000001)}, want: offline.PriorityLow},
		{name: "no match is default", draft: offline.Draft{Method: http.MethodPost, URL: "/orders"}, want: offline.PriorityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(context.Background(), tt.draft)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewPriorityClassifier_InvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{name: "bad priority", rule: Rule{Condition: `true`, Priority: "urgent"}},
		{name: "empty priority", rule: Rule{Condition: `true`}},
		{name: "bad condition", rule: Rule{Condition: `request.method ==`, Priority: offline.PriorityHigh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPriorityClassifier([]Rule{tt.rule}, "", testLogger()); err == nil {
				t.Error("NewPriorityClassifier() error = nil")
			}
		})
	}
}

func TestBuildActivation(t *testing.T) {
	act := BuildActivation(offline.Draft{
		Method: "post",
		URL:    "https://api.example.com/orders?draft=1",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte("{}"),
	})
	req := act["request"].(map[string]any)
	if req["method"] != "POST" || req["host"] != "api.example.com" || req["path"] != "/orders" || req["query"] != "draft=1" {
		t.Errorf("activation = %v", req)
	}
	if req["body_size"] != int64(2) {
		t.Errorf("body_size = %v", req["body_size"])
	}
	if h := req["headers"].(map[string]string); h["Content-Type"] != "application/json" {
		t.Errorf("headers = %v", h)
	}
}
