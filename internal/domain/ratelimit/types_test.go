package ratelimit

import (
	"testing"
	"time"
)

func TestFormatKey(t *testing.T) {
	tests := []struct {
		keyType KeyType
		value   string
		want    string
	}{
		{KeyTypeEndpoint, "GET /users", "ratelimit:endpoint:GET /users"},
		{KeyTypeClient, "127.0.0.1", "ratelimit:client:127.0.0.1"},
	}
	for _, tt := range tests {
		if got := FormatKey(tt.keyType, tt.value); got != tt.want {
			t.Errorf("FormatKey(%q, %q) = %q, want %q", tt.keyType, tt.value, got, tt.want)
		}
	}
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(60)
	if cfg.Rate != 60 || cfg.Period != time.Minute {
		t.Errorf("PerMinute(60) = %+v", cfg)
	}
}
