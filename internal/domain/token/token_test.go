package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

// unsignedJWT builds a JWT-shaped string with the given claims. The signature
// segment is garbage since ParseUnverified never checks it.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return header + "." + payload + ".c2lnbmF0dXJl"
}

func TestJWTIntrospector_ExpiresAt(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second).UTC()

	tests := []struct {
		name    string
		token   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "valid exp claim",
			token: unsignedJWT(t, map[string]any{"sub": "user-1", "exp": exp.Unix()}),
			want:  exp,
		},
		{
			name:    "missing exp claim",
			token:   unsignedJWT(t, map[string]any{"sub": "user-1"}),
			wantErr: true,
		},
		{
			name:    "not a jwt",
			token:   "opaque-token",
			wantErr: true,
		},
		{
			name:    "exp not numeric",
			token:   unsignedJWT(t, map[string]any{"exp": "tomorrow"}),
			wantErr: true,
		},
	}

	in := NewJWTIntrospector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := in.ExpiresAt(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ExpiresAt() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ExpiresAt() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ExpiresAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpiryOrFallback(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := NewJWTIntrospector()

	t.Run("decoded expiry", func(t *testing.T) {
		exp := now.Add(time.Hour)
		tok := unsignedJWT(t, map[string]any{"exp": exp.Unix()})
		got, fellBack := ExpiryOrFallback(in, tok, now, DefaultFallbackLifetime)
		if fellBack {
			t.Error("fallback used for a decodable token")
		}
		if !got.Equal(exp) {
			t.Errorf("expiry = %v, want %v", got, exp)
		}
	})

	t.Run("malformed token assumes fifteen minutes", func(t *testing.T) {
		got, fellBack := ExpiryOrFallback(in, "garbage", now, 0)
		if !fellBack {
			t.Error("fallback not reported")
		}
		if want := now.Add(15 * time.Minute); !got.Equal(want) {
			t.Errorf("expiry = %v, want %v", got, want)
		}
	})

	t.Run("nil introspector", func(t *testing.T) {
		got, fellBack := ExpiryOrFallback(nil, "anything", now, time.Minute)
		if !fellBack || !got.Equal(now.Add(time.Minute)) {
			t.Errorf("got (%v, %v), want (%v, true)", got, fellBack, now.Add(time.Minute))
		}
	})
}

func TestPair_Complete(t *testing.T) {
	if (Pair{AccessToken: "a"}).Complete() {
		t.Error("pair without refresh token reported complete")
	}
	if !(Pair{AccessToken: "a", RefreshToken: "r"}).Complete() {
		t.Error("full pair reported incomplete")
	}
}
