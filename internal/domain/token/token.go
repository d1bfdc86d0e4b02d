// Package token contains the credential pair managed by the session manager
// and the introspection capability used to derive access-token expiry.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultFallbackLifetime is the lifetime assumed for an access token whose
// expiry claim cannot be decoded.
const DefaultFallbackLifetime = 15 * time.Minute

// ErrNoExpiry is returned when a token carries no expiry claim.
var ErrNoExpiry = errors.New("token has no expiry claim")

// Pair holds the opaque bearer credentials issued by the server.
type Pair struct {
	// AccessToken authorizes API calls. Short-lived.
	AccessToken string `json:"access_token"`
	// RefreshToken obtains a new access token. Longer-lived.
	RefreshToken string `json:"refresh_token"`
}

// Complete reports whether both tokens are present.
func (p Pair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Introspector decodes the expiry timestamp embedded in an access token.
type Introspector interface {
	ExpiresAt(accessToken string) (time.Time, error)
}

// JWTIntrospector reads the "exp" claim of a JWT without verifying its
// signature. Verification is the server's job; the client only needs the
// expiry to schedule refreshes.
type JWTIntrospector struct {
	parser *jwt.Parser
}

// NewJWTIntrospector creates a JWTIntrospector.
func NewJWTIntrospector() *JWTIntrospector {
	return &JWTIntrospector{parser: jwt.NewParser()}
}

// ExpiresAt implements Introspector.
func (j *JWTIntrospector) ExpiresAt(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := j.parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("decode access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time.UTC(), nil
}

// ExpiryOrFallback returns the decoded expiry of accessToken, or
// now+fallback when decoding fails. The second result reports whether the
// fallback was used.
//
// A malformed token is deliberately not an error here: refresh scheduling
// must keep working, so the token is assumed to expire soon.
func ExpiryOrFallback(in Introspector, accessToken string, now time.Time, fallback time.Duration) (time.Time, bool) {
	if fallback <= 0 {
		fallback = DefaultFallbackLifetime
	}
	if in != nil {
		if exp, err := in.ExpiresAt(accessToken); err == nil {
			return exp, false
		}
	}
	return now.Add(fallback).UTC(), true
}

// Compile-time interface verification.
var _ Introspector = (*JWTIntrospector)(nil)
