// Package authapi calls the opaque login, refresh and logout endpoints of
// the authentication server.
package authapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sentinel-Gate/portalguard/internal/domain/token"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

// maxResponseBodySize bounds how much of an auth response is read.
const maxResponseBodySize = 1 << 20 // 1MB

// Paths configures the endpoint paths relative to the base URL.
type Paths struct {
	Login   string
	Refresh string
	Logout  string
}

// Client implements outbound.Authenticator over JSON HTTP.
type Client struct {
	baseURL string
	paths   Paths
	doer    outbound.HTTPDoer
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPDoer sets a custom transport.
func WithHTTPDoer(d outbound.HTTPDoer) ClientOption {
	return func(c *Client) {
		c.doer = d
	}
}

// NewHTTPClient returns the *http.Client used for outbound calls: TLS 1.2
// minimum and bounded idle connections. Per-attempt timeouts come from
// the request context.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, paths Paths, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		paths:   paths,
		doer:    NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tokenResponse accepts camelCase and snake_case field names.
type tokenResponse struct {
	AccessToken       string `json:"accessToken"`
	RefreshToken      string `json:"refreshToken"`
	UserID            string `json:"userId"`
	AccessTokenSnake  string `json:"access_token"`
	RefreshTokenSnake string `json:"refresh_token"`
	UserIDSnake       string `json:"user_id"`
}

func (r tokenResponse) pair() token.Pair {
	p := token.Pair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	if p.AccessToken == "" {
		p.AccessToken = r.AccessTokenSnake
	}
	if p.RefreshToken == "" {
		p.RefreshToken = r.RefreshTokenSnake
	}
	return p
}

func (r tokenResponse) userID() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.UserIDSnake
}

// Login implements outbound.Authenticator.
func (c *Client) Login(ctx context.Context, username, password string) (outbound.LoginResult, error) {
	var resp tokenResponse
	status, err := c.postJSON(ctx, c.paths.Login, "", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		if status == http.StatusUnauthorized {
			return outbound.LoginResult{}, outbound.ErrInvalidCredentials
		}
		return outbound.LoginResult{}, fmt.Errorf("login: %w", err)
	}
	pair := resp.pair()
	if !pair.Complete() {
		return outbound.LoginResult{}, errors.New("login: response missing tokens")
	}
	userID := resp.userID()
	if userID == "" {
		userID = username
	}
	return outbound.LoginResult{UserID: userID, Tokens: pair}, nil
}

// Refresh implements outbound.TokenRefresher. A 401 or 403 answer is
// reported as outbound.ErrRefreshTokenRejected. A response without a new
// refresh token keeps the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	var resp tokenResponse
	status, err := c.postJSON(ctx, c.paths.Refresh, "", map[string]string{
		"refreshToken": refreshToken,
	}, &resp)
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return token.Pair{}, outbound.ErrRefreshTokenRejected
		}
		return token.Pair{}, fmt.Errorf("refresh: %w", err)
	}
	pair := resp.pair()
	if pair.AccessToken == "" {
		return token.Pair{}, errors.New("refresh: response missing access token")
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// Logout implements outbound.Authenticator.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	if _, err := c.postJSON(ctx, c.paths.Logout, accessToken, struct{}{}, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// postJSON sends body and decodes a 2xx response into out. It returns the
// status code (0 on transport failure) alongside any error.
func (c *Client) postJSON(ctx context.Context, path, bearer string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Compile-time interface verification.
var _ outbound.Authenticator = (*Client)(nil)
