package outbound

import (
	"context"
	"errors"
	"net/http"

	"github.com/Sentinel-Gate/portalguard/internal/domain/token"
)

// ErrRefreshTokenRejected is returned by TokenRefresher when the server
// answers 401 or 403: the refresh token itself is no longer valid and
// retrying cannot help.
var ErrRefreshTokenRejected = errors.New("refresh token rejected")

// ErrInvalidCredentials is returned by Authenticator.Login on 401.
var ErrInvalidCredentials = errors.New("invalid credentials")

// HTTPDoer is the transport used for outbound calls. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenRefresher exchanges a refresh token for a new pair.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (token.Pair, error)
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	UserID string
	Tokens token.Pair
}

// Authenticator performs the opaque login and logout calls.
type Authenticator interface {
	TokenRefresher
	Login(ctx context.Context, username, password string) (LoginResult, error)
	Logout(ctx context.Context, accessToken string) error
}
