// Package http provides the loopback HTTP server that exposes the
// portalguard client core to a local UI.
//
// # Usage
//
//	srv := http.NewServer(gateway, sessions, bus,
//	    http.WithAddr("127.0.0.1:8741"),
//	    http.WithAllowedOrigins([]string{"http://localhost:3000"}),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	ANY  /api/<path>         - Relay through the request gateway to <base_url>/<path>
//	GET  /session            - Session phase, validity and time remaining
//	POST /session/activity   - Record user activity ({"type":"keyboard"})
//	POST /session/extend     - Extend the session after a warning
//	POST /session/refresh    - Force a token refresh
//	GET  /events             - Server-Sent Events stream of every lifecycle event
//	GET  /healthz            - Component health
//	GET  /metrics            - Prometheus metrics
//
// # Gateway errors
//
// Failures from /api are mapped to status codes:
//
//	202 - mutating call queued for replay while offline ({"queued":true,"id":...})
//	401 - no session, refresh failed or session invalidated
//	429 - client-side rate limit, with Retry-After
//	503 - API unreachable
//	502 - anything else
//
// Non-2xx upstream responses are relayed unchanged.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status
//  2. RequestIDMiddleware - Extracts/generates X-Request-ID and enriches the logger
//  3. OriginProtection - Rejects browser requests from origins not in the allowlist
//  4. Handler - Routes to the endpoint handlers
//
// Credentials are never accepted from the caller: Authorization and Cookie
// headers are stripped and the gateway attaches the session's own.
package http
