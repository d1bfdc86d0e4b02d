package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/port/inbound"
	"github.com/Sentinel-Gate/portalguard/internal/telemetry"
)

// DefaultAddr is the loopback listen address.
const DefaultAddr = "127.0.0.1:8741"

// Server is the inbound adapter that exposes the gateway, the session and
// the event bus to a local UI over HTTP.
type Server struct {
	gateway        inbound.Gateway
	sessions       inbound.SessionControl
	events         inbound.EventSource
	server         *http.Server
	addr           string
	allowedOrigins []string
	streams        *streamRegistry
	logger         *slog.Logger
	registry       *prometheus.Registry
	metrics        *telemetry.Metrics
	healthChecker  *HealthChecker

	mu       sync.Mutex
	listener net.Listener
	subOnce  sync.Once
	sub      event.Subscription
	subbed   bool
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is DefaultAddr (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithAllowedOrigins sets the browser origins allowed to call the server.
// If empty, all requests with an Origin header are blocked.
// Example: []string{"http://localhost:3000"}
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics serves reg on /metrics and records request metrics into m.
// m must be registered on reg.
func WithMetrics(reg *prometheus.Registry, m *telemetry.Metrics) Option {
	return func(s *Server) {
		s.registry = reg
		s.metrics = m
	}
}

// WithHealthChecker sets the health checker for the /healthz endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// NewServer creates the loopback server.
func NewServer(gw inbound.Gateway, sessions inbound.SessionControl, events inbound.EventSource, opts ...Option) *Server {
	s := &Server{
		gateway:        gw,
		sessions:       sessions,
		events:         events,
		addr:           DefaultAddr,
		allowedOrigins: []string{},
		streams:        newStreamRegistry(),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = telemetry.NewRegistry()
		s.metrics = telemetry.NewMetrics(s.registry)
	} else if s.metrics == nil {
		s.metrics = telemetry.NewMetrics(s.registry)
	}
	if s.healthChecker == nil {
		s.healthChecker = NewHealthChecker(nil, nil, nil, "")
	}
	return s
}

// Handler builds the routed handler with the full middleware chain and
// subscribes the /events hub to the event source.
func (s *Server) Handler() http.Handler {
	s.subscribe()

	mux := http.NewServeMux()
	mux.Handle("/healthz", s.healthChecker.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.Handle(apiPrefix, apiHandler(s.gateway))
	mux.HandleFunc("GET /session", sessionStatusHandler(s.sessions))
	mux.HandleFunc("POST /session/activity", sessionActivityHandler(s.sessions))
	mux.HandleFunc("POST /session/extend", sessionExtendHandler(s.sessions))
	mux.HandleFunc("POST /session/refresh", sessionRefreshHandler(s.sessions))
	mux.HandleFunc("GET /events", eventsHandler(s.streams))

	// Middleware order (outermost first):
	// 1. MetricsMiddleware - MUST be outermost to capture full duration
	// 2. RequestID
	// 3. OriginProtection
	var handler http.Handler = mux
	handler = OriginProtection(s.allowedOrigins)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

func (s *Server) subscribe() {
	s.subOnce.Do(func() {
		if s.events == nil {
			return
		}
		sub := s.events.OnAny(func(ev event.Event) {
			msg, err := encodeEvent(ev)
			if err != nil {
				s.logger.Warn("failed to encode event", "event", ev.Name, "error", err)
				return
			}
			s.streams.broadcast(msg)
		})
		s.mu.Lock()
		s.sub, s.subbed = sub, true
		s.mu.Unlock()
	})
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	handler := s.Handler()

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address once Start is running, or the
// configured address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	srv := s.server
	if s.subbed {
		s.events.Off(s.sub)
		s.subbed = false
	}
	s.mu.Unlock()

	// Close all SSE streams first so Shutdown does not wait on them.
	s.streams.closeAll()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.shutdown()
}
