package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/authapi"
	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/collector"
	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/device"
	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/file"
	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/redis"
	"github.com/Sentinel-Gate/portalguard/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/portalguard/internal/config"
	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/domain/token"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
	"github.com/Sentinel-Gate/portalguard/internal/service"
	"github.com/Sentinel-Gate/portalguard/internal/telemetry"
)

// app holds the wired services for one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *memory.FallbackStore
	closers  []io.Closer
	bus      *event.Bus
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	auth        *authapi.Client
	sessions    *service.SessionManager
	gateway     *service.RequestGateway
	queue       *service.OfflineQueue
	errorLog    *service.ErrorLog
	monitor     *service.ConnectivityMonitor
	rateLimiter *memory.MemoryRateLimiter

	shutdownTracing func(context.Context) error
}

// appOptions overrides process-level collaborators, mainly for tests.
type appOptions struct {
	doer        outbound.HTTPDoer
	fingerprint string
	source      string
}

// newApp wires every component from cfg. The boot order is:
// storage, error log, session, gateway, offline queue, connectivity.
// Persisted state is loaded before newApp returns.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	// The deferred Close sees the partially built app, not the nil result.
	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      event.NewBus(logger),
		registry: telemetry.NewRegistry(),
	}
	a.metrics = telemetry.NewMetrics(a.registry)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if opts.doer == nil {
		opts.doer = authapi.NewHTTPClient()
	}
	if opts.fingerprint == "" {
		opts.fingerprint = device.Fingerprint()
	}
	if opts.source == "" {
		opts.source = "portalguard/cli"
	}

	// ===== Storage =====
	primary, spill, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	a.store = memory.NewFallbackStore(primary, logger)

	// ===== Tracing =====
	tp, shutdown, err := telemetry.InitTracing(telemetry.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "portalguard",
		Version:     Version,
		Writer:      os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	// ===== Error log =====
	level, err := errlog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logOpts := []service.ErrorLogOption{
		service.WithLogMetrics(a.metrics),
		service.WithLogFingerprint(opts.fingerprint),
	}
	if cfg.Log.CollectorURL != "" {
		logOpts = append(logOpts, service.WithLogReporter(collector.NewReporter(cfg.Log.CollectorURL, opts.doer)))
	}
	a.errorLog = service.NewErrorLog(a.store, a.bus, service.ErrorLogConfig{
		MinLevel:       level,
		MaxEntries:     cfg.Log.MaxEntries,
		Retention:      config.Duration(cfg.Log.Retention),
		ReportInterval: config.Duration(cfg.Log.ReportInterval),
		RetryBackoff:   config.Duration(cfg.Log.RetryBackoff),
		Source:         opts.source,
	}, logger.With("component", "errorlog"), logOpts...)
	a.store.OnFailure(a.errorLog.RecordStorageFailure)
	if err := a.errorLog.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load error log: %w", err)
	}

	// ===== Session =====
	a.auth = authapi.NewClient(cfg.API.BaseURL, authapi.Paths{
		Login:   cfg.API.LoginPath,
		Refresh: cfg.API.RefreshPath,
		Logout:  cfg.API.LogoutPath,
	}, authapi.WithHTTPDoer(opts.doer))
	a.sessions = service.NewSessionManager(a.store, a.auth, a.bus, service.SessionConfig{
		AccessTokenLifetime: config.Duration(cfg.Session.AccessTokenLifetime),
		RefreshBuffer:       config.Duration(cfg.Session.RefreshBuffer),
		Timeout:             config.Duration(cfg.Session.Timeout),
		WarningTime:         config.Duration(cfg.Session.WarningTime),
		MaxRefreshAttempts:  cfg.Session.MaxRefreshAttempts,
		RefreshCooldown:     config.Duration(cfg.Session.RefreshCooldown),
		RefreshTimeout:      config.Duration(cfg.API.Timeout),
		AutoLogout:          cfg.Session.AutoLogout,
		RememberMeDuration:  config.Duration(cfg.Session.RememberMeDuration),
		QueueMaxAge:         config.Duration(cfg.Session.QueueMaxAge),
	}, logger.With("component", "session"),
		service.WithIntrospector(token.NewJWTIntrospector()),
		service.WithSessionRecorder(a.errorLog),
		service.WithSessionMetrics(a.metrics),
		service.WithDeviceFingerprint(opts.fingerprint),
	)

	// ===== Gateway =====
	gwOpts := []service.GatewayOption{
		service.WithGatewayRecorder(a.errorLog),
		service.WithGatewayMetrics(a.metrics),
		service.WithTracer(telemetry.Tracer(tp)),
	}
	if cfg.API.RateLimit.Enabled {
		a.rateLimiter = memory.NewRateLimiter()
		gwOpts = append(gwOpts, service.WithRateLimiter(a.rateLimiter))
	}
	a.gateway = service.NewRequestGateway(opts.doer, a.sessions, a.bus, service.GatewayConfig{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           config.Duration(cfg.API.Timeout),
		MaxRetries:        cfg.API.MaxRetries,
		BackoffBase:       config.Duration(cfg.API.BackoffBase),
		BackoffMax:        config.Duration(cfg.API.BackoffMax),
		CacheTTL:          config.Duration(cfg.API.CacheTTL),
		RequestsPerMinute: cfg.API.RateLimit.RequestsPerMinute,
	}, logger.With("component", "gateway"), gwOpts...)
	a.gateway.UseRequest(userAgent("portalguard/" + Version))

	// ===== Offline queue =====
	classifier, err := newClassifier(cfg.Offline.PriorityRules, logger)
	if err != nil {
		return nil, err
	}
	queueOpts := []service.OfflineOption{
		service.WithClassifier(classifier),
		service.WithOfflineRecorder(a.errorLog),
		service.WithOfflineMetrics(a.metrics),
	}
	if spill != nil {
		queueOpts = append(queueOpts, service.WithSpillStore(spill))
	}
	a.queue = service.NewOfflineQueue(a.store, a.gateway, a.bus, service.OfflineConfig{
		SyncInterval:   config.Duration(cfg.Offline.SyncInterval),
		MaxRequests:    cfg.Offline.MaxRequests,
		MaxRetries:     cfg.Offline.MaxRetries,
		CacheTTL:       config.Duration(cfg.Offline.CacheTTL),
		SpillThreshold: cfg.Offline.SpillThreshold,
	}, logger.With("component", "offline"), queueOpts...)
	a.gateway.AttachOffline(a.queue)
	if err := a.queue.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load offline queue: %w", err)
	}

	a.monitor = service.NewConnectivityMonitor(cfg.Offline.ProbeURL, config.Duration(cfg.Offline.ProbeInterval),
		opts.doer, a.bus, logger.With("component", "connectivity"))

	// Restore last, so restore events reach every subscriber.
	if err := a.sessions.Restore(ctx); err != nil {
		logger.Warn("failed to restore session", "error", err)
	}
	return a, nil
}

// userAgent stamps calls that do not carry their own User-Agent.
func userAgent(ua string) request.RequestInterceptor {
	return func(_ context.Context, req *request.Request) error {
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", ua)
		}
		return nil
	}
}

// openStores opens the configured backend. The spill store holds large
// offline cache bodies; it is nil when the primary store serves that role.
func (a *app) openStores(ctx context.Context) (outbound.KVStore, outbound.KVStore, error) {
	cfg := a.cfg.Storage
	dir := a.cfg.StorageDir()

	switch cfg.Backend {
	case "memory":
		return memory.NewKVStore(), nil, nil

	case "file":
		fs, err := file.NewKVStore(dir, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file store: %w", err)
		}
		spill, err := sqlite.Open(ctx, filepath.Join(dir, "cache.db"), a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open spill store: %w", err)
		}
		a.closers = append(a.closers, spill)
		return fs, spill, nil

	case "sqlite":
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
		db, err := sqlite.Open(ctx, filepath.Join(dir, "portalguard.db"), a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.closers = append(a.closers, db)
		return db, nil, nil

	case "redis":
		rs, err := redis.Open(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rs)
		return rs, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// newClassifier compiles the configured priority rules. With no rules,
// requests without an explicit priority are queued as medium.
func newClassifier(rules []config.PriorityRuleConfig, logger *slog.Logger) (*cel.PriorityClassifier, error) {
	compiled := make([]cel.Rule, 0, len(rules))
	for _, r := range rules {
		p, err := offline.ParsePriority(r.Priority)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cel.Rule{Condition: r.Condition, Priority: p})
	}
	c, err := cel.NewPriorityClassifier(compiled, offline.PriorityMedium, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid offline priority rule: %w", err)
	}
	return c, nil
}

// start launches the background workers used by long-running commands.
func (a *app) start(ctx context.Context) {
	if a.rateLimiter != nil {
		a.rateLimiter.StartCleanup(ctx)
	}
	a.errorLog.Start(ctx)
	a.queue.Start(ctx)
	a.monitor.Start(ctx)
}

// Close stops workers, flushes state and releases storage.
// Safe to call on a partially built app.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.errorLog != nil {
		a.errorLog.Stop()
	}
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
