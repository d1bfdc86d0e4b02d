package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/portalguard/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/portalguard/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loopback HTTP server for a local UI",
	Long: `Run portalguard in the foreground with its background workers and the
loopback HTTP server.

The server relays /api/<path> through the request gateway, exposes the
session under /session, streams lifecycle events on /events (Server-Sent
Events) and serves /healthz and /metrics.

Token refresh, inactivity timeouts, the offline sync and error reporting run
for as long as the server does.

Examples:
  # Serve on the configured address (default 127.0.0.1:8741)
  portalguard serve

  # Serve on another port
  portalguard serve --addr 127.0.0.1:9000`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.http_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.HTTPAddr = serveAddr
	}
	logger := newLogger(cfg)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "dev_mode", cfg.DevMode)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	a, err := newApp(ctx, cfg, logger, appOptions{source: "portalguard/serve"})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	a.start(ctx)

	srv := a.newServer()
	printBanner(Version, cfg.Server.HTTPAddr, cfg.API.BaseURL, cfg.Storage.Backend)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("portalguard stopped")
	return nil
}

// newServer builds the loopback server over the app's services.
func (a *app) newServer() *http.Server {
	return http.NewServer(a.gateway, a.sessions, a.bus,
		http.WithAddr(a.cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
		http.WithLogger(a.logger.With("component", "http")),
		http.WithMetrics(a.registry, a.metrics),
		http.WithHealthChecker(http.NewHealthChecker(a.sessions, a.queue, a.store, Version)),
	)
}

// printBanner prints a startup banner to stderr.
func printBanner(version, httpAddr, baseURL, backend string) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		dim   = "\033[2m"
	)

	base := "http://" + httpAddr
	if strings.HasPrefix(httpAddr, ":") {
		base = "http://localhost" + httpAddr
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s portalguard %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-10s %s/api/\n", "Gateway:", base)
	fmt.Fprintf(os.Stderr, "  %-10s %s/events\n", "Events:", base)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "API:", baseURL)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "Storage:", backend)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
