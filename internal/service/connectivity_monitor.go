package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

// Default connectivity probe settings.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ConnectivityMonitor probes a URL periodically and emits NetworkOnline and
// NetworkOffline when reachability changes. Any HTTP response counts as
// reachable; only transport failures count as offline.
type ConnectivityMonitor struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	doer     outbound.HTTPDoer
	bus      *event.Bus
	logger   *slog.Logger

	online atomic.Bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectivityMonitor creates a monitor. It assumes the network is up
// until the first probe says otherwise.
func NewConnectivityMonitor(url string, interval time.Duration, doer outbound.HTTPDoer, bus *event.Bus, logger *slog.Logger) *ConnectivityMonitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := DefaultProbeTimeout
	if interval < timeout {
		timeout = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConnectivityMonitor{
		url:      url,
		interval: interval,
		timeout:  timeout,
		doer:     doer,
		bus:      bus,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	m.online.Store(true)
	return m
}

// Online reports the result of the last probe.
func (m *ConnectivityMonitor) Online() bool {
	return m.online.Load()
}

// Check probes once and records the result.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	up := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err == nil {
		var resp *http.Response
		resp, err = m.doer.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			up = true
		}
	}
	m.Set(up)
	if !up {
		m.logger.Debug("connectivity probe failed", "url", m.url, "error", err)
	}
	return up
}

// Set records connectivity observed elsewhere and emits an event on change.
func (m *ConnectivityMonitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	if online {
		m.logger.Info("network online", "url", m.url)
		m.bus.Emit(event.NetworkOnline, nil)
		return
	}
	m.logger.Warn("network offline", "url", m.url)
	m.bus.Emit(event.NetworkOffline, nil)
}

// Start begins periodic probing.
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop ends probing. Safe to call multiple times.
func (m *ConnectivityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *ConnectivityMonitor) worker(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
