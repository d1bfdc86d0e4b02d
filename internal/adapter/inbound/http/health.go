package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// SessionProbe reports the session phase.
type SessionProbe interface {
	Phase() session.Phase
}

// QueueProbe reports offline queue depth and connectivity.
type QueueProbe interface {
	Len() int
	Online() bool
}

// StoreProbe reports whether persistence fell back to memory.
type StoreProbe interface {
	Degraded() bool
}

// HealthChecker verifies component health.
type HealthChecker struct {
	session SessionProbe
	queue   QueueProbe
	store   StoreProbe
	version string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(s SessionProbe, q QueueProbe, st StoreProbe, version string) *HealthChecker {
	return &HealthChecker{
		session: s,
		queue:   q,
		store:   st,
		version: version,
	}
}

// Check performs health checks on all components.
// A degraded store makes the process unhealthy: state written now will not
// survive a restart. Being offline or unauthenticated is reported but is not
// a failure of this process.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.session != nil {
		checks["session"] = string(h.session.Phase())
	} else {
		checks["session"] = "not configured"
	}

	if h.queue != nil {
		network := "online"
		if !h.queue.Online() {
			network = "offline"
		}
		checks["network"] = network
		checks["offline_queue"] = fmt.Sprintf("%d pending", h.queue.Len())
	} else {
		checks["offline_queue"] = "not configured"
	}

	if h.store != nil {
		if h.store.Degraded() {
			checks["storage"] = "degraded: using in-memory fallback"
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
