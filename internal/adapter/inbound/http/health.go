package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/toolscope/toolscope/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// SessionStatus is the slice of the connection manager the checker needs.
type SessionStatus interface {
	ConnectedNames() []string
	RegisteredNames() []string
}

// CatalogStatus reports the discovery engine's counters.
type CatalogStatus interface {
	Stats() service.DiscoveryStats
}

// RouterStatus reports the router's readiness and counters.
type RouterStatus interface {
	Ready() bool
	Stats() service.RouterStats
}

// HealthChecker verifies component health. Any component may be nil.
type HealthChecker struct {
	sessions SessionStatus
	catalog  CatalogStatus
	router   RouterStatus
	version  string
}

// NewHealthChecker creates a HealthChecker over the running services.
func NewHealthChecker(sessions SessionStatus, catalog CatalogStatus, router RouterStatus, version string) *HealthChecker {
	return &HealthChecker{
		sessions: sessions,
		catalog:  catalog,
		router:   router,
		version:  version,
	}
}

// Check performs health checks on all components. Sessions being down is
// reported but not unhealthy; the proxy keeps serving cached tools and
// reconnects on its own.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.sessions != nil {
		connected := len(h.sessions.ConnectedNames())
		registered := len(h.sessions.RegisteredNames())
		checks["sessions"] = fmt.Sprintf("%d/%d connected", connected, registered)
	} else {
		checks["sessions"] = "not configured"
	}

	if h.catalog != nil {
		stats := h.catalog.Stats()
		checks["catalog"] = fmt.Sprintf("%d tools", stats.TotalTools)
	} else {
		checks["catalog"] = "not configured"
	}

	if h.router != nil {
		if h.router.Ready() {
			stats := h.router.Stats()
			checks["router"] = fmt.Sprintf("ok: %d calls, %d failed", stats.Total, stats.Failed)
		} else {
			checks["router"] = "not ready"
			healthy = false
		}
	} else {
		checks["router"] = "not configured"
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
