package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// Pinger checks connectivity to a backing database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker verifies component health. Pass nil for components
// that aren't configured.
type HealthChecker struct {
	store     Pinger
	warehouse Pinger
	audits    FailureCounter
	version   string
}

func NewHealthChecker(store, warehouse Pinger, audits FailureCounter, version string) *HealthChecker {
	return &HealthChecker{store: store, warehouse: warehouse, audits: audits, version: version}
}

// Check pings the governance store and the warehouse. The audit
// failure counter is reported as a warning, not an unhealthy state:
// the gateway already withholds results when a write fails.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			checks["store"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not configured"
	}

	if h.warehouse != nil {
		if err := h.warehouse.Ping(ctx); err != nil {
			checks["warehouse"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			checks["warehouse"] = "ok"
		}
	} else {
		checks["warehouse"] = "not configured"
	}

	if h.audits != nil {
		if n := h.audits.Failures(); n > 0 {
			checks["audit_failures"] = fmt.Sprintf("%d failed writes", n)
		} else {
			checks["audit_failures"] = "none"
		}
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /health HTTP handler.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())
		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}
