package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

// HealthResponse is the JSON body of /health.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports component health.
type HealthChecker struct {
	ledger   *memory.MemoryLedger
	policies *service.PolicyService
	version  string
}

// NewHealthChecker creates a HealthChecker. Nil components are reported
// as not configured.
func NewHealthChecker(ledger *memory.MemoryLedger, policies *service.PolicyService, version string) *HealthChecker {
	return &HealthChecker{ledger: ledger, policies: policies, version: version}
}

// Check runs all checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.ledger != nil {
		stats := h.ledger.Stats()
		capacity := h.ledger.Config().MaxEntries
		pending := stats.EntriesByState[approval.StateNeedsReview]
		percent := 0
		if capacity > 0 {
			percent = pending * 100 / capacity
		}
		// Pending reviews close to capacity get evicted by new requests.
		if percent > 90 {
			checks["ledger"] = fmt.Sprintf("degraded: %d pending of %d (%d%%)", pending, capacity, percent)
			healthy = false
		} else {
			checks["ledger"] = fmt.Sprintf("ok: %d entries, %d pending, capacity %d", stats.TotalEntries, pending, capacity)
		}
	} else {
		checks["ledger"] = "not configured"
	}

	if h.policies != nil {
		snap := h.policies.Snapshot()
		state := "enabled"
		if !snap.Enabled {
			state = "disabled"
		}
		checks["approvals"] = fmt.Sprintf("ok: %d rules, %s, default %s", len(snap.Rules), state, snap.DefaultAction)
	} else {
		checks["approvals"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler serves the health report.
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
