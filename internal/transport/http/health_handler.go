package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"entitlecli/internal/license"
	"entitlecli/pkg/contracts"
)

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	check   *license.LicenseHealthCheck
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(check *license.LicenseHealthCheck) *HealthHandler {
	return &HealthHandler{check: check, started: time.Now()}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.check.HTTPHandler()(w, r)
}

// LivenessCheck handles GET /health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":  "alive",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"version": contracts.Version,
	})
}

// Version handles GET /version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
