package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/infrastructure"
	"entitlecli/internal/license"
	"entitlecli/internal/policy"
	"entitlecli/internal/validation"
	"entitlecli/pkg/contracts/domain"
)

// maxCheckoutUpload bounds a raw checkout upload
const maxCheckoutUpload = 1 << 20

// LicenseService is the part of the license session the API drives
type LicenseService interface {
	GetLicenseStatus(ctx context.Context) domain.LicenseStatus
	GetTrialDaysRemaining(ctx context.Context) int64
	MarkFeature(ctx context.Context, featureID string, userData any) error
	ImportCheckout(ctx context.Context, path string) (license.ImportResult, error)
	CleanUpPolicies(ctx context.Context) (int64, error)
	State() license.SessionState
	CurrentPolicy() *policy.Policy
	Grace() license.GracePeriod
}

var _ LicenseService = (*license.Session)(nil)

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	service LicenseService
	errors  *licenseErrors.ErrorHandler
	logger  *slog.Logger
	now     func() time.Time
}

// NewLicenseHandler creates a new license handler. now should be the
// session's clock so grace days match the status evaluation.
func NewLicenseHandler(service LicenseService, errs *licenseErrors.ErrorHandler, logger *slog.Logger, now func() time.Time) *LicenseHandler {
	if now == nil {
		now = time.Now
	}
	return &LicenseHandler{
		service: service,
		errors:  errs,
		logger:  logger.With(slog.String("handler", "license")),
		now:     now,
	}
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status       domain.LicenseStatus `json:"status"`
	Usable       bool                 `json:"usable"`
	SessionState string               `json:"session_state"`
	PolicyID     string               `json:"policy_id,omitempty"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
	Trial        bool                 `json:"trial"`
	Grace        *GraceResponse       `json:"grace,omitempty"`
	TraceID      string               `json:"trace_id"`
}

// GraceResponse describes an active offline grace period
type GraceResponse struct {
	StartedAt     time.Time `json:"started_at"`
	DaysRemaining int64     `json:"days_remaining"`
}

// TrialResponse is the body of GET /trial
type TrialResponse struct {
	DaysRemaining int64 `json:"days_remaining"`
	Trial         bool  `json:"trial"`
}

// MarkFeatureRequest is the body of POST /features
type MarkFeatureRequest struct {
	FeatureID string          `json:"feature_id" validate:"required,max=128"`
	UserData  json.RawMessage `json:"user_data,omitempty"`
}

// Bind implements render.Binder
func (m *MarkFeatureRequest) Bind(r *http.Request) error {
	m.FeatureID = strings.TrimSpace(m.FeatureID)
	return nil
}

// ImportRequest is the JSON body of POST /checkouts
type ImportRequest struct {
	Path string `json:"path" validate:"required"`
}

// Bind implements render.Binder
func (i *ImportRequest) Bind(r *http.Request) error { return nil }

// ImportResponse reports the outcome of a checkout import
type ImportResponse struct {
	Result     int    `json:"result"`
	ResultName string `json:"result_name"`
}

// CleanupResponse reports how many rows CleanUpPolicies removed
type CleanupResponse struct {
	Removed int64 `json:"removed"`
}

// Routes returns a chi router for license endpoints. gate wraps the routes
// that require a usable license.
func (h *LicenseHandler) Routes(gate func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/trial", h.GetTrial)
	r.Post("/checkouts", h.ImportCheckout)
	r.Post("/cleanup", h.CleanUp)

	r.Group(func(r chi.Router) {
		if gate != nil {
			r.Use(gate)
		}
		r.Post("/features", h.MarkFeature)
	})
	return r
}

// GetStatus handles GET /status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := h.service.GetLicenseStatus(ctx)

	resp := StatusResponse{
		Status:       status,
		Usable:       status.Usable(),
		SessionState: h.service.State().String(),
		TraceID:      infrastructure.GetTraceID(ctx),
	}
	pol := h.service.CurrentPolicy()
	if pol != nil {
		resp.PolicyID = pol.ID()
		resp.Trial = pol.IsTrial()
		if exp := pol.ExpiresAt(); !exp.IsZero() {
			resp.ExpiresAt = &exp
		}
	}
	if g := h.service.Grace(); g.Active {
		resp.Grace = &GraceResponse{
			StartedAt:     time.UnixMilli(g.StartMillis).UTC(),
			DaysRemaining: g.DaysRemaining(pol, h.now().UnixMilli()),
		}
	}

	infrastructure.AddSpanEvent(ctx, "license.status.served")
	render.JSON(w, r, resp)
}

// GetTrial handles GET /trial
func (h *LicenseHandler) GetTrial(w http.ResponseWriter, r *http.Request) {
	days := h.service.GetTrialDaysRemaining(r.Context())
	trial := false
	if pol := h.service.CurrentPolicy(); pol != nil {
		trial = pol.IsTrial()
	}
	render.JSON(w, r, TrialResponse{DaysRemaining: days, Trial: trial})
}

// MarkFeature handles POST /features
func (h *LicenseHandler) MarkFeature(w http.ResponseWriter, r *http.Request) {
	req := &MarkFeatureRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errors.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if !h.validate(w, r, req) {
		return
	}

	var userData any
	if len(req.UserData) > 0 {
		userData = []byte(req.UserData)
	}
	if err := h.service.MarkFeature(r.Context(), req.FeatureID, userData); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.DebugContext(r.Context(), "feature use recorded", slog.String("feature_id", req.FeatureID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"feature_id": req.FeatureID})
}

// ImportCheckout handles POST /checkouts. A JSON body names a file on the
// local disk; any other content type is treated as the checkout itself.
func (h *LicenseHandler) ImportCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var path string
	if render.GetContentType(r.Header.Get("Content-Type")) == render.ContentTypeJSON {
		req := &ImportRequest{}
		if err := render.Bind(r, req); err != nil {
			h.errors.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
			return
		}
		if !h.validate(w, r, req) {
			return
		}
		path = req.Path
	} else {
		staged, err := h.stageUpload(r)
		if err != nil {
			h.errors.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
			return
		}
		defer os.Remove(staged)
		path = staged
	}

	result, err := h.service.ImportCheckout(ctx, path)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "checkout imported via API", slog.String("result", result.String()))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ImportResponse{Result: int(result), ResultName: result.String()})
}

func (h *LicenseHandler) stageUpload(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCheckoutUpload+1))
	if err != nil {
		return "", fmt.Errorf("failed to read checkout: %w", err)
	}
	if len(body) == 0 {
		return "", errors.New("empty checkout body")
	}
	if len(body) > maxCheckoutUpload {
		return "", fmt.Errorf("checkout larger than %d bytes", maxCheckoutUpload)
	}

	// outside the watched inbox so the watcher never imports it a second time
	f, err := os.CreateTemp("", "checkout-upload-*"+validation.CheckoutExtension)
	if err != nil {
		return "", fmt.Errorf("failed to stage checkout: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage checkout: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

// CleanUp handles POST /cleanup
func (h *LicenseHandler) CleanUp(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.CleanUpPolicies(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, CleanupResponse{Removed: removed})
}

// validate renders a 400 with the failing fields and returns false when v is invalid
func (h *LicenseHandler) validate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	fields, err := validation.Struct(v)
	if err == nil {
		return true
	}
	if len(fields) == 0 {
		h.errors.HandleError(w, r, err)
		return false
	}

	errs := make([]licenseErrors.ValidationError, 0, len(fields))
	for field, msg := range fields {
		errs = append(errs, licenseErrors.ValidationError{Field: field, Message: msg})
	}
	h.errors.HandleError(w, r, licenseErrors.NewValidationErrors(errs))
	return false
}
