package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	licenseErrors "entitlecli/internal/errors"
	"entitlecli/pkg/contracts/domain"
)

// StatusChecker reports the current license status
type StatusChecker interface {
	GetLicenseStatus(ctx context.Context) domain.LicenseStatus
}

// RequireUsableLicense rejects requests with 403 unless the license status
// permits use of the application.
func RequireUsableLicense(checker StatusChecker, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status := checker.GetLicenseStatus(r.Context())
			if status.Usable() {
				next.ServeHTTP(w, r)
				return
			}

			logger.WarnContext(r.Context(), "request blocked by license status",
				slog.String("path", r.URL.Path),
				slog.String("status", status.String()))

			problem := licenseErrors.NewProblemDetails(
				http.StatusForbidden,
				licenseErrors.TypeNotEntitled,
				"License Required",
				"The current license status does not permit this operation",
				r.URL.Path,
			).WithExtension("license_status", status.String()).
				WithExtension("trace_id", middleware.GetReqID(r.Context()))
			render.Render(w, r, problem)
		})
	}
}
