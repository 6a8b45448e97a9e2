package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/license"
	"entitlecli/internal/store"
	"entitlecli/pkg/contracts/domain"
)

// RecordExporter streams records as CSV
type RecordExporter interface {
	ExportCSV(ctx context.Context, kind domain.RecordKind, w io.Writer) (int, error)
}

var (
	_ RecordExporter = (*store.Store)(nil)
	_ RecordExporter = (*license.Session)(nil)
)

// RecordsHandler serves record exports
type RecordsHandler struct {
	exporter RecordExporter
	errors   *licenseErrors.ErrorHandler
	logger   *slog.Logger
}

// NewRecordsHandler creates a records handler
func NewRecordsHandler(exporter RecordExporter, errs *licenseErrors.ErrorHandler, logger *slog.Logger) *RecordsHandler {
	return &RecordsHandler{exporter: exporter, errors: errs, logger: logger.With(slog.String("handler", "records"))}
}

// Routes returns the records router
func (h *RecordsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{kind}.csv", h.ExportCSV)
	return r
}

// ExportCSV handles GET /{kind}.csv
func (h *RecordsHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	kind := domain.RecordKind(chi.URLParam(r, "kind"))
	if kind != domain.RecordKindUsage && kind != domain.RecordKindFeature {
		h.errors.HandleError(w, r, licenseErrors.New(http.StatusNotFound, "NOT_FOUND",
			fmt.Sprintf("unknown record kind %q", kind)))
		return
	}

	// headers go out with the first byte so a failed query still renders a problem
	buf := &deferredWriter{w: w, contentType: "text/csv; charset=utf-8", filename: string(kind) + ".csv"}
	n, err := h.exporter.ExportCSV(r.Context(), kind, buf)
	if err != nil && !buf.started {
		h.errors.HandleError(w, r, err)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "record export aborted", slog.String("error", err.Error()))
		return
	}
	buf.flushHeaders()
	h.logger.InfoContext(r.Context(), "records exported", slog.String("kind", string(kind)), slog.Int("rows", n))
}

// deferredWriter sets the download headers on the first write
type deferredWriter struct {
	w           http.ResponseWriter
	contentType string
	filename    string
	started     bool
}

func (d *deferredWriter) flushHeaders() {
	if d.started {
		return
	}
	d.started = true
	d.w.Header().Set("Content-Type", d.contentType)
	d.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.filename))
	d.w.WriteHeader(http.StatusOK)
}

func (d *deferredWriter) Write(p []byte) (int, error) {
	d.flushHeaders()
	return d.w.Write(p)
}
