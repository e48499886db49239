package http

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/middleware"
	"keygate/internal/report"
	"keygate/internal/services"
)

// Export limits for /admin/activations.xlsx and /admin/activations.
const (
	DefaultExportLimit = 1000
	MaxExportLimit     = 10000
)

// AdminHandler serves the bearer-protected operator endpoints.
type AdminHandler struct {
	service services.KeyService
	feed    http.Handler
	errs    *apierrors.ErrorHandler
	logger  *slog.Logger
}

// NewAdminHandler creates an admin handler. feed may be nil when the live
// event feed is disabled.
func NewAdminHandler(service services.KeyService, feed http.Handler, errs *apierrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if errs == nil {
		errs = apierrors.NewErrorHandler(logger, false)
	}
	return &AdminHandler{
		service: service,
		feed:    feed,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the admin routes. Authentication is applied by the caller.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Get("/activations", h.Activations)
	r.Get("/activations.xlsx", h.Export)
	r.Post("/sweep", h.Sweep)
	if h.feed != nil {
		r.Get("/feed", h.feed.ServeHTTP)
	}
	return r
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.databaseError(w, r, "stats query failed", err)
		return
	}
	render.JSON(w, r, stats)
}

// Activations handles GET /admin/activations?limit=.
func (h *AdminHandler) Activations(w http.ResponseWriter, r *http.Request) {
	limit, err := middleware.QueryInt(r, "limit", 1, MaxExportLimit, DefaultExportLimit)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	entries, err := h.service.Activations(r.Context(), limit)
	if err != nil {
		h.databaseError(w, r, "activation listing failed", err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"count":       len(entries),
		"activations": entries,
	})
}

// Export handles GET /admin/activations.xlsx?limit=.
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	limit, err := middleware.QueryInt(r, "limit", 1, MaxExportLimit, DefaultExportLimit)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	// Buffer the workbook so a failure can still produce a JSON error.
	var buf bytes.Buffer
	if err := h.service.ExportActivations(r.Context(), &buf, limit); err != nil {
		h.databaseError(w, r, "activation export failed", err)
		return
	}

	filename := fmt.Sprintf("activations-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "export write interrupted", slog.String("error", err.Error()))
	}
}

// Sweep handles POST /admin/sweep.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Sweep(r.Context())
	if err != nil {
		h.databaseError(w, r, "manual sweep failed", err)
		return
	}
	h.logger.InfoContext(r.Context(), "manual sweep",
		slog.Int("removed", rep.Total()),
		slog.Int("pruned", rep.Pruned))
	render.JSON(w, r, rep)
}

func (h *AdminHandler) databaseError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, map[string]string{"error": "Database error"})
}
