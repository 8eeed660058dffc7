package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/celltrack/reportd/internal/api/middleware"
	"github.com/celltrack/reportd/internal/api/response"
	"github.com/celltrack/reportd/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	GenerateHandler      http.HandlerFunc
	GetReportHandler     http.HandlerFunc
	ReportStatusHandler  http.HandlerFunc
	ReportContentHandler http.HandlerFunc
	ConvertHandler       http.HandlerFunc
	DeleteReportHandler  http.HandlerFunc
	ListReportsHandler   http.HandlerFunc

	CreateKeyHandler      http.HandlerFunc
	ListKeysHandler       http.HandlerFunc
	RevokeKeyHandler      http.HandlerFunc
	ListSettingsHandler   http.HandlerFunc
	UpdateSettingHandler  http.HandlerFunc
	ReloadSettingsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/reports/{kind}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeRead))
				r.Get("/customer/{customerID}", orNotImplemented(deps.ListReportsHandler))
				r.Get("/{reportID}", orNotImplemented(deps.GetReportHandler))
				r.Get("/{reportID}/status", orNotImplemented(deps.ReportStatusHandler))
				r.Get("/{reportID}/content", orNotImplemented(deps.ReportContentHandler))
			})
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeWrite))
				r.Post("/generate", orNotImplemented(deps.GenerateHandler))
				r.Post("/{reportID}/convert-pdf", orNotImplemented(deps.ConvertHandler))
				r.Delete("/{reportID}", orNotImplemented(deps.DeleteReportHandler))
			})
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			r.Get("/api/v1/admin/settings", orNotImplemented(deps.ListSettingsHandler))
			r.Post("/api/v1/admin/settings/reload", orNotImplemented(deps.ReloadSettingsHandler))
			r.Put("/api/v1/admin/settings/{key}", orNotImplemented(deps.UpdateSettingHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
