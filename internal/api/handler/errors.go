package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/celltrack/reportd/internal/api/response"
	"github.com/celltrack/reportd/internal/report"
)

// writeServiceError maps report service errors onto the error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *report.DuplicateError
	switch {
	case errors.As(err, &dup):
		var details map[string]any
		if dup.Report != nil {
			details = map[string]any{
				"report_id": dup.Report.ID.String(),
				"status":    dup.Report.Status,
			}
		}
		response.Error(w, http.StatusConflict, "DUPLICATE_REQUEST",
			"An identical report was requested recently", details)
	case errors.Is(err, report.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, report.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, report.ErrNotReady):
		response.Error(w, http.StatusConflict, "REPORT_NOT_READY", err.Error(), nil)
	case errors.Is(err, report.ErrUpstream):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR",
			"The document conversion service failed", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
