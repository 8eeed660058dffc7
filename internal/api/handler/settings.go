package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/celltrack/reportd/internal/api/response"
	"github.com/celltrack/reportd/internal/settings"
	"github.com/celltrack/reportd/internal/store"
)

// SettingsRegistry is the in-process settings snapshot.
type SettingsRegistry interface {
	Reload(ctx context.Context) error
	Current() *settings.Snapshot
}

// NewListSettingsHandler returns an http.HandlerFunc for GET /api/v1/admin/settings.
// It returns the stored rows and when the in-process snapshot was last loaded.
func NewListSettingsHandler(s store.SettingsStore, reg SettingsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.ListSettings(r.Context())
		if err != nil {
			slog.Error("listing settings", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list settings", nil)
			return
		}
		response.JSON(w, map[string]any{
			"settings":  rows,
			"loaded_at": reg.Current().LoadedAt,
		})
	}
}

// NewUpdateSettingHandler returns an http.HandlerFunc for PUT /api/v1/admin/settings/{key}.
// The new value is visible to this process immediately and to other instances
// within their refresh interval.
func NewUpdateSettingHandler(s store.SettingsStore, reg SettingsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		var req struct {
			Value *string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "value is required", nil)
			return
		}
		if err := settings.Validate(key, *req.Value); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		row, err := s.UpsertSetting(r.Context(), key, *req.Value)
		if err != nil {
			slog.Error("updating setting", "key", key, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update setting", nil)
			return
		}
		if err := reg.Reload(r.Context()); err != nil {
			slog.Warn("reloading settings after update", "key", key, "error", err)
		}

		slog.Info("setting updated", "key", key)
		response.JSON(w, row)
	}
}

// NewReloadSettingsHandler returns an http.HandlerFunc for POST /api/v1/admin/settings/reload.
func NewReloadSettingsHandler(reg SettingsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Reload(r.Context()); err != nil {
			slog.Error("reloading settings", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reload settings", nil)
			return
		}
		response.JSON(w, map[string]time.Time{"loaded_at": reg.Current().LoadedAt})
	}
}
