package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/celltrack/reportd/internal/api"
	mw "github.com/celltrack/reportd/internal/api/middleware"
	"github.com/celltrack/reportd/internal/cache"
	"github.com/celltrack/reportd/internal/store"
	"github.com/celltrack/reportd/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- stub key store: holds at most one key ---

type stubKeyStore struct {
	key *models.APIKey
}

func (s *stubKeyStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	if s.key == nil || s.key.KeyPrefix != prefix {
		return nil, nil
	}
	return []*models.APIKey{s.key}, nil
}
func (s *stubKeyStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *stubKeyStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (s *stubKeyStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error)   { return nil, nil }
func (s *stubKeyStore) RevokeAPIKey(_ context.Context, _ uuid.UUID) error         { return nil }

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Ping(_ context.Context) error { return nil }
func (c *stubCache) SetReportStatus(_ context.Context, _ uuid.UUID, _ cache.ReportState, _ time.Duration) error {
	return nil
}
func (c *stubCache) GetReportStatus(_ context.Context, _ uuid.UUID) (cache.ReportState, bool, error) {
	return cache.ReportState{}, false, nil
}
func (c *stubCache) DeleteReportStatus(_ context.Context, _ uuid.UUID) error { return nil }
func (c *stubCache) Claim(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}
func (c *stubCache) Release(_ context.Context, _ string) error { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- router tests ---

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func newTestRouter(keys *stubKeyStore) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(keys),
		RateLimit: mw.NewRateLimit(&stubCache{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		GetReportHandler: okHandler,
		GenerateHandler:  okHandler,
		ListKeysHandler:  okHandler,
	})
}

func keyWithScopes(t *testing.T, raw string, scopes ...string) *stubKeyStore {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	require.NoError(t, err)
	return &stubKeyStore{key: &models.APIKey{
		ID:        uuid.New(),
		KeyHash:   string(h),
		KeyPrefix: raw[:8],
		Scopes:    scopes,
	}}
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(&stubKeyStore{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(&stubKeyStore{})
	id := uuid.NewString()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/reports/analysis/generate"},
		{"GET", "/api/v1/reports/analysis/" + id},
		{"GET", "/api/v1/reports/comparison/" + id + "/status"},
		{"GET", "/api/v1/reports/analysis/" + id + "/content"},
		{"POST", "/api/v1/reports/analysis/" + id + "/convert-pdf"},
		{"DELETE", "/api/v1/reports/analysis/" + id},
		{"GET", "/api/v1/reports/analysis/customer/c1"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/settings"},
		{"PUT", "/api/v1/admin/settings/prompt.analysis"},
		{"POST", "/api/v1/admin/settings/reload"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_Scopes(t *testing.T) {
	raw := "rpt_read0000000000000000"
	router := newTestRouter(keyWithScopes(t, raw, models.ScopeRead))
	id := uuid.NewString()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/api/v1/reports/analysis/" + id, http.StatusOK},
		{"POST", "/api/v1/reports/analysis/generate", http.StatusForbidden},
		{"GET", "/api/v1/admin/keys", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+raw)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRouter_AdminCanReachEverything(t *testing.T) {
	raw := "rpt_admn0000000000000000"
	router := newTestRouter(keyWithScopes(t, raw, models.ScopeAdmin))

	for _, ep := range [][2]string{
		{"POST", "/api/v1/reports/analysis/generate"},
		{"GET", "/api/v1/reports/comparison/" + uuid.NewString()},
		{"GET", "/api/v1/admin/keys"},
	} {
		req := httptest.NewRequest(ep[0], ep[1], nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, ep[1])
	}
}

func TestRouter_UnwiredHandlerIsNotImplemented(t *testing.T) {
	raw := "rpt_admn0000000000000000"
	router := newTestRouter(keyWithScopes(t, raw, models.ScopeAdmin))

	req := httptest.NewRequest("POST", "/api/v1/admin/settings/reload", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(&stubKeyStore{})

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

// Verify interfaces are satisfied
var _ store.KeyStore = (*stubKeyStore)(nil)
var _ cache.Cache = (*stubCache)(nil)
