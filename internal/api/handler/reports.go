package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/celltrack/reportd/internal/api/response"
	"github.com/celltrack/reportd/internal/report"
	"github.com/celltrack/reportd/pkg/models"
)

const maxGenerateBodyBytes = 64 << 10

// ReportService is the report lifecycle the handlers depend on.
type ReportService interface {
	Generate(ctx context.Context, kind models.ReportKind, req report.CreateRequest) (*models.Report, error)
	Initiate(ctx context.Context, kind models.ReportKind, req report.CreateRequest) (*models.Report, error)
	Get(ctx context.Context, kind models.ReportKind, id uuid.UUID) (*models.Report, error)
	Status(ctx context.Context, kind models.ReportKind, id uuid.UUID) (models.ReportStatus, error)
	Content(ctx context.Context, kind models.ReportKind, id uuid.UUID) (string, error)
	Convert(ctx context.Context, kind models.ReportKind, id uuid.UUID) (*report.Artifact, error)
	Delete(ctx context.Context, kind models.ReportKind, id uuid.UUID) error
	List(ctx context.Context, kind models.ReportKind, p report.ListParams) ([]*models.ReportSummary, int, error)
}

type generateRequest struct {
	CustomerID string   `json:"customerId"`
	InputIDs   []string `json:"inputIds"`
}

type reportResponse struct {
	ID               uuid.UUID           `json:"id"`
	Kind             models.ReportKind   `json:"kind"`
	CustomerID       string              `json:"customer_id"`
	InputIDs         []string            `json:"input_ids"`
	Status           models.ReportStatus `json:"status"`
	Content          *string             `json:"content,omitempty"`
	ErrorMessage     *string             `json:"error_message,omitempty"`
	HasArtifact      bool                `json:"has_artifact"`
	ModelIdentifier  *string             `json:"model_identifier,omitempty"`
	TokenCount       *int                `json:"token_count,omitempty"`
	ProcessingTimeMs *int64              `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func toReportResponse(r *models.Report) reportResponse {
	return reportResponse{
		ID:               r.ID,
		Kind:             r.Kind,
		CustomerID:       r.CustomerID,
		InputIDs:         r.InputIDs,
		Status:           r.Status,
		Content:          r.Content,
		ErrorMessage:     r.ErrorMessage,
		HasArtifact:      r.HasArtifact(),
		ModelIdentifier:  r.ModelIdentifier,
		TokenCount:       r.TokenCount,
		ProcessingTimeMs: r.ProcessingTimeMs,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type acceptedResponse struct {
	ReportID  uuid.UUID           `json:"report_id"`
	Status    models.ReportStatus `json:"status"`
	StatusURL string              `json:"status_url"`
}

type artifactResponse struct {
	ReportID    uuid.UUID `json:"report_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Data        string    `json:"data"`
	Cached      bool      `json:"cached"`
}

// NewGenerateHandler returns an http.HandlerFunc for POST /api/v1/reports/{kind}/generate.
// ?mode=sync|async overrides the kind's default execution mode.
func NewGenerateHandler(svc ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := kindParam(w, r)
		if !ok {
			return
		}

		async := kind.Async()
		switch mode := r.URL.Query().Get("mode"); mode {
		case "":
		case "sync":
			async = false
		case "async":
			async = true
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "mode must be sync or async", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGenerateBodyBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body too large or unreadable", nil)
			return
		}
		if !json.Valid(body) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		schema, err := loadGenerateSchema()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		problems, err := validateBody(schema, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if len(problems) > 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body failed validation", problems)
			return
		}

		var req generateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		create := report.CreateRequest{CustomerID: req.CustomerID, InputIDs: req.InputIDs}

		if !async {
			rep, err := svc.Generate(r.Context(), kind, create)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			response.JSON(w, toReportResponse(rep))
			return
		}

		rep, err := svc.Initiate(r.Context(), kind, create)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		statusURL := fmt.Sprintf("/api/v1/reports/%s/%s", kind, rep.ID)
		response.Accepted(w, statusURL, acceptedResponse{ReportID: rep.ID, Status: rep.Status, StatusURL: statusURL})
	}
}

// NewGetReportHandler returns an http.HandlerFunc for GET /api/v1/reports/{kind}/{reportID}.
func NewGetReportHandler(svc ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, id, ok := reportParams(w, r)
		if !ok {
			return
		}
		rep, err := svc.Get(r.Context(), kind, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if !rep.Status.Terminal() {
			response.Pending(w, toReportResponse(rep))
			return
		}
		response.JSON(w, toReportResponse(rep))
	}
}

// NewReportStatusHandler returns an http.HandlerFunc for GET /api/v1/reports/{kind}/{reportID}/status.
func NewReportStatusHandler(svc ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, id, ok := reportParams(w, r)
		if !ok {
			return
		}
		status, err := svc.Status(r.Context(), kind, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		body := map[string]any{"report_id": id, "status": status}
		if !status.Terminal() {
			response.Pending(w, body)
			return
		}
		response.JSON(w, body)
	}
}

// NewReportContentHandler returns an http.HandlerFunc for GET /api/v1/reports/{kind}/{reportID}/content.
func NewReportContentHandler(svc ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, id, ok := reportParams(w, r)
		if !ok {
			return
		}
		content, err := svc.Content(r.Context(), kind, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Markdown(w, content)
	}
}

// NewConvertHandler returns an http.HandlerFunc for POST /api/v1/reports/{kind}/{reportID}/convert-pdf.
func NewConvertHandler(svc ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, id, ok := reportParams(w, r)
		if !ok {
			return
		}
		a, err := svc.Convert(r.Context(), kind, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, artifactResponse{
			ReportID:    a.ReportID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        base64.StdEncoding.EncodeToString(a.Data),
			Cached:      a.Cached,
		})
	}
}

// NewDeleteReportHandler returns an http.HandlerFunc for DELETE /api/v1/reports/{kind}/{reportID}.
func NewDeleteReportHandler(svc ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, id, ok := reportParams(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), kind, id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewListReportsHandler returns an http.HandlerFunc for
// GET /api/v1/reports/{kind}/customer/{customerID}?page=&limit=&status=.
func NewListReportsHandler(svc ReportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := kindParam(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		page := intQuery(q.Get("page"), 1)
		if page < 1 {
			page = 1
		}
		limit := intQuery(q.Get("limit"), 20)
		if limit < 1 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		items, total, err := svc.List(r.Context(), kind, report.ListParams{
			CustomerID: chi.URLParam(r, "customerID"),
			Status:     models.ReportStatus(q.Get("status")),
			Page:       page,
			Limit:      limit,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if items == nil {
			items = []*models.ReportSummary{}
		}

		response.Collection(w, items, response.Page(page, limit, total))
	}
}

func kindParam(w http.ResponseWriter, r *http.Request) (models.ReportKind, bool) {
	kind, ok := models.ParseReportKind(chi.URLParam(r, "kind"))
	if !ok {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown report kind", nil)
		return "", false
	}
	return kind, true
}

func reportParams(w http.ResponseWriter, r *http.Request) (models.ReportKind, uuid.UUID, bool) {
	kind, ok := kindParam(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "reportID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid report ID", nil)
		return "", uuid.Nil, false
	}
	return kind, id, true
}

func intQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
