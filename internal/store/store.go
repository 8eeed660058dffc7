package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/celltrack/reportd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	ContentStore
	ReportStore
	KeyStore
	SettingsStore
}

// ContentStore reads the customer-owned source documents reports are derived from.
type ContentStore interface {
	CustomerExists(ctx context.Context, customerID string) (bool, error)
	// GetExams returns the exams with the given ids, ordered by exam date. It returns
	// ErrNotFound if any id does not exist or belongs to another customer.
	GetExams(ctx context.Context, customerID string, examIDs []string) ([]*models.MedicalExam, error)
}

// ReportStore persists the report lifecycle.
type ReportStore interface {
	CreateReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error)
	FindRecentReport(ctx context.Context, kind models.ReportKind, customerID, inputKey string, since time.Time) (*models.Report, error)
	// StartReport marks an in-flight report as running now. It returns ErrNotFound
	// if the report is missing or already terminal.
	StartReport(ctx context.Context, id uuid.UUID) error
	CompleteReport(ctx context.Context, id uuid.UUID, outcome models.GenerationOutcome) error
	FailReport(ctx context.Context, id uuid.UUID, errorMessage string, opts ...ReportUpdateOption) error
	SetReportArtifact(ctx context.Context, id uuid.UUID, artifact []byte, filename string) error
	DeleteReport(ctx context.Context, id uuid.UUID) error
	ListReports(ctx context.Context, filter ReportFilter) ([]*models.ReportSummary, int, error)
	FailStaleReports(ctx context.Context, updatedBefore time.Time, errorMessage string) ([]uuid.UUID, error)
}

// KeyStore manages API keys.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// SettingsStore reads and writes the system_settings table.
type SettingsStore interface {
	ListSettings(ctx context.Context) ([]*models.Setting, error)
	UpsertSetting(ctx context.Context, key, value string) (*models.Setting, error)
}

type ReportFilter struct {
	CustomerID string
	Kind       models.ReportKind
	Status     models.ReportStatus
	Page       int
	Limit      int
}

type reportUpdateParams struct {
	ProcessingTimeMs *int64
	ModelIdentifier  *string
}

// ReportUpdateOption attaches observability metadata to a terminal write.
type ReportUpdateOption func(*reportUpdateParams)

func WithProcessingTime(d time.Duration) ReportUpdateOption {
	return func(p *reportUpdateParams) {
		ms := d.Milliseconds()
		p.ProcessingTimeMs = &ms
	}
}

func WithModelIdentifier(model string) ReportUpdateOption {
	return func(p *reportUpdateParams) {
		if model != "" {
			p.ModelIdentifier = &model
		}
	}
}
